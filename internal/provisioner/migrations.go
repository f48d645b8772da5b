package provisioner

import (
	"fmt"
	"regexp"
	"strings"

	"onboarding-service/internal/apperr"
)

// Callers supply schema changes as declarative steps, never as executable
// code. The interpreter builds DDL from validated identifiers only.

// Migration step operations
const (
	OpCreateTable = "create_table"
	OpAddColumn   = "add_column"
	OpCreateIndex = "create_index"
)

// columnTypes is the closed set of caller-usable column types
var columnTypes = map[string]string{
	"string":    "varchar(255)",
	"text":      "text",
	"integer":   "integer",
	"bigint":    "bigint",
	"boolean":   "boolean",
	"timestamp": "timestamp",
	"jsonb":     "jsonb",
	"decimal":   "decimal(18,4)",
}

// identPattern is the rule for caller-supplied table, column and index names
var identPattern = regexp.MustCompile(`^[a-z_][a-z0-9_]{0,62}$`)

// Column describes one column in a caller-supplied migration step
type Column struct {
	Name    string `json:"name"`
	Type    string `json:"type"`
	NotNull bool   `json:"not_null,omitempty"`
}

// Step is one declarative schema operation
type Step struct {
	Op           string   `json:"op"`
	Table        string   `json:"table"`
	Columns      []Column `json:"columns,omitempty"`       // create_table
	Column       *Column  `json:"column,omitempty"`        // add_column
	IndexName    string   `json:"index_name,omitempty"`    // create_index
	IndexColumns []string `json:"index_columns,omitempty"` // create_index
	Unique       bool     `json:"unique,omitempty"`        // create_index
}

// MigrationSet is an ordered list of caller-supplied schema operations
type MigrationSet []Step

// Validate checks every step before any DDL is generated
func (m MigrationSet) Validate() error {
	for i, step := range m {
		if err := step.validate(); err != nil {
			return apperr.New(apperr.ErrorTypeValidation, fmt.Sprintf("migration step %d: %v", i, err), err)
		}
	}
	return nil
}

func (s *Step) validate() error {
	if !identPattern.MatchString(s.Table) {
		return fmt.Errorf("invalid table name %q", s.Table)
	}

	switch s.Op {
	case OpCreateTable:
		if len(s.Columns) == 0 {
			return fmt.Errorf("create_table requires at least one column")
		}
		for _, col := range s.Columns {
			if err := col.validate(); err != nil {
				return err
			}
		}
	case OpAddColumn:
		if s.Column == nil {
			return fmt.Errorf("add_column requires a column")
		}
		if err := s.Column.validate(); err != nil {
			return err
		}
	case OpCreateIndex:
		if !identPattern.MatchString(s.IndexName) {
			return fmt.Errorf("invalid index name %q", s.IndexName)
		}
		if len(s.IndexColumns) == 0 {
			return fmt.Errorf("create_index requires at least one column")
		}
		for _, col := range s.IndexColumns {
			if !identPattern.MatchString(col) {
				return fmt.Errorf("invalid index column %q", col)
			}
		}
	default:
		return fmt.Errorf("unknown op %q", s.Op)
	}
	return nil
}

func (c *Column) validate() error {
	if !identPattern.MatchString(c.Name) {
		return fmt.Errorf("invalid column name %q", c.Name)
	}
	if _, ok := columnTypes[c.Type]; !ok {
		return fmt.Errorf("unknown column type %q", c.Type)
	}
	return nil
}

// SQL renders the step as a single DDL statement. Validate must have been
// called first; identifiers are quoted defensively anyway.
func (s *Step) SQL() string {
	switch s.Op {
	case OpCreateTable:
		cols := make([]string, 0, len(s.Columns)+1)
		cols = append(cols, `"id" bigserial PRIMARY KEY`)
		for _, col := range s.Columns {
			cols = append(cols, col.sql())
		}
		return fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (%s)`, quoteIdent(s.Table), strings.Join(cols, ", "))
	case OpAddColumn:
		return fmt.Sprintf(`ALTER TABLE %s ADD COLUMN IF NOT EXISTS %s`, quoteIdent(s.Table), s.Column.sql())
	case OpCreateIndex:
		unique := ""
		if s.Unique {
			unique = "UNIQUE "
		}
		quoted := make([]string, len(s.IndexColumns))
		for i, col := range s.IndexColumns {
			quoted[i] = quoteIdent(col)
		}
		return fmt.Sprintf(`CREATE %sINDEX IF NOT EXISTS %s ON %s (%s)`,
			unique, quoteIdent(s.IndexName), quoteIdent(s.Table), strings.Join(quoted, ", "))
	}
	return ""
}

func (c *Column) sql() string {
	stmt := fmt.Sprintf("%s %s", quoteIdent(c.Name), columnTypes[c.Type])
	if c.NotNull {
		stmt += " NOT NULL"
	}
	return stmt
}

func quoteIdent(ident string) string {
	return `"` + strings.ReplaceAll(ident, `"`, ``) + `"`
}
