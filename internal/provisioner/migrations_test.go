package provisioner

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"onboarding-service/internal/apperr"
)

func TestMigrationSetValidate(t *testing.T) {
	tests := []struct {
		name    string
		set     MigrationSet
		wantErr string
	}{
		{
			name: "valid create_table",
			set: MigrationSet{{
				Op:    OpCreateTable,
				Table: "projects",
				Columns: []Column{
					{Name: "name", Type: "string", NotNull: true},
					{Name: "budget", Type: "decimal"},
				},
			}},
		},
		{
			name: "valid add_column",
			set: MigrationSet{{
				Op:     OpAddColumn,
				Table:  "projects",
				Column: &Column{Name: "archived", Type: "boolean"},
			}},
		},
		{
			name: "valid create_index",
			set: MigrationSet{{
				Op:           OpCreateIndex,
				Table:        "projects",
				IndexName:    "idx_projects_name",
				IndexColumns: []string{"name"},
				Unique:       true,
			}},
		},
		{
			name:    "unknown op",
			set:     MigrationSet{{Op: "drop_table", Table: "projects"}},
			wantErr: `unknown op "drop_table"`,
		},
		{
			name: "sql injection in table name",
			set: MigrationSet{{
				Op:      OpCreateTable,
				Table:   `projects"; DROP TABLE users; --`,
				Columns: []Column{{Name: "name", Type: "string"}},
			}},
			wantErr: "invalid table name",
		},
		{
			name: "uppercase identifier rejected",
			set: MigrationSet{{
				Op:      OpCreateTable,
				Table:   "Projects",
				Columns: []Column{{Name: "name", Type: "string"}},
			}},
			wantErr: "invalid table name",
		},
		{
			name: "unknown column type",
			set: MigrationSet{{
				Op:      OpCreateTable,
				Table:   "projects",
				Columns: []Column{{Name: "blob", Type: "bytea"}},
			}},
			wantErr: `unknown column type "bytea"`,
		},
		{
			name:    "create_table without columns",
			set:     MigrationSet{{Op: OpCreateTable, Table: "projects"}},
			wantErr: "at least one column",
		},
		{
			name:    "add_column without column",
			set:     MigrationSet{{Op: OpAddColumn, Table: "projects"}},
			wantErr: "requires a column",
		},
		{
			name: "create_index with bad column",
			set: MigrationSet{{
				Op:           OpCreateIndex,
				Table:        "projects",
				IndexName:    "idx_projects_bad",
				IndexColumns: []string{"name; --"},
			}},
			wantErr: "invalid index column",
		},
		{
			name: "second step bad reports its position",
			set: MigrationSet{
				{Op: OpCreateTable, Table: "projects", Columns: []Column{{Name: "name", Type: "string"}}},
				{Op: "truncate", Table: "projects"},
			},
			wantErr: "migration step 1",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.set.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Equal(t, apperr.ErrorTypeValidation, apperr.TypeOf(err))
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestStepSQL(t *testing.T) {
	tests := []struct {
		name string
		step Step
		want string
	}{
		{
			name: "create_table adds the id primary key",
			step: Step{
				Op:    OpCreateTable,
				Table: "projects",
				Columns: []Column{
					{Name: "name", Type: "string", NotNull: true},
					{Name: "meta", Type: "jsonb"},
				},
			},
			want: `CREATE TABLE IF NOT EXISTS "projects" ("id" bigserial PRIMARY KEY, "name" varchar(255) NOT NULL, "meta" jsonb)`,
		},
		{
			name: "add_column",
			step: Step{
				Op:     OpAddColumn,
				Table:  "projects",
				Column: &Column{Name: "archived", Type: "boolean", NotNull: true},
			},
			want: `ALTER TABLE "projects" ADD COLUMN IF NOT EXISTS "archived" boolean NOT NULL`,
		},
		{
			name: "create_index",
			step: Step{
				Op:           OpCreateIndex,
				Table:        "projects",
				IndexName:    "idx_projects_name",
				IndexColumns: []string{"name", "archived"},
			},
			want: `CREATE INDEX IF NOT EXISTS "idx_projects_name" ON "projects" ("name", "archived")`,
		},
		{
			name: "unique index",
			step: Step{
				Op:           OpCreateIndex,
				Table:        "projects",
				IndexName:    "idx_projects_name",
				IndexColumns: []string{"name"},
				Unique:       true,
			},
			want: `CREATE UNIQUE INDEX IF NOT EXISTS "idx_projects_name" ON "projects" ("name")`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.step.SQL())
		})
	}
}
