package provisioner

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"onboarding-service/internal/apperr"
	"onboarding-service/internal/credential"
	"onboarding-service/internal/model"
	"onboarding-service/internal/testutil"
)

// testCluster fakes the database cluster: DDL statements are recorded
// instead of executed, and tenant handles open isolated in-memory databases
// that stay alive for inspection after the provisioner closes its own.
type testCluster struct {
	statements []string
	keepAlive  []*gorm.DB
}

func (c *testCluster) ddl(_ context.Context, stmt string) error {
	c.statements = append(c.statements, stmt)
	return nil
}

func (c *testCluster) open(t *testing.T) OpenTenantFunc {
	return func(dbName string) (*gorm.DB, error) {
		dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", dbName)
		db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
			Logger: gormlogger.Default.LogMode(gormlogger.Silent),
		})
		if err != nil {
			return nil, err
		}
		// hold a second handle so the shared in-memory database survives
		// the provisioner closing its connection
		pin, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
			Logger: gormlogger.Default.LogMode(gormlogger.Silent),
		})
		if err != nil {
			return nil, err
		}
		c.keepAlive = append(c.keepAlive, pin)
		t.Cleanup(func() {
			if sqlDB, err := pin.DB(); err == nil {
				sqlDB.Close()
			}
		})
		return db, nil
	}
}

// tenant returns an inspection handle onto the tenant database named dbName
func (c *testCluster) tenant(t *testing.T, dbName string) *gorm.DB {
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", dbName)
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	require.NoError(t, err)
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			sqlDB.Close()
		}
	})
	return db
}

func newTestProvisioner(t *testing.T) (*Provisioner, *testCluster, *gorm.DB) {
	db := testutil.NewDB(t, &model.AppDatabase{})
	cluster := &testCluster{}
	p := NewWithOpener(db, testutil.NewConfig(), cluster.open(t), cluster.ddl)
	return p, cluster, db
}

func newRegistration(id, subdomain string) *model.OnboardingRegistration {
	return &model.OnboardingRegistration{
		RegistrationID:   id,
		Subdomain:        subdomain,
		OrganizationName: "Acme Corp",
		Email:            "admin@acme.com",
		Status:           model.RegistrationStatusPending,
	}
}

func TestProvision(t *testing.T) {
	p, cluster, db := newTestProvisioner(t)
	reg := newRegistration("reg-1", "acme-corp")

	set := MigrationSet{{
		Op:    OpCreateTable,
		Table: "projects",
		Columns: []Column{
			{Name: "name", Type: "string", NotNull: true},
		},
	}}

	result, err := p.Provision(context.Background(), reg, set, "admin@acme.com")
	require.NoError(t, err)

	assert.Equal(t, "reg-1", result.RegistrationID)
	assert.Equal(t, "https://acme-corp.example-saas.com", result.URL)
	assert.Equal(t, "tenant_acme_corp", result.DatabaseName)
	assert.Equal(t, "u_acme_corp", result.Username)
	assert.NotEmpty(t, result.DatabasePassword)
	assert.NotEmpty(t, result.AdminPassword)
	assert.False(t, result.IsIdempotent)

	// cluster DDL: database, user, grant
	require.Len(t, cluster.statements, 3)
	assert.Contains(t, cluster.statements[0], `CREATE DATABASE "tenant_acme_corp"`)
	assert.Contains(t, cluster.statements[1], `CREATE USER "u_acme_corp"`)
	assert.Contains(t, cluster.statements[2], "GRANT ALL PRIVILEGES")

	// control-plane record with the hashed credential
	var appDB model.AppDatabase
	require.NoError(t, db.Where("registration_id = ?", "reg-1").First(&appDB).Error)
	assert.Equal(t, model.DatabaseStatusActive, appDB.Status)
	assert.Equal(t, credential.HashLookupSecret(result.DatabasePassword), appDB.PasswordHash)
	assert.False(t, appDB.CredentialShown)

	// all three steps recorded as completed on the registration
	var steps map[string]string
	require.NoError(t, json.Unmarshal(reg.StepStatus, &steps))
	assert.Equal(t, "completed", steps[model.StepDatabase])
	assert.Equal(t, "completed", steps[model.StepMigrations])
	assert.Equal(t, "completed", steps[model.StepAdmin])
	assert.Empty(t, reg.FailureReason)

	// the tenant database got its baseline schema, the admin and defaults
	tdb := cluster.tenant(t, "tenant_acme_corp")
	var admin model.TenantAdmin
	require.NoError(t, tdb.Where("email = ?", "admin@acme.com").First(&admin).Error)
	assert.True(t, credential.VerifyPassword(result.AdminPassword, admin.PasswordHash))
	assert.Equal(t, "admin", admin.Role)

	var orgName model.TenantSettings
	require.NoError(t, tdb.Where("key = ?", "organization_name").First(&orgName).Error)
	assert.Equal(t, "Acme Corp", orgName.Value)

	assert.True(t, tdb.Migrator().HasTable("projects"))
}

func TestProvisionRetrySkipsCompletedSteps(t *testing.T) {
	p, cluster, _ := newTestProvisioner(t)
	reg := newRegistration("reg-1", "retry-corp")

	first, err := p.Provision(context.Background(), reg, nil, "admin@acme.com")
	require.NoError(t, err)
	require.NotEmpty(t, first.DatabasePassword)
	ddlCount := len(cluster.statements)

	second, err := p.Provision(context.Background(), reg, nil, "admin@acme.com")
	require.NoError(t, err)

	// no new cluster DDL and no credentials re-emitted
	assert.Len(t, cluster.statements, ddlCount)
	assert.Empty(t, second.DatabasePassword)
	assert.Empty(t, second.AdminPassword)
	assert.Equal(t, first.DatabaseName, second.DatabaseName)
	assert.Equal(t, first.Username, second.Username)
}

func TestProvisionInvalidMigrationSetDoesNoWork(t *testing.T) {
	p, cluster, _ := newTestProvisioner(t)
	reg := newRegistration("reg-1", "invalid-corp")

	set := MigrationSet{{Op: "drop_table", Table: "projects"}}
	_, err := p.Provision(context.Background(), reg, set, "admin@acme.com")
	require.Error(t, err)
	assert.Equal(t, apperr.ErrorTypeValidation, apperr.TypeOf(err))
	assert.Empty(t, cluster.statements)
}

func TestProvisionMigrationFailure(t *testing.T) {
	p, _, db := newTestProvisioner(t)
	reg := newRegistration("reg-1", "failing-corp")

	// sqlite rejects ADD COLUMN IF NOT EXISTS, standing in for a schema
	// conflict against the tenant database
	set := MigrationSet{{
		Op:     OpAddColumn,
		Table:  "missing_table",
		Column: &Column{Name: "extra", Type: "text"},
	}}

	_, err := p.Provision(context.Background(), reg, set, "admin@acme.com")
	require.Error(t, err)
	assert.Equal(t, apperr.ErrorTypeInfrastructure, apperr.TypeOf(err))
	assert.NotEmpty(t, reg.FailureReason)

	var steps map[string]string
	require.NoError(t, json.Unmarshal(reg.StepStatus, &steps))
	assert.Equal(t, "completed", steps[model.StepDatabase])
	assert.Equal(t, "failed", steps[model.StepMigrations])
	assert.Empty(t, steps[model.StepAdmin])

	var appDB model.AppDatabase
	require.NoError(t, db.Where("registration_id = ?", "reg-1").First(&appDB).Error)
	assert.Equal(t, model.DatabaseStatusFailed, appDB.Status)
}

func TestProvisionRetryAfterMigrationFailureHealsDatabase(t *testing.T) {
	p, _, db := newTestProvisioner(t)
	reg := newRegistration("reg-1", "healed-corp")

	failing := MigrationSet{{
		Op:     OpAddColumn,
		Table:  "missing_table",
		Column: &Column{Name: "extra", Type: "text"},
	}}
	_, err := p.Provision(context.Background(), reg, failing, "admin@acme.com")
	require.Error(t, err)

	_, err = p.Provision(context.Background(), reg, nil, "admin@acme.com")
	require.NoError(t, err)

	var appDB model.AppDatabase
	require.NoError(t, db.Where("registration_id = ?", "reg-1").First(&appDB).Error)
	assert.Equal(t, model.DatabaseStatusActive, appDB.Status)

	var steps map[string]string
	require.NoError(t, json.Unmarshal(reg.StepStatus, &steps))
	assert.Equal(t, "completed", steps[model.StepMigrations])
	assert.Equal(t, "completed", steps[model.StepAdmin])
}

func TestDeprovision(t *testing.T) {
	p, cluster, db := newTestProvisioner(t)
	reg := newRegistration("reg-1", "drop-corp")

	_, err := p.Provision(context.Background(), reg, nil, "admin@acme.com")
	require.NoError(t, err)

	require.NoError(t, p.Deprovision(context.Background(), "reg-1"))

	last := cluster.statements[len(cluster.statements)-1]
	assert.Contains(t, last, `DROP DATABASE IF EXISTS "tenant_drop_corp"`)

	var appDB model.AppDatabase
	require.NoError(t, db.Where("registration_id = ?", "reg-1").First(&appDB).Error)
	assert.Equal(t, model.DatabaseStatusDeprovisioned, appDB.Status)
}

func TestDeprovisionUnknownRegistration(t *testing.T) {
	p, _, _ := newTestProvisioner(t)
	err := p.Deprovision(context.Background(), "missing")
	require.Error(t, err)
	assert.Equal(t, apperr.ErrorTypeNotFound, apperr.TypeOf(err))
}
