package provisioner

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"onboarding-service/internal/apperr"
	"onboarding-service/internal/credential"
	"onboarding-service/internal/model"
	"onboarding-service/pkg/config"
	"onboarding-service/pkg/logger"
	"onboarding-service/prometheus"
)

// Step completion states recorded on the registration
const (
	stepCompleted = "completed"
	stepFailed    = "failed"
)

// OpenTenantFunc opens a handle to one tenant database. The handle is scoped
// to a single provisioning call and closed when it returns; no global
// connection is ever switched.
type OpenTenantFunc func(dbName string) (*gorm.DB, error)

// Result is the outcome of a provisioning run. DatabasePassword and
// AdminPassword are plaintext secrets present only on the first successful
// run; idempotent replays never carry them again.
type Result struct {
	RegistrationID   string `json:"registration_id"`
	Subdomain        string `json:"subdomain"`
	URL              string `json:"url"`
	DatabaseName     string `json:"database_name"`
	Host             string `json:"host"`
	Port             string `json:"port"`
	Username         string `json:"username"`
	DatabasePassword string `json:"database_password,omitempty"`
	AdminEmail       string `json:"admin_email"`
	AdminPassword    string `json:"admin_password,omitempty"`
	IsIdempotent     bool   `json:"is_idempotent"`
}

// Redacted returns a copy safe for storage and replay: plaintext credentials
// stripped, idempotency flagged.
func (r *Result) Redacted() *Result {
	cp := *r
	cp.DatabasePassword = ""
	cp.AdminPassword = ""
	cp.IsIdempotent = true
	return &cp
}

// Provisioner creates tenant databases, applies schema and seeds the first
// administrator. All DDL against the cluster runs with the platform
// credentials; the generated tenant credential pair is least-privilege and
// handed to the caller once.
type Provisioner struct {
	db         *gorm.DB
	cfg        *config.Config
	openTenant OpenTenantFunc
	execDDL    DDLFunc
}

// DDLFunc executes one cluster-level statement (CREATE DATABASE and friends);
// these cannot run inside a transaction.
type DDLFunc func(ctx context.Context, stmt string) error

// New creates a Provisioner using the control-plane handle and the default
// postgres tenant opener.
func New(db *gorm.DB, cfg *config.Config) *Provisioner {
	p := &Provisioner{db: db, cfg: cfg}
	p.openTenant = func(dbName string) (*gorm.DB, error) {
		dsn := cfg.DB.TenantDSN(dbName, cfg.DB.User, cfg.DB.Password)
		return gorm.Open(postgres.New(postgres.Config{
			DSN:                  dsn,
			PreferSimpleProtocol: true,
		}), &gorm.Config{Logger: gormlogger.Default.LogMode(gormlogger.Silent)})
	}
	p.execDDL = func(ctx context.Context, stmt string) error {
		return db.WithContext(ctx).Exec(stmt).Error
	}
	return p
}

// NewWithOpener creates a Provisioner with a custom tenant opener and DDL
// executor. Used by the test suite to provision against in-memory databases.
func NewWithOpener(db *gorm.DB, cfg *config.Config, open OpenTenantFunc, ddl DDLFunc) *Provisioner {
	return &Provisioner{db: db, cfg: cfg, openTenant: open, execDDL: ddl}
}

// Provision runs the pipeline for a registration: create database, apply
// schema, seed admin. Completed steps are recorded on reg.StepStatus and
// skipped on retry, so a failed run can be re-driven without repeating work.
// The caller persists reg after the call, success or failure.
func (p *Provisioner) Provision(ctx context.Context, reg *model.OnboardingRegistration, set MigrationSet, adminEmail string) (*Result, error) {
	log := logger.FromContext(ctx).With(
		zap.String("registration_id", reg.RegistrationID),
		zap.String("subdomain", reg.Subdomain))

	if err := set.Validate(); err != nil {
		return nil, err
	}

	steps := parseStepStatus(reg.StepStatus)
	result := &Result{
		RegistrationID: reg.RegistrationID,
		Subdomain:      reg.Subdomain,
		URL:            fmt.Sprintf("https://%s.%s", reg.Subdomain, p.cfg.Onboarding.BaseDomain),
		AdminEmail:     adminEmail,
	}

	// Step 1: physical database with a dedicated credential pair
	appDB, dbPassword, err := p.ensureDatabase(ctx, reg, steps, log)
	if err != nil {
		reg.StepStatus = marshalStepStatus(steps)
		reg.FailureReason = err.Error()
		return nil, err
	}
	result.DatabaseName = appDB.Name
	result.Host = appDB.Host
	result.Port = appDB.Port
	result.Username = appDB.Username
	result.DatabasePassword = dbPassword

	// Step 2: baseline schema plus caller-supplied migrations
	if err := p.applyMigrations(ctx, reg, steps, appDB, set, log); err != nil {
		reg.StepStatus = marshalStepStatus(steps)
		reg.FailureReason = err.Error()
		return nil, err
	}

	// Step 3: first administrator account
	adminPassword, err := p.seedAdmin(ctx, reg, steps, appDB, adminEmail, log)
	if err != nil {
		reg.StepStatus = marshalStepStatus(steps)
		reg.FailureReason = err.Error()
		return nil, err
	}
	result.AdminPassword = adminPassword

	reg.StepStatus = marshalStepStatus(steps)
	reg.FailureReason = ""
	log.Info("Tenant provisioned",
		zap.String("database", appDB.Name),
		zap.String("admin_email", adminEmail))
	return result, nil
}

func (p *Provisioner) ensureDatabase(ctx context.Context, reg *model.OnboardingRegistration, steps map[string]string, log *zap.Logger) (*model.AppDatabase, string, error) {
	if steps[model.StepDatabase] == stepCompleted {
		// already created on a previous attempt; credentials are not re-emitted
		var existing model.AppDatabase
		if err := p.db.WithContext(ctx).
			Where("registration_id = ?", reg.RegistrationID).
			First(&existing).Error; err != nil {
			return nil, "", apperr.Wrap(apperr.ErrorTypeInfrastructure, "database record missing for completed step", err)
		}
		return &existing, "", nil
	}

	defer prometheus.TrackProvisioningStep(model.StepDatabase)(time.Now())

	ctx, cancel := context.WithTimeout(ctx, p.cfg.Onboarding.ProvisionStepTimeout)
	defer cancel()

	dbName := "tenant_" + strings.ReplaceAll(reg.Subdomain, "-", "_")
	username := "u_" + strings.ReplaceAll(reg.Subdomain, "-", "_")
	password, err := randomPassword()
	if err != nil {
		return nil, "", apperr.Wrap(apperr.ErrorTypeInfrastructure, "failed to generate tenant credential", err)
	}

	ddl := []string{
		fmt.Sprintf(`CREATE DATABASE %s`, quoteIdent(dbName)),
		fmt.Sprintf(`CREATE USER %s WITH PASSWORD '%s'`, quoteIdent(username), password),
		fmt.Sprintf(`GRANT ALL PRIVILEGES ON DATABASE %s TO %s`, quoteIdent(dbName), quoteIdent(username)),
	}
	for _, stmt := range ddl {
		if err := p.execDDL(ctx, stmt); err != nil {
			prometheus.RecordProvisioningStep(model.StepDatabase, "failure")
			log.Error("Tenant database creation failed", zap.Error(err))
			return nil, "", apperr.Wrap(apperr.ErrorTypeInfrastructure, "failed to create tenant database", err)
		}
	}

	appDB := model.AppDatabase{
		RegistrationID: reg.RegistrationID,
		Name:           dbName,
		Host:           p.cfg.DB.Host,
		Port:           p.cfg.DB.Port,
		Username:       username,
		PasswordHash:   credential.HashLookupSecret(password),
		Status:         model.DatabaseStatusActive,
	}
	if err := p.db.WithContext(ctx).Create(&appDB).Error; err != nil {
		prometheus.RecordProvisioningStep(model.StepDatabase, "failure")
		return nil, "", apperr.Wrap(apperr.ErrorTypeInfrastructure, "failed to record tenant database", err)
	}

	steps[model.StepDatabase] = stepCompleted
	prometheus.RecordProvisioningStep(model.StepDatabase, "success")
	log.Info("Tenant database created", zap.String("database", dbName))
	return &appDB, password, nil
}

func (p *Provisioner) applyMigrations(ctx context.Context, reg *model.OnboardingRegistration, steps map[string]string, appDB *model.AppDatabase, set MigrationSet, log *zap.Logger) error {
	if steps[model.StepMigrations] == stepCompleted {
		return nil
	}

	defer prometheus.TrackProvisioningStep(model.StepMigrations)(time.Now())

	ctx, cancel := context.WithTimeout(ctx, p.cfg.Onboarding.ProvisionStepTimeout)
	defer cancel()

	tdb, err := p.openTenant(appDB.Name)
	if err != nil {
		prometheus.RecordProvisioningStep(model.StepMigrations, "failure")
		return apperr.Wrap(apperr.ErrorTypeInfrastructure, "failed to connect to tenant database", err)
	}
	defer closeTenant(tdb)

	// baseline schema first, then the caller's declarative steps
	if err := tdb.WithContext(ctx).AutoMigrate(&model.TenantAdmin{}, &model.TenantSettings{}); err != nil {
		return p.failMigrations(ctx, reg, steps, appDB, log, err)
	}
	for _, step := range set {
		if err := tdb.WithContext(ctx).Exec(step.SQL()).Error; err != nil {
			return p.failMigrations(ctx, reg, steps, appDB, log, err)
		}
	}

	steps[model.StepMigrations] = stepCompleted
	prometheus.RecordProvisioningStep(model.StepMigrations, "success")

	// a retry after a failed run leaves the database healthy again
	if appDB.Status == model.DatabaseStatusFailed {
		if err := p.db.WithContext(ctx).
			Model(&model.AppDatabase{}).
			Where("id = ?", appDB.ID).
			Update("status", model.DatabaseStatusActive).Error; err != nil {
			log.Error("Failed to restore tenant database status", zap.Error(err))
		}
	}

	log.Info("Tenant schema applied", zap.Int("caller_steps", len(set)))
	return nil
}

// failMigrations marks the tenant database partially applied. No rollback of
// caller-supplied migrations is attempted; the registration stays eligible
// for manual or re-driven retry.
func (p *Provisioner) failMigrations(ctx context.Context, reg *model.OnboardingRegistration, steps map[string]string, appDB *model.AppDatabase, log *zap.Logger, cause error) error {
	steps[model.StepMigrations] = stepFailed
	prometheus.RecordProvisioningStep(model.StepMigrations, "failure")
	log.Error("Tenant migrations failed, database left partially applied", zap.Error(cause))

	if err := p.db.WithContext(ctx).
		Model(&model.AppDatabase{}).
		Where("id = ?", appDB.ID).
		Update("status", model.DatabaseStatusFailed).Error; err != nil {
		log.Error("Failed to flag tenant database as failed", zap.Error(err))
	}
	return apperr.Wrap(apperr.ErrorTypeInfrastructure, "failed to apply tenant migrations", cause)
}

func (p *Provisioner) seedAdmin(ctx context.Context, reg *model.OnboardingRegistration, steps map[string]string, appDB *model.AppDatabase, adminEmail string, log *zap.Logger) (string, error) {
	if steps[model.StepAdmin] == stepCompleted {
		return "", nil
	}

	defer prometheus.TrackProvisioningStep(model.StepAdmin)(time.Now())

	ctx, cancel := context.WithTimeout(ctx, p.cfg.Onboarding.ProvisionStepTimeout)
	defer cancel()

	password, err := randomPassword()
	if err != nil {
		return "", apperr.Wrap(apperr.ErrorTypeInfrastructure, "failed to generate admin password", err)
	}
	hash, err := credential.HashPassword(password)
	if err != nil {
		return "", apperr.Wrap(apperr.ErrorTypeInfrastructure, "failed to hash admin password", err)
	}

	tdb, err := p.openTenant(appDB.Name)
	if err != nil {
		prometheus.RecordProvisioningStep(model.StepAdmin, "failure")
		return "", apperr.Wrap(apperr.ErrorTypeInfrastructure, "failed to connect to tenant database", err)
	}
	defer closeTenant(tdb)

	admin := model.TenantAdmin{
		Email:        adminEmail,
		PasswordHash: hash,
		Role:         "admin",
		Active:       true,
	}
	if err := tdb.WithContext(ctx).Create(&admin).Error; err != nil {
		prometheus.RecordProvisioningStep(model.StepAdmin, "failure")
		log.Error("Failed to seed tenant administrator", zap.Error(err))
		return "", apperr.Wrap(apperr.ErrorTypeInfrastructure, "failed to seed tenant administrator", err)
	}

	defaults := []model.TenantSettings{
		{Key: "organization_name", Value: reg.OrganizationName},
		{Key: "theme", Value: "default"},
	}
	if err := tdb.WithContext(ctx).Create(&defaults).Error; err != nil {
		prometheus.RecordProvisioningStep(model.StepAdmin, "failure")
		return "", apperr.Wrap(apperr.ErrorTypeInfrastructure, "failed to seed tenant settings", err)
	}

	steps[model.StepAdmin] = stepCompleted
	prometheus.RecordProvisioningStep(model.StepAdmin, "success")
	return password, nil
}

// Deprovision drops a tenant database. Destructive and admin-only; logged at
// warn level with the actor left to the caller's audit trail.
func (p *Provisioner) Deprovision(ctx context.Context, registrationID string) error {
	log := logger.FromContext(ctx)

	var appDB model.AppDatabase
	if err := p.db.WithContext(ctx).
		Where("registration_id = ?", registrationID).
		First(&appDB).Error; err != nil {
		return apperr.Wrap(apperr.ErrorTypeNotFound, "tenant database not found", err)
	}

	if err := p.execDDL(ctx, fmt.Sprintf(`DROP DATABASE IF EXISTS %s`, quoteIdent(appDB.Name))); err != nil {
		return apperr.Wrap(apperr.ErrorTypeInfrastructure, "failed to drop tenant database", err)
	}

	log.Warn("Tenant database dropped",
		zap.String("registration_id", registrationID),
		zap.String("database", appDB.Name))
	return p.db.WithContext(ctx).
		Model(&appDB).
		Update("status", model.DatabaseStatusDeprovisioned).Error
}

func parseStepStatus(raw datatypes.JSON) map[string]string {
	steps := map[string]string{}
	if len(raw) > 0 {
		_ = json.Unmarshal(raw, &steps)
	}
	return steps
}

func marshalStepStatus(steps map[string]string) datatypes.JSON {
	body, _ := json.Marshal(steps)
	return datatypes.JSON(body)
}

func randomPassword() (string, error) {
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

func closeTenant(db *gorm.DB) {
	if sqlDB, err := db.DB(); err == nil {
		sqlDB.Close()
	}
}
