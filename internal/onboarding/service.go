package onboarding

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"onboarding-service/internal/apperr"
	"onboarding-service/internal/credential"
	"onboarding-service/internal/model"
	"onboarding-service/internal/provisioner"
	"onboarding-service/internal/ratelimit"
	"onboarding-service/internal/slug"
	"onboarding-service/internal/webhook"
	"onboarding-service/pkg/config"
	"onboarding-service/pkg/logger"
	"onboarding-service/prometheus"
)

var emailPattern = regexp.MustCompile(`^[^@\s]+@[^@\s]+\.[^@\s]+$`)

// EventPublisher is the webhook boundary: deliveries are asynchronous and
// their failures never propagate back into a lifecycle transition.
type EventPublisher interface {
	Publish(ctx context.Context, applicationID uint, event string, data interface{}) int
}

// ProvisionGuard is the idempotency boundary around provision calls,
// implemented by ratelimit.Guard.
type ProvisionGuard interface {
	Begin(ctx context.Context, registrationID string) (json.RawMessage, error)
	Commit(ctx context.Context, registrationID string, response interface{}) error
	Abort(ctx context.Context, registrationID string) error
}

// StartRequest is the input to the start transition
type StartRequest struct {
	OrganizationName string                 `json:"organization_name"`
	Email            string                 `json:"email"`
	Metadata         map[string]interface{} `json:"metadata,omitempty"`
}

// ProvisionResult is what the provision transition hands back to the API
// layer. It wraps the provisioner result plus the activation token issued on
// first success.
type ProvisionResult struct {
	provisioner.Result
	ActivationToken string `json:"activation_token,omitempty"`
}

// Service owns the registration lifecycle. Every mutation of a registration
// goes through one of its transition functions, each of which locks the
// single affected row so concurrent attempts on different registrations never
// contend.
type Service struct {
	db        *gorm.DB
	cfg       *config.Config
	allocator *slug.Allocator
	prov      *provisioner.Provisioner
	guard     ProvisionGuard
	publisher EventPublisher
}

// NewService wires the lifecycle service
func NewService(db *gorm.DB, cfg *config.Config, allocator *slug.Allocator, prov *provisioner.Provisioner, guard ProvisionGuard, publisher EventPublisher) *Service {
	return &Service{
		db:        db,
		cfg:       cfg,
		allocator: allocator,
		prov:      prov,
		guard:     guard,
		publisher: publisher,
	}
}

// Start creates a pending registration with a freshly allocated subdomain.
func (s *Service) Start(ctx context.Context, app *model.Application, req StartRequest) (*model.OnboardingRegistration, error) {
	log := logger.FromContext(ctx)
	prometheus.RecordOnboardingOperation("start")

	if req.OrganizationName == "" {
		return nil, apperr.New(apperr.ErrorTypeValidation, "organization_name is required", nil)
	}
	if !emailPattern.MatchString(req.Email) {
		return nil, apperr.New(apperr.ErrorTypeValidation, "a valid email is required", nil)
	}

	registrationID := uuid.New().String()
	subdomain, err := s.allocator.Allocate(ctx, req.OrganizationName, req.Email, registrationID)
	if err != nil {
		return nil, err
	}

	var metadata datatypes.JSON
	if req.Metadata != nil {
		body, err := json.Marshal(req.Metadata)
		if err != nil {
			return nil, apperr.New(apperr.ErrorTypeValidation, "metadata is not serializable", err)
		}
		metadata = datatypes.JSON(body)
	}

	reg := model.OnboardingRegistration{
		RegistrationID:   registrationID,
		ApplicationID:    app.ID,
		Email:            req.Email,
		OrganizationName: req.OrganizationName,
		Subdomain:        subdomain,
		Status:           model.RegistrationStatusPending,
		Metadata:         metadata,
	}
	if err := s.db.WithContext(ctx).Create(&reg).Error; err != nil {
		// free the reservation so the name is not leaked by a failed insert
		if relErr := s.allocator.Release(ctx, registrationID); relErr != nil {
			log.Error("Failed to release subdomain after registration failure", zap.Error(relErr))
		}
		return nil, apperr.Wrap(apperr.ErrorTypeInfrastructure, "failed to create registration", err)
	}

	log.Info("Registration created",
		zap.String("registration_id", registrationID),
		zap.String("subdomain", subdomain),
		zap.String("organization", req.OrganizationName))
	return &reg, nil
}

// Get loads a registration owned by app
func (s *Service) Get(ctx context.Context, app *model.Application, registrationID string) (*model.OnboardingRegistration, error) {
	var reg model.OnboardingRegistration
	err := s.db.WithContext(ctx).
		Where("registration_id = ? AND application_id = ?", registrationID, app.ID).
		First(&reg).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, apperr.New(apperr.ErrorTypeNotFound, "registration not found", nil)
	}
	if err != nil {
		return nil, apperr.Wrap(apperr.ErrorTypeInfrastructure, "failed to load registration", err)
	}
	return &reg, nil
}

// Provision drives the provisioning pipeline for a pending registration and
// transitions it to activated. Replays on an already-provisioned registration
// return the stored result with is_idempotent set and no plaintext secrets.
func (s *Service) Provision(ctx context.Context, app *model.Application, registrationID string, set provisioner.MigrationSet) (*ProvisionResult, error) {
	log := logger.FromContext(ctx)
	prometheus.RecordOnboardingOperation("provision")

	reg, err := s.Get(ctx, app, registrationID)
	if err != nil {
		return nil, err
	}
	if reg.Status != model.RegistrationStatusPending && reg.Status != model.RegistrationStatusActivated {
		return nil, apperr.New(apperr.ErrorTypeStateTransition,
			fmt.Sprintf("cannot provision a %s registration", reg.Status), nil)
	}

	// idempotency claim: exactly one racing call does the work
	stored, err := s.guard.Begin(ctx, registrationID)
	if err != nil {
		if errors.Is(err, ratelimit.ErrInProgress) {
			return nil, apperr.New(apperr.ErrorTypeStateTransition, "provisioning already in progress, retry shortly", nil)
		}
		return nil, apperr.Wrap(apperr.ErrorTypeInfrastructure, "idempotency check failed", err)
	}
	if stored != nil {
		var result ProvisionResult
		if err := json.Unmarshal(stored, &result); err != nil {
			return nil, apperr.Wrap(apperr.ErrorTypeInfrastructure, "stored provision result unreadable", err)
		}
		result.IsIdempotent = true
		log.Info("Provision replayed idempotently", zap.String("registration_id", registrationID))
		return &result, nil
	}

	// claim won: count the attempt up front so a timeout or crash still shows
	if err := s.recordAttempt(ctx, reg); err != nil {
		s.abortClaim(ctx, registrationID, log)
		return nil, err
	}

	provResult, provErr := s.prov.Provision(ctx, reg, set, reg.Email)
	if provErr != nil {
		// registration stays pending with the failure recorded; caller may
		// retry subject to rate limits
		s.persistFailure(ctx, reg, log)
		s.abortClaim(ctx, registrationID, log)
		return nil, provErr
	}

	token, err := s.activate(ctx, reg)
	if err != nil {
		s.abortClaim(ctx, registrationID, log)
		return nil, err
	}

	result := &ProvisionResult{Result: *provResult, ActivationToken: token}
	redacted := &ProvisionResult{Result: *provResult.Redacted()}
	if err := s.guard.Commit(ctx, registrationID, redacted); err != nil {
		// leaving the claim in_progress would wedge every future provision;
		// release it so a retry can re-drive the completed steps
		log.Error("Failed to store idempotent provision result", zap.Error(err))
		s.abortClaim(ctx, registrationID, log)
	}

	// the plaintext database credential leaves with this response; flag it so
	// the one-time guarantee survives restarts
	if provResult.DatabasePassword != "" {
		if err := s.db.WithContext(ctx).Model(&model.AppDatabase{}).
			Where("registration_id = ?", registrationID).
			Update("credential_shown", true).Error; err != nil {
			log.Error("Failed to flag credential as shown", zap.Error(err))
		}
	}

	s.publisher.Publish(ctx, app.ID, webhook.EventOnboardingActivated, map[string]interface{}{
		"registration_id": reg.RegistrationID,
		"subdomain":       reg.Subdomain,
		"url":             provResult.URL,
		"status":          model.RegistrationStatusActivated,
	})

	return result, nil
}

// Complete consumes an activation token and moves the registration from
// activated to completed. A second use of the same token fails as invalid.
func (s *Service) Complete(ctx context.Context, token string) (*model.OnboardingRegistration, error) {
	log := logger.FromContext(ctx)
	prometheus.RecordOnboardingOperation("activate")

	var record model.ActivationToken
	err := s.db.WithContext(ctx).
		Where("token_hash = ?", credential.HashLookupSecret(token)).
		First(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, apperr.ErrTokenInvalid
	}
	if err != nil {
		return nil, apperr.Wrap(apperr.ErrorTypeInfrastructure, "failed to load activation token", err)
	}

	if err := credential.VerifyActivationToken(token, record.TokenHash, record.ExpiresAt, record.ConsumedAt, time.Now()); err != nil {
		return nil, err
	}

	var reg model.OnboardingRegistration
	err = s.transact(ctx, record.RegistrationID, &reg, func(tx *gorm.DB) error {
		if reg.Status != model.RegistrationStatusActivated {
			return apperr.New(apperr.ErrorTypeStateTransition,
				fmt.Sprintf("cannot complete a %s registration", reg.Status), nil)
		}
		now := time.Now()
		if err := tx.Model(&model.ActivationToken{}).
			Where("id = ? AND consumed_at IS NULL", record.ID).
			Update("consumed_at", now).Error; err != nil {
			return err
		}
		reg.Status = model.RegistrationStatusCompleted
		return tx.Save(&reg).Error
	})
	if err != nil {
		return nil, err
	}

	s.publisher.Publish(ctx, reg.ApplicationID, webhook.EventOnboardingCompleted, map[string]interface{}{
		"registration_id": reg.RegistrationID,
		"subdomain":       reg.Subdomain,
		"status":          reg.Status,
	})
	log.Info("Registration completed", zap.String("registration_id", reg.RegistrationID))
	return &reg, nil
}

// Cancel moves a pending or activated registration to cancelled and releases
// its subdomain reservation so the name becomes allocatable again.
func (s *Service) Cancel(ctx context.Context, app *model.Application, registrationID string) (*model.OnboardingRegistration, error) {
	log := logger.FromContext(ctx)
	prometheus.RecordOnboardingOperation("cancel")

	if _, err := s.Get(ctx, app, registrationID); err != nil {
		return nil, err
	}

	var reg model.OnboardingRegistration
	err := s.transact(ctx, registrationID, &reg, func(tx *gorm.DB) error {
		if reg.Status != model.RegistrationStatusPending && reg.Status != model.RegistrationStatusActivated {
			return apperr.New(apperr.ErrorTypeStateTransition,
				fmt.Sprintf("cannot cancel a %s registration", reg.Status), nil)
		}
		reg.Status = model.RegistrationStatusCancelled
		if err := tx.Save(&reg).Error; err != nil {
			return err
		}
		return tx.Where("registration_id = ?", registrationID).
			Delete(&model.SubdomainReservation{}).Error
	})
	if err != nil {
		return nil, err
	}

	s.publisher.Publish(ctx, app.ID, webhook.EventOnboardingCancelled, map[string]interface{}{
		"registration_id": reg.RegistrationID,
		"subdomain":       reg.Subdomain,
		"status":          reg.Status,
	})
	log.Info("Registration cancelled",
		zap.String("registration_id", registrationID),
		zap.String("subdomain", reg.Subdomain))
	return &reg, nil
}

// transact loads the registration under a row lock and runs fn inside the
// transaction. Locking is scoped to the one registration so unrelated
// provisioning never contends.
func (s *Service) transact(ctx context.Context, registrationID string, reg *model.OnboardingRegistration, fn func(tx *gorm.DB) error) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		q := tx
		if tx.Dialector.Name() == "postgres" {
			q = tx.Clauses(clause.Locking{Strength: "UPDATE"})
		}
		if err := q.Where("registration_id = ?", registrationID).First(reg).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return apperr.New(apperr.ErrorTypeNotFound, "registration not found", nil)
			}
			return apperr.Wrap(apperr.ErrorTypeInfrastructure, "failed to lock registration", err)
		}
		return fn(tx)
	})
}

func (s *Service) recordAttempt(ctx context.Context, reg *model.OnboardingRegistration) error {
	err := s.transact(ctx, reg.RegistrationID, reg, func(tx *gorm.DB) error {
		reg.ProvisioningAttempts++
		return tx.Save(reg).Error
	})
	if err != nil {
		return apperr.Wrap(apperr.ErrorTypeInfrastructure, "failed to record provisioning attempt", err)
	}
	return nil
}

// activate records the successful outcome and issues the activation token.
func (s *Service) activate(ctx context.Context, reg *model.OnboardingRegistration) (string, error) {
	issued, err := credential.Issue(credential.KindActivationToken)
	if err != nil {
		return "", apperr.Wrap(apperr.ErrorTypeInfrastructure, "failed to issue activation token", err)
	}
	prometheus.RecordCredentialIssued(string(credential.KindActivationToken))

	stepStatus := reg.StepStatus
	err = s.transact(ctx, reg.RegistrationID, reg, func(tx *gorm.DB) error {
		// the row may have moved to a terminal state while the pipeline ran;
		// a cancelled registration is never resurrected
		if reg.Status != model.RegistrationStatusPending && reg.Status != model.RegistrationStatusActivated {
			return apperr.New(apperr.ErrorTypeStateTransition,
				fmt.Sprintf("cannot activate a %s registration", reg.Status), nil)
		}
		reg.Status = model.RegistrationStatusActivated
		reg.DNSConfigured = true
		reg.SSLConfigured = true
		reg.StepStatus = stepStatus
		reg.FailureReason = ""
		if err := tx.Save(reg).Error; err != nil {
			return err
		}
		return tx.Create(&model.ActivationToken{
			TokenHash:      issued.StoredHash,
			RegistrationID: reg.RegistrationID,
			ExpiresAt:      time.Now().Add(s.cfg.Onboarding.ActivationTokenTTL),
		}).Error
	})
	if err != nil {
		if apperr.TypeOf(err) == apperr.ErrorTypeStateTransition {
			return "", err
		}
		return "", apperr.Wrap(apperr.ErrorTypeInfrastructure, "failed to record activation", err)
	}
	return issued.Plaintext, nil
}

func (s *Service) persistFailure(ctx context.Context, reg *model.OnboardingRegistration, log *zap.Logger) {
	stepStatus := reg.StepStatus
	failureReason := reg.FailureReason
	err := s.transact(ctx, reg.RegistrationID, reg, func(tx *gorm.DB) error {
		if reg.Status != model.RegistrationStatusPending && reg.Status != model.RegistrationStatusActivated {
			// moved to a terminal state mid-pipeline; leave the row as it is
			return nil
		}
		reg.StepStatus = stepStatus
		reg.FailureReason = failureReason
		return tx.Save(reg).Error
	})
	if err != nil {
		log.Error("Failed to persist provisioning failure", zap.Error(err))
	}
}

func (s *Service) abortClaim(ctx context.Context, registrationID string, log *zap.Logger) {
	if err := s.guard.Abort(ctx, registrationID); err != nil {
		log.Error("Failed to release idempotency claim", zap.Error(err))
	}
}
