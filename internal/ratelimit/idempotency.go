package ratelimit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"onboarding-service/internal/model"
)

// ErrInProgress is returned by Begin when another provision call for the same
// registration is still running; callers should poll and retry shortly.
var ErrInProgress = errors.New("provision already in progress for this registration")

// Guard deduplicates provision calls keyed on the registration id. The
// unique insert of the in_progress record is the linearization point: when
// two calls race, exactly one performs the infrastructure work and the other
// observes either in-progress or the committed result. Claims older than
// staleAfter are treated as abandoned (crashed holder) and can be taken over.
type Guard struct {
	db         *gorm.DB
	staleAfter time.Duration
}

// NewGuard creates a Guard backed by db. staleAfter bounds how long an
// uncommitted claim blocks retries; zero disables takeover.
func NewGuard(db *gorm.DB, staleAfter time.Duration) *Guard {
	return &Guard{db: db, staleAfter: staleAfter}
}

// Begin claims the right to provision registrationID. It returns
// (nil, nil) when the claim is won, (stored, nil) when a completed result
// already exists, and (nil, ErrInProgress) when another call holds the claim.
func (g *Guard) Begin(ctx context.Context, registrationID string) (json.RawMessage, error) {
	record := model.IdempotencyRecord{
		RegistrationID: registrationID,
		Status:         model.IdempotencyStatusInProgress,
	}
	err := g.db.WithContext(ctx).Create(&record).Error
	if err == nil {
		return nil, nil
	}
	if !isDuplicateKey(err) {
		return nil, fmt.Errorf("failed to create idempotency record: %w", err)
	}

	var existing model.IdempotencyRecord
	if err := g.db.WithContext(ctx).
		Where("registration_id = ?", registrationID).
		First(&existing).Error; err != nil {
		return nil, fmt.Errorf("failed to load idempotency record: %w", err)
	}

	if existing.Status == model.IdempotencyStatusCompleted {
		return json.RawMessage(existing.ResponseBody), nil
	}

	// a claim whose holder died never reaches Commit or Abort; refreshing
	// updated_at with the staleness predicate in the WHERE clause lets exactly
	// one retrier take it over
	if g.staleAfter > 0 {
		cutoff := time.Now().Add(-g.staleAfter)
		if existing.UpdatedAt.Before(cutoff) {
			res := g.db.WithContext(ctx).
				Model(&model.IdempotencyRecord{}).
				Where("registration_id = ? AND status = ? AND updated_at < ?",
					registrationID, model.IdempotencyStatusInProgress, cutoff).
				Update("updated_at", time.Now())
			if res.Error != nil {
				return nil, fmt.Errorf("failed to reclaim stale idempotency record: %w", res.Error)
			}
			if res.RowsAffected == 1 {
				return nil, nil
			}
		}
	}
	return nil, ErrInProgress
}

// Commit stores the successful provision response so replays return it
// without re-running side effects.
func (g *Guard) Commit(ctx context.Context, registrationID string, response interface{}) error {
	body, err := json.Marshal(response)
	if err != nil {
		return fmt.Errorf("failed to marshal idempotent response: %w", err)
	}
	return g.db.WithContext(ctx).
		Model(&model.IdempotencyRecord{}).
		Where("registration_id = ?", registrationID).
		Updates(map[string]interface{}{
			"status":        model.IdempotencyStatusCompleted,
			"response_body": datatypes.JSON(body),
		}).Error
}

// Abort releases the claim after a failed attempt so the caller can retry.
func (g *Guard) Abort(ctx context.Context, registrationID string) error {
	return g.db.WithContext(ctx).
		Where("registration_id = ? AND status = ?", registrationID, model.IdempotencyStatusInProgress).
		Delete(&model.IdempotencyRecord{}).Error
}

func isDuplicateKey(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return true
	}
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
