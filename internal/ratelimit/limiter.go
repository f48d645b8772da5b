package ratelimit

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"onboarding-service/internal/apperr"
	"onboarding-service/internal/model"
)

// Result reports the outcome of a bucket check. Limit/Remaining/ResetAt are
// populated on every response, allowed or not, so handlers can always emit
// the rate-limit headers.
type Result struct {
	Allowed    bool
	Limit      int
	Remaining  int
	ResetAt    time.Time
	RetryAfter time.Duration
}

// Limiter maintains fixed-window counters in the control-plane database.
// Buckets are shared counters updated with an atomic upsert-increment, so
// concurrent requests from many handlers never lose updates.
type Limiter struct {
	db *gorm.DB
}

// NewLimiter creates a Limiter backed by db
func NewLimiter(db *gorm.DB) *Limiter {
	return &Limiter{db: db}
}

// CheckAndConsume increments the bucket's counter for the current window and
// compares it against limit. Denials carry the remaining window duration as
// RetryAfter.
func (l *Limiter) CheckAndConsume(ctx context.Context, bucketKey string, limit int, window time.Duration) (*Result, error) {
	now := time.Now().UTC()
	windowStart := now.Truncate(window)
	resetAt := windowStart.Add(window)

	counter := model.RateLimitCounter{
		BucketKey:   bucketKey,
		WindowStart: windowStart,
		Count:       1,
	}

	// increment-and-compare: the upsert is the atomic step, and RETURNING
	// hands back this caller's own increment so two racers at the boundary
	// never read each other's count
	err := l.db.WithContext(ctx).Clauses(
		clause.OnConflict{
			Columns:   []clause.Column{{Name: "bucket_key"}, {Name: "window_start"}},
			DoUpdates: clause.Assignments(map[string]interface{}{
				"count":      gorm.Expr("rate_limit_counters.count + 1"),
				"updated_at": now,
			}),
		},
		clause.Returning{Columns: []clause.Column{{Name: "count"}}},
	).Create(&counter).Error
	if err != nil {
		return nil, fmt.Errorf("failed to update rate limit counter: %w", err)
	}

	remaining := limit - counter.Count
	if remaining < 0 {
		remaining = 0
	}

	if counter.Count > limit {
		return &Result{
			Allowed:    false,
			Limit:      limit,
			Remaining:  0,
			ResetAt:    resetAt,
			RetryAfter: time.Until(resetAt),
		}, nil
	}

	return &Result{
		Allowed:   true,
		Limit:     limit,
		Remaining: remaining,
		ResetAt:   resetAt,
	}, nil
}

// Err converts a denied Result into the taxonomy error carried to handlers
func (r *Result) Err() error {
	minutes := int(r.RetryAfter.Minutes()) + 1
	return apperr.New(apperr.ErrorTypeRateLimit, "rate limit exceeded", nil).
		WithDetail("retry_after_seconds", int(r.RetryAfter.Seconds())+1).
		WithDetail("retry_after_minutes", minutes)
}

// CleanupOldWindows removes counters whose window ended before cutoff.
// Intended to be run periodically.
func (l *Limiter) CleanupOldWindows(ctx context.Context, olderThan time.Duration) (int64, error) {
	cutoff := time.Now().UTC().Add(-olderThan)
	res := l.db.WithContext(ctx).
		Where("window_start < ?", cutoff).
		Delete(&model.RateLimitCounter{})
	return res.RowsAffected, res.Error
}
