package slug

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"
	"unicode"

	"github.com/jackc/pgx/v5/pgconn"
	"go.uber.org/zap"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
	"gorm.io/gorm"

	"onboarding-service/internal/apperr"
	"onboarding-service/internal/model"
	"onboarding-service/pkg/logger"
)

// slugPattern is the validity rule for tenant subdomains: lowercase
// alphanumerics and inner hyphens only, no leading or trailing hyphen.
var slugPattern = regexp.MustCompile(`^[a-z0-9]([a-z0-9-]*[a-z0-9])?$`)

var disallowed = regexp.MustCompile(`[^a-z0-9]+`)

// reserved names can never be allocated as tenant subdomains
var reserved = map[string]bool{
	"admin":    true,
	"api":      true,
	"www":      true,
	"app":      true,
	"mail":     true,
	"ftp":      true,
	"root":     true,
	"test":     true,
	"staging":  true,
	"status":   true,
	"internal": true,
}

const maxSlugLen = 63

// Allocator derives unique, URL-safe tenant subdomains and reserves them
// against the control-plane database.
type Allocator struct {
	db          *gorm.DB
	maxAttempts int
}

// NewAllocator creates an Allocator. maxAttempts bounds collision retries.
func NewAllocator(db *gorm.DB, maxAttempts int) *Allocator {
	if maxAttempts <= 0 {
		maxAttempts = 50
	}
	return &Allocator{db: db, maxAttempts: maxAttempts}
}

// Normalize folds a free-form name into slug form: accents stripped,
// lowercased, runs of disallowed characters collapsed to a single hyphen,
// leading/trailing hyphens removed.
func Normalize(name string) string {
	folded := stripAccents(strings.ToLower(name))
	s := disallowed.ReplaceAllString(folded, "-")
	s = strings.Trim(s, "-")
	if len(s) > maxSlugLen {
		s = strings.Trim(s[:maxSlugLen], "-")
	}
	return s
}

// Valid reports whether s satisfies the subdomain validity rule and is not a
// reserved name.
func Valid(s string) bool {
	return s != "" && len(s) <= maxSlugLen && slugPattern.MatchString(s) && !reserved[s]
}

// Allocate derives a candidate slug from the organization name, falling back
// to the email local-part and then a timestamp-based name, and reserves the
// first free variant. The insert into subdomain_reservations is the atomic
// check-and-reserve: a unique violation means another caller won that name
// and the next suffix is tried.
func (a *Allocator) Allocate(ctx context.Context, organizationName, email, registrationID string) (string, error) {
	log := logger.FromContext(ctx)

	base := Normalize(organizationName)
	if !Valid(base) {
		base = Normalize(localPart(email))
	}
	if !Valid(base) {
		base = fmt.Sprintf("tenant-%d", time.Now().UnixNano())
	}

	for i := 0; i < a.maxAttempts; i++ {
		candidate := base
		if i > 0 {
			candidate = fmt.Sprintf("%s-%d", base, i)
		}
		if !Valid(candidate) {
			continue
		}

		reservation := model.SubdomainReservation{
			Subdomain:      candidate,
			RegistrationID: registrationID,
		}
		err := a.db.WithContext(ctx).Create(&reservation).Error
		if err == nil {
			if i > 0 {
				log.Info("Subdomain collision resolved",
					zap.String("base", base),
					zap.String("subdomain", candidate),
					zap.Int("suffix", i))
			}
			return candidate, nil
		}
		if isUniqueViolation(err) {
			continue
		}
		return "", apperr.Wrap(apperr.ErrorTypeInfrastructure, "failed to reserve subdomain", err)
	}

	log.Warn("Subdomain allocation exhausted",
		zap.String("base", base),
		zap.Int("max_attempts", a.maxAttempts))
	return "", apperr.New(apperr.ErrorTypeConflict, "subdomain allocation exhausted", nil).WithDetail("base", base)
}

// Release frees the reservation held by a registration so the subdomain
// becomes allocatable again.
func (a *Allocator) Release(ctx context.Context, registrationID string) error {
	return a.db.WithContext(ctx).
		Where("registration_id = ?", registrationID).
		Delete(&model.SubdomainReservation{}).Error
}

func localPart(email string) string {
	at := strings.IndexByte(email, '@')
	if at <= 0 {
		return ""
	}
	return email[:at]
}

func stripAccents(s string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	out, _, err := transform.String(t, s)
	if err != nil {
		return s
	}
	return out
}

func isUniqueViolation(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return true
	}
	// sqlite, used by the test suite
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
