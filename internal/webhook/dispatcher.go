package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math/rand"
	"net/http"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"onboarding-service/internal/model"
	"onboarding-service/pkg/config"
	"onboarding-service/pkg/logger"
	"onboarding-service/prometheus"
)

// Event names published by the engine
const (
	EventTest                = "test"
	EventOnboardingActivated = "onboarding.activated"
	EventOnboardingCompleted = "onboarding.completed"
	EventOnboardingCancelled = "onboarding.cancelled"
)

// Envelope is the JSON body delivered to subscribers
type Envelope struct {
	Event      string      `json:"event"`
	DeliveryID string      `json:"delivery_id"`
	Timestamp  time.Time   `json:"timestamp"`
	Data       interface{} `json:"data"`
}

// Dispatcher delivers signed event notifications to matching subscriptions.
// Each delivery runs in its own goroutine and never blocks another, and a
// delivery failure never affects the platform state that triggered it.
type Dispatcher struct {
	db     *gorm.DB
	cfg    *config.WebhookConfig
	client *http.Client
}

// NewDispatcher creates a Dispatcher backed by db
func NewDispatcher(db *gorm.DB, cfg *config.WebhookConfig) *Dispatcher {
	return &Dispatcher{
		db:     db,
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.RequestTimeout},
	}
}

// Sign computes the hex HMAC-SHA256 of body under secret. Receivers verify
// the X-Webhook-Signature header with a constant-time comparison of this
// value.
func Sign(body []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// Publish delivers the event to every active subscription of the application
// that subscribes to it. Returns the number of deliveries started.
func (d *Dispatcher) Publish(ctx context.Context, applicationID uint, event string, data interface{}) int {
	log := logger.FromContext(ctx)

	var subs []model.WebhookSubscription
	if err := d.db.
		Where("application_id = ? AND active = ?", applicationID, true).
		Find(&subs).Error; err != nil {
		log.Error("Failed to load webhook subscriptions", zap.Error(err))
		return 0
	}

	started := 0
	for _, sub := range subs {
		if !subscribes(sub, event) {
			continue
		}
		envelope := Envelope{
			Event:      event,
			DeliveryID: uuid.New().String(),
			Timestamp:  time.Now().UTC(),
			Data:       data,
		}
		started++
		go d.deliver(sub, envelope)
	}
	return started
}

// NotifyURL posts the event to a caller-supplied callback URL with the same
// retry policy as subscription deliveries. No shared secret exists for a
// one-off callback, so the request is unsigned; callers wanting verifiable
// notifications register a subscription instead.
func (d *Dispatcher) NotifyURL(url, event string, data interface{}) {
	envelope := Envelope{
		Event:      event,
		DeliveryID: uuid.New().String(),
		Timestamp:  time.Now().UTC(),
		Data:       data,
	}
	go func() {
		log := logger.GetLogger().With(
			zap.String("event", event),
			zap.String("delivery_id", envelope.DeliveryID))
		body, err := json.Marshal(envelope)
		if err != nil {
			log.Error("Failed to marshal callback payload", zap.Error(err))
			return
		}
		var lastErr error
		for attempt := 1; attempt <= d.cfg.MaxAttempts; attempt++ {
			if lastErr = d.attempt(url, body, "", envelope); lastErr == nil {
				log.Info("Callback delivered", zap.Int("attempts", attempt))
				return
			}
			if attempt < d.cfg.MaxAttempts {
				time.Sleep(backoff(d.cfg.BackoffBase, attempt))
			}
		}
		log.Warn("Callback delivery permanently failed", zap.Error(lastErr))
	}()
}

// deliver runs the bounded retry loop for one subscription. It owns its own
// background context: the originating request has already completed.
func (d *Dispatcher) deliver(sub model.WebhookSubscription, envelope Envelope) {
	log := logger.GetLogger().With(
		zap.String("subscription_id", sub.SubscriptionID),
		zap.String("event", envelope.Event),
		zap.String("delivery_id", envelope.DeliveryID))

	body, err := json.Marshal(envelope)
	if err != nil {
		log.Error("Failed to marshal webhook payload", zap.Error(err))
		return
	}
	signature := Sign(body, sub.Secret)

	delivery := model.WebhookDelivery{
		DeliveryID:     envelope.DeliveryID,
		SubscriptionID: sub.SubscriptionID,
		Event:          envelope.Event,
	}
	if err := d.db.Create(&delivery).Error; err != nil {
		log.Error("Failed to record webhook delivery", zap.Error(err))
		return
	}

	var lastErr error
	for attempt := 1; attempt <= d.cfg.MaxAttempts; attempt++ {
		lastErr = d.attempt(sub.URL, body, signature, envelope)
		delivery.Attempts = attempt
		if lastErr == nil {
			delivery.Status = model.DeliveryStatusDelivered
			delivery.LastError = ""
			d.db.Save(&delivery)
			prometheus.RecordWebhookDelivery(envelope.Event, "delivered")
			log.Info("Webhook delivered", zap.Int("attempts", attempt))
			return
		}

		delivery.LastError = lastErr.Error()
		d.db.Save(&delivery)
		if attempt < d.cfg.MaxAttempts {
			time.Sleep(backoff(d.cfg.BackoffBase, attempt))
		}
	}

	// retry ceiling reached; recorded as permanently failed, never surfaced
	// to the onboarding caller
	delivery.Status = model.DeliveryStatusFailed
	d.db.Save(&delivery)
	prometheus.RecordWebhookDelivery(envelope.Event, "failed")
	log.Warn("Webhook delivery permanently failed",
		zap.Int("attempts", delivery.Attempts),
		zap.Error(lastErr))
}

func (d *Dispatcher) attempt(url string, body []byte, signature string, envelope Envelope) error {
	req, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if signature != "" {
		req.Header.Set("X-Webhook-Signature", signature)
	}
	req.Header.Set("X-Webhook-Event", envelope.Event)
	req.Header.Set("X-Webhook-Delivery", envelope.DeliveryID)

	resp, err := d.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("subscriber returned status %d", resp.StatusCode)
	}
	return nil
}

func subscribes(sub model.WebhookSubscription, event string) bool {
	// the test event exists to let any subscriber verify its secret
	if event == EventTest {
		return true
	}
	var events []string
	if err := json.Unmarshal(sub.Events, &events); err != nil {
		return false
	}
	for _, e := range events {
		if e == event || e == "*" {
			return true
		}
	}
	return false
}

func backoff(base time.Duration, attempt int) time.Duration {
	d := base << (attempt - 1)
	// jitter up to 25% to avoid thundering retries
	return d + time.Duration(rand.Int63n(int64(d)/4+1))
}
