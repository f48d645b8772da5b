package webhook

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"onboarding-service/internal/model"
	"onboarding-service/internal/testutil"
)

func TestSign(t *testing.T) {
	body := []byte(`{"event":"test"}`)
	mac := hmac.New(sha256.New, []byte("whsec_secret"))
	mac.Write(body)
	want := hex.EncodeToString(mac.Sum(nil))

	assert.Equal(t, want, Sign(body, "whsec_secret"))
	assert.NotEqual(t, want, Sign(body, "whsec_other"))
	assert.NotEqual(t, want, Sign([]byte(`{"event":"x"}`), "whsec_secret"))
}

// received captures one request seen by the test subscriber
type received struct {
	body      []byte
	signature string
	event     string
	delivery  string
}

// subscriber is an httptest receiver that records requests and can be told
// to fail the first n of them.
type subscriber struct {
	mu       sync.Mutex
	requests []received
	failures int
	srv      *httptest.Server
}

func newSubscriber(t *testing.T, failFirst int) *subscriber {
	s := &subscriber{failures: failFirst}
	s.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		s.mu.Lock()
		s.requests = append(s.requests, received{
			body:      body,
			signature: r.Header.Get("X-Webhook-Signature"),
			event:     r.Header.Get("X-Webhook-Event"),
			delivery:  r.Header.Get("X-Webhook-Delivery"),
		})
		fail := len(s.requests) <= s.failures
		s.mu.Unlock()
		if fail {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(s.srv.Close)
	return s
}

func (s *subscriber) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.requests)
}

func (s *subscriber) last() received {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.requests[len(s.requests)-1]
}

func newTestDispatcher(t *testing.T) (*Dispatcher, *gorm.DB) {
	db := testutil.NewDB(t, &model.WebhookSubscription{}, &model.WebhookDelivery{})
	cfg := testutil.NewConfig()
	return NewDispatcher(db, &cfg.Webhook), db
}

func createSubscription(t *testing.T, db *gorm.DB, appID uint, url, secret string, events []string, active bool) model.WebhookSubscription {
	t.Helper()
	body, err := json.Marshal(events)
	require.NoError(t, err)
	sub := model.WebhookSubscription{
		SubscriptionID: "sub-" + secret,
		ApplicationID:  appID,
		URL:            url,
		Events:         datatypes.JSON(body),
		Secret:         secret,
		Active:         active,
	}
	require.NoError(t, db.Create(&sub).Error)
	return sub
}

func TestPublishDeliversSignedEnvelope(t *testing.T) {
	d, db := newTestDispatcher(t)
	recv := newSubscriber(t, 0)
	sub := createSubscription(t, db, 1, recv.srv.URL, "whsec_abc", []string{EventOnboardingActivated}, true)

	started := d.Publish(context.Background(), 1, EventOnboardingActivated, map[string]string{
		"registration_id": "reg-1",
		"subdomain":       "acme-corp",
	})
	require.Equal(t, 1, started)

	require.Eventually(t, func() bool { return recv.count() == 1 }, 2*time.Second, 10*time.Millisecond)
	got := recv.last()

	// the signature verifies against the exact delivered body
	assert.Equal(t, Sign(got.body, "whsec_abc"), got.signature)
	assert.Equal(t, EventOnboardingActivated, got.event)
	assert.NotEmpty(t, got.delivery)

	var envelope Envelope
	require.NoError(t, json.Unmarshal(got.body, &envelope))
	assert.Equal(t, EventOnboardingActivated, envelope.Event)
	assert.Equal(t, got.delivery, envelope.DeliveryID)

	// the delivery is recorded as delivered on the first attempt
	require.Eventually(t, func() bool {
		var delivery model.WebhookDelivery
		if err := db.Where("subscription_id = ?", sub.SubscriptionID).First(&delivery).Error; err != nil {
			return false
		}
		return delivery.Status == model.DeliveryStatusDelivered && delivery.Attempts == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestPublishFiltersByEvent(t *testing.T) {
	d, db := newTestDispatcher(t)
	activated := newSubscriber(t, 0)
	wildcard := newSubscriber(t, 0)
	createSubscription(t, db, 1, activated.srv.URL, "whsec_a", []string{EventOnboardingActivated}, true)
	createSubscription(t, db, 1, wildcard.srv.URL, "whsec_w", []string{"*"}, true)

	started := d.Publish(context.Background(), 1, EventOnboardingCompleted, map[string]string{"registration_id": "reg-1"})
	assert.Equal(t, 1, started)

	require.Eventually(t, func() bool { return wildcard.count() == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 0, activated.count())
}

func TestPublishTestEventReachesAllSubscriptions(t *testing.T) {
	d, db := newTestDispatcher(t)
	recv := newSubscriber(t, 0)
	createSubscription(t, db, 1, recv.srv.URL, "whsec_a", []string{EventOnboardingActivated}, true)

	started := d.Publish(context.Background(), 1, EventTest, map[string]string{"ping": "pong"})
	assert.Equal(t, 1, started)
	require.Eventually(t, func() bool { return recv.count() == 1 }, 2*time.Second, 10*time.Millisecond)
}

func TestPublishSkipsInactiveAndForeignSubscriptions(t *testing.T) {
	d, db := newTestDispatcher(t)
	recv := newSubscriber(t, 0)
	createSubscription(t, db, 1, recv.srv.URL, "whsec_inactive", []string{"*"}, false)
	createSubscription(t, db, 2, recv.srv.URL, "whsec_other_app", []string{"*"}, true)

	started := d.Publish(context.Background(), 1, EventOnboardingActivated, nil)
	assert.Equal(t, 0, started)
}

func TestDeliveryRetriesThenSucceeds(t *testing.T) {
	d, db := newTestDispatcher(t)
	recv := newSubscriber(t, 1)
	sub := createSubscription(t, db, 1, recv.srv.URL, "whsec_retry", []string{"*"}, true)

	started := d.Publish(context.Background(), 1, EventOnboardingActivated, nil)
	require.Equal(t, 1, started)

	require.Eventually(t, func() bool {
		var delivery model.WebhookDelivery
		if err := db.Where("subscription_id = ?", sub.SubscriptionID).First(&delivery).Error; err != nil {
			return false
		}
		return delivery.Status == model.DeliveryStatusDelivered && delivery.Attempts == 2
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 2, recv.count())
}

func TestDeliveryPermanentFailure(t *testing.T) {
	d, db := newTestDispatcher(t)
	recv := newSubscriber(t, 100)
	sub := createSubscription(t, db, 1, recv.srv.URL, "whsec_fail", []string{"*"}, true)

	started := d.Publish(context.Background(), 1, EventOnboardingActivated, nil)
	require.Equal(t, 1, started)

	require.Eventually(t, func() bool {
		var delivery model.WebhookDelivery
		if err := db.Where("subscription_id = ?", sub.SubscriptionID).First(&delivery).Error; err != nil {
			return false
		}
		return delivery.Status == model.DeliveryStatusFailed
	}, 2*time.Second, 10*time.Millisecond)

	var delivery model.WebhookDelivery
	require.NoError(t, db.Where("subscription_id = ?", sub.SubscriptionID).First(&delivery).Error)
	assert.Equal(t, d.cfg.MaxAttempts, delivery.Attempts)
	assert.Contains(t, delivery.LastError, "500")
}

func TestNotifyURLIsUnsigned(t *testing.T) {
	d, _ := newTestDispatcher(t)
	recv := newSubscriber(t, 0)

	d.NotifyURL(recv.srv.URL, EventOnboardingActivated, map[string]string{"registration_id": "reg-1"})

	require.Eventually(t, func() bool { return recv.count() == 1 }, 2*time.Second, 10*time.Millisecond)
	got := recv.last()
	assert.Empty(t, got.signature)
	assert.Equal(t, EventOnboardingActivated, got.event)

	var envelope Envelope
	require.NoError(t, json.Unmarshal(got.body, &envelope))
	assert.Equal(t, EventOnboardingActivated, envelope.Event)
}
