package prometheus

import (
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Counter metrics
var (
	// Onboarding operation counter
	OnboardingOperationCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "onboarding_operations_total",
			Help: "Total number of onboarding operations",
		},
		[]string{"operation"}, // operation can be "start", "provision", "cancel", "activate", etc.
	)

	// Provisioning step counter by step and outcome
	ProvisioningStepCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "onboarding_provisioning_steps_total",
			Help: "Total number of provisioning steps by step and outcome",
		},
		[]string{"step", "outcome"},
	)

	// Credential issuance counter
	CredentialIssuedCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "onboarding_credentials_issued_total",
			Help: "Total number of credentials issued by kind",
		},
		[]string{"kind"}, // kind can be "master_key", "api_key", "activation_token", "webhook_secret"
	)

	// HTTP request counter by endpoint and status
	HTTPRequestCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "onboarding_http_requests_total",
			Help: "Total number of HTTP requests by endpoint and status",
		},
		[]string{"endpoint", "method", "status"},
	)

	// Error counters
	ErrorCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "onboarding_errors_total",
			Help: "Total number of onboarding errors",
		},
		[]string{"type"}, // type can be "validation", "unauthorized", "rate_limit", "infrastructure" etc.
	)

	// Rate limit denial counter by bucket kind
	RateLimitDeniedCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "onboarding_rate_limit_denied_total",
			Help: "Total number of rate limited requests by bucket kind",
		},
		[]string{"bucket"},
	)

	// Webhook delivery counter by outcome
	WebhookDeliveryCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "onboarding_webhook_deliveries_total",
			Help: "Total number of webhook delivery attempts by outcome",
		},
		[]string{"event", "outcome"}, // outcome is "delivered" or "failed"
	)
)

// Histogram metrics
var (
	// Request duration
	RequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "onboarding_request_duration_seconds",
			Help:    "Duration of HTTP requests in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"endpoint", "method", "status"},
	)

	// Database operation duration
	DBOperationDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "onboarding_db_operation_duration_seconds",
			Help:    "Duration of database operations in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"operation"}, // operation can be "query", "insert", "update", "delete", "ddl"
	)

	// Provisioning step duration
	ProvisioningStepDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "onboarding_provisioning_step_duration_seconds",
			Help:    "Duration of provisioning steps in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"step"},
	)
)

// Gauge metrics
var (
	// Registrations by status
	RegistrationsGauge = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "onboarding_registrations",
			Help: "Number of registrations by status",
		},
		[]string{"status"},
	)

	// System info
	InfoGauge = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "onboarding_info",
			Help: "Information about the onboarding service",
		},
		[]string{"version"},
	)
)

func init() {
	// Register counters
	prometheus.MustRegister(OnboardingOperationCounter)
	prometheus.MustRegister(ProvisioningStepCounter)
	prometheus.MustRegister(CredentialIssuedCounter)
	prometheus.MustRegister(HTTPRequestCounter)
	prometheus.MustRegister(ErrorCounter)
	prometheus.MustRegister(RateLimitDeniedCounter)
	prometheus.MustRegister(WebhookDeliveryCounter)

	// Register histograms
	prometheus.MustRegister(RequestDuration)
	prometheus.MustRegister(DBOperationDuration)
	prometheus.MustRegister(ProvisioningStepDuration)

	// Register gauges
	prometheus.MustRegister(RegistrationsGauge)
	prometheus.MustRegister(InfoGauge)

	// Set initial service info
	InfoGauge.With(prometheus.Labels{"version": "1.0.0"}).Set(1)
}

// GetPrometheusHandler returns an HTTP handler for the Prometheus metrics
func GetPrometheusHandler() http.Handler {
	return promhttp.Handler()
}

// TrackDBOperation measures database operation durations
func TrackDBOperation(operation string) func(time.Time) {
	startTime := time.Now()
	return func(endTime time.Time) {
		duration := time.Since(startTime).Seconds()
		DBOperationDuration.With(prometheus.Labels{
			"operation": operation,
		}).Observe(duration)
	}
}

// TrackProvisioningStep measures provisioning step durations
func TrackProvisioningStep(step string) func(time.Time) {
	startTime := time.Now()
	return func(endTime time.Time) {
		duration := time.Since(startTime).Seconds()
		ProvisioningStepDuration.With(prometheus.Labels{
			"step": step,
		}).Observe(duration)
	}
}

// MetricsMiddleware creates a middleware function that captures metrics for each request
func MetricsMiddleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()

			// Execute the request handler
			err := next(c)

			// Record request duration
			duration := time.Since(start).Seconds()
			status := strconv.Itoa(c.Response().Status)
			endpoint := c.Path()
			method := c.Request().Method

			RequestDuration.With(prometheus.Labels{
				"endpoint": endpoint,
				"method":   method,
				"status":   status,
			}).Observe(duration)

			HTTPRequestCounter.With(prometheus.Labels{
				"endpoint": endpoint,
				"method":   method,
				"status":   status,
			}).Inc()

			return err
		}
	}
}

// RecordOnboardingOperation records an onboarding operation
func RecordOnboardingOperation(operation string) {
	OnboardingOperationCounter.With(prometheus.Labels{"operation": operation}).Inc()
}

// RecordProvisioningStep records a provisioning step outcome
func RecordProvisioningStep(step, outcome string) {
	ProvisioningStepCounter.With(prometheus.Labels{"step": step, "outcome": outcome}).Inc()
}

// RecordCredentialIssued records a credential issuance by kind
func RecordCredentialIssued(kind string) {
	CredentialIssuedCounter.With(prometheus.Labels{"kind": kind}).Inc()
}

// RecordError records an error by taxonomy type
func RecordError(errorType string) {
	ErrorCounter.With(prometheus.Labels{"type": errorType}).Inc()
}

// RecordRateLimitDenied records a denied request by bucket kind
func RecordRateLimitDenied(bucket string) {
	RateLimitDeniedCounter.With(prometheus.Labels{"bucket": bucket}).Inc()
}

// RecordWebhookDelivery records a webhook delivery outcome
func RecordWebhookDelivery(event, outcome string) {
	WebhookDeliveryCounter.With(prometheus.Labels{"event": event, "outcome": outcome}).Inc()
}

// UpdateRegistrations updates the registrations-by-status gauge
func UpdateRegistrations(status string, count int) {
	RegistrationsGauge.With(prometheus.Labels{"status": status}).Set(float64(count))
}
