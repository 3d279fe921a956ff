package invoicing

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/shopspring/decimal"

	"github.com/systmms/tenantkeys/internal/logging"
	"github.com/systmms/tenantkeys/pkg/billing"
)

// RetryConfig holds retry configuration for webhook delivery.
type RetryConfig struct {
	// MaxAttempts is the total number of attempts (default: 3).
	MaxAttempts int

	// InitialWait doubles after every failed attempt.
	InitialWait time.Duration
}

// WebhookConfig configures the HTTP invoicer.
type WebhookConfig struct {
	URL     string
	Token   string
	Headers map[string]string
	Retry   *RetryConfig
	Timeout time.Duration
}

// WebhookInvoicer posts invoices as JSON. The reference doubles as the
// Idempotency-Key header so a retried delivery is not booked twice.
type WebhookInvoicer struct {
	config WebhookConfig
	client *http.Client
}

// statusError is a non-2xx response.
type statusError struct {
	code int
	body string
}

func (e *statusError) Error() string {
	if e.body == "" {
		return fmt.Sprintf("invoicing webhook returned status %d", e.code)
	}
	return fmt.Sprintf("invoicing webhook returned status %d: %s", e.code, e.body)
}

func (e *statusError) retryable() bool {
	return e.code >= 500 || e.code == http.StatusTooManyRequests
}

// NewWebhookInvoicer creates a webhook invoicer.
func NewWebhookInvoicer(config WebhookConfig) *WebhookInvoicer {
	if config.Timeout == 0 {
		config.Timeout = 10 * time.Second
	}
	if config.Retry == nil {
		config.Retry = &RetryConfig{}
	}
	if config.Retry.MaxAttempts <= 0 {
		config.Retry.MaxAttempts = 3
	}
	if config.Retry.InitialWait == 0 {
		config.Retry.InitialWait = 1 * time.Second
	}

	return &WebhookInvoicer{
		config: config,
		client: &http.Client{Timeout: config.Timeout},
	}
}

// Validate checks the endpoint URL.
func (w *WebhookInvoicer) Validate() error {
	if w.config.URL == "" {
		return fmt.Errorf("URL is required")
	}
	parsed, err := url.Parse(w.config.URL)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return fmt.Errorf("invalid URL: %s", w.config.URL)
	}
	return nil
}

type invoicePayload struct {
	Reference string                    `json:"reference"`
	TenantID  string                    `json:"tenant_id"`
	Date      string                    `json:"date"`
	Currency  string                    `json:"currency"`
	LineItems []billing.InvoiceLineItem `json:"line_items"`
	Total     decimal.Decimal           `json:"total"`
}

// CreateInvoice delivers the invoice, retrying transport failures, 429
// and 5xx responses with exponential backoff. Other 4xx responses fail
// immediately.
func (w *WebhookInvoicer) CreateInvoice(ctx context.Context, tenantID string, items []billing.InvoiceLineItem, date time.Time) error {
	ref := Reference(tenantID, date)

	total := decimal.Zero
	for _, item := range items {
		total = total.Add(item.UnitAmount.Mul(decimal.NewFromInt(item.Quantity)))
	}
	payload, err := json.Marshal(invoicePayload{
		Reference: ref,
		TenantID:  tenantID,
		Date:      date.UTC().Format(time.DateOnly),
		Currency:  "USD",
		LineItems: items,
		Total:     total,
	})
	if err != nil {
		return fmt.Errorf("failed to build payload: %w", err)
	}

	var lastErr error
	for attempt := 1; attempt <= w.config.Retry.MaxAttempts; attempt++ {
		err := w.doSend(ctx, ref, payload)
		if err == nil {
			return nil
		}
		lastErr = err

		var se *statusError
		if errors.As(err, &se) && !se.retryable() {
			return fmt.Errorf("invoice %s rejected: %w", ref, err)
		}

		if attempt < w.config.Retry.MaxAttempts {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(w.backoff(attempt)):
			}
		}
	}

	return fmt.Errorf("invoice %s failed after %d attempts: %w", ref, w.config.Retry.MaxAttempts, lastErr)
}

func (w *WebhookInvoicer) doSend(ctx context.Context, ref string, payload []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.config.URL, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", ref)
	if w.config.Token != "" {
		req.Header.Set("Authorization", "Bearer "+w.config.Token)
	}
	for key, value := range w.config.Headers {
		req.Header.Set(key, value)
	}

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		// Some endpoints echo the request headers back on errors.
		return &statusError{
			code: resp.StatusCode,
			body: logging.Redact(string(bytes.TrimSpace(body)), []string{w.config.Token}),
		}
	}
	return nil
}

// 2^(attempt-1) * initial
func (w *WebhookInvoicer) backoff(attempt int) time.Duration {
	return w.config.Retry.InitialWait * time.Duration(1<<(attempt-1))
}
