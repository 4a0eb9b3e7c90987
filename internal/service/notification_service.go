package service

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"goldledger/internal/core/domain"
	"goldledger/internal/core/ports"

	"github.com/rs/zerolog"
)

// Webhook headers carrying the signature and the timestamp it covers.
const (
	HeaderWebhookSignature = "X-Webhook-Signature"
	HeaderWebhookTimestamp = "X-Webhook-Timestamp"
	HeaderWebhookEvent     = "X-Webhook-Event"
)

// defaultWebhookRetryIntervals is the wait before each redelivery attempt.
var defaultWebhookRetryIntervals = []time.Duration{
	15 * time.Second,
	60 * time.Second,
	2 * time.Minute,
	5 * time.Minute,
	10 * time.Minute,
}

// HTTPClient interface for testability.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// WebhookNotifier posts signed events to a single configured endpoint.
// Delivery runs in the background with retries.
type WebhookNotifier struct {
	url            string
	secret         string
	sigSvc         ports.SignatureService
	httpClient     HTTPClient
	retryIntervals []time.Duration
	log            zerolog.Logger
	now            func() time.Time
}

// NewWebhookNotifier creates a new webhook notifier.
func NewWebhookNotifier(url, secret string, sigSvc ports.SignatureService, httpClient HTTPClient, log zerolog.Logger) *WebhookNotifier {
	return &WebhookNotifier{
		url:            url,
		secret:         secret,
		sigSvc:         sigSvc,
		httpClient:     httpClient,
		retryIntervals: defaultWebhookRetryIntervals,
		log:            log,
		now:            time.Now,
	}
}

// Notify encodes and signs the event, then delivers it asynchronously.
func (n *WebhookNotifier) Notify(ctx context.Context, event domain.Event) error {
	if n.url == "" {
		n.log.Debug().Str("event", string(event.Type)).Msg("webhook: no webhook URL configured, skipping")
		return nil
	}

	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	ts := n.now().Unix()
	signature := n.sigSvc.Sign(n.secret, WebhookSigningString(ts, body))

	go n.deliverWithRetries(body, signature, ts, event)
	return nil
}

func (n *WebhookNotifier) deliverWithRetries(body []byte, signature string, ts int64, event domain.Event) {
	eventID := event.ID.String()
	for attempt := 0; attempt <= len(n.retryIntervals); attempt++ {
		if attempt > 0 {
			time.Sleep(n.retryIntervals[attempt-1])
		}

		req, err := http.NewRequest(http.MethodPost, n.url, bytes.NewReader(body))
		if err != nil {
			n.log.Error().Err(err).Str("event_id", eventID).Msg("webhook: failed to create request")
			return
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set(HeaderWebhookSignature, signature)
		req.Header.Set(HeaderWebhookTimestamp, strconv.FormatInt(ts, 10))
		req.Header.Set(HeaderWebhookEvent, string(event.Type))

		resp, err := n.httpClient.Do(req)
		if err != nil {
			n.log.Warn().Err(err).Str("event_id", eventID).Int("attempt", attempt+1).Msg("webhook: delivery failed")
			continue
		}
		resp.Body.Close()

		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			n.log.Info().Str("event_id", eventID).Int("attempt", attempt+1).Int("status", resp.StatusCode).Msg("webhook: delivered successfully")
			return
		}

		n.log.Warn().Str("event_id", eventID).Int("attempt", attempt+1).Int("status", resp.StatusCode).Msg("webhook: non-2xx response, retrying")
	}

	n.log.Error().Str("event_id", eventID).Str("event", string(event.Type)).Msg("webhook: all retry attempts exhausted")
}

// LogNotifier writes events to the application log.
type LogNotifier struct {
	log zerolog.Logger
}

// NewLogNotifier creates a notifier that only logs.
func NewLogNotifier(log zerolog.Logger) *LogNotifier {
	return &LogNotifier{log: log}
}

// Notify logs the event at info level.
func (n *LogNotifier) Notify(_ context.Context, event domain.Event) error {
	n.log.Info().
		Str("event", string(event.Type)).
		Str("event_id", event.ID.String()).
		Str("user_id", event.UserID.String()).
		Str("resource_id", event.ResourceID.String()).
		Msg("event")
	return nil
}

// MultiNotifier fans an event out to every notifier and joins their errors.
type MultiNotifier []ports.Notifier

// Notify delivers to all notifiers even when one fails.
func (m MultiNotifier) Notify(ctx context.Context, event domain.Event) error {
	var errs []error
	for _, n := range m {
		if err := n.Notify(ctx, event); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// notify sends event after commit. Failures never undo the mutation.
func notify(ctx context.Context, n ports.Notifier, log zerolog.Logger, event domain.Event) {
	if n == nil {
		return
	}
	if err := n.Notify(ctx, event); err != nil {
		log.Warn().Err(err).Str("event", string(event.Type)).Str("resource_id", event.ResourceID.String()).Msg("notification failed")
	}
}
