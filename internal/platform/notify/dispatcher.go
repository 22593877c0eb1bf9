// Package notify delivers billing lifecycle events to registered subscriber
// endpoints. Deliveries are signed with HMAC-SHA256 so receivers can verify
// origin, and every attempt is recorded for inspection and manual retry.
package notify

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/carebill/carebill/internal/platform/signature"
)

// Event types emitted by the billing services.
const (
	EventPlanApproved    = "plan.approved"
	EventPlanCompleted   = "plan.completed"
	EventPlanCancelled   = "plan.cancelled"
	EventBudgetIssued    = "budget.issued"
	EventBudgetAccepted  = "budget.accepted"
	EventBudgetRejected  = "budget.rejected"
	EventBudgetExpired   = "budget.expired"
	EventPaymentApproved = "payment.approved"
	EventPaymentRejected = "payment.rejected"
	EventPaymentRefunded = "payment.refunded"
)

// Endpoint is a registered subscriber destination.
type Endpoint struct {
	ID        uuid.UUID `json:"id"`
	URL       string    `json:"url"`
	Secret    string    `json:"secret,omitempty"`
	Events    []string  `json:"events"`
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"created_at"`
}

// Event is a billing lifecycle notification.
type Event struct {
	ID         uuid.UUID       `json:"id"`
	Type       string          `json:"type"`
	EntityKind string          `json:"entity_kind"`
	EntityID   uuid.UUID       `json:"entity_id"`
	Payload    json.RawMessage `json:"payload"`
	OccurredAt time.Time       `json:"occurred_at"`
}

// Delivery records one attempt to deliver an event to an endpoint.
type Delivery struct {
	ID         uuid.UUID     `json:"id"`
	EndpointID uuid.UUID     `json:"endpoint_id"`
	EventType  string        `json:"event_type"`
	EventID    uuid.UUID     `json:"event_id"`
	Payload    []byte        `json:"payload"`
	Signature  string        `json:"signature"`
	StatusCode int           `json:"status_code"`
	Duration   time.Duration `json:"duration_ns"`
	Attempt    int           `json:"attempt"`
	Success    bool          `json:"success"`
	Error      string        `json:"error,omitempty"`
	CreatedAt  time.Time     `json:"created_at"`
}

// Store persists endpoints and delivery attempts.
type Store interface {
	CreateEndpoint(ctx context.Context, ep *Endpoint) error
	GetEndpoint(ctx context.Context, id uuid.UUID) (*Endpoint, error)
	ListEndpoints(ctx context.Context) ([]*Endpoint, error)
	UpdateEndpoint(ctx context.Context, ep *Endpoint) error
	DeleteEndpoint(ctx context.Context, id uuid.UUID) error
	RecordDelivery(ctx context.Context, d *Delivery) error
	GetDelivery(ctx context.Context, id uuid.UUID) (*Delivery, error)
	ListDeliveries(ctx context.Context, endpointID uuid.UUID, limit, offset int) ([]*Delivery, int, error)
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithHTTPClient overrides the default HTTP client used for deliveries.
func WithHTTPClient(c *http.Client) Option {
	return func(d *Dispatcher) { d.httpClient = c }
}

// Dispatcher fans events out to matching active endpoints.
type Dispatcher struct {
	store      Store
	httpClient *http.Client
	logger     zerolog.Logger
	wg         sync.WaitGroup
}

// NewDispatcher creates a Dispatcher with a 10 second delivery timeout.
func NewDispatcher(store Store, logger zerolog.Logger, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		store:      store,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		logger:     logger,
	}
	for _, o := range opts {
		o(d)
	}
	return d
}

func generateSecret() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

func validateEndpointURL(rawURL string) error {
	if rawURL == "" {
		return fmt.Errorf("url is required")
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid url: %w", err)
	}
	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return fmt.Errorf("url scheme must be http or https, got %q", u.Scheme)
	}
	return nil
}

// Register validates and persists a new endpoint. An empty secret is replaced
// with a cryptographically random one.
func (d *Dispatcher) Register(ctx context.Context, rawURL, secret string, events []string) (*Endpoint, error) {
	if err := validateEndpointURL(rawURL); err != nil {
		return nil, err
	}
	if secret == "" {
		s, err := generateSecret()
		if err != nil {
			return nil, fmt.Errorf("generate secret: %w", err)
		}
		secret = s
	}

	ep := &Endpoint{
		ID:        uuid.New(),
		URL:       rawURL,
		Secret:    secret,
		Events:    events,
		Active:    true,
		CreatedAt: time.Now(),
	}
	if err := d.store.CreateEndpoint(ctx, ep); err != nil {
		return nil, err
	}
	return ep, nil
}

// SetActive pauses or resumes an endpoint.
func (d *Dispatcher) SetActive(ctx context.Context, id uuid.UUID, active bool) error {
	ep, err := d.store.GetEndpoint(ctx, id)
	if err != nil {
		return err
	}
	ep.Active = active
	return d.store.UpdateEndpoint(ctx, ep)
}

// eventMatches reports whether an event type matches a subscription pattern.
// Patterns can be exact ("payment.approved") or wildcard ("payment.*", "*").
func eventMatches(pattern, eventType string) bool {
	if pattern == eventType || pattern == "*" {
		return true
	}
	if strings.HasSuffix(pattern, ".*") {
		return strings.HasPrefix(eventType, pattern[:len(pattern)-1])
	}
	return false
}

func endpointMatches(ep *Endpoint, eventType string) bool {
	for _, pat := range ep.Events {
		if eventMatches(pat, eventType) {
			return true
		}
	}
	return false
}

// Publish hands the event to a background goroutine for delivery to every
// active endpoint subscribed to its type. Fire and forget: the caller never
// waits on a subscriber, and delivery failures are recorded and logged, not
// propagated. Deliveries detach from the request's cancellation but stay
// bounded by a one minute deadline.
func (d *Dispatcher) Publish(ctx context.Context, event Event) {
	ctx = context.WithoutCancel(ctx)
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		ctx, cancel := context.WithTimeout(ctx, time.Minute)
		defer cancel()
		d.fanOut(ctx, event)
	}()
}

// Wait blocks until in-flight deliveries have finished. Called on shutdown so
// events emitted by the last requests still go out, and by tests.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

func (d *Dispatcher) fanOut(ctx context.Context, event Event) {
	endpoints, err := d.store.ListEndpoints(ctx)
	if err != nil {
		d.logger.Error().Err(err).Str("event_type", event.Type).Msg("notify: list endpoints failed")
		return
	}

	for _, ep := range endpoints {
		if !ep.Active || !endpointMatches(ep, event.Type) {
			continue
		}
		attempt := d.deliver(ctx, ep, event, 1)
		if !attempt.Success {
			d.logger.Warn().
				Str("endpoint_id", ep.ID.String()).
				Str("event_type", event.Type).
				Int("status_code", attempt.StatusCode).
				Str("error", attempt.Error).
				Msg("notify: delivery failed")
		}
	}
}

func (d *Dispatcher) deliver(ctx context.Context, ep *Endpoint, event Event, attemptNo int) *Delivery {
	payload, _ := json.Marshal(event)
	sig := signature.Sign(payload, ep.Secret)
	now := time.Now()

	attempt := &Delivery{
		ID:         uuid.New(),
		EndpointID: ep.ID,
		EventType:  event.Type,
		EventID:    event.ID,
		Payload:    payload,
		Signature:  sig,
		Attempt:    attemptNo,
		CreatedAt:  now,
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, ep.URL, bytes.NewReader(payload))
	if err != nil {
		attempt.Error = err.Error()
		d.store.RecordDelivery(ctx, attempt) //nolint:errcheck
		return attempt
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Notify-Signature", "sha256="+sig)
	req.Header.Set("X-Notify-Timestamp", now.UTC().Format(time.RFC3339))

	start := time.Now()
	resp, err := d.httpClient.Do(req)
	attempt.Duration = time.Since(start)

	if err != nil {
		attempt.Error = err.Error()
		d.store.RecordDelivery(ctx, attempt) //nolint:errcheck
		return attempt
	}
	defer resp.Body.Close()

	io.Copy(io.Discard, io.LimitReader(resp.Body, 1024)) //nolint:errcheck
	attempt.StatusCode = resp.StatusCode

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		attempt.Success = true
	} else {
		attempt.Error = fmt.Sprintf("non-2xx response: %d", resp.StatusCode)
	}

	d.store.RecordDelivery(ctx, attempt) //nolint:errcheck
	return attempt
}

// Retry re-delivers a previously failed attempt.
func (d *Dispatcher) Retry(ctx context.Context, deliveryID uuid.UUID) (*Delivery, error) {
	original, err := d.store.GetDelivery(ctx, deliveryID)
	if err != nil {
		return nil, fmt.Errorf("delivery not found: %w", err)
	}
	ep, err := d.store.GetEndpoint(ctx, original.EndpointID)
	if err != nil {
		return nil, fmt.Errorf("endpoint not found: %w", err)
	}

	var event Event
	if err := json.Unmarshal(original.Payload, &event); err != nil {
		return nil, fmt.Errorf("unmarshal original payload: %w", err)
	}
	return d.deliver(ctx, ep, event, original.Attempt+1), nil
}

// Deliveries returns paginated delivery attempts for an endpoint.
func (d *Dispatcher) Deliveries(ctx context.Context, endpointID uuid.UUID, limit, offset int) ([]*Delivery, int, error) {
	return d.store.ListDeliveries(ctx, endpointID, limit, offset)
}
