package notify

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/carebill/carebill/internal/platform/signature"
)

func testDispatcher(store Store) *Dispatcher {
	logger := zerolog.New(os.Stderr)
	return NewDispatcher(store, logger, WithHTTPClient(&http.Client{Timeout: 2 * time.Second}))
}

func TestRegister_GeneratesSecret(t *testing.T) {
	d := testDispatcher(NewMemoryStore())

	ep, err := d.Register(context.Background(), "https://example.com/hook", "", []string{EventPaymentApproved})
	if err != nil {
		t.Fatalf("Register() error: %v", err)
	}
	if ep.Secret == "" {
		t.Error("expected generated secret")
	}
	if !ep.Active {
		t.Error("expected new endpoint to be active")
	}
}

func TestRegister_RejectsBadURL(t *testing.T) {
	d := testDispatcher(NewMemoryStore())

	for _, bad := range []string{"", "ftp://example.com", "not a url at all://"} {
		if _, err := d.Register(context.Background(), bad, "s", []string{"*"}); err == nil {
			t.Errorf("expected error for url %q", bad)
		}
	}
}

func TestEventMatches(t *testing.T) {
	cases := []struct {
		pattern, event string
		want           bool
	}{
		{"payment.approved", "payment.approved", true},
		{"payment.approved", "payment.refunded", false},
		{"payment.*", "payment.refunded", true},
		{"payment.*", "budget.issued", false},
		{"*", "anything.at.all", true},
	}
	for _, tc := range cases {
		if got := eventMatches(tc.pattern, tc.event); got != tc.want {
			t.Errorf("eventMatches(%q, %q) = %v, want %v", tc.pattern, tc.event, got, tc.want)
		}
	}
}

func TestPublish_DeliversSignedPayload(t *testing.T) {
	var received atomic.Int32
	var gotSig, gotBody string

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		received.Add(1)
		gotSig = r.Header.Get("X-Notify-Signature")
		buf := make([]byte, r.ContentLength)
		r.Body.Read(buf) //nolint:errcheck
		gotBody = string(buf)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	store := NewMemoryStore()
	d := testDispatcher(store)

	ep, err := d.Register(context.Background(), srv.URL, "hook-secret", []string{"payment.*"})
	if err != nil {
		t.Fatalf("Register() error: %v", err)
	}

	event := Event{
		ID:         uuid.New(),
		Type:       EventPaymentApproved,
		EntityKind: "payment",
		EntityID:   uuid.New(),
		Payload:    json.RawMessage(`{"amount":"120.00"}`),
		OccurredAt: time.Now(),
	}
	d.Publish(context.Background(), event)
	d.Wait()

	if received.Load() != 1 {
		t.Fatalf("expected 1 delivery, got %d", received.Load())
	}
	if !signature.Verify([]byte(gotBody), "hook-secret", gotSig) {
		t.Error("expected delivered payload signature to verify")
	}

	deliveries, total, err := d.Deliveries(context.Background(), ep.ID, 10, 0)
	if err != nil {
		t.Fatalf("Deliveries() error: %v", err)
	}
	if total != 1 || !deliveries[0].Success {
		t.Errorf("expected 1 successful recorded delivery, got total=%d", total)
	}
}

func TestPublish_SkipsNonMatchingAndPaused(t *testing.T) {
	var received atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		received.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	store := NewMemoryStore()
	d := testDispatcher(store)

	// Subscribed to budget events only.
	if _, err := d.Register(context.Background(), srv.URL, "s1", []string{"budget.*"}); err != nil {
		t.Fatal(err)
	}
	// Subscribed but paused.
	paused, err := d.Register(context.Background(), srv.URL, "s2", []string{"payment.*"})
	if err != nil {
		t.Fatal(err)
	}
	if err := d.SetActive(context.Background(), paused.ID, false); err != nil {
		t.Fatal(err)
	}

	d.Publish(context.Background(), Event{ID: uuid.New(), Type: EventPaymentApproved, OccurredAt: time.Now()})
	d.Wait()

	if received.Load() != 0 {
		t.Errorf("expected no deliveries, got %d", received.Load())
	}
}

func TestPublish_RecordsFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	store := NewMemoryStore()
	d := testDispatcher(store)

	ep, err := d.Register(context.Background(), srv.URL, "s", []string{"*"})
	if err != nil {
		t.Fatal(err)
	}

	d.Publish(context.Background(), Event{ID: uuid.New(), Type: EventBudgetExpired, OccurredAt: time.Now()})
	d.Wait()

	deliveries, total, err := d.Deliveries(context.Background(), ep.ID, 10, 0)
	if err != nil {
		t.Fatal(err)
	}
	if total != 1 {
		t.Fatalf("expected 1 recorded delivery, got %d", total)
	}
	if deliveries[0].Success {
		t.Error("expected delivery to be recorded as failed")
	}
	if deliveries[0].StatusCode != http.StatusInternalServerError {
		t.Errorf("expected status 500, got %d", deliveries[0].StatusCode)
	}
}

func TestPublish_DoesNotBlockOnSlowSubscriber(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	store := NewMemoryStore()
	d := testDispatcher(store)
	ep, err := d.Register(context.Background(), srv.URL, "s", []string{"*"})
	if err != nil {
		t.Fatal(err)
	}

	start := time.Now()
	d.Publish(context.Background(), Event{ID: uuid.New(), Type: EventPaymentApproved, OccurredAt: time.Now()})
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("Publish blocked the caller for %s", elapsed)
	}

	close(release)
	d.Wait()

	_, total, err := d.Deliveries(context.Background(), ep.ID, 10, 0)
	if err != nil {
		t.Fatal(err)
	}
	if total != 1 {
		t.Errorf("expected the delivery to complete in the background, got %d recorded", total)
	}
}

func TestRetry_IncrementsAttempt(t *testing.T) {
	var failFirst atomic.Bool
	failFirst.Store(true)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if failFirst.Load() {
			failFirst.Store(false)
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	store := NewMemoryStore()
	d := testDispatcher(store)

	ep, err := d.Register(context.Background(), srv.URL, "s", []string{"*"})
	if err != nil {
		t.Fatal(err)
	}

	d.Publish(context.Background(), Event{ID: uuid.New(), Type: EventPlanCompleted, OccurredAt: time.Now()})
	d.Wait()

	deliveries, _, err := d.Deliveries(context.Background(), ep.ID, 10, 0)
	if err != nil {
		t.Fatal(err)
	}
	if deliveries[0].Success {
		t.Fatal("expected first delivery to fail")
	}

	retried, err := d.Retry(context.Background(), deliveries[0].ID)
	if err != nil {
		t.Fatalf("Retry() error: %v", err)
	}
	if !retried.Success {
		t.Error("expected retried delivery to succeed")
	}
	if retried.Attempt != 2 {
		t.Errorf("expected attempt 2, got %d", retried.Attempt)
	}
}
