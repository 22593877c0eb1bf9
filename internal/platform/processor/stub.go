package processor

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"
)

// Stub is an in-process Gateway for development and tests. Every intent is
// accepted and every refund processed; confirmation still has to arrive
// through the webhook intake or the local confirm endpoint.
type Stub struct {
	seq atomic.Int64
}

func NewStub() *Stub { return &Stub{} }

func (s *Stub) CreateIntent(_ context.Context, req IntentRequest) (*Intent, error) {
	return &Intent{
		ProviderRef: fmt.Sprintf("stub-intent-%d", s.seq.Add(1)),
		Status:      "pending",
		CreatedAt:   time.Now(),
	}, nil
}

func (s *Stub) Refund(_ context.Context, req RefundRequest) (*RefundResult, error) {
	return &RefundResult{
		RefundRef:   fmt.Sprintf("stub-refund-%d", s.seq.Add(1)),
		ProcessedAt: time.Now(),
	}, nil
}
