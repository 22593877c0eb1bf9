package budget

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func TestCanTransition(t *testing.T) {
	allowed := [][2]State{
		{StateDraft, StateIssued},
		{StateIssued, StateAccepted},
		{StateIssued, StateRejected},
		{StateIssued, StateExpired},
	}
	for _, pair := range allowed {
		if !CanTransition(pair[0], pair[1]) {
			t.Errorf("expected %s -> %s to be allowed", pair[0], pair[1])
		}
	}

	denied := [][2]State{
		{StateDraft, StateAccepted},
		{StateDraft, StateExpired},
		{StateAccepted, StateRejected},
		{StateExpired, StateIssued},
		{StateRejected, StateIssued},
		{StateIssued, StateDraft},
	}
	for _, pair := range denied {
		if CanTransition(pair[0], pair[1]) {
			t.Errorf("expected %s -> %s to be denied", pair[0], pair[1])
		}
	}
}

func TestStateTerminal(t *testing.T) {
	for _, s := range []State{StateAccepted, StateRejected, StateExpired} {
		if !s.Terminal() {
			t.Errorf("expected %s to be terminal", s)
		}
	}
	for _, s := range []State{StateDraft, StateIssued} {
		if s.Terminal() {
			t.Errorf("expected %s to be non-terminal", s)
		}
	}
}

func TestBudget_ExpiredAt(t *testing.T) {
	now := time.Now()

	b := &Budget{}
	if b.ExpiredAt(now) {
		t.Error("budget without valid_until must not be expired")
	}

	until := now.Add(time.Hour)
	b.ValidUntil = &until
	if b.ExpiredAt(now) {
		t.Error("budget inside validity window must not be expired")
	}
	if !b.ExpiredAt(now.Add(2 * time.Hour)) {
		t.Error("budget past valid_until must be expired")
	}
}

func TestSignaturePayload_Validate(t *testing.T) {
	valid := SignaturePayload{Timestamp: time.Now(), ActorID: "patient-1"}
	if err := valid.Validate(); err != nil {
		t.Errorf("valid signature rejected: %v", err)
	}

	if err := (SignaturePayload{ActorID: "patient-1"}).Validate(); err == nil {
		t.Error("missing timestamp must be rejected")
	}
	if err := (SignaturePayload{Timestamp: time.Now()}).Validate(); err == nil {
		t.Error("missing actor must be rejected")
	}
}
