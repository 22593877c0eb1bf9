package payment

import "testing"

func TestCanTransition(t *testing.T) {
	allowed := [][2]State{
		{StatePending, StateProcessing},
		{StatePending, StateApproved},
		{StatePending, StateRejected},
		{StatePending, StateCancelled},
		{StateProcessing, StateApproved},
		{StateProcessing, StateRejected},
		{StateProcessing, StateCancelled},
		{StateApproved, StateRefunded},
	}
	for _, pair := range allowed {
		if !CanTransition(pair[0], pair[1]) {
			t.Errorf("expected %s -> %s to be allowed", pair[0], pair[1])
		}
	}

	// No transition re-enters an earlier state.
	denied := [][2]State{
		{StateProcessing, StatePending},
		{StateApproved, StatePending},
		{StateApproved, StateProcessing},
		{StateApproved, StateCancelled},
		{StateRejected, StateApproved},
		{StateCancelled, StateApproved},
		{StateRefunded, StateApproved},
		{StateRefunded, StatePending},
	}
	for _, pair := range denied {
		if CanTransition(pair[0], pair[1]) {
			t.Errorf("expected %s -> %s to be denied", pair[0], pair[1])
		}
	}
}

func TestStateTerminal(t *testing.T) {
	for _, s := range []State{StateRejected, StateRefunded, StateCancelled} {
		if !s.Terminal() {
			t.Errorf("expected %s to be terminal", s)
		}
	}
	for _, s := range []State{StatePending, StateProcessing, StateApproved} {
		if s.Terminal() {
			t.Errorf("expected %s to be non-terminal", s)
		}
	}
}

func TestRequiresProcessor(t *testing.T) {
	if !RequiresProcessor(MethodCard) {
		t.Error("card must go through the processor")
	}
	if RequiresProcessor(MethodCash) || RequiresProcessor(MethodTransfer) {
		t.Error("cash and bank transfer settle locally")
	}
}

func TestPaymentActive(t *testing.T) {
	for _, s := range []State{StatePending, StateProcessing, StateApproved} {
		if !(&Payment{State: s}).Active() {
			t.Errorf("expected %s payment to count against the balance", s)
		}
	}
	for _, s := range []State{StateRejected, StateRefunded, StateCancelled} {
		if (&Payment{State: s}).Active() {
			t.Errorf("expected %s payment to release the balance", s)
		}
	}
}
