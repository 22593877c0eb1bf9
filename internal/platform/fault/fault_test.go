package fault

import (
	"errors"
	"fmt"
	"net/http"
	"testing"
)

func TestFault_Error(t *testing.T) {
	f := BusinessRule("PlanNotEditable", "plan is not in draft state")
	want := "PlanNotEditable: plan is not in draft state"
	if f.Error() != want {
		t.Errorf("Error() = %q, want %q", f.Error(), want)
	}
}

func TestFault_ErrorWithDetail(t *testing.T) {
	f := Processor("CardDeclined", "processor rejected the charge", "insufficient funds")
	if f.Error() != "CardDeclined: processor rejected the charge (insufficient funds)" {
		t.Errorf("unexpected Error(): %q", f.Error())
	}
}

func TestAs_Wrapped(t *testing.T) {
	inner := Conflict("DuplicateReceipt", "receipt already exists")
	wrapped := fmt.Errorf("apply event: %w", inner)

	f, ok := As(wrapped)
	if !ok {
		t.Fatal("expected fault to be extracted from wrapped error")
	}
	if f.Code != "DuplicateReceipt" {
		t.Errorf("Code = %q, want DuplicateReceipt", f.Code)
	}
}

func TestAs_PlainError(t *testing.T) {
	if _, ok := As(errors.New("boom")); ok {
		t.Error("plain error should not be a fault")
	}
}

func TestIsCode(t *testing.T) {
	err := Validation("AmountNotPositive", "amount must be > 0")
	if !IsCode(err, "AmountNotPositive") {
		t.Error("IsCode should match")
	}
	if IsCode(err, "Other") {
		t.Error("IsCode should not match a different code")
	}
}

func TestHTTPStatus(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{Validation("x", ""), http.StatusBadRequest},
		{BusinessRule("x", ""), http.StatusUnprocessableEntity},
		{Conflict("x", ""), http.StatusConflict},
		{Processor("x", "", ""), http.StatusBadGateway},
		{Security("x", ""), http.StatusUnauthorized},
		{NotFound("x", ""), http.StatusNotFound},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		if got := HTTPStatus(tc.err); got != tc.want {
			t.Errorf("HTTPStatus(%v) = %d, want %d", tc.err, got, tc.want)
		}
	}
}
