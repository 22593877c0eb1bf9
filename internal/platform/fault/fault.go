// Package fault defines the typed error taxonomy shared by all domain
// services. Domain operations return a *Fault for every expected business
// condition; only unexpected failures (storage down, driver errors) propagate
// as plain wrapped errors and abort the enclosing transaction.
package fault

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies a fault for propagation and HTTP mapping decisions.
type Kind int

const (
	// KindValidation is bad input shape. Reported to the caller, no retry.
	KindValidation Kind = iota
	// KindBusinessRule is a domain rule violation (PlanNotEditable,
	// AlreadyDecided, InsufficientBalance, ...). Reported, not retried.
	KindBusinessRule
	// KindConflict is an integrity conflict (duplicate receipt, concurrent
	// acceptance). The loser is treated as a successful no-op by callers whose
	// intent the winner already satisfied.
	KindConflict
	// KindProcessor is an external payment-processor failure (declined,
	// timeout). Safe to retry with a new Payment, never by mutating this one.
	KindProcessor
	// KindSecurity fails closed: logged, no state mutated, no detail leaked.
	KindSecurity
	// KindNotFound means the referenced entity does not exist.
	KindNotFound
)

// Fault is a typed domain error carrying a stable machine-readable code.
type Fault struct {
	Kind    Kind
	Code    string
	Message string
	// Detail holds processor-supplied text for KindProcessor faults.
	Detail string
}

func (f *Fault) Error() string {
	if f.Detail != "" {
		return fmt.Sprintf("%s: %s (%s)", f.Code, f.Message, f.Detail)
	}
	return fmt.Sprintf("%s: %s", f.Code, f.Message)
}

// New creates a fault of the given kind.
func New(kind Kind, code, message string) *Fault {
	return &Fault{Kind: kind, Code: code, Message: message}
}

func Validation(code, message string) *Fault   { return New(KindValidation, code, message) }
func BusinessRule(code, message string) *Fault { return New(KindBusinessRule, code, message) }
func Conflict(code, message string) *Fault     { return New(KindConflict, code, message) }
func Security(code, message string) *Fault     { return New(KindSecurity, code, message) }
func NotFound(code, message string) *Fault     { return New(KindNotFound, code, message) }

// Processor creates an external-processor fault with the gateway's own detail
// recorded verbatim.
func Processor(code, message, detail string) *Fault {
	return &Fault{Kind: KindProcessor, Code: code, Message: message, Detail: detail}
}

// As extracts a *Fault from an error chain.
func As(err error) (*Fault, bool) {
	var f *Fault
	if errors.As(err, &f) {
		return f, true
	}
	return nil, false
}

// IsCode reports whether err is a fault with the given code.
func IsCode(err error, code string) bool {
	f, ok := As(err)
	return ok && f.Code == code
}

// HTTPStatus maps a fault kind to the transport status used by handlers.
// Non-fault errors map to 500.
func HTTPStatus(err error) int {
	f, ok := As(err)
	if !ok {
		return http.StatusInternalServerError
	}
	switch f.Kind {
	case KindValidation:
		return http.StatusBadRequest
	case KindBusinessRule:
		return http.StatusUnprocessableEntity
	case KindConflict:
		return http.StatusConflict
	case KindProcessor:
		return http.StatusBadGateway
	case KindSecurity:
		return http.StatusUnauthorized
	case KindNotFound:
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}
