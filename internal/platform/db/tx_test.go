package db

import (
	"context"
	"errors"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

func TestTxFromContext_Empty(t *testing.T) {
	if tx := TxFromContext(context.Background()); tx != nil {
		t.Error("expected nil tx from empty context")
	}
}

func TestRunInSavepoint_NoAmbientTx(t *testing.T) {
	// Without a transaction in the context fn runs directly.
	called := false
	err := RunInSavepoint(context.Background(), func(ctx context.Context) error {
		called = true
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !called {
		t.Error("expected fn to run")
	}

	want := errors.New("insert failed")
	if err := RunInSavepoint(context.Background(), func(ctx context.Context) error {
		return want
	}); !errors.Is(err, want) {
		t.Errorf("expected fn error to propagate, got %v", err)
	}
}

func TestIsUniqueViolation(t *testing.T) {
	uniqueErr := &pgconn.PgError{Code: "23505", ConstraintName: "payments_receipt_payment_id_key"}

	if !IsUniqueViolation(uniqueErr, "") {
		t.Error("expected unique violation match with empty constraint")
	}
	if !IsUniqueViolation(uniqueErr, "payments_receipt_payment_id_key") {
		t.Error("expected unique violation match on constraint name")
	}
	if IsUniqueViolation(uniqueErr, "other_constraint") {
		t.Error("expected no match on different constraint name")
	}

	fkErr := &pgconn.PgError{Code: "23503"}
	if IsUniqueViolation(fkErr, "") {
		t.Error("expected no match for foreign key violation")
	}

	if IsUniqueViolation(errors.New("plain error"), "") {
		t.Error("expected no match for non-pg error")
	}
}

func TestIsUniqueViolation_Wrapped(t *testing.T) {
	inner := &pgconn.PgError{Code: "23505", ConstraintName: "budget_acceptances_budget_id_key"}
	wrapped := errors.Join(errors.New("insert acceptance"), inner)

	if !IsUniqueViolation(wrapped, "budget_acceptances_budget_id_key") {
		t.Error("expected match through wrapped error")
	}
}

func TestIsNotFound(t *testing.T) {
	if !IsNotFound(pgx.ErrNoRows) {
		t.Error("expected match on pgx.ErrNoRows")
	}
	if IsNotFound(errors.New("some error")) {
		t.Error("expected no match on arbitrary error")
	}
	if IsNotFound(nil) {
		t.Error("expected no match on nil")
	}
}
