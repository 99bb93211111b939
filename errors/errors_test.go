package errors

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestNew(t *testing.T) {
	tests := []struct {
		name         string
		code         ErrorCode
		wantCategory ErrorCategory
		wantRetry    bool
	}{
		{"no_match", ErrCodeNoMatch, CategoryTransient, true},
		{"network", ErrCodeNetworkErr, CategoryTransient, true},
		{"already_reserved", ErrCodeAlreadyReserved, CategoryPermanent, false},
		{"already_completed", ErrCodeAlreadyCompleted, CategoryPermanent, false},
		{"insufficient_funds", ErrCodeInsufficientFunds, CategoryResource, false},
		{"assertion", ErrCodeAssertion, CategoryInternal, false},
		{"unknown", ErrorCode("BOGUS"), CategoryInternal, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := New(tt.code, "msg")
			if err.Code() != tt.code {
				t.Errorf("Code() = %v, want %v", err.Code(), tt.code)
			}
			if err.Category() != tt.wantCategory {
				t.Errorf("Category() = %v, want %v", err.Category(), tt.wantCategory)
			}
			if err.Retryable() != tt.wantRetry {
				t.Errorf("Retryable() = %v, want %v", err.Retryable(), tt.wantRetry)
			}
			if err.Timestamp().IsZero() {
				t.Error("Timestamp() should not be zero")
			}
		})
	}
}

func TestFromCode(t *testing.T) {
	err := FromCode(ErrCodeNotReserver, WithTaskID(9))
	if err.Error() != "task not reserved by caller" {
		t.Errorf("Error() = %q", err.Error())
	}
	if err.TaskID() != 9 {
		t.Errorf("TaskID() = %d, want 9", err.TaskID())
	}
	if ErrorCode("BOGUS").Description() != "unknown error" {
		t.Error("unknown code should have generic description")
	}
}

func TestWithRetryableOverride(t *testing.T) {
	err := New(ErrCodeNoMatch, "final", WithRetryable(false))
	if err.Retryable() {
		t.Error("expected override to win over category default")
	}
}

func TestMetadataIsCopied(t *testing.T) {
	err := New(ErrCodeInvalidInput, "bad", WithMetadata("field", "color"))
	md := err.Metadata()
	md["field"] = "mutated"
	if err.Metadata()["field"] != "color" {
		t.Error("Metadata() must return a copy")
	}
}

func TestInsufficientFunds(t *testing.T) {
	err := InsufficientFunds("alice", WithTaskID(3))
	if err.Account() != "alice" || err.TaskID() != 3 {
		t.Errorf("unexpected fields: %q %d", err.Account(), err.TaskID())
	}
	if !Is(err, ErrCodeInsufficientFunds) {
		t.Error("Is() should match")
	}
}

func TestErrorIncludesCause(t *testing.T) {
	cause := fmt.Errorf("disk full")
	err := New(ErrCodeInternal, "persist task", WithCause(cause))
	if err.Error() != "persist task: disk full" {
		t.Errorf("Error() = %q", err.Error())
	}
	if !errors.Is(err, cause) {
		t.Error("errors.Is should find cause")
	}
}

func TestWrap(t *testing.T) {
	if Wrap(nil, "x") != nil {
		t.Fatal("Wrap(nil) must be nil")
	}

	base := New(ErrCodeAlreadyReserved, "taken", WithTaskID(4))
	wrapped := Wrap(base, "reserve")
	if wrapped.Code() != ErrCodeAlreadyReserved {
		t.Errorf("code lost: %v", wrapped.Code())
	}
	if wrapped.TaskID() != 4 {
		t.Errorf("task id lost: %d", wrapped.TaskID())
	}

	if got := Wrap(context.DeadlineExceeded, "slow").Code(); got != ErrCodeTimeout {
		t.Errorf("deadline maps to %v", got)
	}
	if got := Wrap(context.Canceled, "stop").Code(); got != ErrCodeCanceled {
		t.Errorf("cancel maps to %v", got)
	}
	if got := Wrap(fmt.Errorf("boom"), "x").Code(); got != ErrCodeInternal {
		t.Errorf("plain maps to %v", got)
	}
}

func TestHelpersOnPlainErrors(t *testing.T) {
	plain := fmt.Errorf("plain")
	if Code(plain) != "" {
		t.Error("Code() of plain error should be empty")
	}
	if IsRetryable(plain) {
		t.Error("plain errors are not retryable")
	}
	if AsMarketError(plain) != nil {
		t.Error("AsMarketError(plain) should be nil")
	}
	if !IsTransient(fmt.Errorf("outer: %w", FromCode(ErrCodeNetworkErr))) {
		t.Error("IsTransient should see through fmt wrapping")
	}
}

func TestMarshalJSONHidesCause(t *testing.T) {
	err := New(ErrCodeInternal, "persist failed",
		WithCause(fmt.Errorf("sqlite: disk I/O")), WithAccount("secret-token"), WithTaskID(2))
	data, jerr := json.Marshal(err)
	if jerr != nil {
		t.Fatalf("marshal: %v", jerr)
	}
	s := string(data)
	if strings.Contains(s, "sqlite") || strings.Contains(s, "secret-token") {
		t.Errorf("internal details leaked: %s", s)
	}
	var decoded map[string]any
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatal(err)
	}
	if decoded["code"] != "INTERNAL" || decoded["task_id"] != float64(2) {
		t.Errorf("unexpected payload: %v", decoded)
	}
}

func TestRecoverPanic(t *testing.T) {
	if RecoverPanic(nil) != nil {
		t.Error("nil recovery should be nil")
	}
	err := RecoverPanic("oops")
	if err.Code() != ErrCodePanic || err.Error() != "oops" {
		t.Errorf("unexpected %v %q", err.Code(), err.Error())
	}
}
