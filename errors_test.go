package kvdoc

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestErrorTaxonomy(t *testing.T) {
	tests := []struct {
		name string
		err  error
		is   []error
	}{
		{"cas mismatch is key exists", ErrCasMismatch, []error{ErrKeyExists}},
		{"locked is transient", ErrLocked, []error{ErrTempFail}},
		{"wrapped not found", fmt.Errorf("get: %w", ErrNotFound), []error{ErrNotFound}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for _, target := range tt.is {
				if !errors.Is(tt.err, target) {
					t.Errorf("expected %v to match %v", tt.err, target)
				}
			}
		})
	}

	if errors.Is(ErrKeyExists, ErrCasMismatch) {
		t.Error("plain ErrKeyExists must not match ErrCasMismatch")
	}
}

func TestWithContext(t *testing.T) {
	baseErr := errors.New("base error")
	err := WithContext(baseErr, map[string]interface{}{
		"key":   "users:123",
		"value": 42,
	})

	var errWithCtx *ErrorWithContext
	if !errors.As(err, &errWithCtx) {
		t.Fatalf("expected ErrorWithContext, got %T", err)
	}
	if !errors.Is(err, baseErr) {
		t.Error("expected error to wrap base error")
	}
	if errWithCtx.Context["key"] != "users:123" {
		t.Errorf("context key = %v, want users:123", errWithCtx.Context["key"])
	}
	if !strings.Contains(err.Error(), "users:123") {
		t.Errorf("expected context in message, got %q", err.Error())
	}

	if WithContext(nil, map[string]interface{}{"k": "v"}) != nil {
		t.Error("WithContext(nil) should be nil")
	}
	if got := WithContext(baseErr, nil).Error(); got != "base error" {
		t.Errorf("empty context should keep the message, got %q", got)
	}
}

func TestUniqueConflictError(t *testing.T) {
	err := fmt.Errorf("create: %w", &UniqueConflictError{
		Schema:     "users",
		Field:      "email",
		Value:      "a@example.com",
		ExistingID: "1",
		ID:         "2",
	})

	if !IsUniqueConflict(err) {
		t.Fatal("expected unique conflict")
	}
	for _, want := range []string{"users", "email", "a@example.com", "id 1"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("expected %q in %q", want, err.Error())
		}
	}
	if IsUniqueConflict(ErrKeyExists) {
		t.Error("ErrKeyExists is not a unique conflict")
	}
}

func TestErrorHelpers(t *testing.T) {
	if !IsNotFound(WithContext(ErrNotFound, nil)) {
		t.Error("IsNotFound should see through context")
	}
	if !IsKeyExists(ErrCasMismatch) {
		t.Error("IsKeyExists should match cas mismatch")
	}
	if !IsTransient(ErrLocked) {
		t.Error("IsTransient should match a held lock")
	}
	if !IsCanceled(fmt.Errorf("op: %w", context.DeadlineExceeded)) {
		t.Error("IsCanceled should match deadline exceeded")
	}

	for _, err := range []error{ErrIDAssigned, ErrIDRequired, ErrReservedID, ErrUnknownSchema, ErrNotAutoIncrement, ErrNotIndexed} {
		if !IsMisuse(WithContext(err, nil)) {
			t.Errorf("expected %v to be misuse", err)
		}
	}
	if IsMisuse(ErrNotFound) {
		t.Error("ErrNotFound is not misuse")
	}
}
