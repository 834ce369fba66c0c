package kvdoc

import (
	"context"
	"errors"
	"fmt"
)

// Backend error taxonomy. Every KV implementation reports failures through
// these sentinels (possibly wrapped) so the retry policy can classify them.
var (
	ErrNotFound  = errors.New("document not found")
	ErrKeyExists = errors.New("document already exists")
	ErrTempFail  = errors.New("temporary failure, server busy")
	ErrBadValue  = errors.New("counter applied to non-numeric value")
	ErrTimeout   = errors.New("operation timed out")

	// ErrCasMismatch wraps ErrKeyExists: the key exists, just not in the
	// expected state.
	ErrCasMismatch = fmt.Errorf("%w: cas mismatch", ErrKeyExists)

	// ErrLocked is reported for mutations against a key held by GetAndLock.
	// It wraps ErrTempFail: a lock is released by its owner or by expiry.
	ErrLocked = fmt.Errorf("%w: document locked", ErrTempFail)
)

// Layer errors
var (
	ErrBackendUnavailable = errors.New("backend unavailable")
	ErrNotConnected       = errors.New("no active backend session")
	ErrInvalidConfig      = errors.New("invalid configuration")

	ErrUnknownSchema    = errors.New("schema not registered")
	ErrReservedSchema   = errors.New("schema name is reserved")
	ErrReservedID       = errors.New("entity id is reserved")
	ErrIDAssigned       = errors.New("id must be empty when creating an auto-increment entity")
	ErrIDRequired       = errors.New("id is required when creating a non auto-increment entity")
	ErrNotAutoIncrement = errors.New("schema is not auto-increment")
	ErrNotIndexed       = errors.New("field is not indexed")
	ErrIndexDiverged    = errors.New("index references no live entities")
	ErrIndexContention  = errors.New("index update retries exhausted")
	ErrInvalidDocument  = errors.New("invalid document")
)

// ErrorWithContext adds additional context to errors for better debugging and logging
type ErrorWithContext struct {
	Err     error
	Context map[string]interface{}
}

func (e *ErrorWithContext) Error() string {
	if len(e.Context) == 0 {
		return e.Err.Error()
	}
	return fmt.Sprintf("%v (context: %+v)", e.Err, e.Context)
}

func (e *ErrorWithContext) Unwrap() error {
	return e.Err
}

// WithContext adds context to an error
func WithContext(err error, context map[string]interface{}) error {
	if err == nil {
		return nil
	}
	return &ErrorWithContext{
		Err:     err,
		Context: context,
	}
}

// UniqueConflictError is returned when a unique index already maps the value
// to a different entity.
type UniqueConflictError struct {
	Schema     string
	Field      string
	Value      string
	ExistingID string // id currently holding the value
	ID         string // id that tried to claim it
}

func (e *UniqueConflictError) Error() string {
	if e.ExistingID != "" {
		return fmt.Sprintf("%s: %s '%s' is already taken by id %s (wanted by %s)",
			e.Schema, e.Field, e.Value, e.ExistingID, e.ID)
	}
	return fmt.Sprintf("%s: %s '%s' is already taken", e.Schema, e.Field, e.Value)
}

// IsNotFound checks if an error is a "not found" error
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsKeyExists checks if an error reports an already existing key
func IsKeyExists(err error) bool {
	return errors.Is(err, ErrKeyExists)
}

// IsTransient reports whether the backend asked the caller to try again later.
func IsTransient(err error) bool {
	return errors.Is(err, ErrTempFail)
}

// IsCanceled reports caller-side cancellation, which is never the backend's fault.
func IsCanceled(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

// IsUniqueConflict checks if an error is a uniqueness violation
func IsUniqueConflict(err error) bool {
	var ue *UniqueConflictError
	return errors.As(err, &ue)
}

// IsMisuse reports errors caused by calling the driver incorrectly rather than
// by backend state.
func IsMisuse(err error) bool {
	return errors.Is(err, ErrIDAssigned) ||
		errors.Is(err, ErrIDRequired) ||
		errors.Is(err, ErrReservedID) ||
		errors.Is(err, ErrUnknownSchema) ||
		errors.Is(err, ErrNotAutoIncrement) ||
		errors.Is(err, ErrNotIndexed)
}
