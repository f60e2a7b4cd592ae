package history

import (
	"errors"
	"fmt"
)

// Kind classifies store failures.
type Kind int

const (
	// KindInvalidIdentifier means the record had no canonical identifier.
	KindInvalidIdentifier Kind = iota + 1
	// KindInvalidInput covers other malformed records, such as an unknown role.
	KindInvalidInput
	// KindUnavailable means transient failures persisted past the retry budget.
	KindUnavailable
	// KindBackend is a non-transient backend error; it is never retried.
	KindBackend
)

func (k Kind) String() string {
	switch k {
	case KindInvalidIdentifier:
		return "invalid_identifier"
	case KindInvalidInput:
		return "invalid_input"
	case KindUnavailable:
		return "unavailable"
	case KindBackend:
		return "backend"
	}
	return "unknown"
}

// StoreError is returned by every failing Store operation.
type StoreError struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *StoreError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("history %s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("history %s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *StoreError) Unwrap() error { return e.Err }

// Is matches sentinel errors by kind, so errors.Is(err, ErrUnavailable) works.
func (e *StoreError) Is(target error) bool {
	t, ok := target.(*StoreError)
	return ok && t.Op == "" && t.Err == nil && t.Kind == e.Kind
}

var (
	ErrInvalidIdentifier = &StoreError{Kind: KindInvalidIdentifier}
	ErrUnavailable       = &StoreError{Kind: KindUnavailable}
)

// KindOf returns the kind of a store error, or 0 for other errors.
func KindOf(err error) Kind {
	var se *StoreError
	if errors.As(err, &se) {
		return se.Kind
	}
	return 0
}

// IsUnavailable reports whether err is a store error that exhausted its retries.
func IsUnavailable(err error) bool {
	return KindOf(err) == KindUnavailable
}
