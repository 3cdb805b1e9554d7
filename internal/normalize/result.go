// Package normalize turns raw backend rows and change payloads into domain records.
package normalize

import (
	"errors"
	"fmt"

	"github.com/lastbench/feedsync/internal/records"
)

// ErrMalformed indicates that a row could not be turned into a domain record.
var ErrMalformed = errors.New("normalize: malformed row")

// Result is either a decoded record with the fields its row carried, or the
// reason the row was rejected.
type Result[T any] struct {
	value  T
	fields records.FieldSet
	reason string
	valid  bool
}

// Ok wraps a successfully decoded record.
func Ok[T any](value T, fields records.FieldSet) Result[T] {
	if fields == nil {
		fields = records.NewFieldSet()
	}
	return Result[T]{value: value, fields: fields, valid: true}
}

// Invalid wraps a rejection reason.
func Invalid[T any](format string, args ...any) Result[T] {
	return Result[T]{reason: fmt.Sprintf(format, args...)}
}

// Valid reports whether the row decoded into a record.
func (r Result[T]) Valid() bool {
	return r.valid
}

// Value returns the decoded record; the zero value when invalid.
func (r Result[T]) Value() T {
	return r.value
}

// Fields returns the fields present on the source row.
func (r Result[T]) Fields() records.FieldSet {
	return r.fields
}

// Reason explains why the row was rejected.
func (r Result[T]) Reason() string {
	return r.reason
}

// Unwrap returns the record or an error wrapping ErrMalformed.
func (r Result[T]) Unwrap() (T, records.FieldSet, error) {
	if !r.valid {
		var zero T
		return zero, nil, fmt.Errorf("%w: %s", ErrMalformed, r.reason)
	}
	return r.value, r.fields, nil
}
