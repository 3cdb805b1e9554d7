// Package datasource is the request/response boundary to the backend data API.
package datasource

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrUnauthorized indicates a row-level policy or credential denial. Retrying cannot succeed.
	ErrUnauthorized = errors.New("datasource: unauthorized")
	// ErrTransport indicates the request never produced a usable response.
	ErrTransport = errors.New("datasource: transport failure")
	// ErrRejected indicates the backend refused the request as invalid.
	ErrRejected = errors.New("datasource: request rejected")
	// ErrConflict indicates the row already exists. It is always reported alongside ErrRejected.
	ErrConflict = errors.New("datasource: row already exists")
	// ErrInvalidArgument indicates a caller error detected before any I/O.
	ErrInvalidArgument = errors.New("datasource: invalid argument")
)

// Row is a raw backend row, keyed by column name.
type Row = map[string]any

// Filter is an equality predicate on a single column. The zero Filter matches every row.
type Filter struct {
	Column string
	Value  string
}

// Eq builds an equality filter.
func Eq(column string, value string) Filter {
	return Filter{Column: column, Value: value}
}

// IsZero reports whether the filter matches every row.
func (f Filter) IsZero() bool {
	return f.Column == ""
}

// String renders the filter in "column=eq.value" form.
func (f Filter) String() string {
	if f.IsZero() {
		return ""
	}
	return f.Column + "=eq." + f.Value
}

// Source is the data API consumed by feeds.
type Source interface {
	FetchPage(ctx context.Context, resource string, filter Filter, offset int, limit int) ([]Row, error)
	Insert(ctx context.Context, resource string, payload Row) (Row, error)
	Update(ctx context.Context, resource string, id string, patch Row) error
	// Delete removes the row only when ownerID owns it and returns the affected row count.
	Delete(ctx context.Context, resource string, id string, ownerID string) (int64, error)
	// Increment atomically adds delta to a counter column and returns the new value.
	Increment(ctx context.Context, resource string, id string, column string, delta int) (int64, error)
}

// LikeLookup is implemented by sources that can report which records a user has liked.
type LikeLookup interface {
	LikedIDs(ctx context.Context, resource string, column string, userID string, ids []string) (map[string]bool, error)
}

// ServiceError carries an "operation.reason" code alongside the cause.
type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

func (e *ServiceError) Code() string {
	return e.code
}

const (
	opFetchPage = "datasource.fetch_page"
	opInsert    = "datasource.insert"
	opUpdate    = "datasource.update"
	opDelete    = "datasource.delete"
	opIncrement = "datasource.increment"
	opLikedIDs  = "datasource.liked_ids"
)

func newServiceError(operation, reason string, cause error) error {
	return &ServiceError{code: fmt.Sprintf("%s.%s", operation, reason), err: cause}
}
