package records

import (
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// TemporaryPrefix marks identifiers synthesized on the client for records the backend has not confirmed yet.
const TemporaryPrefix = "temp_"

const maxIdentifierLength = 190

var (
	// ErrInvalidRecordID indicates that a record identifier is empty or exceeds storage bounds.
	ErrInvalidRecordID = errors.New("records: invalid record id")
	// ErrTemporaryReference indicates that a temporary identifier was used where a backend identifier is required.
	ErrTemporaryReference = errors.New("records: temporary id cannot be referenced")
)

// RecordID represents a validated backend-issued record identifier.
type RecordID string

// NewRecordID validates raw input and returns a RecordID.
func NewRecordID(rawInput string) (RecordID, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidRecordID)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidRecordID, maxIdentifierLength)
	}
	return RecordID(trimmed), nil
}

// NewReferenceID validates an identifier that will be sent to the backend as a reference.
func NewReferenceID(rawInput string) (RecordID, error) {
	id, err := NewRecordID(rawInput)
	if err != nil {
		return "", err
	}
	if IsTemporary(id.String()) {
		return "", fmt.Errorf("%w: %s", ErrTemporaryReference, id)
	}
	return id, nil
}

// String returns the underlying string identifier.
func (id RecordID) String() string {
	return string(id)
}

// IsTemporary reports whether the identifier was synthesized by a TempIDSource.
func IsTemporary(id string) bool {
	return strings.HasPrefix(id, TemporaryPrefix)
}

// TempIDSource issues temporary record identifiers and client idempotency keys.
// It owns its entropy so separate feeds never share generator state.
type TempIDSource struct {
	mu      sync.Mutex
	clock   func() time.Time
	entropy io.Reader
}

// NewTempIDSource constructs a TempIDSource. A nil clock defaults to time.Now.
func NewTempIDSource(clock func() time.Time) *TempIDSource {
	if clock == nil {
		clock = time.Now
	}
	return &TempIDSource{
		clock:   clock,
		entropy: ulid.Monotonic(rand.Reader, 0),
	}
}

// NewClientKey returns a fresh idempotency key carried through a create round trip.
func (s *TempIDSource) NewClientKey() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return ulid.MustNew(ulid.Timestamp(s.clock()), s.entropy).String()
}

// NewTemporaryID returns a fresh identifier carrying TemporaryPrefix.
func (s *TempIDSource) NewTemporaryID() string {
	return TemporaryPrefix + s.NewClientKey()
}
