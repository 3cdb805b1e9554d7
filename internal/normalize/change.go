package normalize

import (
	"strings"
	"time"

	"github.com/lastbench/feedsync/internal/reconcile"
	"github.com/lastbench/feedsync/internal/records"
)

// RawChange is a change payload as delivered by the realtime channel.
type RawChange struct {
	Table      string
	Kind       string
	New        map[string]any
	Old        map[string]any
	CommitTime time.Time
}

// Decoder turns a single row into a domain record.
type Decoder[T any] func(row map[string]any) Result[T]

// ParseKind maps the backend event type onto a reconcile.Kind.
func ParseKind(raw string) (reconcile.Kind, bool) {
	switch strings.ToUpper(strings.TrimSpace(raw)) {
	case "INSERT":
		return reconcile.KindInsert, true
	case "UPDATE":
		return reconcile.KindUpdate, true
	case "DELETE":
		return reconcile.KindDelete, true
	default:
		return "", false
	}
}

// Change decodes a RawChange into a reconcile event. Deletes carry only the
// identifier taken from the old row image.
func Change[T any](change RawChange, decode Decoder[T], subscription string) Result[reconcile.Event[T]] {
	kind, ok := ParseKind(change.Kind)
	if !ok {
		return Invalid[reconcile.Event[T]]("unknown event type %q on %s", change.Kind, change.Table)
	}
	row := change.New
	if kind == reconcile.KindDelete {
		row = change.Old
	}
	decoded := decode(row)
	if !decoded.Valid() {
		return Invalid[reconcile.Event[T]]("%s %s: %s", change.Table, kind, decoded.Reason())
	}
	fields := decoded.Fields()
	if kind == reconcile.KindDelete {
		fields = records.NewFieldSet()
	}
	event := reconcile.Event[T]{
		Kind:         kind,
		Record:       decoded.Value(),
		Fields:       fields,
		Subscription: subscription,
		ReceivedAt:   change.CommitTime,
	}
	return Ok(event, fields)
}

// Rows decodes a page of rows, splitting valid records from rejection reasons.
func Rows[T any](rows []map[string]any, decode Decoder[T]) ([]T, []string) {
	decoded := make([]T, 0, len(rows))
	var rejected []string
	for _, row := range rows {
		result := decode(row)
		if !result.Valid() {
			rejected = append(rejected, result.Reason())
			continue
		}
		decoded = append(decoded, result.Value())
	}
	return decoded, rejected
}
