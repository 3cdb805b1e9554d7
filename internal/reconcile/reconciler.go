// Package reconcile merges realtime change events into ordered, deduplicated record lists.
package reconcile

import (
	"time"

	"github.com/lastbench/feedsync/internal/records"
)

// Kind tags a change event.
type Kind string

const (
	KindInsert Kind = "insert"
	KindUpdate Kind = "update"
	KindDelete Kind = "delete"
)

// Event is a normalized change for a single record.
// Delete events only need Record's identifier.
type Event[T any] struct {
	Kind         Kind
	Record       T
	Fields       records.FieldSet
	Subscription string
	ReceivedAt   time.Time
}

// Outcome describes what Apply did with an event.
type Outcome string

const (
	OutcomeApplied   Outcome = "applied"
	OutcomeDuplicate Outcome = "duplicate"
	OutcomeNoMatch   Outcome = "no_match"
	OutcomeInvalid   Outcome = "invalid"
)

// Changed reports whether the list was modified.
func (o Outcome) Changed() bool {
	return o == OutcomeApplied
}

// Placement decides where inserted records land.
type Placement int

const (
	// Prepend suits reverse-chronological feeds.
	Prepend Placement = iota
	// Append suits ascending threads such as comments.
	Append
)

// Apply merges event into list for a reverse-chronological feed.
func Apply[T records.Record[T]](list []T, event Event[T]) ([]T, Outcome) {
	return ApplyAt(list, event, Prepend)
}

// ApplyAt merges event into list. The input slice is never modified; when the
// event does not change anything the input is returned as is.
func ApplyAt[T records.Record[T]](list []T, event Event[T], placement Placement) ([]T, Outcome) {
	id := event.Record.RecordID()
	if id == "" {
		return list, OutcomeInvalid
	}

	switch event.Kind {
	case KindInsert:
		if indexOf(list, id) >= 0 {
			return list, OutcomeDuplicate
		}
		next := make([]T, 0, len(list)+1)
		if placement == Append {
			next = append(next, list...)
			return append(next, event.Record), OutcomeApplied
		}
		next = append(next, event.Record)
		return append(next, list...), OutcomeApplied
	case KindUpdate:
		index := indexOf(list, id)
		if index < 0 {
			return list, OutcomeNoMatch
		}
		next := make([]T, len(list))
		copy(next, list)
		next[index] = list[index].Merge(event.Record, event.Fields)
		return next, OutcomeApplied
	case KindDelete:
		if indexOf(list, id) < 0 {
			return list, OutcomeNoMatch
		}
		return Remove(list, id), OutcomeApplied
	default:
		return list, OutcomeInvalid
	}
}

// Contains reports whether a record with id is present.
func Contains[T records.Record[T]](list []T, id string) bool {
	return indexOf(list, id) >= 0
}

// Find returns the record with id.
func Find[T records.Record[T]](list []T, id string) (T, bool) {
	index := indexOf(list, id)
	if index < 0 {
		var zero T
		return zero, false
	}
	return list[index], true
}

// Remove drops every record with id.
func Remove[T records.Record[T]](list []T, id string) []T {
	next := make([]T, 0, len(list))
	for _, item := range list {
		if item.RecordID() != id {
			next = append(next, item)
		}
	}
	return next
}

// Replace builds a fresh list from an authoritative page, keeping the first
// occurrence of each identifier and dropping records without one.
func Replace[T records.Record[T]](page []T) []T {
	seen := make(map[string]struct{}, len(page))
	next := make([]T, 0, len(page))
	for _, item := range page {
		id := item.RecordID()
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		next = append(next, item)
	}
	return next
}

// AppendPage adds the records of page that are not yet present to the tail.
func AppendPage[T records.Record[T]](list []T, page []T) []T {
	seen := make(map[string]struct{}, len(list)+len(page))
	next := make([]T, 0, len(list)+len(page))
	for _, item := range list {
		seen[item.RecordID()] = struct{}{}
		next = append(next, item)
	}
	for _, item := range page {
		id := item.RecordID()
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		next = append(next, item)
	}
	return next
}

// MergePage overlays an authoritative first page onto list: page records take
// their fetched values and order at the head, records not on the page keep
// their place behind it.
func MergePage[T records.Record[T]](list []T, page []T) []T {
	head := Replace(page)
	return AppendPage(head, list)
}

func indexOf[T records.Record[T]](list []T, id string) int {
	for index, item := range list {
		if item.RecordID() == id {
			return index
		}
	}
	return -1
}
