package reconcile

import "github.com/lastbench/feedsync/internal/records"

// Settle swaps the temporary placeholder confirmed by real for real itself,
// keeping the placeholder's position. A placeholder is matched by idempotency
// key, or by draft content when the echo carries no key. When real is already
// listed the matching placeholder is simply dropped. It reports whether a
// placeholder was found.
func Settle[T records.Optimistic[T]](list []T, real T) ([]T, bool) {
	index := temporaryIndex(list, real)
	if index < 0 {
		return list, false
	}
	if indexOf(list, real.RecordID()) >= 0 {
		return Remove(list, list[index].RecordID()), true
	}
	next := make([]T, len(list))
	copy(next, list)
	next[index] = real
	return next, true
}

// Resolve replaces the placeholder tempID with real. If the placeholder is
// gone real is inserted with the given placement unless already present.
func Resolve[T records.Optimistic[T]](list []T, tempID string, real T, placement Placement) []T {
	index := indexOf(list, tempID)
	if index < 0 {
		next, _ := ApplyAt(list, Event[T]{Kind: KindInsert, Record: real}, placement)
		return next
	}
	if indexOf(list, real.RecordID()) >= 0 {
		return Remove(list, tempID)
	}
	next := make([]T, len(list))
	copy(next, list)
	next[index] = real
	return next
}

// Temporaries returns the unconfirmed placeholders of list in order.
func Temporaries[T records.Record[T]](list []T) []T {
	var temporaries []T
	for _, item := range list {
		if records.IsTemporary(item.RecordID()) {
			temporaries = append(temporaries, item)
		}
	}
	return temporaries
}

func temporaryIndex[T records.Optimistic[T]](list []T, real T) int {
	if records.IsTemporary(real.RecordID()) {
		return -1
	}
	key := real.IdempotencyKey()
	for index, item := range list {
		if !records.IsTemporary(item.RecordID()) {
			continue
		}
		if key != "" {
			if item.IdempotencyKey() == key {
				return index
			}
			continue
		}
		if real.MatchesDraft(item) {
			return index
		}
	}
	return -1
}
