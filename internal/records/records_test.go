package records

import (
	"errors"
	"strings"
	"testing"
	"time"
)

func TestNewRecordIDRejectsEmptyAndOversized(t *testing.T) {
	if _, err := NewRecordID("   "); !errors.Is(err, ErrInvalidRecordID) {
		t.Fatalf("expected invalid record id error, got %v", err)
	}
	if _, err := NewRecordID(strings.Repeat("a", maxIdentifierLength+1)); !errors.Is(err, ErrInvalidRecordID) {
		t.Fatalf("expected oversized id to be rejected, got %v", err)
	}
	id, err := NewRecordID(" p1 ")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if id.String() != "p1" {
		t.Fatalf("expected trimmed id, got %q", id)
	}
}

func TestNewReferenceIDRejectsTemporaryIDs(t *testing.T) {
	source := NewTempIDSource(func() time.Time { return time.Unix(1700000000, 0) })
	tempID := source.NewTemporaryID()
	if _, err := NewReferenceID(tempID); !errors.Is(err, ErrTemporaryReference) {
		t.Fatalf("expected temporary reference error, got %v", err)
	}
	if _, err := NewReferenceID("c-42"); err != nil {
		t.Fatalf("unexpected error for backend id: %v", err)
	}
}

func TestTempIDSourceIssuesUniquePrefixedIDs(t *testing.T) {
	source := NewTempIDSource(func() time.Time { return time.Unix(1700000000, 0) })
	seen := make(map[string]struct{})
	for i := 0; i < 100; i++ {
		id := source.NewTemporaryID()
		if !IsTemporary(id) {
			t.Fatalf("expected %q to carry the temporary prefix", id)
		}
		if _, ok := seen[id]; ok {
			t.Fatalf("duplicate temporary id %q", id)
		}
		seen[id] = struct{}{}
	}
}

func TestPostMergeCopiesOnlyListedFields(t *testing.T) {
	stored := Post{ID: "p1", Text: "a", LikesCount: 5, DisplayName: "X", Tags: []PostTag{TagMeme}}
	incoming := Post{ID: "p1", LikesCount: 6}

	merged := stored.Merge(incoming, NewFieldSet(FieldLikesCount))
	if merged.Text != "a" || merged.DisplayName != "X" || merged.LikesCount != 6 {
		t.Fatalf("unexpected merge result: %#v", merged)
	}

	merged.Tags[0] = TagLove
	if stored.Tags[0] != TagMeme {
		t.Fatalf("merge must not share slices with the stored post")
	}
}

func TestPostTrendingScore(t *testing.T) {
	post := Post{LikesCount: 3, CommentsCount: 4}
	if post.TrendingScore() != 11 {
		t.Fatalf("expected trending score 11, got %d", post.TrendingScore())
	}
}

func TestUnreadCount(t *testing.T) {
	list := []Notification{{ID: "n1"}, {ID: "n2", Read: true}, {ID: "n3"}}
	if got := UnreadCount(list); got != 2 {
		t.Fatalf("expected 2 unread, got %d", got)
	}
}
