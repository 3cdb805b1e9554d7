package reconcile

import (
	"fmt"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/lastbench/feedsync/internal/records"
)

func post(id string) records.Post {
	return records.Post{ID: id, Text: "text-" + id}
}

func insert(p records.Post) Event[records.Post] {
	return Event[records.Post]{Kind: KindInsert, Record: p}
}

func ids(list []records.Post) []string {
	out := make([]string, 0, len(list))
	for _, item := range list {
		out = append(out, item.ID)
	}
	return out
}

func TestApplyInsertIsIdempotent(t *testing.T) {
	base := []records.Post{post("p2"), post("p1")}
	event := insert(post("p3"))

	once, outcome := Apply(base, event)
	require.Equal(t, OutcomeApplied, outcome)

	twice, outcome := Apply(once, event)
	require.Equal(t, OutcomeDuplicate, outcome)
	require.Equal(t, once, twice)
}

func TestApplyInsertPrependsNewRecord(t *testing.T) {
	base := []records.Post{post("p2"), post("p1")}

	next, _ := Apply(base, insert(post("p3")))
	require.Equal(t, []string{"p3", "p2", "p1"}, ids(next))
	require.Equal(t, []string{"p2", "p1"}, ids(base), "input list must not be modified")
}

func TestApplyAtAppendsForAscendingThreads(t *testing.T) {
	base := []records.Comment{{ID: "c1"}, {ID: "c2"}}
	next, outcome := ApplyAt(base, Event[records.Comment]{Kind: KindInsert, Record: records.Comment{ID: "c3"}}, Append)
	require.Equal(t, OutcomeApplied, outcome)
	require.Equal(t, "c3", next[2].ID)
}

func TestApplyDeleteOfMissingIDIsNoOp(t *testing.T) {
	base := []records.Post{post("p2"), post("p1")}

	next, outcome := Apply(base, Event[records.Post]{Kind: KindDelete, Record: records.Post{ID: "p9"}})
	require.Equal(t, OutcomeNoMatch, outcome)
	require.Equal(t, base, next)
}

func TestApplyDeleteRemovesRecord(t *testing.T) {
	base := []records.Post{post("p2"), post("p1")}

	next, outcome := Apply(base, Event[records.Post]{Kind: KindDelete, Record: records.Post{ID: "p2"}})
	require.Equal(t, OutcomeApplied, outcome)
	require.Equal(t, []string{"p1"}, ids(next))
}

func TestApplyUpdatePreservesUntouchedFields(t *testing.T) {
	base := []records.Post{{ID: "p1", Text: "a", LikesCount: 5, DisplayName: "X"}}
	event := Event[records.Post]{
		Kind:   KindUpdate,
		Record: records.Post{ID: "p1", LikesCount: 6},
		Fields: records.NewFieldSet(records.FieldLikesCount),
	}

	next, outcome := Apply(base, event)
	require.Equal(t, OutcomeApplied, outcome)
	require.Equal(t, records.Post{ID: "p1", Text: "a", LikesCount: 6, DisplayName: "X"}, next[0])
	require.Equal(t, 5, base[0].LikesCount)
}

func TestApplyUpdateOutsideWindowIsNoOp(t *testing.T) {
	base := []records.Post{post("p1")}
	event := Event[records.Post]{
		Kind:   KindUpdate,
		Record: records.Post{ID: "p7", LikesCount: 1},
		Fields: records.NewFieldSet(records.FieldLikesCount),
	}

	next, outcome := Apply(base, event)
	require.Equal(t, OutcomeNoMatch, outcome)
	require.Equal(t, base, next)
}

func TestApplyDropsMalformedEvents(t *testing.T) {
	base := []records.Post{post("p1")}

	next, outcome := Apply(base, insert(records.Post{Text: "no id"}))
	require.Equal(t, OutcomeInvalid, outcome)
	require.Equal(t, base, next)

	next, outcome = Apply(base, Event[records.Post]{Kind: "upsert", Record: post("p2")})
	require.Equal(t, OutcomeInvalid, outcome)
	require.Equal(t, base, next)
}

func TestApplyKeepsIdentifiersUnique(t *testing.T) {
	random := rand.New(rand.NewSource(42))
	kinds := []Kind{KindInsert, KindInsert, KindUpdate, KindDelete}

	var list []records.Post
	for step := 0; step < 2000; step++ {
		id := fmt.Sprintf("p%d", random.Intn(25))
		event := Event[records.Post]{
			Kind:   kinds[random.Intn(len(kinds))],
			Record: records.Post{ID: id, LikesCount: step},
			Fields: records.NewFieldSet(records.FieldLikesCount),
		}
		list, _ = Apply(list, event)

		seen := make(map[string]struct{}, len(list))
		for _, item := range list {
			_, duplicate := seen[item.ID]
			require.False(t, duplicate, "duplicate id %s after step %d", item.ID, step)
			seen[item.ID] = struct{}{}
		}
	}
}

func TestAppendPageSkipsKnownRecords(t *testing.T) {
	list := []records.Post{post("p5"), post("p4")}
	page := []records.Post{post("p4"), post("p3"), post("p2")}

	require.Equal(t, []string{"p5", "p4", "p3", "p2"}, ids(AppendPage(list, page)))
}

func TestReplaceDeduplicatesPage(t *testing.T) {
	page := []records.Post{post("p3"), post("p3"), {}, post("p1")}
	require.Equal(t, []string{"p3", "p1"}, ids(Replace(page)))
}

func TestMergePageTakesFetchedValuesAndKeepsTail(t *testing.T) {
	list := []records.Post{{ID: "p3", LikesCount: 1}, post("p2"), post("p1")}
	page := []records.Post{post("p4"), {ID: "p3", LikesCount: 9}}

	merged := MergePage(list, page)
	require.Equal(t, []string{"p4", "p3", "p2", "p1"}, ids(merged))
	require.Equal(t, 9, merged[1].LikesCount)
}
