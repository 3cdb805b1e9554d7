package feed

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/lastbench/feedsync/internal/cache"
	"github.com/lastbench/feedsync/internal/datasource"
	"github.com/lastbench/feedsync/internal/normalize"
	"github.com/lastbench/feedsync/internal/realtime"
	"github.com/lastbench/feedsync/internal/records"
)

var errBackendDown = errors.New("backend down")

func TestColdStartShowsSnapshotThenReplacesWithFirstPage(t *testing.T) {
	harness := newHarness(t)
	harness.source.seed("posts", postRows(25)...)

	store := cache.NewMemoryStore()
	cached := []records.Post{{ID: "p1", Text: "stale"}, {ID: "p2"}, {ID: "p3"}, {ID: "gone-1"}, {ID: "gone-2"}}
	require.NoError(t, cache.NewSnapshot[records.Post](store, cache.FeedCacheKey, 20, nil).Save(context.Background(), cached))

	postFeed := newTestPostFeed(t, harness, PostFeedOptions{Cache: store})
	shown, done := postFeed.LoadFirstPage(context.Background())
	require.Equal(t, []string{"p1", "p2", "p3", "gone-1", "gone-2"}, ids(shown))

	waitLoaded(t, done)
	items := postFeed.Items()
	require.Len(t, items, 20)
	requireUnique(t, ids(items))
	require.Equal(t, "p1", items[0].ID)
	require.Equal(t, "post p1", items[0].Text)
	require.NotContains(t, ids(items), "gone-1")
	require.True(t, postFeed.HasMore())
	require.Equal(t, PageCursor{Index: 1, Size: 20}, postFeed.Cursor())
}

func TestLoadNextPageStopsAtEndOfData(t *testing.T) {
	harness := newHarness(t)
	harness.source.seed("posts", postRows(25)...)
	postFeed := newTestPostFeed(t, harness, PostFeedOptions{})

	_, done := postFeed.LoadFirstPage(context.Background())
	waitLoaded(t, done)

	added, err := postFeed.LoadNextPage(context.Background())
	require.NoError(t, err)
	require.Equal(t, 5, added)
	require.False(t, postFeed.HasMore())
	require.Len(t, postFeed.Items(), 25)
	requireUnique(t, ids(postFeed.Items()))

	fetches := harness.source.fetchCount()
	added, err = postFeed.LoadNextPage(context.Background())
	require.NoError(t, err)
	require.Zero(t, added)
	require.Equal(t, fetches, harness.source.fetchCount())
}

func TestRefreshDiscardsRecordsNoLongerUpstream(t *testing.T) {
	harness := newHarness(t)
	harness.source.seed("posts", postRows(3)...)
	postFeed := newTestPostFeed(t, harness, PostFeedOptions{})
	_, done := postFeed.LoadFirstPage(context.Background())
	waitLoaded(t, done)

	_, err := harness.source.Delete(context.Background(), "posts", "p2", "author-1")
	require.NoError(t, err)
	require.NoError(t, postFeed.Refresh(context.Background()))
	require.Equal(t, []string{"p1", "p3"}, ids(postFeed.Items()))
	require.False(t, postFeed.HasMore())
}

func TestToggleLikePersistsAndAdoptsServerCount(t *testing.T) {
	harness := newHarness(t)
	row := postRow("p1", 1)
	row["likes_count"] = 4
	harness.source.seed("posts", row)
	postFeed := newTestPostFeed(t, harness, PostFeedOptions{})
	_, done := postFeed.LoadFirstPage(context.Background())
	waitLoaded(t, done)

	require.NoError(t, postFeed.ToggleLike(context.Background(), "p1"))
	post, ok := postFeed.find("p1")
	require.True(t, ok)
	require.True(t, post.IsLiked)
	require.Equal(t, 5, post.LikesCount)
	require.NotNil(t, harness.source.row("post_likes", likeRowID("p1", "user-1")))

	require.NoError(t, postFeed.ToggleLike(context.Background(), "p1"))
	post, _ = postFeed.find("p1")
	require.False(t, post.IsLiked)
	require.Equal(t, 4, post.LikesCount)
	require.Nil(t, harness.source.row("post_likes", likeRowID("p1", "user-1")))
}

func TestToggleLikeRollsBackOnFailure(t *testing.T) {
	harness := newHarness(t)
	row := postRow("p1", 1)
	row["likes_count"] = 4
	harness.source.seed("posts", row)
	harness.source.fail("insert", "post_likes", errBackendDown)
	postFeed := newTestPostFeed(t, harness, PostFeedOptions{})
	_, done := postFeed.LoadFirstPage(context.Background())
	waitLoaded(t, done)

	err := postFeed.ToggleLike(context.Background(), "p1")
	require.ErrorIs(t, err, errBackendDown)

	post, _ := postFeed.find("p1")
	require.False(t, post.IsLiked)
	require.Equal(t, 4, post.LikesCount)

	notice := <-postFeed.Notices()
	require.Equal(t, NoticeLikeFailed, notice.Kind)
	require.Equal(t, "p1", notice.RecordID)
}

func TestToggleLikeUndoesLikeRowWhenCounterFails(t *testing.T) {
	harness := newHarness(t)
	harness.source.seed("posts", postRow("p1", 1))
	harness.source.fail("increment", "posts", errBackendDown)
	postFeed := newTestPostFeed(t, harness, PostFeedOptions{})
	_, done := postFeed.LoadFirstPage(context.Background())
	waitLoaded(t, done)

	require.ErrorIs(t, postFeed.ToggleLike(context.Background(), "p1"), errBackendDown)
	post, _ := postFeed.find("p1")
	require.False(t, post.IsLiked)
	require.Zero(t, post.LikesCount)
	require.Nil(t, harness.source.row("post_likes", likeRowID("p1", "user-1")))
	require.Equal(t, NoticeLikeFailed, (<-postFeed.Notices()).Kind)

	harness.source.fail("increment", "posts", nil)
	require.NoError(t, postFeed.ToggleLike(context.Background(), "p1"))
	post, _ = postFeed.find("p1")
	require.True(t, post.IsLiked)
	require.Equal(t, 1, post.LikesCount)
	require.NotNil(t, harness.source.row("post_likes", likeRowID("p1", "user-1")))
	require.Equal(t, 1, harness.source.row("posts", "p1")["likes_count"])
}

func TestToggleUnlikeRestoresLikeRowWhenCounterFails(t *testing.T) {
	harness := newHarness(t)
	row := postRow("p1", 1)
	row["likes_count"] = 1
	harness.source.seed("posts", row)
	harness.source.seed("post_likes", datasource.Row{"id": likeRowID("p1", "user-1"), "post_id": "p1", "user_id": "user-1"})
	postFeed := newTestPostFeed(t, harness, PostFeedOptions{})
	_, done := postFeed.LoadFirstPage(context.Background())
	waitLoaded(t, done)
	harness.source.fail("increment", "posts", errBackendDown)

	require.ErrorIs(t, postFeed.ToggleLike(context.Background(), "p1"), errBackendDown)
	post, _ := postFeed.find("p1")
	require.True(t, post.IsLiked)
	require.Equal(t, 1, post.LikesCount)
	require.NotNil(t, harness.source.row("post_likes", likeRowID("p1", "user-1")))

	harness.source.fail("increment", "posts", nil)
	require.NoError(t, postFeed.ToggleLike(context.Background(), "p1"))
	post, _ = postFeed.find("p1")
	require.False(t, post.IsLiked)
	require.Zero(t, post.LikesCount)
	require.Nil(t, harness.source.row("post_likes", likeRowID("p1", "user-1")))
}

func TestToggleLikeAdoptsUpstreamStateWhenAlreadyApplied(t *testing.T) {
	harness := newHarness(t)
	row := postRow("p1", 1)
	row["likes_count"] = 3
	harness.source.seed("posts", row)
	postFeed := newTestPostFeed(t, harness, PostFeedOptions{})
	_, done := postFeed.LoadFirstPage(context.Background())
	waitLoaded(t, done)

	// Another session of the same user likes the post before this feed hears of it.
	harness.source.seed("post_likes", datasource.Row{"id": likeRowID("p1", "user-1"), "post_id": "p1", "user_id": "user-1"})
	_, err := harness.source.Increment(context.Background(), "posts", "p1", likesCounter, 1)
	require.NoError(t, err)

	require.NoError(t, postFeed.ToggleLike(context.Background(), "p1"))
	post, _ := postFeed.find("p1")
	require.True(t, post.IsLiked)
	require.Equal(t, 4, post.LikesCount)
	require.Equal(t, 4, harness.source.row("posts", "p1")["likes_count"])

	// And unlikes it again elsewhere.
	_, err = harness.source.Delete(context.Background(), "post_likes", likeRowID("p1", "user-1"), "user-1")
	require.NoError(t, err)
	_, err = harness.source.Increment(context.Background(), "posts", "p1", likesCounter, -1)
	require.NoError(t, err)

	require.NoError(t, postFeed.ToggleLike(context.Background(), "p1"))
	post, _ = postFeed.find("p1")
	require.False(t, post.IsLiked)
	require.Equal(t, 3, post.LikesCount)
	require.Equal(t, 3, harness.source.row("posts", "p1")["likes_count"])
}

func TestToggleLikeRejectsTemporaryAndUnknownRecords(t *testing.T) {
	harness := newHarness(t)
	postFeed := newTestPostFeed(t, harness, PostFeedOptions{})

	require.ErrorIs(t, postFeed.ToggleLike(context.Background(), records.TemporaryPrefix+"x"), ErrTemporaryRecord)
	require.ErrorIs(t, postFeed.ToggleLike(context.Background(), "missing"), ErrNotFound)
}

func TestCreateReplacesPlaceholderWithConfirmedPost(t *testing.T) {
	harness := newHarness(t)
	harness.source.seed("posts", postRows(2)...)
	postFeed := newTestPostFeed(t, harness, PostFeedOptions{})
	_, done := postFeed.LoadFirstPage(context.Background())
	waitLoaded(t, done)

	created, err := postFeed.Create(context.Background(), records.PostDraft{Text: "  hello  ", Tags: []records.PostTag{records.TagMeme}})
	require.NoError(t, err)
	require.False(t, created.IsTemporary())
	require.Equal(t, "hello", created.Text)

	items := postFeed.Items()
	require.Equal(t, []string{created.ID, "p1", "p2"}, ids(items))
	require.Empty(t, reconcileTemporaries(items))
}

func TestCreateFailureRemovesPlaceholder(t *testing.T) {
	harness := newHarness(t)
	harness.source.fail("insert", "posts", errBackendDown)
	postFeed := newTestPostFeed(t, harness, PostFeedOptions{})

	_, err := postFeed.Create(context.Background(), records.PostDraft{Text: "hello"})
	require.ErrorIs(t, err, errBackendDown)
	require.Empty(t, postFeed.Items())
	require.Equal(t, NoticeCreateFailed, (<-postFeed.Notices()).Kind)

	_, err = postFeed.Create(context.Background(), records.PostDraft{Text: "   "})
	require.ErrorIs(t, err, ErrEmptyDraft)
}

func TestRealtimeEchoSettlesPlaceholderWithoutDuplicates(t *testing.T) {
	harness := newHarness(t)
	postFeed := newTestPostFeed(t, harness, PostFeedOptions{})
	require.NoError(t, postFeed.Start())
	require.Eventually(t, func() bool { return harness.hub.Subscribers("posts") == 1 }, time.Second, 5*time.Millisecond)

	temp, err := postFeed.BeginCreate(context.Background(), records.PostDraft{Text: "echo me"})
	require.NoError(t, err)

	echo := postRow("real-1", 0)
	echo["text"] = "echo me"
	echo["author_id"] = "user-1"
	echo["client_key"] = temp.ClientKey
	harness.hub.Publish(normalize.RawChange{Table: "posts", Kind: "INSERT", New: echo})

	require.Eventually(t, func() bool {
		current := postFeed.Items()
		return len(current) == 1 && current[0].ID == "real-1"
	}, time.Second, 5*time.Millisecond)

	real, _, err := normalize.Post(echo).Unwrap()
	require.NoError(t, err)
	require.NoError(t, postFeed.CompleteCreate(temp.ID, real))
	require.Equal(t, []string{"real-1"}, ids(postFeed.Items()))
}

func TestRealtimeUpdateKeepsProfileAndDeleteRemoves(t *testing.T) {
	harness := newHarness(t)
	harness.source.seed("posts", postRows(2)...)
	postFeed := newTestPostFeed(t, harness, PostFeedOptions{})
	_, done := postFeed.LoadFirstPage(context.Background())
	waitLoaded(t, done)
	require.NoError(t, postFeed.Start())
	require.Eventually(t, func() bool { return harness.hub.Subscribers("posts") == 1 }, time.Second, 5*time.Millisecond)

	harness.hub.Publish(normalize.RawChange{Table: "posts", Kind: "UPDATE", New: map[string]any{"id": "p1", "likes_count": 9}})
	require.Eventually(t, func() bool {
		post, _ := postFeed.find("p1")
		return post.LikesCount == 9
	}, time.Second, 5*time.Millisecond)
	post, _ := postFeed.find("p1")
	require.Equal(t, "Fox", post.DisplayName)
	require.Equal(t, "post p1", post.Text)

	harness.hub.Publish(normalize.RawChange{Table: "posts", Kind: "DELETE", Old: map[string]any{"id": "p2"}})
	require.Eventually(t, func() bool { return len(postFeed.Items()) == 1 }, time.Second, 5*time.Millisecond)
}

func TestRealtimeInsertWithoutProfileIsCompletedFromSource(t *testing.T) {
	harness := newHarness(t)
	postFeed := newTestPostFeed(t, harness, PostFeedOptions{})
	require.NoError(t, postFeed.Start())
	require.Eventually(t, func() bool { return harness.hub.Subscribers("posts") == 1 }, time.Second, 5*time.Millisecond)

	full := postRow("p9", 0)
	harness.source.seed("posts", full)
	bare := copyRow(full)
	delete(bare, "profiles")
	harness.hub.Publish(normalize.RawChange{Table: "posts", Kind: "INSERT", New: bare})

	require.Eventually(t, func() bool { return len(postFeed.Items()) == 1 }, time.Second, 5*time.Millisecond)
	require.Equal(t, "Fox", postFeed.Items()[0].DisplayName)
}

func TestPollInsertsUnseenPostsNewestFirst(t *testing.T) {
	harness := newHarness(t)
	harness.source.seed("posts", postRows(3)...)
	postFeed := newTestPostFeed(t, harness, PostFeedOptions{})
	_, done := postFeed.LoadFirstPage(context.Background())
	waitLoaded(t, done)

	postFeed.pollOnce(context.Background())
	require.Equal(t, []string{"p1", "p2", "p3"}, ids(postFeed.Items()))

	harness.source.prepend("posts", postRow("n2", -2), postRow("n1", -1))
	postFeed.pollOnce(context.Background())
	require.Equal(t, []string{"n2", "n1", "p1", "p2", "p3"}, ids(postFeed.Items()))

	postFeed.pollOnce(context.Background())
	require.Len(t, postFeed.Items(), 5)
}

func TestDeletePostRequiresOwnership(t *testing.T) {
	harness := newHarness(t)
	mine := postRow("mine", 1)
	mine["author_id"] = "user-1"
	harness.source.seed("posts", mine, postRow("theirs", 2))
	postFeed := newTestPostFeed(t, harness, PostFeedOptions{})
	_, done := postFeed.LoadFirstPage(context.Background())
	waitLoaded(t, done)

	require.ErrorIs(t, postFeed.DeletePost(context.Background(), "theirs"), ErrNotOwner)
	require.Equal(t, NoticeDeleteFailed, (<-postFeed.Notices()).Kind)
	require.NoError(t, postFeed.DeletePost(context.Background(), "mine"))
	require.Equal(t, []string{"theirs"}, ids(postFeed.Items()))
}

func TestUpdateTextRollsBackOnFailure(t *testing.T) {
	harness := newHarness(t)
	harness.source.seed("posts", postRow("p1", 1))
	harness.source.fail("update", "posts", errBackendDown)
	postFeed := newTestPostFeed(t, harness, PostFeedOptions{})
	_, done := postFeed.LoadFirstPage(context.Background())
	waitLoaded(t, done)

	require.ErrorIs(t, postFeed.UpdateText(context.Background(), "p1", "edited"), errBackendDown)
	post, _ := postFeed.find("p1")
	require.Equal(t, "post p1", post.Text)
	require.False(t, post.IsEdited)
}

func TestReportRemovesPostAtThreshold(t *testing.T) {
	harness := newHarness(t)
	row := postRow("p1", 1)
	row["reports_count"] = DefaultReportThreshold - 1
	harness.source.seed("posts", row, postRow("p2", 2))
	postFeed := newTestPostFeed(t, harness, PostFeedOptions{})
	_, done := postFeed.LoadFirstPage(context.Background())
	waitLoaded(t, done)

	removed, err := postFeed.Report(context.Background(), "p2", "spam")
	require.NoError(t, err)
	require.False(t, removed)

	removed, err = postFeed.Report(context.Background(), "p1", "spam")
	require.NoError(t, err)
	require.True(t, removed)
	require.Equal(t, []string{"p2"}, ids(postFeed.Items()))
	require.Equal(t, NoticeRemoved, (<-postFeed.Notices()).Kind)
}

func TestReportSurfacesCounterFailure(t *testing.T) {
	harness := newHarness(t)
	row := postRow("p1", 1)
	row["reports_count"] = DefaultReportThreshold - 1
	harness.source.seed("posts", row)
	postFeed := newTestPostFeed(t, harness, PostFeedOptions{})
	_, done := postFeed.LoadFirstPage(context.Background())
	waitLoaded(t, done)
	harness.source.fail("increment", "posts", errBackendDown)

	removed, err := postFeed.Report(context.Background(), "p1", "spam")
	require.ErrorIs(t, err, errBackendDown)
	require.False(t, removed)
	require.Equal(t, []string{"p1"}, ids(postFeed.Items()))
	notice := <-postFeed.Notices()
	require.Equal(t, NoticeReportFailed, notice.Kind)
	require.Equal(t, "p1", notice.RecordID)
}

func TestHydrateMarksLikedPosts(t *testing.T) {
	harness := newHarness(t)
	harness.source.seed("posts", postRows(3)...)
	harness.source.seed("post_likes", datasource.Row{"id": likeRowID("p2", "user-1"), "post_id": "p2", "user_id": "user-1"})
	postFeed := newTestPostFeed(t, harness, PostFeedOptions{})
	_, done := postFeed.LoadFirstPage(context.Background())
	waitLoaded(t, done)

	liked := map[string]bool{}
	for _, post := range postFeed.Items() {
		liked[post.ID] = post.IsLiked
	}
	require.Equal(t, map[string]bool{"p1": false, "p2": true, "p3": false}, liked)
}

func TestCloseSilencesEveryCallback(t *testing.T) {
	harness := newHarness(t)
	postFeed := newTestPostFeed(t, harness, PostFeedOptions{})
	require.NoError(t, postFeed.Start())
	require.Eventually(t, func() bool { return harness.hub.Subscribers("posts") == 1 }, time.Second, 5*time.Millisecond)

	changes := make(chan []records.Post, 8)
	postFeed.OnChange(func(list []records.Post) { changes <- list })
	require.NoError(t, postFeed.Close())
	require.Zero(t, harness.manager.Live())

	harness.hub.Publish(normalize.RawChange{Table: "posts", Kind: "INSERT", New: postRow("late", 0)})
	select {
	case <-changes:
		t.Fatal("listener ran after Close")
	case <-time.After(50 * time.Millisecond):
	}
	_, open := <-postFeed.Notices()
	require.False(t, open)

	_, err := postFeed.LoadNextPage(context.Background())
	require.ErrorIs(t, err, ErrClosed)
	_, done := postFeed.LoadFirstPage(context.Background())
	require.ErrorIs(t, <-done, ErrClosed)
}

func TestCollegeFilterScopesSubscription(t *testing.T) {
	harness := newHarness(t)
	postFeed := newTestPostFeed(t, harness, PostFeedOptions{College: "MIT"})
	require.NoError(t, postFeed.Start())
	require.Eventually(t, func() bool { return harness.manager.Live() == 1 }, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return harness.hub.Subscribers("posts") == 1 }, time.Second, 5*time.Millisecond)

	other := postRow("elsewhere", 0)
	other["college"] = "Stanford"
	harness.hub.Publish(normalize.RawChange{Table: "posts", Kind: "INSERT", New: other})
	local := postRow("here", 0)
	local["college"] = "MIT"
	harness.hub.Publish(normalize.RawChange{Table: "posts", Kind: "INSERT", New: local})

	require.Eventually(t, func() bool { return len(postFeed.Items()) == 1 }, time.Second, 5*time.Millisecond)
	require.Equal(t, "here", postFeed.Items()[0].ID)
}

func TestStartIsIdempotent(t *testing.T) {
	harness := newHarness(t)
	postFeed := newTestPostFeed(t, harness, PostFeedOptions{})
	require.NoError(t, postFeed.Start())
	require.NoError(t, postFeed.Start())
	require.Equal(t, 1, harness.manager.Live())
	require.Eventually(t, func() bool {
		postFeed.mu.Lock()
		handle := postFeed.handle
		postFeed.mu.Unlock()
		return handle != nil && handle.State() == realtime.StateSubscribed
	}, time.Second, 5*time.Millisecond)
	require.Equal(t, 1, harness.hub.Subscribers("posts"))
}

func reconcileTemporaries(items []records.Post) []records.Post {
	var temporaries []records.Post
	for _, item := range items {
		if item.IsTemporary() {
			temporaries = append(temporaries, item)
		}
	}
	return temporaries
}
