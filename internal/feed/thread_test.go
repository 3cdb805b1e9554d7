package feed

import (
	"context"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/require"

	"github.com/lastbench/feedsync/internal/datasource"
	"github.com/lastbench/feedsync/internal/records"
)

func commentRow(id string, postID string, parentID string, minute int) datasource.Row {
	row := datasource.Row{
		"id":          id,
		"post_id":     postID,
		"author_id":   "author-1",
		"text":        "comment " + id,
		"likes_count": 0,
		"created_at":  baseTime.Add(time.Duration(minute) * time.Minute).Format(time.RFC3339),
		"profiles":    map[string]any{"anon_id": "Fox", "avatar_color": "#f80"},
	}
	if parentID != "" {
		row["parent_id"] = parentID
	}
	return row
}

func newTestThread(t *testing.T, harness *feedHarness, postID string) *CommentThread {
	t.Helper()
	thread, err := NewCommentThread(CommentThreadOptions{
		Dependencies: harness.deps,
		Session:      signedInSession(t, "user-1"),
		PostID:       postID,
		Config:       quietConfig(),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = thread.Close() })
	return thread
}

func TestCommentThreadAppendsInAscendingOrder(t *testing.T) {
	harness := newHarness(t)
	harness.source.seed("posts", postRow("p1", 1))
	harness.source.seed("comments",
		commentRow("c1", "p1", "", 1),
		commentRow("c2", "p2", "", 2),
		commentRow("c3", "p1", "c1", 3),
	)
	thread := newTestThread(t, harness, "p1")
	_, done := thread.LoadFirstPage(context.Background())
	waitLoaded(t, done)
	require.Equal(t, []string{"c1", "c3"}, ids(thread.Items()))
	require.Equal(t, []string{"c3"}, ids(thread.Replies("c1")))

	created, err := thread.Comment(context.Background(), records.CommentDraft{Text: "late reply", ParentID: "c1"})
	require.NoError(t, err)
	require.Equal(t, []string{"c1", "c3", created.ID}, ids(thread.Items()))
	require.Equal(t, "Owl", created.AuthorAnonID)
	require.Equal(t, 1, harness.source.row("posts", "p1")["comments_count"])
}

func TestCommentThreadKeepsPendingCommentAtTailAcrossRefresh(t *testing.T) {
	harness := newHarness(t)
	harness.source.seed("comments", commentRow("c1", "p1", "", 1), commentRow("c2", "p1", "", 2))
	thread := newTestThread(t, harness, "p1")
	_, done := thread.LoadFirstPage(context.Background())
	waitLoaded(t, done)

	pending, err := thread.BeginComment(context.Background(), records.CommentDraft{Text: "still sending"})
	require.NoError(t, err)
	require.Equal(t, []string{"c1", "c2", pending.ID}, ids(thread.Items()))

	harness.source.seed("comments", commentRow("c3", "p1", "", 3))
	require.NoError(t, thread.Refresh(context.Background()))
	require.Equal(t, []string{"c1", "c2", "c3", pending.ID}, ids(thread.Items()))

	thread.autoRefresh(context.Background())
	require.Equal(t, []string{"c1", "c2", "c3", pending.ID}, ids(thread.Items()))
}

func TestCommentThreadRejectsTemporaryReferences(t *testing.T) {
	harness := newHarness(t)
	_, err := NewCommentThread(CommentThreadOptions{
		Dependencies: harness.deps,
		Session:      signedInSession(t, "user-1"),
		PostID:       records.TemporaryPrefix + "post",
	})
	require.ErrorIs(t, err, ErrInvalidRecordRef)

	thread := newTestThread(t, harness, "p1")
	_, err = thread.BeginComment(context.Background(), records.CommentDraft{Text: "hi", ParentID: records.TemporaryPrefix + "c"})
	require.ErrorIs(t, err, ErrInvalidRecordRef)
	require.Empty(t, thread.Items())
}

func TestCommentLikeRollsBackOnCounterFailure(t *testing.T) {
	harness := newHarness(t)
	harness.source.seed("comments", commentRow("c1", "p1", "", 1))
	harness.source.fail("increment", "comments", errBackendDown)
	thread := newTestThread(t, harness, "p1")
	_, done := thread.LoadFirstPage(context.Background())
	waitLoaded(t, done)

	require.ErrorIs(t, thread.ToggleLike(context.Background(), "c1"), errBackendDown)
	comment, _ := thread.find("c1")
	require.False(t, comment.IsLiked)
	require.Zero(t, comment.LikesCount)
	require.Nil(t, harness.source.row("comment_likes", likeRowID("c1", "user-1")))
	require.Equal(t, NoticeLikeFailed, (<-thread.Notices()).Kind)
}

func TestMarkAllReadRollsBackOnlyFailedWrites(t *testing.T) {
	harness := newHarness(t)
	for _, id := range []string{"n1", "n2", "n3"} {
		harness.source.seed("notifications", datasource.Row{
			"id":         id,
			"user_id":    "user-1",
			"type":       "like",
			"actor_id":   "author-1",
			"read":       false,
			"created_at": baseTime.Format(time.RFC3339),
			"actor":      map[string]any{"display_name": "Fox"},
		})
	}
	harness.source.seed("notifications", datasource.Row{"id": "other", "user_id": "user-2", "type": "like"})
	harness.source.fail("update", "notifications/n2", errBackendDown)

	notifications, err := NewNotificationFeed(harness.deps, "user-1", quietConfig())
	require.NoError(t, err)
	t.Cleanup(func() { _ = notifications.Close() })
	_, done := notifications.LoadFirstPage(context.Background())
	waitLoaded(t, done)
	require.Equal(t, 3, notifications.UnreadCount())
	require.Equal(t, "Fox", notifications.Items()[0].ActorName)

	err = notifications.MarkAllRead(context.Background())
	require.ErrorIs(t, err, errBackendDown)
	require.Equal(t, 1, notifications.UnreadCount())
	unread, _ := notifications.find("n2")
	require.False(t, unread.Read)
	require.Equal(t, true, harness.source.row("notifications", "n1")["read"])

	require.NoError(t, notifications.MarkRead(context.Background(), "n1"))
}

func TestBackfillLoadsSecondPageAfterDelay(t *testing.T) {
	harness := newHarness(t)
	harness.source.seed("posts", postRows(30)...)
	mock := clock.NewMock()
	harness.deps.Clock = mock
	postFeed := newTestPostFeed(t, harness, PostFeedOptions{Config: Config{PageSize: 20, PollBatch: 5, BackfillDelay: DefaultBackfillDelay}})

	_, done := postFeed.LoadFirstPage(context.Background())
	waitLoaded(t, done)
	require.Len(t, postFeed.Items(), 20)

	mock.Add(DefaultBackfillDelay - time.Millisecond)
	require.Len(t, postFeed.Items(), 20)
	mock.Add(time.Millisecond)
	require.Eventually(t, func() bool { return len(postFeed.Items()) == 30 }, time.Second, 5*time.Millisecond)
	requireUnique(t, ids(postFeed.Items()))
	require.False(t, postFeed.HasMore())
}

func TestAutoRefreshMergesWithoutDroppingLoadedPages(t *testing.T) {
	harness := newHarness(t)
	harness.source.seed("posts", postRows(25)...)
	postFeed := newTestPostFeed(t, harness, PostFeedOptions{})
	_, done := postFeed.LoadFirstPage(context.Background())
	waitLoaded(t, done)
	_, err := postFeed.LoadNextPage(context.Background())
	require.NoError(t, err)

	fresh := postRow("fresh", -1)
	harness.source.prepend("posts", fresh)
	require.NoError(t, harness.source.Update(context.Background(), "posts", "p3", datasource.Row{"text": "edited"}))

	postFeed.autoRefresh(context.Background())
	items := postFeed.Items()
	require.Len(t, items, 26)
	require.Equal(t, "fresh", items[0].ID)
	requireUnique(t, ids(items))
	post, _ := postFeed.find("p3")
	require.Equal(t, "edited", post.Text)
}
