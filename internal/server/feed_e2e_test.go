package server

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/lastbench/feedsync/internal/datasource"
	"github.com/lastbench/feedsync/internal/feed"
	"github.com/lastbench/feedsync/internal/realtime"
	"github.com/lastbench/feedsync/internal/records"
	"github.com/lastbench/feedsync/internal/session"
)

type feedClient struct {
	user          session.User
	posts         *feed.PostFeed
	notifications *feed.NotificationFeed
}

func newFeedClient(t *testing.T, backend *testBackend, anonID string) *feedClient {
	t.Helper()
	ctx := context.Background()
	user, token, err := session.RequestToken(ctx, backend.server.Client(), backend.server.URL, testAPIKey, session.User{AnonID: anonID, College: "MIT"})
	require.NoError(t, err)
	provider := session.NewStaticProvider(user, token)
	sessionContext := session.New(provider, nil)
	t.Cleanup(sessionContext.Destroy)

	source, err := datasource.NewRESTSource(datasource.RESTConfig{
		BaseURL:   backend.server.URL,
		APIKey:    testAPIKey,
		Tokens:    datasource.TokenSource(provider.AccessToken),
		RateLimit: 1000,
		RateBurst: 100,
	})
	require.NoError(t, err)
	transport, err := realtime.NewWebsocketTransport(realtime.WebsocketConfig{
		URL:    websocketURL(backend.server.URL),
		APIKey: testAPIKey,
		Tokens: realtime.TokenSource(provider.AccessToken),
	})
	require.NoError(t, err)
	manager := realtime.NewManager(transport, realtime.WithReconnectBackoff(20*time.Millisecond))
	t.Cleanup(manager.Close)

	deps := feed.Dependencies{Source: source, Subscriptions: manager, Logger: zap.NewNop()}
	config := feed.Config{PageSize: 20, PollBatch: 5}
	posts, err := feed.NewPostFeed(feed.PostFeedOptions{Dependencies: deps, Session: sessionContext, College: "MIT", Config: config})
	require.NoError(t, err)
	notifications, err := feed.NewNotificationFeed(deps, user.ID, config)
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, notifications.Close())
		require.NoError(t, posts.Close())
	})

	_, postsLoaded := posts.LoadFirstPage(ctx)
	require.NoError(t, <-postsLoaded)
	_, notificationsLoaded := notifications.LoadFirstPage(ctx)
	require.NoError(t, <-notificationsLoaded)
	require.NoError(t, posts.Start())
	require.NoError(t, notifications.Start())
	return &feedClient{user: user, posts: posts, notifications: notifications}
}

func findPost(posts []records.Post, id string) (records.Post, bool) {
	for _, post := range posts {
		if post.ID == id {
			return post, true
		}
	}
	return records.Post{}, false
}

func TestFeedsStayInSyncThroughBackend(t *testing.T) {
	backend := newTestBackend(t, nil)
	alice := newFeedClient(t, backend, "Owl")
	bob := newFeedClient(t, backend, "Fox")
	require.Eventually(t, func() bool { return backend.hub.Subscribers("posts") == 2 }, 2*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool { return backend.hub.Subscribers("notifications") == 2 }, 2*time.Second, 10*time.Millisecond)

	created, err := alice.posts.Create(context.Background(), records.PostDraft{Text: "anyone at the library?", Tags: []records.PostTag{records.TagOther}})
	require.NoError(t, err)
	require.False(t, created.IsTemporary())
	require.Len(t, alice.posts.Items(), 1)

	require.Eventually(t, func() bool {
		post, ok := findPost(bob.posts.Items(), created.ID)
		return ok && post.DisplayName == "Owl"
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, bob.posts.ToggleLike(context.Background(), created.ID))
	liked, _ := findPost(bob.posts.Items(), created.ID)
	require.True(t, liked.IsLiked)
	require.Equal(t, 1, liked.LikesCount)

	require.Eventually(t, func() bool {
		post, ok := findPost(alice.posts.Items(), created.ID)
		return ok && post.LikesCount == 1 && post.DisplayName == "Owl" && !post.IsLiked
	}, 2*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool { return alice.notifications.UnreadCount() == 1 }, 2*time.Second, 10*time.Millisecond)
	require.Zero(t, bob.notifications.UnreadCount())

	require.NoError(t, alice.notifications.MarkAllRead(context.Background()))
	require.Zero(t, alice.notifications.UnreadCount())

	require.ErrorIs(t, bob.posts.DeletePost(context.Background(), created.ID), feed.ErrNotOwner)
	require.NoError(t, alice.posts.DeletePost(context.Background(), created.ID))
	require.Eventually(t, func() bool {
		_, ok := findPost(bob.posts.Items(), created.ID)
		return !ok
	}, 2*time.Second, 10*time.Millisecond)
	require.Len(t, alice.posts.Items(), 0)
}
