package feed

import (
	"fmt"

	"github.com/lastbench/feedsync/internal/datasource"
	"github.com/lastbench/feedsync/internal/normalize"
	"github.com/lastbench/feedsync/internal/records"
	"github.com/lastbench/feedsync/internal/session"
)

// ProfileFeedOptions wires the post lists shown on a user's profile. Session
// is the viewer; UserID is the profile being viewed.
type ProfileFeedOptions struct {
	Dependencies
	Session *session.Context
	UserID  string
	Config  Config
}

// NewAuthorFeed lists the posts written by the profile's user, newest first,
// with the viewer's like state. It follows realtime changes to those posts.
func NewAuthorFeed(options ProfileFeedOptions) (*PostFeed, error) {
	userID, err := profileUser(options.UserID)
	if err != nil {
		return nil, err
	}
	feed, err := newPostFeed(options.Dependencies, options.Session, nil)
	if err != nil {
		return nil, err
	}
	resource := feed.resource(postsTable, normalize.Post)
	resource.Filter = datasource.Eq("author_id", userID)
	resource.Poll = true
	feed.Controller = newController(resource, options.Dependencies, options.Config)
	return feed, nil
}

// NewLikedFeed lists the posts the profile's user has liked, most recently
// liked first. Pages are read from the like rows with their posts embedded,
// so paging follows like order. The list is not subscribed to realtime
// changes; Refresh and auto-refresh bring it up to date.
func NewLikedFeed(options ProfileFeedOptions) (*PostFeed, error) {
	userID, err := profileUser(options.UserID)
	if err != nil {
		return nil, err
	}
	feed, err := newPostFeed(options.Dependencies, options.Session, nil)
	if err != nil {
		return nil, err
	}
	resource := feed.resource(postLikesTable, normalize.LikedPost)
	resource.Filter = datasource.Eq("user_id", userID)
	resource.Detached = true
	resource.CompleteInserts = false
	resource.Settle = nil
	feed.Controller = newController(resource, options.Dependencies, options.Config)
	return feed, nil
}

func profileUser(userID string) (string, error) {
	id, err := records.NewReferenceID(userID)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrInvalidRecordRef, err)
	}
	return id.String(), nil
}
