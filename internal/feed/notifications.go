package feed

import (
	"context"
	"fmt"

	"go.uber.org/multierr"

	"github.com/lastbench/feedsync/internal/datasource"
	"github.com/lastbench/feedsync/internal/normalize"
	"github.com/lastbench/feedsync/internal/reconcile"
	"github.com/lastbench/feedsync/internal/records"
)

const notificationsTable = "notifications"

// NotificationFeed lists the notifications addressed to one user, newest first.
type NotificationFeed struct {
	*Controller[records.Notification]

	userID string
}

// NewNotificationFeed constructs the notification feed of userID.
func NewNotificationFeed(deps Dependencies, userID string, config Config) (*NotificationFeed, error) {
	if deps.Source == nil {
		return nil, ErrMissingSource
	}
	id, err := records.NewReferenceID(userID)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidRecordRef, err)
	}
	notifications := &NotificationFeed{userID: id.String()}
	notifications.Controller = newController(Resource[records.Notification]{
		Table:           notificationsTable,
		Filter:          datasource.Eq("user_id", id.String()),
		Decode:          normalize.Notification,
		Placement:       reconcile.Prepend,
		Poll:            true,
		CompleteInserts: true,
	}, deps, config)
	return notifications, nil
}

// UnreadCount counts notifications not yet marked read.
func (n *NotificationFeed) UnreadCount() int {
	return records.UnreadCount(n.Items())
}

// MarkRead marks one notification read, rolling back on failure.
func (n *NotificationFeed) MarkRead(ctx context.Context, id string) error {
	before, err := n.update(id, markRead)
	if err != nil {
		return err
	}
	if before.Read {
		return nil
	}
	if err := n.source.Update(ctx, notificationsTable, id, datasource.Row{"read": true}); err != nil {
		n.restoreUnread(id)
		n.notify(Notice{Kind: NoticeMarkReadFailed, RecordID: id, Message: "Could not mark notification as read.", Err: err})
		return err
	}
	return nil
}

// MarkAllRead marks every listed notification read. Each failed write is
// rolled back individually and the failures are combined.
func (n *NotificationFeed) MarkAllRead(ctx context.Context) error {
	var unread []string
	err := n.mutate(func(list []records.Notification) ([]records.Notification, error) {
		next := make([]records.Notification, len(list))
		for index, notification := range list {
			if !notification.Read {
				unread = append(unread, notification.ID)
			}
			next[index] = markRead(notification)
		}
		return next, nil
	})
	if err != nil {
		return err
	}
	var failures error
	for _, id := range unread {
		if err := n.source.Update(ctx, notificationsTable, id, datasource.Row{"read": true}); err != nil {
			n.restoreUnread(id)
			failures = multierr.Append(failures, fmt.Errorf("mark %s read: %w", id, err))
		}
	}
	if failures != nil {
		n.notify(Notice{Kind: NoticeMarkReadFailed, Message: "Some notifications could not be marked as read.", Err: failures})
	}
	return failures
}

func (n *NotificationFeed) restoreUnread(id string) {
	_, _ = n.update(id, func(notification records.Notification) records.Notification {
		notification.Read = false
		return notification
	})
}

func markRead(notification records.Notification) records.Notification {
	notification.Read = true
	return notification
}
