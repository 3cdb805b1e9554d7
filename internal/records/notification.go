package records

import "time"

// NotificationType enumerates what an actor did to trigger a notification.
type NotificationType string

const (
	NotificationLike    NotificationType = "like"
	NotificationComment NotificationType = "comment"
	NotificationReply   NotificationType = "reply"
	NotificationMention NotificationType = "mention"
)

// Notification tells a user that someone interacted with their content.
type Notification struct {
	ID          string           `json:"id"`
	UserID      string           `json:"userId"`
	Type        NotificationType `json:"type"`
	PostID      string           `json:"postId,omitempty"`
	CommentID   string           `json:"commentId,omitempty"`
	ActorID     string           `json:"actorId"`
	ActorName   string           `json:"actorName"`
	ActorAvatar string           `json:"actorAvatar,omitempty"`
	Content     string           `json:"content,omitempty"`
	PostText    string           `json:"postText,omitempty"`
	Read        bool             `json:"read"`
	CreatedAt   time.Time        `json:"createdAt"`
}

// RecordID returns the notification identifier.
func (n Notification) RecordID() string {
	return n.ID
}

// Merge copies the listed fields from incoming onto a copy of n.
func (n Notification) Merge(incoming Notification, fields FieldSet) Notification {
	merged := n
	if fields.Has(FieldRead) {
		merged.Read = incoming.Read
	}
	if fields.Has(FieldContent) {
		merged.Content = incoming.Content
	}
	if fields.Has(FieldActor) {
		merged.ActorID = incoming.ActorID
		merged.ActorName = incoming.ActorName
		merged.ActorAvatar = incoming.ActorAvatar
	}
	if fields.Has(FieldCreatedAt) {
		merged.CreatedAt = incoming.CreatedAt
	}
	return merged
}

// UnreadCount counts notifications not yet marked read.
func UnreadCount(list []Notification) int {
	count := 0
	for _, notification := range list {
		if !notification.Read {
			count++
		}
	}
	return count
}
