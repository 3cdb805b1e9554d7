package board

import (
	"slices"
	"time"
)

// Row is a table row in data API shape.
type Row = map[string]any

// Post is a stored feed entry.
type Post struct {
	ID            string    `gorm:"column:id;primaryKey;size:190" mapstructure:"id"`
	AuthorID      string    `gorm:"column:author_id;size:190;not null;index" mapstructure:"author_id"`
	Text          string    `gorm:"column:text;type:text" mapstructure:"text"`
	ImageURL      string    `gorm:"column:image_url;size:512" mapstructure:"image_url"`
	Images        []string  `gorm:"column:images;serializer:json" mapstructure:"images"`
	Department    string    `gorm:"column:department;size:128" mapstructure:"department"`
	College       string    `gorm:"column:college;size:128;index" mapstructure:"college"`
	Tags          []string  `gorm:"column:tags;serializer:json" mapstructure:"tags"`
	LikesCount    int64     `gorm:"column:likes_count;not null;default:0" mapstructure:"-"`
	CommentsCount int64     `gorm:"column:comments_count;not null;default:0" mapstructure:"-"`
	ReportsCount  int64     `gorm:"column:reports_count;not null;default:0" mapstructure:"-"`
	IsEdited      bool      `gorm:"column:is_edited;not null;default:false" mapstructure:"-"`
	ClientKey     string    `gorm:"column:client_key;size:64;index" mapstructure:"client_key"`
	CreatedAt     time.Time `gorm:"column:created_at;index" mapstructure:"-"`
}

// TableName exposes the table backing posts.
func (Post) TableName() string {
	return "posts"
}

func (p Post) owner() string { return p.AuthorID }

func (p Post) row() Row {
	return Row{
		"id":             p.ID,
		"author_id":      p.AuthorID,
		"text":           p.Text,
		"image_url":      p.ImageURL,
		"images":         orEmpty(p.Images),
		"department":     p.Department,
		"college":        p.College,
		"tags":           orEmpty(p.Tags),
		"likes_count":    p.LikesCount,
		"comments_count": p.CommentsCount,
		"reports_count":  p.ReportsCount,
		"is_edited":      p.IsEdited,
		"client_key":     p.ClientKey,
		"created_at":     formatTime(p.CreatedAt),
	}
}

// Comment is a stored reply to a post.
type Comment struct {
	ID         string    `gorm:"column:id;primaryKey;size:190" mapstructure:"id"`
	PostID     string    `gorm:"column:post_id;size:190;not null;index" mapstructure:"post_id"`
	ParentID   string    `gorm:"column:parent_id;size:190" mapstructure:"parent_id"`
	AuthorID   string    `gorm:"column:author_id;size:190;not null" mapstructure:"author_id"`
	Text       string    `gorm:"column:text;type:text;not null" mapstructure:"text"`
	LikesCount int64     `gorm:"column:likes_count;not null;default:0" mapstructure:"-"`
	ClientKey  string    `gorm:"column:client_key;size:64" mapstructure:"client_key"`
	CreatedAt  time.Time `gorm:"column:created_at;index" mapstructure:"-"`
}

// TableName exposes the table backing comments.
func (Comment) TableName() string {
	return "comments"
}

func (c Comment) owner() string { return c.AuthorID }

func (c Comment) row() Row {
	row := Row{
		"id":          c.ID,
		"post_id":     c.PostID,
		"author_id":   c.AuthorID,
		"text":        c.Text,
		"likes_count": c.LikesCount,
		"client_key":  c.ClientKey,
		"created_at":  formatTime(c.CreatedAt),
	}
	if c.ParentID != "" {
		row["parent_id"] = c.ParentID
	}
	return row
}

// Notification tells a user someone interacted with their content.
type Notification struct {
	ID        string    `gorm:"column:id;primaryKey;size:190" mapstructure:"id"`
	UserID    string    `gorm:"column:user_id;size:190;not null;index" mapstructure:"user_id"`
	Type      string    `gorm:"column:type;size:32;not null" mapstructure:"type"`
	PostID    string    `gorm:"column:post_id;size:190" mapstructure:"post_id"`
	CommentID string    `gorm:"column:comment_id;size:190" mapstructure:"comment_id"`
	ActorID   string    `gorm:"column:actor_id;size:190" mapstructure:"actor_id"`
	Content   string    `gorm:"column:content;type:text" mapstructure:"content"`
	Read      bool      `gorm:"column:read;not null;default:false" mapstructure:"-"`
	CreatedAt time.Time `gorm:"column:created_at;index" mapstructure:"-"`
}

// TableName exposes the table backing notifications.
func (Notification) TableName() string {
	return "notifications"
}

func (n Notification) owner() string { return n.UserID }

func (n Notification) row() Row {
	return Row{
		"id":         n.ID,
		"user_id":    n.UserID,
		"type":       n.Type,
		"post_id":    n.PostID,
		"comment_id": n.CommentID,
		"actor_id":   n.ActorID,
		"content":    n.Content,
		"read":       n.Read,
		"created_at": formatTime(n.CreatedAt),
	}
}

// PostLike records that a user liked a post.
type PostLike struct {
	ID        string    `gorm:"column:id;primaryKey;size:400" mapstructure:"id"`
	PostID    string    `gorm:"column:post_id;size:190;not null;uniqueIndex:idx_post_likes_pair" mapstructure:"post_id"`
	UserID    string    `gorm:"column:user_id;size:190;not null;uniqueIndex:idx_post_likes_pair" mapstructure:"user_id"`
	CreatedAt time.Time `gorm:"column:created_at" mapstructure:"-"`
}

// TableName exposes the table backing post likes.
func (PostLike) TableName() string {
	return "post_likes"
}

func (l PostLike) owner() string { return l.UserID }

func (l PostLike) row() Row {
	return Row{"id": l.ID, "post_id": l.PostID, "user_id": l.UserID, "created_at": formatTime(l.CreatedAt)}
}

// CommentLike records that a user liked a comment.
type CommentLike struct {
	ID        string    `gorm:"column:id;primaryKey;size:400" mapstructure:"id"`
	CommentID string    `gorm:"column:comment_id;size:190;not null;uniqueIndex:idx_comment_likes_pair" mapstructure:"comment_id"`
	UserID    string    `gorm:"column:user_id;size:190;not null;uniqueIndex:idx_comment_likes_pair" mapstructure:"user_id"`
	CreatedAt time.Time `gorm:"column:created_at" mapstructure:"-"`
}

// TableName exposes the table backing comment likes.
func (CommentLike) TableName() string {
	return "comment_likes"
}

func (l CommentLike) owner() string { return l.UserID }

func (l CommentLike) row() Row {
	return Row{"id": l.ID, "comment_id": l.CommentID, "user_id": l.UserID, "created_at": formatTime(l.CreatedAt)}
}

// Report is a moderation flag raised against a post.
type Report struct {
	ID         string    `gorm:"column:id;primaryKey;size:190" mapstructure:"id"`
	PostID     string    `gorm:"column:post_id;size:190;not null;uniqueIndex:idx_reports_pair" mapstructure:"post_id"`
	ReporterID string    `gorm:"column:reporter_id;size:190;not null;uniqueIndex:idx_reports_pair" mapstructure:"reporter_id"`
	Reason     string    `gorm:"column:reason;size:512" mapstructure:"reason"`
	CreatedAt  time.Time `gorm:"column:created_at" mapstructure:"-"`
}

// TableName exposes the table backing reports.
func (Report) TableName() string {
	return "reports"
}

func (r Report) owner() string { return r.ReporterID }

func (r Report) row() Row {
	return Row{"id": r.ID, "post_id": r.PostID, "reporter_id": r.ReporterID, "reason": r.Reason, "created_at": formatTime(r.CreatedAt)}
}

func formatTime(value time.Time) string {
	return value.UTC().Format(time.RFC3339Nano)
}

func orEmpty(values []string) []string {
	if values == nil {
		return []string{}
	}
	return slices.Clone(values)
}
