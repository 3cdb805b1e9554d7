package normalize

import (
	"fmt"
	"strings"
	"time"

	"github.com/lastbench/feedsync/internal/records"
)

const (
	defaultDisplayName = "Anonymous"
	defaultAvatarColor = "#ccc"
	defaultAnonID      = "Unknown"
	defaultActorName   = "Unknown"
	likedPostJoin      = "posts"
)

type profileRow struct {
	ID          string `mapstructure:"id"`
	AnonID      string `mapstructure:"anon_id"`
	DisplayName string `mapstructure:"display_name"`
	AvatarColor string `mapstructure:"avatar_color"`
	AvatarURL   string `mapstructure:"avatar_url"`
	College     string `mapstructure:"college"`
	Department  string `mapstructure:"department"`
}

type actorRow struct {
	DisplayName string `mapstructure:"display_name"`
	AvatarURL   string `mapstructure:"avatar_url"`
	AvatarColor string `mapstructure:"avatar_color"`
}

type postJoin struct {
	Text     string `mapstructure:"text"`
	ImageURL string `mapstructure:"image_url"`
}

type postRow struct {
	ID            string            `mapstructure:"id"`
	AuthorID      string            `mapstructure:"author_id"`
	Text          string            `mapstructure:"text"`
	ImageURL      string            `mapstructure:"image_url"`
	Images        []string          `mapstructure:"images"`
	Department    string            `mapstructure:"department"`
	College       string            `mapstructure:"college"`
	Tags          []records.PostTag `mapstructure:"tags"`
	LikesCount    int               `mapstructure:"likes_count"`
	CommentsCount int               `mapstructure:"comments_count"`
	IsLiked       bool              `mapstructure:"is_liked"`
	IsEdited      bool              `mapstructure:"is_edited"`
	CreatedAt     time.Time         `mapstructure:"created_at"`
	ClientKey     string            `mapstructure:"client_key"`
	Profile       profileRow        `mapstructure:"profiles"`
}

type commentRow struct {
	ID         string     `mapstructure:"id"`
	PostID     string     `mapstructure:"post_id"`
	ParentID   string     `mapstructure:"parent_id"`
	AuthorID   string     `mapstructure:"author_id"`
	Text       string     `mapstructure:"text"`
	LikesCount int        `mapstructure:"likes_count"`
	IsLiked    bool       `mapstructure:"is_liked"`
	CreatedAt  time.Time  `mapstructure:"created_at"`
	ClientKey  string     `mapstructure:"client_key"`
	Profile    profileRow `mapstructure:"profiles"`
}

type notificationRow struct {
	ID          string    `mapstructure:"id"`
	UserID      string    `mapstructure:"user_id"`
	Type        string    `mapstructure:"type"`
	PostID      string    `mapstructure:"post_id"`
	CommentID   string    `mapstructure:"comment_id"`
	ActorID     string    `mapstructure:"actor_id"`
	ActorName   string    `mapstructure:"actor_name"`
	ActorAvatar string    `mapstructure:"actor_avatar"`
	Content     string    `mapstructure:"content"`
	Read        bool      `mapstructure:"read"`
	CreatedAt   time.Time `mapstructure:"created_at"`
	Actor       actorRow  `mapstructure:"actor"`
	Post        postJoin  `mapstructure:"posts"`
}

// postFields maps row columns onto the domain fields they populate. Author
// data only counts as present when the profile join is on the row, so a bare
// realtime row never wipes a hydrated profile.
var postFields = map[string]records.Field{
	"text":           records.FieldText,
	"images":         records.FieldImages,
	"image_url":      records.FieldImages,
	"department":     records.FieldDepartment,
	"college":        records.FieldCollege,
	"tags":           records.FieldTags,
	"likes_count":    records.FieldLikesCount,
	"comments_count": records.FieldCommentsCount,
	"is_liked":       records.FieldIsLiked,
	"is_edited":      records.FieldIsEdited,
	"profiles":       records.FieldAuthor,
	"created_at":     records.FieldCreatedAt,
	"client_key":     records.FieldClientKey,
}

var commentFields = map[string]records.Field{
	"text":        records.FieldText,
	"parent_id":   records.FieldParentID,
	"likes_count": records.FieldLikesCount,
	"is_liked":    records.FieldIsLiked,
	"profiles":    records.FieldAuthor,
	"created_at":  records.FieldCreatedAt,
	"client_key":  records.FieldClientKey,
}

var notificationFields = map[string]records.Field{
	"read":         records.FieldRead,
	"content":      records.FieldContent,
	"actor":        records.FieldActor,
	"actor_name":   records.FieldActor,
	"actor_avatar": records.FieldActor,
	"created_at":   records.FieldCreatedAt,
}

func presentFields(row map[string]any, columns map[string]records.Field) records.FieldSet {
	fields := records.NewFieldSet()
	for column, field := range columns {
		if _, ok := row[column]; ok {
			fields.Add(field)
		}
	}
	return fields
}

func orDefault(value string, fallback string) string {
	if strings.TrimSpace(value) == "" {
		return fallback
	}
	return value
}

// Post decodes a posts row, with or without its profile join.
func Post(row map[string]any) Result[records.Post] {
	if len(row) == 0 {
		return Invalid[records.Post]("empty row")
	}
	var decoded postRow
	if err := decodeRow(row, &decoded); err != nil {
		return Invalid[records.Post]("decode post: %v", err)
	}
	id := strings.TrimSpace(decoded.ID)
	if id == "" {
		return Invalid[records.Post]("post row without id")
	}
	images, imageURL := splitImages(decoded.Images, decoded.ImageURL)
	tags := decoded.Tags
	if tags == nil {
		tags = []records.PostTag{}
	}
	college := decoded.College
	if college == "" {
		college = decoded.Profile.College
	}
	post := records.Post{
		ID:            id,
		AuthorID:      decoded.AuthorID,
		AuthorAnonID:  orDefault(decoded.Profile.AnonID, defaultAnonID),
		DisplayName:   orDefault(decoded.Profile.DisplayName, defaultDisplayName),
		AvatarColor:   orDefault(decoded.Profile.AvatarColor, defaultAvatarColor),
		AvatarURL:     decoded.Profile.AvatarURL,
		Text:          decoded.Text,
		ImageURL:      imageURL,
		Images:        images,
		Department:    decoded.Department,
		College:       college,
		Tags:          tags,
		LikesCount:    max(decoded.LikesCount, 0),
		CommentsCount: max(decoded.CommentsCount, 0),
		IsLiked:       decoded.IsLiked,
		IsEdited:      decoded.IsEdited,
		CreatedAt:     decoded.CreatedAt,
		ClientKey:     decoded.ClientKey,
	}
	return Ok(post, presentFields(row, postFields))
}

// Comment decodes a comments row.
func Comment(row map[string]any) Result[records.Comment] {
	if len(row) == 0 {
		return Invalid[records.Comment]("empty row")
	}
	var decoded commentRow
	if err := decodeRow(row, &decoded); err != nil {
		return Invalid[records.Comment]("decode comment: %v", err)
	}
	id := strings.TrimSpace(decoded.ID)
	if id == "" {
		return Invalid[records.Comment]("comment row without id")
	}
	comment := records.Comment{
		ID:           id,
		PostID:       decoded.PostID,
		ParentID:     decoded.ParentID,
		AuthorID:     decoded.AuthorID,
		AuthorAnonID: orDefault(decoded.Profile.AnonID, defaultAnonID),
		AvatarColor:  orDefault(decoded.Profile.AvatarColor, defaultAvatarColor),
		AvatarURL:    decoded.Profile.AvatarURL,
		Text:         decoded.Text,
		LikesCount:   max(decoded.LikesCount, 0),
		IsLiked:      decoded.IsLiked,
		CreatedAt:    decoded.CreatedAt,
		ClientKey:    decoded.ClientKey,
	}
	return Ok(comment, presentFields(row, commentFields))
}

// Notification decodes a notifications row, flattening the actor and post joins.
func Notification(row map[string]any) Result[records.Notification] {
	if len(row) == 0 {
		return Invalid[records.Notification]("empty row")
	}
	var decoded notificationRow
	if err := decodeRow(row, &decoded); err != nil {
		return Invalid[records.Notification]("decode notification: %v", err)
	}
	id := strings.TrimSpace(decoded.ID)
	if id == "" {
		return Invalid[records.Notification]("notification row without id")
	}
	actorName := decoded.ActorName
	if actorName == "" {
		actorName = decoded.Actor.DisplayName
	}
	actorAvatar := decoded.ActorAvatar
	if actorAvatar == "" {
		actorAvatar = decoded.Actor.AvatarURL
	}
	notification := records.Notification{
		ID:          id,
		UserID:      decoded.UserID,
		Type:        records.NotificationType(decoded.Type),
		PostID:      decoded.PostID,
		CommentID:   decoded.CommentID,
		ActorID:     decoded.ActorID,
		ActorName:   orDefault(actorName, defaultActorName),
		ActorAvatar: actorAvatar,
		Content:     decoded.Content,
		PostText:    decoded.Post.Text,
		Read:        decoded.Read,
		CreatedAt:   decoded.CreatedAt,
	}
	return Ok(notification, presentFields(row, notificationFields))
}

// LikedPost decodes a like row carrying its embedded post. The post is marked liked.
func LikedPost(row map[string]any) Result[records.Post] {
	embedded, ok := row[likedPostJoin].(map[string]any)
	if !ok || len(embedded) == 0 {
		return Invalid[records.Post]("like row without post")
	}
	result := Post(embedded)
	if !result.Valid() {
		return result
	}
	post := result.Value()
	post.IsLiked = true
	fields := result.Fields()
	fields.Add(records.FieldIsLiked)
	return Ok(post, fields)
}

// Counter reads a counter column from row, clamped at zero.
func Counter(row map[string]any, column string) (int, error) {
	value, ok := row[column]
	if !ok || value == nil {
		return 0, fmt.Errorf("row has no %s", column)
	}
	var decoded struct {
		Value int `mapstructure:"value"`
	}
	if err := decodeRow(map[string]any{"value": value}, &decoded); err != nil {
		return 0, fmt.Errorf("decode %s: %w", column, err)
	}
	return max(decoded.Value, 0), nil
}
