package board

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"gorm.io/gorm"
)

const (
	maxTextLength       = 5000
	notificationSnippet = 140
	notificationLike    = "like"
	notificationComment = "comment"
	notificationReply   = "reply"
	profileJoinKey      = "profiles"
	actorJoinKey        = "actor"
	postJoinKey         = "posts"
)

func validateInsert(tableName string, values Row) error {
	text := strings.TrimSpace(stringValue(values["text"]))
	if utf8.RuneCountInString(text) > maxTextLength {
		return fmt.Errorf("%w: text exceeds %d characters", ErrInvalidPayload, maxTextLength)
	}
	switch tableName {
	case "posts":
		if text == "" && listLength(values["images"]) == 0 && stringValue(values["image_url"]) == "" {
			return fmt.Errorf("%w: post needs text or an image", ErrInvalidPayload)
		}
	case "comments":
		if text == "" || stringValue(values["post_id"]) == "" {
			return fmt.Errorf("%w: comment needs text and a post", ErrInvalidPayload)
		}
	case "post_likes", "reports":
		if stringValue(values["post_id"]) == "" {
			return fmt.Errorf("%w: post_id is required", ErrInvalidPayload)
		}
	case "comment_likes":
		if stringValue(values["comment_id"]) == "" {
			return fmt.Errorf("%w: comment_id is required", ErrInvalidPayload)
		}
	case "notifications":
		return fmt.Errorf("%w: notifications are created by the server", ErrForbidden)
	}
	if text != "" {
		values["text"] = text
	}
	return nil
}

// checkReferences verifies that the rows an insert points at exist.
func (s *Service) checkReferences(tx *gorm.DB, tableName string, values Row) error {
	switch tableName {
	case "comments":
		if err := exists(tx, &Post{}, stringValue(values["post_id"])); err != nil {
			return err
		}
		parentID := stringValue(values["parent_id"])
		if parentID == "" {
			return nil
		}
		var parent Comment
		if err := tx.Where("id = ?", parentID).Take(&parent).Error; err != nil {
			return notFound(err, "comments", parentID)
		}
		if parent.PostID != stringValue(values["post_id"]) {
			return fmt.Errorf("%w: parent comment belongs to another post", ErrInvalidPayload)
		}
	case "post_likes", "reports":
		return exists(tx, &Post{}, stringValue(values["post_id"]))
	case "comment_likes":
		return exists(tx, &Comment{}, stringValue(values["comment_id"]))
	}
	return nil
}

// notifyOwner records a notification for the author of the liked or
// commented content. Acting on your own content notifies nobody.
func (s *Service) notifyOwner(tx *gorm.DB, tableName string, item model) (*Notification, error) {
	notification := Notification{ActorID: item.owner()}
	switch created := item.(type) {
	case PostLike:
		var post Post
		if err := tx.Where("id = ?", created.PostID).Take(&post).Error; err != nil {
			return nil, notFound(err, "posts", created.PostID)
		}
		notification.UserID = post.AuthorID
		notification.Type = notificationLike
		notification.PostID = post.ID
	case Comment:
		var post Post
		if err := tx.Where("id = ?", created.PostID).Take(&post).Error; err != nil {
			return nil, notFound(err, "posts", created.PostID)
		}
		notification.UserID = post.AuthorID
		notification.Type = notificationComment
		notification.PostID = post.ID
		notification.CommentID = created.ID
		notification.Content = snippet(created.Text)
		if created.ParentID != "" {
			var parent Comment
			if err := tx.Where("id = ?", created.ParentID).Take(&parent).Error; err != nil {
				return nil, notFound(err, "comments", created.ParentID)
			}
			notification.UserID = parent.AuthorID
			notification.Type = notificationReply
		}
	default:
		return nil, nil
	}
	if notification.UserID == "" || notification.UserID == notification.ActorID {
		return nil, nil
	}
	id, err := s.idProvider.NewID()
	if err != nil {
		return nil, err
	}
	notification.ID = id
	if err := tx.Create(&notification).Error; err != nil {
		return nil, err
	}
	return &notification, nil
}

func deletePostChildren(tx *gorm.DB, postID string) error {
	comments := tx.Model(&Comment{}).Select("id").Where("post_id = ?", postID)
	if err := tx.Where("comment_id IN (?)", comments).Delete(&CommentLike{}).Error; err != nil {
		return err
	}
	for _, child := range []any{&Comment{}, &PostLike{}, &Report{}} {
		if err := tx.Where("post_id = ?", postID).Delete(child).Error; err != nil {
			return err
		}
	}
	return nil
}

// attachJoins embeds the related rows a client selects alongside each table.
func (s *Service) attachJoins(ctx context.Context, tableName string, rows []Row) ([]Row, error) {
	if len(rows) == 0 {
		return rows, nil
	}
	switch tableName {
	case "posts", "comments":
		profiles, err := s.profiles.Profiles(ctx, columnValues(rows, "author_id"))
		if err != nil {
			return nil, err
		}
		for _, row := range rows {
			if profile, ok := profiles[stringValue(row["author_id"])]; ok {
				row[profileJoinKey] = profile.Row()
			} else {
				row[profileJoinKey] = nil
			}
		}
	case "notifications":
		profiles, err := s.profiles.Profiles(ctx, columnValues(rows, "actor_id"))
		if err != nil {
			return nil, err
		}
		var posts []Post
		if err := s.db.WithContext(ctx).Where("id IN ?", columnValues(rows, "post_id")).Find(&posts).Error; err != nil {
			return nil, err
		}
		postsByID := make(map[string]Post, len(posts))
		for _, post := range posts {
			postsByID[post.ID] = post
		}
		for _, row := range rows {
			if actor, ok := profiles[stringValue(row["actor_id"])]; ok {
				row[actorJoinKey] = Row{"display_name": actor.DisplayName, "avatar_url": actor.AvatarURL, "avatar_color": actor.AvatarColor}
			}
			if post, ok := postsByID[stringValue(row["post_id"])]; ok {
				row[postJoinKey] = Row{"text": post.Text, "image_url": post.ImageURL}
			}
		}
	case "post_likes":
		var posts []Post
		if err := s.db.WithContext(ctx).Where("id IN ?", columnValues(rows, "post_id")).Find(&posts).Error; err != nil {
			return nil, err
		}
		postRows := make([]Row, 0, len(posts))
		for _, post := range posts {
			postRows = append(postRows, post.row())
		}
		joined, err := s.attachJoins(ctx, "posts", postRows)
		if err != nil {
			return nil, err
		}
		postsByID := make(map[string]Row, len(joined))
		for _, post := range joined {
			postsByID[stringValue(post["id"])] = post
		}
		for _, row := range rows {
			if post, ok := postsByID[stringValue(row["post_id"])]; ok {
				row[postJoinKey] = post
			}
		}
	}
	return rows, nil
}

func exists(tx *gorm.DB, target any, id string) error {
	var count int64
	if err := tx.Model(target).Where("id = ?", id).Count(&count).Error; err != nil {
		return err
	}
	if count == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return nil
}

func notFound(err error, tableName string, id string) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return fmt.Errorf("%w: %s %s", ErrNotFound, tableName, id)
	}
	return err
}

func columnValues(rows []Row, column string) []string {
	seen := make(map[string]bool, len(rows))
	values := make([]string, 0, len(rows))
	for _, row := range rows {
		value := stringValue(row[column])
		if value == "" || seen[value] {
			continue
		}
		seen[value] = true
		values = append(values, value)
	}
	return values
}

func stringValue(value any) string {
	text, _ := value.(string)
	return text
}

func listLength(value any) int {
	switch list := value.(type) {
	case []any:
		return len(list)
	case []string:
		return len(list)
	default:
		return 0
	}
}

func snippet(text string) string {
	runes := []rune(text)
	if len(runes) <= notificationSnippet {
		return text
	}
	return string(runes[:notificationSnippet]) + "…"
}
