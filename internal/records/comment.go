package records

import "time"

// Comment is a reply to a post, optionally threaded under another comment.
type Comment struct {
	ID           string    `json:"id"`
	PostID       string    `json:"postId"`
	ParentID     string    `json:"parentId,omitempty"`
	AuthorID     string    `json:"authorId,omitempty"`
	AuthorAnonID string    `json:"authorAnonId"`
	AvatarColor  string    `json:"authorAvatarColor"`
	AvatarURL    string    `json:"authorAvatarUrl,omitempty"`
	Text         string    `json:"text"`
	LikesCount   int       `json:"likesCount"`
	IsLiked      bool      `json:"isLiked"`
	CreatedAt    time.Time `json:"createdAt"`
	ClientKey    string    `json:"clientKey,omitempty"`
}

// RecordID returns the comment identifier.
func (c Comment) RecordID() string {
	return c.ID
}

// IsTemporary reports whether the comment is an unconfirmed optimistic placeholder.
func (c Comment) IsTemporary() bool {
	return IsTemporary(c.ID)
}

// Merge copies the listed fields from incoming onto a copy of c.
func (c Comment) Merge(incoming Comment, fields FieldSet) Comment {
	merged := c
	if fields.Has(FieldText) {
		merged.Text = incoming.Text
	}
	if fields.Has(FieldParentID) {
		merged.ParentID = incoming.ParentID
	}
	if fields.Has(FieldLikesCount) {
		merged.LikesCount = incoming.LikesCount
	}
	if fields.Has(FieldIsLiked) {
		merged.IsLiked = incoming.IsLiked
	}
	if fields.Has(FieldAuthor) {
		merged.AuthorID = incoming.AuthorID
		merged.AuthorAnonID = incoming.AuthorAnonID
		merged.AvatarColor = incoming.AvatarColor
		merged.AvatarURL = incoming.AvatarURL
	}
	if fields.Has(FieldCreatedAt) {
		merged.CreatedAt = incoming.CreatedAt
	}
	if fields.Has(FieldClientKey) {
		merged.ClientKey = incoming.ClientKey
	}
	return merged
}

// CommentDraft holds user input for a comment that has not been submitted yet.
type CommentDraft struct {
	PostID   string
	ParentID string
	Text     string
}

// IdempotencyKey returns the client key carried through the create round trip.
func (c Comment) IdempotencyKey() string {
	return c.ClientKey
}

// MatchesDraft reports whether c looks like the server echo of the temporary comment draft.
func (c Comment) MatchesDraft(draft Comment) bool {
	return c.Text == draft.Text && c.PostID == draft.PostID && (draft.AuthorID == "" || c.AuthorID == draft.AuthorID)
}
