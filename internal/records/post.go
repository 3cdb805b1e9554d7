package records

import (
	"slices"
	"time"
)

// PostTag enumerates the board's post categories.
type PostTag string

const (
	TagConfess PostTag = "Confess"
	TagRoast   PostTag = "Roast"
	TagMeme    PostTag = "Meme"
	TagLove    PostTag = "Love"
	TagDept    PostTag = "Dept"
	TagOther   PostTag = "Other"
)

// Post is a feed entry in domain shape.
type Post struct {
	ID            string    `json:"id"`
	AuthorID      string    `json:"authorId,omitempty"`
	AuthorAnonID  string    `json:"authorAnonId"`
	DisplayName   string    `json:"displayName"`
	AvatarColor   string    `json:"authorAvatarColor"`
	AvatarURL     string    `json:"authorAvatarUrl,omitempty"`
	Text          string    `json:"text"`
	ImageURL      string    `json:"imageUrl,omitempty"`
	Images        []string  `json:"images,omitempty"`
	Department    string    `json:"department,omitempty"`
	College       string    `json:"college,omitempty"`
	Tags          []PostTag `json:"tags"`
	LikesCount    int       `json:"likesCount"`
	CommentsCount int       `json:"commentsCount"`
	IsLiked       bool      `json:"isLiked"`
	IsEdited      bool      `json:"isEdited,omitempty"`
	CreatedAt     time.Time `json:"createdAt"`
	ClientKey     string    `json:"clientKey,omitempty"`
}

// RecordID returns the post identifier.
func (p Post) RecordID() string {
	return p.ID
}

// TrendingScore weighs comments twice as heavily as likes.
func (p Post) TrendingScore() int {
	return p.LikesCount + p.CommentsCount*2
}

// IsTemporary reports whether the post is an unconfirmed optimistic placeholder.
func (p Post) IsTemporary() bool {
	return IsTemporary(p.ID)
}

// Merge copies the listed fields from incoming onto a copy of p.
func (p Post) Merge(incoming Post, fields FieldSet) Post {
	merged := p.Clone()
	if fields.Has(FieldText) {
		merged.Text = incoming.Text
	}
	if fields.Has(FieldImages) {
		merged.Images = slices.Clone(incoming.Images)
		merged.ImageURL = incoming.ImageURL
	}
	if fields.Has(FieldDepartment) {
		merged.Department = incoming.Department
	}
	if fields.Has(FieldCollege) {
		merged.College = incoming.College
	}
	if fields.Has(FieldTags) {
		merged.Tags = slices.Clone(incoming.Tags)
	}
	if fields.Has(FieldLikesCount) {
		merged.LikesCount = incoming.LikesCount
	}
	if fields.Has(FieldCommentsCount) {
		merged.CommentsCount = incoming.CommentsCount
	}
	if fields.Has(FieldIsLiked) {
		merged.IsLiked = incoming.IsLiked
	}
	if fields.Has(FieldIsEdited) {
		merged.IsEdited = incoming.IsEdited
	}
	if fields.Has(FieldAuthor) {
		merged.AuthorID = incoming.AuthorID
		merged.AuthorAnonID = incoming.AuthorAnonID
		merged.DisplayName = incoming.DisplayName
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

// Clone returns a deep copy so slices are never shared between list versions.
func (p Post) Clone() Post {
	clone := p
	clone.Images = slices.Clone(p.Images)
	clone.Tags = slices.Clone(p.Tags)
	return clone
}

// PostDraft holds user input for a post that has not been submitted yet.
type PostDraft struct {
	Text   string
	Images []string
	Tags   []PostTag
}

// IdempotencyKey returns the client key carried through the create round trip.
func (p Post) IdempotencyKey() string {
	return p.ClientKey
}

// MatchesDraft reports whether p looks like the server echo of the temporary post draft.
func (p Post) MatchesDraft(draft Post) bool {
	return p.Text == draft.Text && (draft.AuthorID == "" || p.AuthorID == draft.AuthorID)
}
