package records

import "sort"

// Field names a mutable domain field that a change event may carry.
type Field string

const (
	FieldText          Field = "text"
	FieldImages        Field = "images"
	FieldDepartment    Field = "department"
	FieldCollege       Field = "college"
	FieldTags          Field = "tags"
	FieldLikesCount    Field = "likes_count"
	FieldCommentsCount Field = "comments_count"
	FieldIsLiked       Field = "is_liked"
	FieldIsEdited      Field = "is_edited"
	FieldAuthor        Field = "author"
	FieldCreatedAt     Field = "created_at"
	FieldParentID      Field = "parent_id"
	FieldRead          Field = "read"
	FieldContent       Field = "content"
	FieldActor         Field = "actor"
	FieldClientKey     Field = "client_key"
)

// FieldSet records which fields an incoming row actually carried.
type FieldSet map[Field]struct{}

// NewFieldSet builds a FieldSet from the provided fields.
func NewFieldSet(fields ...Field) FieldSet {
	set := make(FieldSet, len(fields))
	for _, field := range fields {
		set[field] = struct{}{}
	}
	return set
}

// Has reports whether the field is present.
func (s FieldSet) Has(field Field) bool {
	_, ok := s[field]
	return ok
}

// Add marks the field as present.
func (s FieldSet) Add(field Field) {
	s[field] = struct{}{}
}

// Sorted returns the field names in lexical order, for logging.
func (s FieldSet) Sorted() []string {
	names := make([]string, 0, len(s))
	for field := range s {
		names = append(names, string(field))
	}
	sort.Strings(names)
	return names
}

// Record is implemented by every entity the reconciler manages.
type Record[T any] interface {
	RecordID() string
	// Merge returns a copy of the receiver with only the listed fields taken from incoming.
	Merge(incoming T, fields FieldSet) T
}

// Optimistic is implemented by records that can stand in for an unconfirmed
// create and later be matched against its server echo.
type Optimistic[T any] interface {
	Record[T]
	IdempotencyKey() string
	MatchesDraft(draft T) bool
}
