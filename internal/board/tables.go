package board

import (
	"fmt"

	"github.com/go-viper/mapstructure/v2"
	"gorm.io/gorm"
)

type model interface {
	row() Row
	owner() string
}

// table binds a resource name to its model and to the columns clients may
// filter on, write, patch and count.
type table struct {
	name     string
	owner    string
	order    string
	columns  map[string]bool
	writable map[string]bool
	mutable  map[string]bool
	counters map[string]bool

	find   func(tx *gorm.DB) ([]model, error)
	take   func(tx *gorm.DB, id string) (model, error)
	create func(tx *gorm.DB, payload Row) (model, error)
	zero   func() any
}

type tableSpec struct {
	name     string
	owner    string
	columns  []string
	writable []string
	mutable  []string
	counters []string
}

func newTable[M model](spec tableSpec) table {
	return table{
		name:     spec.name,
		owner:    spec.owner,
		order:    "created_at desc",
		columns:  setOf(append([]string{"id", "created_at"}, spec.columns...)),
		writable: setOf(spec.writable),
		mutable:  setOf(spec.mutable),
		counters: setOf(spec.counters),
		find: func(tx *gorm.DB) ([]model, error) {
			var found []M
			if err := tx.Find(&found).Error; err != nil {
				return nil, err
			}
			models := make([]model, 0, len(found))
			for _, item := range found {
				models = append(models, item)
			}
			return models, nil
		},
		take: func(tx *gorm.DB, id string) (model, error) {
			var found M
			if err := tx.Where("id = ?", id).Take(&found).Error; err != nil {
				return nil, err
			}
			return found, nil
		},
		create: func(tx *gorm.DB, payload Row) (model, error) {
			var created M
			if err := decodePayload(payload, &created); err != nil {
				return nil, err
			}
			if err := tx.Create(&created).Error; err != nil {
				return nil, err
			}
			return created, nil
		},
		zero: func() any { return new(M) },
	}
}

var tables = map[string]table{
	"posts": newTable[Post](tableSpec{
		name:     "posts",
		owner:    "author_id",
		columns:  []string{"author_id", "college", "department", "client_key"},
		writable: []string{"id", "author_id", "text", "image_url", "images", "department", "college", "tags", "client_key"},
		mutable:  []string{"text", "is_edited", "images", "image_url", "tags"},
		counters: []string{"likes_count", "comments_count", "reports_count"},
	}),
	"comments": newTable[Comment](tableSpec{
		name:     "comments",
		owner:    "author_id",
		columns:  []string{"post_id", "parent_id", "author_id"},
		writable: []string{"id", "post_id", "parent_id", "author_id", "text", "client_key"},
		mutable:  []string{"text"},
		counters: []string{"likes_count"},
	}),
	"notifications": newTable[Notification](tableSpec{
		name:     "notifications",
		owner:    "user_id",
		columns:  []string{"user_id", "read", "type"},
		mutable:  []string{"read"},
		writable: []string{},
	}),
	"post_likes": newTable[PostLike](tableSpec{
		name:     "post_likes",
		owner:    "user_id",
		columns:  []string{"post_id", "user_id"},
		writable: []string{"id", "post_id", "user_id"},
	}),
	"comment_likes": newTable[CommentLike](tableSpec{
		name:     "comment_likes",
		owner:    "user_id",
		columns:  []string{"comment_id", "user_id"},
		writable: []string{"id", "comment_id", "user_id"},
	}),
	"reports": newTable[Report](tableSpec{
		name:     "reports",
		owner:    "reporter_id",
		columns:  []string{"post_id", "reporter_id"},
		writable: []string{"id", "post_id", "reporter_id", "reason"},
	}),
}

func lookupTable(name string) (table, error) {
	found, ok := tables[name]
	if !ok {
		return table{}, fmt.Errorf("%w: %s", ErrUnknownTable, name)
	}
	return found, nil
}

// decodePayload copies the JSON-decoded payload onto a model.
func decodePayload(payload Row, target any) error {
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           target,
		WeaklyTypedInput: true,
	})
	if err != nil {
		return err
	}
	if err := decoder.Decode(payload); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	return nil
}

func setOf(values []string) map[string]bool {
	set := make(map[string]bool, len(values))
	for _, value := range values {
		set[value] = true
	}
	return set
}
