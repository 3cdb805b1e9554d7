package board

import (
	"gorm.io/gorm"

	"github.com/lastbench/feedsync/internal/database"
	"github.com/lastbench/feedsync/internal/users"
)

// Schema lists the tables of the development backend and its data fixes.
func Schema() database.Schema {
	return database.Schema{
		Models: []any{
			&users.Profile{},
			&Post{},
			&Comment{},
			&Notification{},
			&PostLike{},
			&CommentLike{},
			&Report{},
		},
		Migrations: []database.Migration{
			{Name: "2026_09_recount_post_counters", Apply: recountPostCounters},
		},
	}
}

// recountPostCounters rebuilds denormalized counters from the child tables.
func recountPostCounters(tx *gorm.DB) error {
	statements := []string{
		"UPDATE posts SET likes_count = (SELECT COUNT(*) FROM post_likes WHERE post_likes.post_id = posts.id)",
		"UPDATE posts SET comments_count = (SELECT COUNT(*) FROM comments WHERE comments.post_id = posts.id)",
		"UPDATE posts SET reports_count = (SELECT COUNT(*) FROM reports WHERE reports.post_id = posts.id)",
		"UPDATE comments SET likes_count = (SELECT COUNT(*) FROM comment_likes WHERE comment_likes.comment_id = comments.id)",
	}
	for _, statement := range statements {
		if err := tx.Exec(statement).Error; err != nil {
			return err
		}
	}
	return nil
}
