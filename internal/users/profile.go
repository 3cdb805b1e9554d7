package users

import (
	"strings"
	"time"
)

const defaultAvatarColor = "#ccc"

// Profile is the public face of a user: the anonymous handle and avatar
// shown next to their posts.
type Profile struct {
	ID          string    `gorm:"column:id;primaryKey;size:190"`
	AnonID      string    `gorm:"column:anon_id;size:64;not null"`
	DisplayName string    `gorm:"column:display_name;size:128"`
	AvatarColor string    `gorm:"column:avatar_color;size:16"`
	AvatarURL   string    `gorm:"column:avatar_url;size:512"`
	College     string    `gorm:"column:college;size:128;index"`
	Department  string    `gorm:"column:department;size:128"`
	LastSeenAt  time.Time `gorm:"column:last_seen_at"`
	CreatedAt   time.Time `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt   time.Time `gorm:"column:updated_at;autoUpdateTime"`
}

// TableName exposes the table backing user profiles.
func (Profile) TableName() string {
	return "profiles"
}

// Row renders the profile the way the data API embeds it in joined rows.
func (p Profile) Row() map[string]any {
	return map[string]any{
		"id":           p.ID,
		"anon_id":      p.AnonID,
		"display_name": p.DisplayName,
		"avatar_color": p.AvatarColor,
		"avatar_url":   p.AvatarURL,
		"college":      p.College,
		"department":   p.Department,
	}
}

// normalize value helper used across service implementation.
func normalize(value string) string {
	return strings.TrimSpace(value)
}
