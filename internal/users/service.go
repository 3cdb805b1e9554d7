package users

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"gorm.io/gorm"

	"github.com/lastbench/feedsync/internal/session"
)

// ErrInvalidIdentity indicates the user did not carry a usable identifier.
var ErrInvalidIdentity = errors.New("users: invalid identity")

// ServiceConfig describes the dependencies required for profile resolution.
type ServiceConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
}

// Service stores profiles and resolves them for joined reads.
type Service struct {
	db    *gorm.DB
	now   func() time.Time
	cache sync.Map
}

// NewService constructs the profile service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, fmt.Errorf("users: database connection required")
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Service{
		db:    cfg.Database,
		now:   clock,
		cache: sync.Map{},
	}, nil
}

// EnsureProfile creates the profile of user on first sight and refreshes the
// mutable fields afterwards.
func (s *Service) EnsureProfile(ctx context.Context, user session.User) (Profile, error) {
	userID := normalize(user.ID)
	if userID == "" || normalize(user.AnonID) == "" {
		return Profile{}, ErrInvalidIdentity
	}

	var profile Profile
	err := s.db.WithContext(ctx).Where("id = ?", userID).First(&profile).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		profile = Profile{
			ID:          userID,
			AnonID:      normalize(user.AnonID),
			DisplayName: normalize(user.DisplayName),
			AvatarColor: normalize(user.AvatarColor),
			College:     normalize(user.College),
			LastSeenAt:  s.now().UTC(),
		}
		if profile.DisplayName == "" {
			profile.DisplayName = profile.AnonID
		}
		if profile.AvatarColor == "" {
			profile.AvatarColor = defaultAvatarColor
		}
		if err := s.db.WithContext(ctx).Create(&profile).Error; err != nil {
			return Profile{}, err
		}
	} else if err != nil {
		return Profile{}, err
	} else {
		updates := map[string]interface{}{}
		if display := normalize(user.DisplayName); display != "" && display != profile.DisplayName {
			updates["display_name"] = display
			profile.DisplayName = display
		}
		if color := normalize(user.AvatarColor); color != "" && color != profile.AvatarColor {
			updates["avatar_color"] = color
			profile.AvatarColor = color
		}
		if college := normalize(user.College); college != "" && college != profile.College {
			updates["college"] = college
			profile.College = college
		}
		updates["last_seen_at"] = s.now().UTC()
		_ = s.db.WithContext(ctx).Model(&Profile{}).
			Where("id = ?", userID).
			Updates(updates).
			Error
	}

	s.cache.Store(userID, profile)
	return profile, nil
}

// Profiles returns the known profiles among ids keyed by id.
func (s *Service) Profiles(ctx context.Context, ids []string) (map[string]Profile, error) {
	found := make(map[string]Profile, len(ids))
	var missing []string
	for _, id := range ids {
		if id == "" {
			continue
		}
		if _, seen := found[id]; seen {
			continue
		}
		if cached, ok := s.cache.Load(id); ok {
			if profile, ok := cached.(Profile); ok {
				found[id] = profile
				continue
			}
		}
		missing = append(missing, id)
	}
	if len(missing) == 0 {
		return found, nil
	}
	var profiles []Profile
	if err := s.db.WithContext(ctx).Where("id IN ?", missing).Find(&profiles).Error; err != nil {
		return nil, err
	}
	for _, profile := range profiles {
		s.cache.Store(profile.ID, profile)
		found[profile.ID] = profile
	}
	return found, nil
}
