// Package users resolves session claims to canonical collaborator profiles.
package users

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/MainaJoseph/aura-editor-sub000/internal/auth"
	"gorm.io/gorm"
)

// ErrInvalidIdentity indicates the claims did not contain a usable identifier.
var ErrInvalidIdentity = errors.New("users: invalid identity")

const defaultProvider = "default"

// ServiceConfig describes the dependencies required for user identity resolution.
type ServiceConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
}

// Service manages canonical user identifiers and their presence profile.
type Service struct {
	db    *gorm.DB
	now   func() time.Time
	cache sync.Map
}

// NewService constructs the identity service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, fmt.Errorf("users: database connection required")
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Service{db: cfg.Database, now: clock}, nil
}

// ResolveProfile returns the canonical profile for the session claims,
// recording the provider and subject pair the first time it is seen. Newer
// display names and colors in the claims replace stored ones.
func (s *Service) ResolveProfile(claims auth.SessionClaims) (Profile, error) {
	provider, subject := deriveProviderSubject(claims)
	if subject == "" {
		return Profile{}, ErrInvalidIdentity
	}
	displayName := normalize(claims.UserDisplayName)
	color := normalize(claims.UserColor)

	cacheKey := provider + ":" + subject
	if cached, ok := s.cache.Load(cacheKey); ok {
		profile := cached.(Profile)
		if (displayName == "" || displayName == profile.DisplayName) && (color == "" || color == profile.Color) {
			return profile, nil
		}
	}

	var identity Identity
	err := s.db.
		Where("provider = ? AND subject = ?", provider, subject).
		First(&identity).
		Error
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		identity = Identity{
			Provider:    provider,
			Subject:     subject,
			UserID:      subject,
			DisplayName: displayName,
			Color:       color,
			LastSeenAt:  s.now(),
		}
		if identity.Color == "" {
			identity.Color = colorFor(identity.UserID)
		}
		if err := s.db.Create(&identity).Error; err != nil {
			return Profile{}, err
		}
	case err != nil:
		return Profile{}, err
	default:
		updates := map[string]interface{}{"last_seen_at": s.now()}
		if displayName != "" && displayName != identity.DisplayName {
			updates["user_display_name"] = displayName
			identity.DisplayName = displayName
		}
		if color != "" && color != identity.Color {
			updates["user_color"] = color
			identity.Color = color
		}
		if err := s.db.Model(&Identity{}).
			Where("provider = ? AND subject = ?", provider, subject).
			Updates(updates).
			Error; err != nil {
			return Profile{}, err
		}
	}

	profile := Profile{UserID: identity.UserID, DisplayName: identity.DisplayName, Color: identity.Color}
	if profile.DisplayName == "" {
		profile.DisplayName = profile.UserID
	}
	s.cache.Store(cacheKey, profile)
	return profile, nil
}

func deriveProviderSubject(claims auth.SessionClaims) (string, string) {
	provider := defaultProvider
	subject := normalize(claims.Subject)

	raw := normalize(claims.UserID)
	if raw != "" {
		if segments := strings.SplitN(raw, ":", 2); len(segments) == 2 && normalize(segments[0]) != "" && normalize(segments[1]) != "" {
			provider = normalize(segments[0])
			subject = normalize(segments[1])
		} else if subject == "" {
			subject = raw
		}
	}
	return provider, subject
}
