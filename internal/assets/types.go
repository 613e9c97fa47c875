package assets

import (
	"context"
	"errors"
)

var (
	ErrAvatarNotFound = errors.New("avatar not found")
	ErrVoiceNotFound  = errors.New("voice not found")
)

// Avatar is the subset of the platform's avatar asset the live core needs.
type Avatar struct {
	ID            string `json:"id"`
	Name          string `json:"name"`
	OwnerID       string `json:"owner_id"`
	Public        bool   `json:"public"`
	SupportsVideo bool   `json:"supports_video"`
}

// Voice is the subset of the platform's voice asset the live core needs.
type Voice struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Language string `json:"language"`
}

// Resolver is the asset-lookup collaborator. Avatars are visible to their
// owner or when public.
type Resolver interface {
	ResolveAvatar(ctx context.Context, avatarID, userID string) (Avatar, error)
	ResolveVoice(ctx context.Context, voiceID string) (Voice, error)
	Close() error
}
