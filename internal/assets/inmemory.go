package assets

import (
	"context"
	"sync"
)

// InMemoryResolver is a simple in-process asset catalog for local/dev use.
type InMemoryResolver struct {
	mu      sync.RWMutex
	avatars map[string]Avatar
	voices  map[string]Voice
}

func NewInMemoryResolver() *InMemoryResolver {
	return &InMemoryResolver{
		avatars: make(map[string]Avatar),
		voices:  make(map[string]Voice),
	}
}

func (r *InMemoryResolver) AddAvatar(a Avatar) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.avatars[a.ID] = a
}

func (r *InMemoryResolver) AddVoice(v Voice) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.voices[v.ID] = v
}

func (r *InMemoryResolver) ResolveAvatar(_ context.Context, avatarID, userID string) (Avatar, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.avatars[avatarID]
	if !ok {
		return Avatar{}, ErrAvatarNotFound
	}
	if !a.Public && a.OwnerID != userID {
		return Avatar{}, ErrAvatarNotFound
	}
	return a, nil
}

func (r *InMemoryResolver) ResolveVoice(_ context.Context, voiceID string) (Voice, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	v, ok := r.voices[voiceID]
	if !ok {
		return Voice{}, ErrVoiceNotFound
	}
	return v, nil
}

func (r *InMemoryResolver) Close() error { return nil }
