package session

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/neura-ai/liveavatar/internal/accounting"
	"github.com/neura-ai/liveavatar/internal/assets"
	"github.com/neura-ai/liveavatar/internal/protocol"
)

var (
	ErrNotFound          = errors.New("session not found")
	ErrQuotaExceeded     = errors.New("insufficient credit balance")
	ErrInvalidAvatar     = errors.New("avatar does not resolve")
	ErrInvalidVoice      = errors.New("voice does not resolve")
	ErrInvalidTransition = errors.New("invalid status transition")
)

// Options configure a Registry.
type Options struct {
	IdleTimeout      time.Duration
	Retention        time.Duration
	MaxPerUser       int
	CreditsPerMinute int
	ICEServers       []protocol.ICEServer
}

// Registry is the process-wide table of live sessions. It is the single
// source of truth for session existence and status; all status mutation
// goes through it.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	byUser   map[string]map[string]struct{}
	cancels  map[string]context.CancelFunc

	opts     Options
	ledger   accounting.Ledger
	resolver assets.Resolver
	onExpire func(*Session)
}

func NewRegistry(opts Options, ledger accounting.Ledger, resolver assets.Resolver) *Registry {
	if opts.IdleTimeout <= 0 {
		opts.IdleTimeout = 2 * time.Minute
	}
	if opts.Retention <= 0 {
		opts.Retention = time.Minute
	}
	if opts.MaxPerUser <= 0 {
		opts.MaxPerUser = 1
	}
	return &Registry{
		sessions: make(map[string]*Session),
		byUser:   make(map[string]map[string]struct{}),
		cancels:  make(map[string]context.CancelFunc),
		opts:     opts,
		ledger:   ledger,
		resolver: resolver,
	}
}

func (r *Registry) SetExpireHook(hook func(*Session)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onExpire = hook
}

// Start validates balance and assets, then allocates a new session record.
func (r *Registry) Start(ctx context.Context, userID, avatarID, voiceID string) (*Session, error) {
	balance, err := r.ledger.Balance(ctx, userID)
	if err != nil && !errors.Is(err, accounting.ErrUnknownUser) {
		return nil, fmt.Errorf("check balance: %w", err)
	}
	if balance < r.opts.CreditsPerMinute {
		return nil, ErrQuotaExceeded
	}

	if strings.TrimSpace(avatarID) != "" {
		if _, err := r.resolver.ResolveAvatar(ctx, avatarID, userID); err != nil {
			if errors.Is(err, assets.ErrAvatarNotFound) {
				return nil, ErrInvalidAvatar
			}
			return nil, fmt.Errorf("resolve avatar: %w", err)
		}
	}
	if strings.TrimSpace(voiceID) != "" {
		if _, err := r.resolver.ResolveVoice(ctx, voiceID); err != nil {
			if errors.Is(err, assets.ErrVoiceNotFound) {
				return nil, ErrInvalidVoice
			}
			return nil, fmt.Errorf("resolve voice: %w", err)
		}
	}

	now := time.Now().UTC()
	s := &Session{
		ID:               uuid.NewString(),
		UserID:           userID,
		AvatarID:         strings.TrimSpace(avatarID),
		VoiceID:          strings.TrimSpace(voiceID),
		Status:           StatusCreated,
		ICEServers:       r.opts.ICEServers,
		CreditsPerMinute: r.opts.CreditsPerMinute,
		CreatedAt:        now,
		LastActivityAt:   now,
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	active := 0
	for id := range r.byUser[userID] {
		if existing, ok := r.sessions[id]; ok && !existing.Status.Terminal() {
			active++
		}
	}
	if active >= r.opts.MaxPerUser {
		return nil, ErrQuotaExceeded
	}

	r.sessions[s.ID] = s
	if r.byUser[userID] == nil {
		r.byUser[userID] = make(map[string]struct{})
	}
	r.byUser[userID][s.ID] = struct{}{}
	return clone(s), nil
}

// Get returns the session, including ended sessions still inside the
// retention grace window.
func (r *Registry) Get(sessionID string) (*Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[sessionID]
	if !ok {
		return nil, ErrNotFound
	}
	return clone(s), nil
}

// BindCancel attaches the connection-scoped cancel so Stop can tear down an
// in-flight signaling loop. Replaces any previous binding.
func (r *Registry) BindCancel(sessionID string, cancel context.CancelFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.sessions[sessionID]; ok {
		r.cancels[sessionID] = cancel
	}
}

// Transition moves the session along the status graph. It is the only way
// any component changes Session.Status.
func (r *Registry) Transition(sessionID string, to Status) (*Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[sessionID]
	if !ok {
		return nil, ErrNotFound
	}
	if !canTransition(s.Status, to) {
		return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, s.Status, to)
	}
	s.Status = to
	s.LastActivityAt = time.Now().UTC()
	if to == StatusLive && s.LiveAt.IsZero() {
		s.LiveAt = s.LastActivityAt
	}
	if to.Terminal() && s.EndedAt.IsZero() {
		s.EndedAt = s.LastActivityAt
	}
	return clone(s), nil
}

// UpdateConfig switches avatar/voice mid-session. Takes effect on the next
// pipeline turn; transport is not renegotiated.
func (r *Registry) UpdateConfig(ctx context.Context, sessionID, avatarID, voiceID string) (*Session, error) {
	avatarID = strings.TrimSpace(avatarID)
	voiceID = strings.TrimSpace(voiceID)

	r.mu.RLock()
	s, ok := r.sessions[sessionID]
	var userID string
	terminal := false
	if ok {
		userID = s.UserID
		terminal = s.Status.Terminal()
	}
	r.mu.RUnlock()
	if !ok || terminal {
		return nil, ErrNotFound
	}

	// Resolve outside the lock; lookups may hit the database.
	if avatarID != "" {
		if _, err := r.resolver.ResolveAvatar(ctx, avatarID, userID); err != nil {
			if errors.Is(err, assets.ErrAvatarNotFound) {
				return nil, ErrInvalidAvatar
			}
			return nil, fmt.Errorf("resolve avatar: %w", err)
		}
	}
	if voiceID != "" {
		if _, err := r.resolver.ResolveVoice(ctx, voiceID); err != nil {
			if errors.Is(err, assets.ErrVoiceNotFound) {
				return nil, ErrInvalidVoice
			}
			return nil, fmt.Errorf("resolve voice: %w", err)
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok = r.sessions[sessionID]
	if !ok || s.Status.Terminal() {
		return nil, ErrNotFound
	}
	if avatarID != "" {
		s.AvatarID = avatarID
	}
	if voiceID != "" {
		s.VoiceID = voiceID
	}
	s.LastActivityAt = time.Now().UTC()
	return clone(s), nil
}

// Stop ends the session, finalizes credit metering and cancels any bound
// connection loop. Stopping an already-ended session is a no-op.
func (r *Registry) Stop(ctx context.Context, sessionID, reason string) (*Session, error) {
	r.mu.Lock()
	s, ok := r.sessions[sessionID]
	if !ok {
		r.mu.Unlock()
		return nil, ErrNotFound
	}
	if s.Status.Terminal() {
		out := clone(s)
		r.mu.Unlock()
		return out, nil
	}

	now := time.Now().UTC()
	to := StatusEnded
	if reason == protocol.CodeNegotiationFailed || reason == protocol.CodeProtocolViolation {
		to = StatusFailed
	}
	s.Status = to
	s.EndedAt = now
	s.LastActivityAt = now
	s.EndReason = reason

	// Bill the started minutes not yet covered by the per-minute meter.
	var due int
	if !s.LiveAt.IsZero() {
		minutes := int((now.Sub(s.LiveAt) + time.Minute - 1) / time.Minute)
		if minutes > s.minutesBilled {
			due = (minutes - s.minutesBilled) * s.CreditsPerMinute
			s.minutesBilled = minutes
			s.CreditsUsed += due
		}
	}
	userID := s.UserID
	cancel := r.cancels[sessionID]
	delete(r.cancels, sessionID)
	out := clone(s)
	r.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if due > 0 {
		if _, err := r.ledger.Deduct(ctx, userID, due, "live_session_stop"); err != nil {
			log.Printf("session %s: final credit deduction failed: %v", sessionID, err)
		}
	}
	return out, nil
}

// MeterMinute bills one started live minute and reports the remaining
// balance. The per-minute meter in the session loop drives this.
func (r *Registry) MeterMinute(ctx context.Context, sessionID string) (remaining int, err error) {
	r.mu.Lock()
	s, ok := r.sessions[sessionID]
	if !ok || s.Status != StatusLive {
		r.mu.Unlock()
		return 0, ErrNotFound
	}
	s.minutesBilled++
	s.CreditsUsed += s.CreditsPerMinute
	userID := s.UserID
	amount := s.CreditsPerMinute
	r.mu.Unlock()

	return r.ledger.Deduct(ctx, userID, amount, "live_session_minute")
}

// Touch refreshes the idle clock.
func (r *Registry) Touch(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.sessions[sessionID]; ok {
		s.LastActivityAt = time.Now().UTC()
	}
}

// UpdateStats applies fn to the session's counters under the registry lock.
func (r *Registry) UpdateStats(sessionID string, fn func(*Stats)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.sessions[sessionID]; ok {
		fn(&s.Stats)
	}
}

func (r *Registry) ActiveCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	count := 0
	for _, s := range r.sessions {
		if !s.Status.Terminal() {
			count++
		}
	}
	return count
}

// StartJanitor expires idle sessions and evicts terminal records past the
// retention window.
func (r *Registry) StartJanitor(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				r.sweep(ctx)
			}
		}
	}()
}

func (r *Registry) sweep(ctx context.Context) {
	now := time.Now().UTC()

	r.mu.Lock()
	var idle []string
	for id, s := range r.sessions {
		if s.Status.Terminal() {
			if now.Sub(s.EndedAt) > r.opts.Retention {
				delete(r.sessions, id)
				delete(r.cancels, id)
				if peers, ok := r.byUser[s.UserID]; ok {
					delete(peers, id)
					if len(peers) == 0 {
						delete(r.byUser, s.UserID)
					}
				}
			}
			continue
		}
		if now.Sub(s.LastActivityAt) >= r.opts.IdleTimeout {
			idle = append(idle, id)
		}
	}
	hook := r.onExpire
	r.mu.Unlock()

	for _, id := range idle {
		s, err := r.Stop(ctx, id, "idle_timeout")
		if err != nil {
			continue
		}
		if hook != nil {
			hook(s)
		}
	}
}

func clone(s *Session) *Session {
	c := *s
	c.ICEServers = append([]protocol.ICEServer(nil), s.ICEServers...)
	return &c
}
