package session

import (
	"time"

	"github.com/neura-ai/liveavatar/internal/protocol"
)

type Status string

const (
	StatusCreated     Status = "created"
	StatusNegotiating Status = "negotiating"
	StatusLive        Status = "live"
	StatusEnded       Status = "ended"
	StatusFailed      Status = "failed"
)

// Terminal reports whether no further transitions are allowed.
func (s Status) Terminal() bool {
	return s == StatusEnded || s == StatusFailed
}

var validTransitions = map[Status][]Status{
	StatusCreated:     {StatusNegotiating, StatusLive, StatusEnded, StatusFailed},
	StatusNegotiating: {StatusLive, StatusEnded, StatusFailed},
	StatusLive:        {StatusEnded, StatusFailed},
	StatusEnded:       {},
	StatusFailed:      {},
}

func canTransition(from, to Status) bool {
	for _, next := range validTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Stats are per-session counters, monotonic until the record is evicted.
type Stats struct {
	FramesSent     int64 `json:"frames_sent"`
	MessagesSent   int64 `json:"messages_sent"`
	TurnsCompleted int64 `json:"turns_completed"`
	TurnsCancelled int64 `json:"turns_cancelled"`
	DegradedTurns  int64 `json:"degraded_turns"`
	LatencyMS      int64 `json:"latency_ms"`
	Degraded       bool  `json:"degraded"`
}

// Session is one live avatar conversation instance. The Registry exclusively
// owns the record; everything else works on clones and requests mutation by id.
type Session struct {
	ID               string               `json:"session_id"`
	UserID           string               `json:"user_id"`
	AvatarID         string               `json:"avatar_id,omitempty"`
	VoiceID          string               `json:"voice_id,omitempty"`
	Status           Status               `json:"status"`
	ICEServers       []protocol.ICEServer `json:"ice_servers"`
	CreditsPerMinute int                  `json:"credits_per_minute"`
	CreditsUsed      int                  `json:"credits_used"`
	CreatedAt        time.Time            `json:"created_at"`
	LiveAt           time.Time            `json:"live_at,omitempty"`
	EndedAt          time.Time            `json:"ended_at,omitempty"`
	LastActivityAt   time.Time            `json:"last_activity_at"`
	EndReason        string               `json:"end_reason,omitempty"`
	Stats            Stats                `json:"stats"`

	minutesBilled int
}

// Elapsed returns how long the session has been (or was) live.
func (s *Session) Elapsed(now time.Time) time.Duration {
	if s.LiveAt.IsZero() {
		return 0
	}
	end := now
	if !s.EndedAt.IsZero() {
		end = s.EndedAt
	}
	if end.Before(s.LiveAt) {
		return 0
	}
	return end.Sub(s.LiveAt)
}
