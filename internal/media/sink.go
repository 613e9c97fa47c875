package media

import (
	"encoding/base64"
	"sync"
	"time"

	"github.com/neura-ai/liveavatar/internal/protocol"
)

// AudioChunk is one synthesized audio segment of a response turn.
type AudioChunk struct {
	TurnID string
	Seq    int
	Data   []byte
	Format string
}

// FrameChunk is one rendered avatar frame of a response turn.
type FrameChunk struct {
	TurnID string
	Seq    int
	Data   []byte
	PTS    time.Duration
}

// Sink delivers generated media toward the client. Implementations must
// preserve intra-turn ordering by sequence number.
type Sink interface {
	SendAudio(AudioChunk) error
	SendFrame(FrameChunk) error
	Close() error
}

// maxReorder bounds how many out-of-order chunks a turn holds back before
// the sink gives up on the gap and flushes.
const maxReorder = 16

// SignalingSink ships media out-of-band over the signaling channel as
// base64 payloads. Chunks arriving out of order are held back until the
// gap fills; an unfillable gap flushes what is buffered and flags the
// turn degraded.
type SignalingSink struct {
	mu       sync.Mutex
	send     func(protocol.Message)
	degraded func(turnID string)

	audio trackState
	video trackState
}

type trackState struct {
	turnID  string
	next    int
	pending map[int]protocol.Message
}

func NewSignalingSink(send func(protocol.Message), onDegraded func(turnID string)) *SignalingSink {
	return &SignalingSink{send: send, degraded: onDegraded}
}

func (s *SignalingSink) SendAudio(c AudioChunk) error {
	msg := protocol.NewAudioChunk(c.TurnID, c.Seq, base64.StdEncoding.EncodeToString(c.Data), c.Format)
	s.mu.Lock()
	out := s.audio.accept(c.TurnID, c.Seq, msg, s.degraded)
	s.mu.Unlock()
	for _, m := range out {
		s.send(m)
	}
	return nil
}

func (s *SignalingSink) SendFrame(c FrameChunk) error {
	msg := protocol.NewFrameChunk(c.TurnID, c.Seq, base64.StdEncoding.EncodeToString(c.Data), c.PTS.Milliseconds())
	s.mu.Lock()
	out := s.video.accept(c.TurnID, c.Seq, msg, s.degraded)
	s.mu.Unlock()
	for _, m := range out {
		s.send(m)
	}
	return nil
}

func (s *SignalingSink) Close() error { return nil }

// accept orders one chunk, returning the messages now ready to emit.
func (t *trackState) accept(turnID string, seq int, msg protocol.Message, degraded func(string)) []protocol.Message {
	if turnID != t.turnID {
		// New turn resets the sequence window. Anything still pending
		// from the old turn is stale.
		t.turnID = turnID
		t.next = 0
		t.pending = nil
	}

	var out []protocol.Message
	switch {
	case seq == t.next:
		out = append(out, msg)
		t.next++
	case seq > t.next:
		if t.pending == nil {
			t.pending = make(map[int]protocol.Message)
		}
		t.pending[seq] = msg
	default:
		// Duplicate or already-skipped chunk.
		return nil
	}

	out = append(out, t.drain()...)

	if len(t.pending) >= maxReorder {
		// The gap is not going to fill. Skip ahead to the lowest
		// buffered sequence and flag the turn.
		lowest := -1
		for s := range t.pending {
			if lowest == -1 || s < lowest {
				lowest = s
			}
		}
		t.next = lowest
		out = append(out, t.drain()...)
		if degraded != nil {
			degraded(turnID)
		}
	}
	return out
}

func (t *trackState) drain() []protocol.Message {
	var out []protocol.Message
	for {
		msg, ok := t.pending[t.next]
		if !ok {
			return out
		}
		delete(t.pending, t.next)
		out = append(out, msg)
		t.next++
	}
}
