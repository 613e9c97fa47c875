package pipeline

import (
	"sync"
	"time"
)

// Segment is one complete captured utterance ready for transcription.
type Segment struct {
	Audio      []byte
	SampleRate int
}

// Segmenter accumulates incoming audio chunks and decides when they form a
// complete utterance: either the client marks the end of the turn
// explicitly, or no audio arrives for the configured silence gap.
type Segmenter struct {
	mu         sync.Mutex
	buf        []byte
	sampleRate int
	gap        time.Duration
	timer      *time.Timer
	emit       func(Segment)
	closed     bool
}

func NewSegmenter(silenceGap time.Duration, emit func(Segment)) *Segmenter {
	if silenceGap <= 0 {
		silenceGap = 800 * time.Millisecond
	}
	return &Segmenter{gap: silenceGap, emit: emit}
}

// Push appends one captured chunk. endOfTurn flushes immediately; otherwise
// the silence timer restarts.
func (s *Segmenter) Push(pcm []byte, sampleRate int, endOfTurn bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	if len(pcm) > 0 {
		s.buf = append(s.buf, pcm...)
		if sampleRate > 0 {
			s.sampleRate = sampleRate
		}
	}
	if endOfTurn {
		s.flushLocked()
		return
	}
	if s.timer != nil {
		s.timer.Stop()
	}
	s.timer = time.AfterFunc(s.gap, s.onSilence)
}

func (s *Segmenter) onSilence() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.flushLocked()
}

func (s *Segmenter) flushLocked() {
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	if len(s.buf) == 0 {
		return
	}
	seg := Segment{Audio: s.buf, SampleRate: s.sampleRate}
	s.buf = nil
	s.emit(seg)
}

// Close drops buffered audio and stops the silence timer.
func (s *Segmenter) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.buf = nil
}
