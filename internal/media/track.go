package media

import (
	"fmt"
	"sync"
	"time"

	"github.com/pion/webrtc/v3"
	"github.com/pion/webrtc/v3/pkg/media"
)

// TrackSink writes media into pion sample tracks for native WebRTC
// delivery. Chunks are assumed pre-encoded for the negotiated codecs.
type TrackSink struct {
	mu        sync.Mutex
	audio     *webrtc.TrackLocalStaticSample
	video     *webrtc.TrackLocalStaticSample
	audioDur  time.Duration
	videoTurn string
	lastPTS   time.Duration
}

func NewTrackSink(audio, video *webrtc.TrackLocalStaticSample, audioChunkDuration time.Duration) *TrackSink {
	if audioChunkDuration <= 0 {
		audioChunkDuration = 20 * time.Millisecond
	}
	return &TrackSink{
		audio:    audio,
		video:    video,
		audioDur: audioChunkDuration,
	}
}

func (s *TrackSink) SendAudio(c AudioChunk) error {
	if s.audio == nil {
		return nil
	}
	err := s.audio.WriteSample(media.Sample{Data: c.Data, Duration: s.audioDur})
	if err != nil {
		return fmt.Errorf("write audio sample: %w", err)
	}
	return nil
}

func (s *TrackSink) SendFrame(c FrameChunk) error {
	if s.video == nil {
		return nil
	}
	s.mu.Lock()
	// Timing state covers the current turn only; a new turn restarts the
	// PTS baseline.
	if c.TurnID != s.videoTurn {
		s.videoTurn = c.TurnID
		s.lastPTS = 0
	}
	dur := c.PTS - s.lastPTS
	if dur <= 0 {
		dur = 40 * time.Millisecond
	}
	s.lastPTS = c.PTS
	s.mu.Unlock()

	err := s.video.WriteSample(media.Sample{Data: c.Data, Duration: dur})
	if err != nil {
		return fmt.Errorf("write video sample: %w", err)
	}
	return nil
}

func (s *TrackSink) Close() error { return nil }

// Tee fans one stream of chunks out to several sinks, stopping at the
// first error.
type Tee []Sink

func (t Tee) SendAudio(c AudioChunk) error {
	for _, s := range t {
		if err := s.SendAudio(c); err != nil {
			return err
		}
	}
	return nil
}

func (t Tee) SendFrame(c FrameChunk) error {
	for _, s := range t {
		if err := s.SendFrame(c); err != nil {
			return err
		}
	}
	return nil
}

func (t Tee) Close() error {
	var first error
	for _, s := range t {
		if err := s.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
