package pipeline

import (
	"context"
	"time"
)

// Exchange is one completed user/assistant turn kept in the rolling
// conversation history.
type Exchange struct {
	UserText      string
	AssistantText string
}

// AudioSegment is one streamed chunk of synthesized speech.
type AudioSegment struct {
	Data   []byte
	Format string
}

// AudioTiming describes one delivered audio chunk's place on the playback
// timeline, used to drive frame rendering.
type AudioTiming struct {
	Seq      int
	Offset   time.Duration
	Duration time.Duration
}

// FrameSegment is one streamed rendered avatar frame.
type FrameSegment struct {
	Data []byte
	PTS  time.Duration
}

// Transcriber converts one captured speech segment to text.
type Transcriber interface {
	Transcribe(ctx context.Context, pcm []byte, sampleRate int) (string, error)
}

// Responder produces the assistant reply for one turn. Implementations
// must respect ctx cancellation and deadlines.
type Responder interface {
	Complete(ctx context.Context, history []Exchange, input string) (string, error)
}

// Synthesizer streams synthesized speech for a reply. The returned channel
// is closed when synthesis finishes or ctx is cancelled.
type Synthesizer interface {
	Synthesize(ctx context.Context, voiceID, text string) (<-chan AudioSegment, error)
}

// Renderer streams avatar frames keyed to audio chunk timing. The timings
// channel is fed as audio chunks are delivered; the frame channel closes
// when the timings channel closes or ctx is cancelled.
type Renderer interface {
	Render(ctx context.Context, avatarID string, timings <-chan AudioTiming) (<-chan FrameSegment, error)
}

// Providers bundles the external collaborators one session pipeline needs.
type Providers struct {
	Transcriber Transcriber
	Responder   Responder
	Synthesizer Synthesizer
	Renderer    Renderer
}
