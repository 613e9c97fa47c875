package pipeline

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// Mock collaborators used when no external services are configured.

type MockTranscriber struct{}

func (MockTranscriber) Transcribe(_ context.Context, pcm []byte, _ int) (string, error) {
	if len(pcm) == 0 {
		return "", nil
	}
	return "simulated voice input", nil
}

type MockResponder struct {
	// Delay simulates model latency in tests.
	Delay time.Duration
}

func (r MockResponder) Complete(ctx context.Context, _ []Exchange, input string) (string, error) {
	if r.Delay > 0 {
		select {
		case <-time.After(r.Delay):
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	input = strings.TrimSpace(input)
	if input == "" {
		return "I didn't catch that.", nil
	}
	return fmt.Sprintf("You said: %s", input), nil
}

type MockSynthesizer struct {
	// ChunkDelay spaces out emitted chunks to simulate streaming.
	ChunkDelay time.Duration
}

func (s MockSynthesizer) Synthesize(ctx context.Context, _ string, text string) (<-chan AudioSegment, error) {
	words := strings.Fields(text)
	out := make(chan AudioSegment, len(words))
	go func() {
		defer close(out)
		for _, w := range words {
			if s.ChunkDelay > 0 {
				select {
				case <-time.After(s.ChunkDelay):
				case <-ctx.Done():
					return
				}
			}
			select {
			case out <- AudioSegment{Data: []byte(w), Format: "pcm16"}:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

type MockRenderer struct{}

func (MockRenderer) Render(ctx context.Context, _ string, timings <-chan AudioTiming) (<-chan FrameSegment, error) {
	out := make(chan FrameSegment, 16)
	go func() {
		defer close(out)
		for timing := range timings {
			select {
			case out <- FrameSegment{Data: []byte{0xff, 0xd8, byte(timing.Seq)}, PTS: timing.Offset}:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

func MockProviders() Providers {
	return Providers{
		Transcriber: MockTranscriber{},
		Responder:   MockResponder{},
		Synthesizer: MockSynthesizer{},
		Renderer:    MockRenderer{},
	}
}
