package pipeline

import (
	"context"
	"testing"
	"time"

	"github.com/neura-ai/liveavatar/internal/config"
)

func TestNewProvidersMockModeIgnoresURLs(t *testing.T) {
	cfg := &config.Config{
		ProviderMode:  "mock",
		STTServiceURL: "http://stt.internal",
		LLMServiceURL: "http://llm.internal",
	}
	p := NewProviders(cfg)
	if _, ok := p.Transcriber.(MockTranscriber); !ok {
		t.Fatalf("Transcriber = %T, want MockTranscriber", p.Transcriber)
	}
	if _, ok := p.Responder.(MockResponder); !ok {
		t.Fatalf("Responder = %T, want MockResponder", p.Responder)
	}
}

func TestNewProvidersAutoMixesPerStage(t *testing.T) {
	cfg := &config.Config{
		ProviderMode:  "auto",
		TTSServiceURL: "http://tts.internal",
		TTSTimeout:    time.Second,
	}
	p := NewProviders(cfg)
	if _, ok := p.Synthesizer.(*HTTPSynthesizer); !ok {
		t.Fatalf("Synthesizer = %T, want *HTTPSynthesizer", p.Synthesizer)
	}
	if _, ok := p.Transcriber.(MockTranscriber); !ok {
		t.Fatalf("Transcriber = %T, want MockTranscriber", p.Transcriber)
	}
}

func TestNewProvidersHTTPModeWithoutModelStaysResponsive(t *testing.T) {
	cfg := &config.Config{ProviderMode: "http"}
	p := NewProviders(cfg)
	reply, err := p.Responder.Complete(context.Background(), nil, "hello")
	if err != nil {
		t.Fatalf("Complete() error = %v", err)
	}
	if reply != "I'm sorry, my brain is not connected right now." {
		t.Fatalf("reply = %q", reply)
	}
}
