package pipeline

import (
	"context"

	"github.com/neura-ai/liveavatar/internal/config"
)

// UnavailableResponder stands in when no language model service is
// configured. Every turn gets the same spoken apology.
type UnavailableResponder struct{}

func (UnavailableResponder) Complete(context.Context, []Exchange, string) (string, error) {
	return "I'm sorry, my brain is not connected right now.", nil
}

// NewProviders selects collaborators from configuration. In "auto" mode
// each stage uses its HTTP service when a URL is configured and the local
// mock otherwise; "mock" forces mocks everywhere.
func NewProviders(cfg *config.Config) Providers {
	p := MockProviders()
	if cfg.ProviderMode == "mock" {
		return p
	}
	if cfg.STTServiceURL != "" {
		p.Transcriber = NewHTTPTranscriber(cfg.STTServiceURL, cfg.STTTimeout)
	}
	if cfg.LLMServiceURL != "" {
		p.Responder = NewHTTPResponder(cfg.LLMServiceURL, cfg.SystemPrompt, cfg.LLMTimeout)
	} else if cfg.ProviderMode == "http" {
		// Keep sessions usable while the language model service is down.
		p.Responder = UnavailableResponder{}
	}
	if cfg.TTSServiceURL != "" {
		p.Synthesizer = NewHTTPSynthesizer(cfg.TTSServiceURL, cfg.TTSTimeout)
	}
	if cfg.RenderServiceURL != "" {
		p.Renderer = NewHTTPRenderer(cfg.RenderServiceURL, cfg.RenderTimeout)
	}
	return p
}

// TimeoutsFromConfig maps stage timeouts out of the app config.
func TimeoutsFromConfig(cfg *config.Config) Timeouts {
	return Timeouts{
		Transcribe: cfg.STTTimeout,
		Respond:    cfg.LLMTimeout,
		Synthesize: cfg.TTSTimeout,
		Render:     cfg.RenderTimeout,
	}
}
