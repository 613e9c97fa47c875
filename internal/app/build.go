package app

import (
	"context"
	"fmt"
	"strings"

	"github.com/neura-ai/liveavatar/internal/accounting"
	"github.com/neura-ai/liveavatar/internal/assets"
	"github.com/neura-ai/liveavatar/internal/auth"
	"github.com/neura-ai/liveavatar/internal/config"
	"github.com/neura-ai/liveavatar/internal/httpapi"
	"github.com/neura-ai/liveavatar/internal/live"
	"github.com/neura-ai/liveavatar/internal/observability"
	"github.com/neura-ai/liveavatar/internal/pipeline"
	"github.com/neura-ai/liveavatar/internal/protocol"
	"github.com/neura-ai/liveavatar/internal/session"
)

type BuildResult struct {
	Config       *config.Config
	API          *httpapi.Server
	Sessions     *session.Registry
	Orchestrator *live.Orchestrator
	Metrics      *observability.Metrics

	// Cleanup should be called on shutdown to release external resources.
	Cleanup func() error
}

func Build(ctx context.Context, cfg *config.Config) (*BuildResult, error) {
	metrics := observability.NewMetrics(cfg.MetricsNamespace)

	ledger, err := accounting.NewLedger(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("accounting init failed: %w", err)
	}
	resolver, err := assets.NewResolver(ctx, cfg.DatabaseURL)
	if err != nil {
		_ = ledger.Close()
		return nil, fmt.Errorf("asset resolver init failed: %w", err)
	}

	sessions := session.NewRegistry(session.Options{
		IdleTimeout:      cfg.SessionIdleTimeout,
		Retention:        cfg.SessionRetention,
		MaxPerUser:       cfg.MaxSessionsPerUser,
		CreditsPerMinute: cfg.CreditsPerMinute,
		ICEServers:       iceServersFromConfig(cfg),
	}, ledger, resolver)
	sessions.SetExpireHook(func(_ *session.Session) {
		metrics.SessionEvents.WithLabelValues("expired").Inc()
	})

	verifier := auth.New(cfg.AuthSecret)
	providers := pipeline.NewProviders(cfg)
	orchestrator := live.NewOrchestrator(cfg, sessions, providers, verifier, metrics)
	api := httpapi.New(cfg, sessions, orchestrator, verifier, metrics)

	cleanup := func() error {
		var errs []string
		if err := resolver.Close(); err != nil {
			errs = append(errs, err.Error())
		}
		if err := ledger.Close(); err != nil {
			errs = append(errs, err.Error())
		}
		if len(errs) > 0 {
			return fmt.Errorf("%s", strings.Join(errs, "; "))
		}
		return nil
	}

	return &BuildResult{
		Config:       cfg,
		API:          api,
		Sessions:     sessions,
		Orchestrator: orchestrator,
		Metrics:      metrics,
		Cleanup:      cleanup,
	}, nil
}

func iceServersFromConfig(cfg *config.Config) []protocol.ICEServer {
	out := make([]protocol.ICEServer, 0, len(cfg.ICEServerURLs))
	for _, u := range cfg.ICEServerURLs {
		u = strings.TrimSpace(u)
		if u == "" {
			continue
		}
		out = append(out, protocol.ICEServer{URLs: []string{u}})
	}
	return out
}
