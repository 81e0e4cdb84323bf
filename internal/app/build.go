package app

import (
	"context"

	"github.com/antoniostano/recall/internal/config"
	"github.com/antoniostano/recall/internal/conversation"
	"github.com/antoniostano/recall/internal/httpapi"
	"github.com/antoniostano/recall/internal/observability"
	"github.com/antoniostano/recall/internal/session"
)

type BuildResult struct {
	Config       config.Config
	API          *httpapi.Server
	Sessions     *session.Manager
	Orchestrator *conversation.Orchestrator
	Backends     *Backends
	Metrics      *observability.Metrics

	// Cleanup ends all sessions and releases pooled backends.
	Cleanup func() error
}

func Build(_ context.Context, cfg config.Config) (*BuildResult, error) {
	metrics := observability.NewMetrics(cfg.MetricsNamespace)
	backends := NewBackends(cfg)

	sessions := session.NewManager(backends.Bind, cfg.SessionInactivityTimeout)
	sessions.SetExpireHook(func(_ *session.Session) {
		metrics.SessionEvent("expired")
		metrics.SetActiveSessions(sessions.ActiveCount())
	})

	orchestrator := conversation.New(sessions, metrics, conversation.Options{
		SearchLimit: cfg.MemorySearchLimit,
	})

	api := httpapi.New(cfg, sessions, orchestrator, metrics)

	cleanup := func() error {
		sessions.CloseAll()
		return backends.Close()
	}

	return &BuildResult{
		Config:       cfg,
		API:          api,
		Sessions:     sessions,
		Orchestrator: orchestrator,
		Backends:     backends,
		Metrics:      metrics,
		Cleanup:      cleanup,
	}, nil
}
