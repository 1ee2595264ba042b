// Package svcctx provides service context for dependency injection via context.
// This package is separate from server to avoid import cycles with endpoints.
package svcctx

import (
	"context"
	"log/slog"
	"time"

	"github.com/jackzampolin/auralens/internal/config"
	"github.com/jackzampolin/auralens/internal/home"
	"github.com/jackzampolin/auralens/internal/inbox"
	"github.com/jackzampolin/auralens/internal/jobs"
	"github.com/jackzampolin/auralens/internal/library"
	"github.com/jackzampolin/auralens/internal/manifest"
	"github.com/jackzampolin/auralens/internal/metrics"
	"github.com/jackzampolin/auralens/internal/pipeline"
	"github.com/jackzampolin/auralens/internal/providers"
)

// Services holds all core services that flow through context.
// Components extract what they need via the individual extractors.
type Services struct {
	Library  *library.Service
	Queue    *jobs.Queue
	Manifest *manifest.Store
	Inbox    *inbox.Watcher // nil when auto-processing is disabled
	Metrics  *metrics.Collector
	Limiter  *providers.RateLimiter
	Bus      *pipeline.Bus
	Config   config.Config
	Home     *home.Dir
	Logger   *slog.Logger
	Started  time.Time
}

type servicesKey struct{}

// WithServices returns a new context with services attached.
func WithServices(ctx context.Context, s *Services) context.Context {
	return context.WithValue(ctx, servicesKey{}, s)
}

// ServicesFrom extracts the full Services struct from context.
// Returns nil if not present.
func ServicesFrom(ctx context.Context) *Services {
	s, _ := ctx.Value(servicesKey{}).(*Services)
	return s
}

// LibraryFrom extracts the library service from context.
func LibraryFrom(ctx context.Context) *library.Service {
	if s := ServicesFrom(ctx); s != nil {
		return s.Library
	}
	return nil
}

// QueueFrom extracts the job queue from context.
func QueueFrom(ctx context.Context) *jobs.Queue {
	if s := ServicesFrom(ctx); s != nil {
		return s.Queue
	}
	return nil
}

// ManifestFrom extracts the manifest store from context.
func ManifestFrom(ctx context.Context) *manifest.Store {
	if s := ServicesFrom(ctx); s != nil {
		return s.Manifest
	}
	return nil
}

// InboxFrom extracts the inbox watcher from context.
func InboxFrom(ctx context.Context) *inbox.Watcher {
	if s := ServicesFrom(ctx); s != nil {
		return s.Inbox
	}
	return nil
}

// MetricsFrom extracts the metrics collector from context.
func MetricsFrom(ctx context.Context) *metrics.Collector {
	if s := ServicesFrom(ctx); s != nil {
		return s.Metrics
	}
	return nil
}

// LimiterFrom extracts the VLM rate limiter from context.
func LimiterFrom(ctx context.Context) *providers.RateLimiter {
	if s := ServicesFrom(ctx); s != nil {
		return s.Limiter
	}
	return nil
}

// BusFrom extracts the pipeline event bus from context.
func BusFrom(ctx context.Context) *pipeline.Bus {
	if s := ServicesFrom(ctx); s != nil {
		return s.Bus
	}
	return nil
}

// HomeFrom extracts the home directory from context.
func HomeFrom(ctx context.Context) *home.Dir {
	if s := ServicesFrom(ctx); s != nil {
		return s.Home
	}
	return nil
}

// LoggerFrom extracts the logger from context.
// Returns slog.Default() if not present.
func LoggerFrom(ctx context.Context) *slog.Logger {
	if s := ServicesFrom(ctx); s != nil && s.Logger != nil {
		return s.Logger
	}
	return slog.Default()
}
