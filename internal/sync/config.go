package sync

import (
	"time"

	"github.com/cybertec-postgresql/offline_sync/internal/metrics"
	"github.com/cybertec-postgresql/offline_sync/internal/resolver"
	"github.com/cybertec-postgresql/offline_sync/internal/retry"
)

// Config represents the coordinator settings
type Config struct {
	SyncInterval time.Duration
	MaxRetries   int
	AuthRetries  int
	CallTimeout  time.Duration
	CallRetry    *retry.Config
	// Collections are watched on the remote store to keep the cache fresh
	Collections []string
}

// DefaultConfig returns the coordinator defaults
func DefaultConfig() Config {
	return Config{
		SyncInterval: 30 * time.Second,
		MaxRetries:   5,
		AuthRetries:  2,
		CallTimeout:  10 * time.Second,
		CallRetry:    retry.DrainDefaults(),
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.SyncInterval <= 0 {
		c.SyncInterval = d.SyncInterval
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = d.MaxRetries
	}
	if c.AuthRetries <= 0 {
		c.AuthRetries = d.AuthRetries
	}
	if c.CallTimeout <= 0 {
		c.CallTimeout = d.CallTimeout
	}
	if c.CallRetry == nil {
		c.CallRetry = d.CallRetry
	}
	return c
}

// Option configures optional Service collaborators
type Option func(*Service)

// WithResolvers sets the per-collection conflict resolvers
func WithResolvers(r *resolver.Registry) Option {
	return func(s *Service) {
		s.resolvers = r
	}
}

// WithMetrics enables Prometheus instrumentation
func WithMetrics(m *metrics.SyncMetrics) Option {
	return func(s *Service) {
		s.metrics = m
	}
}
