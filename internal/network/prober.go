package network

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"
)

// Pinger checks reachability of the remote store
type Pinger interface {
	Ping(ctx context.Context) error
}

// Prober periodically pings the remote store and feeds the result into a Monitor
type Prober struct {
	pinger   Pinger
	monitor  *Monitor
	interval time.Duration
	timeout  time.Duration
}

// NewProber creates a prober. The per-ping timeout defaults to the interval.
func NewProber(pinger Pinger, monitor *Monitor, interval, timeout time.Duration) *Prober {
	if timeout <= 0 || timeout > interval {
		timeout = interval
	}
	return &Prober{
		pinger:   pinger,
		monitor:  monitor,
		interval: interval,
		timeout:  timeout,
	}
}

// Run probes until the context is cancelled
func (p *Prober) Run(ctx context.Context) error {
	logrus.WithField("interval", p.interval).Info("Starting connectivity prober")

	p.Probe(ctx)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			p.Probe(ctx)
		}
	}
}

// Probe performs a single reachability check
func (p *Prober) Probe(ctx context.Context) {
	pingCtx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	err := p.pinger.Ping(pingCtx)
	if err != nil && ctx.Err() != nil {
		return // shutting down, keep the last known state
	}
	if err != nil {
		logrus.WithError(err).Debug("Remote store unreachable")
	}
	p.monitor.SetNetworkOnline(err == nil)
}
