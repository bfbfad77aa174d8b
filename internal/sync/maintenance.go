package sync

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	"github.com/cybertec-postgresql/offline_sync/internal/log"
	"github.com/cybertec-postgresql/offline_sync/internal/metrics"
	"github.com/cybertec-postgresql/offline_sync/internal/store"
)

// Maintenance evicts stale cache entries on a cron schedule. Queued operations are
// never touched.
type Maintenance struct {
	local     store.Store
	retention time.Duration
	metrics   *metrics.SyncMetrics
	cron      *cron.Cron
	entryID   cron.EntryID
	logger    *logrus.Entry
}

// NewMaintenance schedules the retention purge. schedule accepts the standard cron
// syntax and descriptors such as "@every 1h".
func NewMaintenance(local store.Store, retention time.Duration, schedule string, m *metrics.SyncMetrics) (*Maintenance, error) {
	if retention <= 0 {
		return nil, fmt.Errorf("retention must be positive, got %s", retention)
	}
	mt := &Maintenance{
		local:     local,
		retention: retention,
		metrics:   m,
		cron:      cron.New(),
		logger:    log.WithComponent("maintenance"),
	}
	id, err := mt.cron.AddFunc(schedule, func() {
		if _, err := mt.Purge(context.Background()); err != nil {
			mt.logger.WithError(err).Error("Scheduled cache purge failed")
		}
	})
	if err != nil {
		return nil, fmt.Errorf("invalid purge schedule %q: %w", schedule, err)
	}
	mt.entryID = id
	return mt, nil
}

// Purge removes cache entries older than the retention window
func (m *Maintenance) Purge(ctx context.Context) (int64, error) {
	n, err := m.local.PurgeOlderThan(ctx, m.retention)
	if err != nil {
		return 0, err
	}
	m.metrics.RecordPurged(n)
	m.logger.WithFields(logrus.Fields{
		"purged":    n,
		"retention": m.retention,
	}).Info("Purged stale cache entries")
	return n, nil
}

// Next returns the time of the next scheduled purge, zero before Run
func (m *Maintenance) Next() time.Time {
	return m.cron.Entry(m.entryID).Next
}

// Run starts the scheduler and blocks until ctx is done, then waits for a running purge
func (m *Maintenance) Run(ctx context.Context) error {
	m.logger.Info("Starting cache retention scheduler")
	m.cron.Start()
	<-ctx.Done()
	<-m.cron.Stop().Done()
	m.logger.Info("Stopped cache retention scheduler")
	return ctx.Err()
}
