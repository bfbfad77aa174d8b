// Package sync coordinates the local cache, the pending operation queue and the remote
// document store.
package sync

import (
	"context"
	"errors"
	"fmt"
	stdsync "sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/cybertec-postgresql/offline_sync/internal/log"
	"github.com/cybertec-postgresql/offline_sync/internal/metrics"
	"github.com/cybertec-postgresql/offline_sync/internal/network"
	"github.com/cybertec-postgresql/offline_sync/internal/record"
	"github.com/cybertec-postgresql/offline_sync/internal/remote"
	"github.com/cybertec-postgresql/offline_sync/internal/resolver"
	"github.com/cybertec-postgresql/offline_sync/internal/status"
	"github.com/cybertec-postgresql/offline_sync/internal/store"
)

// ErrInvalidCollection is returned for an empty collection name
var ErrInvalidCollection = errors.New("collection name is required")

// Service orchestrates local writes and their delivery to the remote store
type Service struct {
	local     store.Store
	remote    remote.Store
	monitor   *network.Monitor
	status    *status.Publisher
	resolvers *resolver.Registry
	metrics   *metrics.SyncMetrics
	config    Config
	logger    *logrus.Entry

	syncing atomic.Bool
	kicking atomic.Bool
	dirty   atomic.Bool
	stopped atomic.Bool
	drains  stdsync.WaitGroup

	// writeMu serializes cache and queue updates made by Save, Delete, drains and listeners
	writeMu stdsync.Mutex
	// publishMu keeps published snapshots in order
	publishMu stdsync.Mutex
	listenMu  stdsync.Mutex

	mu        stdsync.Mutex
	baseCtx   context.Context
	lastSync  *time.Time
	lastErr   error
	exhausted bool
	listeners map[string]func()
}

// NewService creates a new synchronization service
func NewService(local store.Store, rs remote.Store, monitor *network.Monitor, config Config, opts ...Option) *Service {
	initial := status.Idle
	if !monitor.IsOnline() {
		initial = status.Offline
	}
	s := &Service{
		local:     local,
		remote:    rs,
		monitor:   monitor,
		status:    status.NewPublisher(status.SyncInfo{Status: initial}),
		config:    config.withDefaults(),
		logger:    log.WithComponent("sync"),
		baseCtx:   context.Background(),
		listeners: make(map[string]func()),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// StatusPublisher exposes the stream of SyncInfo values
func (s *Service) StatusPublisher() *status.Publisher {
	return s.status
}

// NetworkMonitor exposes the stream of connectivity changes
func (s *Service) NetworkMonitor() *network.Monitor {
	return s.monitor
}

// Save caches the record and queues it for delivery. It returns the record id, which is
// generated when the record has none. Only local storage failures are returned.
func (s *Service) Save(ctx context.Context, collection string, doc record.Document) (string, error) {
	if collection == "" {
		return "", ErrInvalidCollection
	}
	doc = doc.Clone()
	if doc == nil {
		doc = record.Document{}
	}
	id := doc.ID()
	if id == "" {
		id = uuid.NewString()
		doc[record.IDField] = id
	}
	if _, ok := doc[record.UpdatedAtField]; !ok {
		doc[record.UpdatedAtField] = store.Now()
	}

	s.writeMu.Lock()
	previous, cached, err := s.local.Get(ctx, collection, id)
	if err != nil {
		s.writeMu.Unlock()
		return "", err
	}
	op := store.OpCreate
	if cached {
		op = store.OpUpdate
	}
	err = s.writeAndEnqueue(ctx, collection, id, op, doc, previous, cached)
	s.writeMu.Unlock()
	if err != nil {
		return "", err
	}

	s.logger.WithFields(logrus.Fields{
		"collection": collection,
		"id":         id,
		"op":         op,
	}).Debug("Queued local change")
	s.publish(ctx)
	s.kick()
	return id, nil
}

// Delete drops the cached record and queues its remote deletion
func (s *Service) Delete(ctx context.Context, collection, id string) error {
	if collection == "" {
		return ErrInvalidCollection
	}
	if id == "" {
		return record.ErrMissingID
	}

	s.writeMu.Lock()
	previous, cached, err := s.local.Get(ctx, collection, id)
	if err != nil {
		s.writeMu.Unlock()
		return err
	}
	err = s.writeAndEnqueue(ctx, collection, id, store.OpDelete, record.Document{record.IDField: id}, previous, cached)
	s.writeMu.Unlock()
	if err != nil {
		return err
	}

	s.logger.WithFields(logrus.Fields{
		"collection": collection,
		"id":         id,
		"op":         store.OpDelete,
	}).Debug("Queued local change")
	s.publish(ctx)
	s.kick()
	return nil
}

// writeAndEnqueue applies the optimistic cache change and queues the operation. The
// previous cache entry is restored when the operation could not be queued.
func (s *Service) writeAndEnqueue(ctx context.Context, collection, id string, op store.Operation,
	doc, previous record.Document, cached bool) error {
	var err error
	if op == store.OpDelete {
		err = s.local.Delete(ctx, collection, id)
	} else {
		err = s.local.Put(ctx, collection, id, doc)
	}
	if err != nil {
		return err
	}

	err = s.local.Enqueue(ctx, store.PendingOperation{
		ID:         uuid.NewString(),
		Operation:  op,
		Collection: collection,
		RecordID:   id,
		Data:       doc,
		Timestamp:  store.Now(),
	})
	if err == nil {
		return nil
	}

	var restoreErr error
	if cached {
		restoreErr = s.local.Put(ctx, collection, id, previous)
	} else if op != store.OpDelete {
		restoreErr = s.local.Delete(ctx, collection, id)
	}
	if restoreErr != nil {
		s.logger.WithError(restoreErr).WithFields(logrus.Fields{
			"collection": collection,
			"id":         id,
		}).Error("Failed to restore cache after enqueue failure")
	}
	return err
}

// GetCached returns the locally cached copy of a record
func (s *Service) GetCached(ctx context.Context, collection, id string) (record.Document, bool, error) {
	return s.local.Get(ctx, collection, id)
}

// Save stores a typed record, see Service.Save
func Save[T any](ctx context.Context, s *Service, collection string, v T) (string, error) {
	doc, err := record.Encode(v)
	if err != nil {
		return "", err
	}
	return s.Save(ctx, collection, doc)
}

// GetCached returns the cached copy of a typed record
func GetCached[T any](ctx context.Context, s *Service, collection, id string) (T, bool, error) {
	var zero T
	doc, found, err := s.GetCached(ctx, collection, id)
	if err != nil || !found {
		return zero, found, err
	}
	v, err := record.Decode[T](doc)
	if err != nil {
		return zero, false, fmt.Errorf("cached %s/%s: %w", collection, id, err)
	}
	return v, true, nil
}

// Start publishes the current status, follows connectivity changes, watches the
// configured collections and drains the queue periodically until ctx is done. In-flight
// drains are allowed to finish before Start returns.
func (s *Service) Start(ctx context.Context) error {
	s.logger.WithField("interval", s.config.SyncInterval).Info("Starting offline synchronization")

	s.mu.Lock()
	s.baseCtx = context.WithoutCancel(ctx)
	s.mu.Unlock()

	s.publish(ctx)
	unsubscribe := s.monitor.Subscribe(func(st network.Status) {
		s.onConnectivity(ctx, st)
	})

	ticker := time.NewTicker(s.config.SyncInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.stopped.Store(true)
			unsubscribe()
			s.stopListeners()
			s.Wait()
			logrus.Info("Synchronization stopped due to context cancellation")
			return ctx.Err()
		case <-ticker.C:
			s.kick()
		}
	}
}

// Wait blocks until all asynchronously started drains are finished
func (s *Service) Wait() {
	s.drains.Wait()
}

func (s *Service) onConnectivity(ctx context.Context, st network.Status) {
	s.metrics.SetOnline(st == network.Online)
	s.publish(ctx)
	if st != network.Online {
		return
	}
	s.startListeners(ctx)
	s.kick()
}

// TriggerDrain requests a drain without waiting for it
func (s *Service) TriggerDrain() {
	s.kick()
}

// kick requests a drain. At most one kicker goroutine runs at a time; a request that
// arrives while one is running marks the queue dirty and the kicker goes round once more.
func (s *Service) kick() {
	if s.stopped.Load() || !s.monitor.IsOnline() {
		return
	}
	s.dirty.Store(true)
	if !s.kicking.CompareAndSwap(false, true) {
		s.metrics.RecordCoalesced()
		return
	}

	s.mu.Lock()
	ctx := s.baseCtx
	s.mu.Unlock()

	s.drains.Add(1)
	go func() {
		defer s.drains.Done()
		for {
			s.drainWhileDirty(ctx)
			s.kicking.Store(false)
			// a request may have landed between the last check and the release
			if !s.dirty.Load() || s.stopped.Load() || !s.monitor.IsOnline() ||
				!s.kicking.CompareAndSwap(false, true) {
				return
			}
		}
	}()
}

func (s *Service) drainWhileDirty(ctx context.Context) {
	for s.dirty.Load() && !s.stopped.Load() && s.monitor.IsOnline() {
		_, err := s.Drain(ctx)
		switch {
		case err == nil:
		case errors.Is(err, ErrDrainInProgress), errors.Is(err, ErrOffline):
			// the running drain kicks again when it sees the dirty flag
			return
		default:
			s.logger.WithError(err).Error("Drain failed")
		}
	}
}

// publish derives the SyncInfo from the queue and the last drain outcome
func (s *Service) publish(ctx context.Context) {
	s.publishMu.Lock()
	defer s.publishMu.Unlock()

	info := s.status.Current()
	pending, err := s.local.ListPending(ctx)
	if err != nil {
		s.logger.WithError(err).Warn("Failed to count pending operations")
	} else {
		info.PendingChanges = len(pending)
	}

	s.mu.Lock()
	info.LastSync = s.lastSync
	info.Error = s.lastErr
	exhausted := s.exhausted
	s.mu.Unlock()

	switch {
	case !s.monitor.IsOnline():
		info.Status = status.Offline
	case s.syncing.Load():
		info.Status = status.Syncing
	case exhausted:
		info.Status = status.Error
	default:
		info.Status = status.Idle
	}

	s.metrics.SetPending(info.PendingChanges)
	s.status.Notify(info)
}
