package sync

import (
	"context"

	"github.com/sirupsen/logrus"

	"github.com/cybertec-postgresql/offline_sync/internal/remote"
	"github.com/cybertec-postgresql/offline_sync/internal/store"
)

// startListeners subscribes to remote changes of the configured collections. Failed
// subscriptions are attempted again on the next online transition.
func (s *Service) startListeners(ctx context.Context) {
	s.listenMu.Lock()
	defer s.listenMu.Unlock()

	for _, collection := range s.config.Collections {
		s.mu.Lock()
		_, running := s.listeners[collection]
		s.mu.Unlock()
		if running || ctx.Err() != nil {
			continue
		}

		unsubscribe, err := s.remote.Listen(ctx, collection, func(c remote.Change) {
			s.onRemoteChange(ctx, c)
		})
		if err != nil {
			s.logger.WithError(err).WithField("collection", collection).Warn("Failed to listen for remote changes")
			continue
		}

		s.mu.Lock()
		s.listeners[collection] = unsubscribe
		s.mu.Unlock()
		s.logger.WithField("collection", collection).Info("Listening for remote changes")
	}
}

func (s *Service) stopListeners() {
	s.listenMu.Lock()
	defer s.listenMu.Unlock()

	s.mu.Lock()
	listeners := s.listeners
	s.listeners = make(map[string]func())
	s.mu.Unlock()

	for _, unsubscribe := range listeners {
		unsubscribe()
	}
}

// onRemoteChange refreshes the cache from an observed remote change. Records with
// queued local operations keep their optimistic copy until the drain resolves them.
func (s *Service) onRemoteChange(ctx context.Context, c remote.Change) {
	s.metrics.RecordRemoteChange(c.Collection, string(c.Kind))
	logger := s.logger.WithFields(logrus.Fields{
		"collection": c.Collection,
		"id":         c.ID,
		"kind":       c.Kind,
	})

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if c.Kind == remote.ChangeReset {
		if err := s.resetCollection(ctx, c.Collection); err != nil {
			logger.WithError(err).Error("Failed to invalidate collection cache")
		}
		return
	}

	queued, err := s.hasPending(ctx, c.Collection, c.ID, "")
	if err != nil {
		logger.WithError(err).Warn("Failed to inspect pending operations")
		return
	}
	if queued {
		logger.Debug("Keeping local copy with queued changes")
		return
	}

	switch c.Kind {
	case remote.ChangePut:
		err = s.local.Put(ctx, c.Collection, c.ID, c.Data)
	case remote.ChangeDelete:
		err = s.local.Delete(ctx, c.Collection, c.ID)
	}
	if err != nil {
		logger.WithError(err).Warn("Failed to apply remote change to cache")
		return
	}
	logger.Debug("Applied remote change to cache")
}

// resetCollection drops the collection cache and restores the optimistic copies of
// records that still have queued operations
func (s *Service) resetCollection(ctx context.Context, collection string) error {
	dropped, err := s.local.InvalidateCollection(ctx, collection)
	if err != nil {
		return err
	}

	pending, err := s.local.ListPending(ctx)
	if err != nil {
		return err
	}
	latest := make(map[string]store.PendingOperation)
	for _, op := range pending {
		if op.Collection == collection {
			latest[op.RecordID] = op
		}
	}
	for id, op := range latest {
		if op.Operation == store.OpDelete {
			continue
		}
		if err := s.local.Put(ctx, collection, id, op.Data); err != nil {
			return err
		}
	}

	s.logger.WithFields(logrus.Fields{
		"collection": collection,
		"dropped":    dropped,
		"restored":   len(latest),
	}).Info("Invalidated collection cache")
	return nil
}
