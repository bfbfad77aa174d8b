package sync

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/cybertec-postgresql/offline_sync/internal/record"
	"github.com/cybertec-postgresql/offline_sync/internal/remote"
	"github.com/cybertec-postgresql/offline_sync/internal/retry"
	"github.com/cybertec-postgresql/offline_sync/internal/store"
)

var (
	// ErrDrainInProgress is returned when another drain holds the queue
	ErrDrainInProgress = errors.New("drain already in progress")
	// ErrOffline is returned when a drain is requested without connectivity
	ErrOffline = errors.New("remote store is offline")
)

// DrainResult summarizes one pass over the pending queue
type DrainResult struct {
	Applied int
	Failed  int
	// Skipped items wait behind a failed operation on the same record
	Skipped int
	// Deferred items were not attempted because connectivity was lost
	Deferred int
}

// Drain applies queued operations to the remote store oldest first. A failing operation
// stays queued with its retry count incremented and only holds back later operations on
// the same record. Remote failures are reported through the status publisher; the
// returned error covers local storage failures and the single-flight guard.
func (s *Service) Drain(ctx context.Context) (DrainResult, error) {
	var result DrainResult
	if !s.monitor.IsOnline() {
		return result, ErrOffline
	}
	if !s.syncing.CompareAndSwap(false, true) {
		s.dirty.Store(true)
		s.metrics.RecordCoalesced()
		return result, ErrDrainInProgress
	}
	s.dirty.Store(false)

	start := time.Now()
	defer func() {
		s.syncing.Store(false)
		s.metrics.ObserveDrain(time.Since(start))
		s.publish(ctx)
		if s.dirty.Load() {
			s.kick()
		}
	}()
	s.publish(ctx)

	pending, err := s.local.ListPending(ctx)
	if err != nil {
		return result, fmt.Errorf("failed to list pending operations: %w", err)
	}
	if len(pending) > 0 {
		s.logger.WithField("count", len(pending)).Debug("Draining pending operations")
	}

	var (
		blocked     = make(map[string]struct{})
		lastFailure error
		exhausted   error
		interrupted bool
	)
	for i, op := range pending {
		if !s.monitor.IsOnline() || ctx.Err() != nil {
			result.Deferred = len(pending) - i
			interrupted = true
			break
		}

		key := op.Collection + "/" + op.RecordID
		if _, ok := blocked[key]; ok {
			result.Skipped++
			continue
		}

		err := s.apply(ctx, op)
		if err == nil {
			result.Applied++
			s.publish(ctx)
			continue
		}

		blocked[key] = struct{}{}
		result.Failed++
		lastFailure = err
		if s.recordFailure(ctx, op, err) {
			exhausted = err
		}
	}

	online := s.monitor.IsOnline()
	s.mu.Lock()
	s.lastErr = lastFailure
	if exhausted != nil {
		s.lastErr = exhausted
	}
	s.exhausted = exhausted != nil
	if online && !interrupted {
		now := time.Now()
		s.lastSync = &now
	}
	s.mu.Unlock()

	logger := s.logger.WithFields(logrus.Fields{
		"applied":  result.Applied,
		"failed":   result.Failed,
		"skipped":  result.Skipped,
		"deferred": result.Deferred,
	})
	if len(pending) > 0 {
		logger.Info("Drain finished")
	}
	return result, nil
}

// apply delivers one operation and confirms it locally. The cache is written before
// the operation leaves the queue.
func (s *Service) apply(ctx context.Context, op store.PendingOperation) error {
	logger := s.logger.WithFields(logrus.Fields{
		"collection": op.Collection,
		"id":         op.RecordID,
		"op":         op.Operation,
	})

	var resolved record.Document
	switch op.Operation {
	case store.OpDelete:
		err := s.call(ctx, "remote delete", func(ctx context.Context) error {
			return s.remote.Delete(ctx, op.Collection, op.RecordID)
		})
		if err != nil {
			return err
		}
	case store.OpCreate, store.OpUpdate:
		var (
			server record.Document
			found  bool
		)
		err := s.call(ctx, "remote fetch", func(ctx context.Context) error {
			var fetchErr error
			server, found, fetchErr = s.remote.Fetch(ctx, op.Collection, op.RecordID)
			return fetchErr
		})
		if err != nil {
			return err
		}

		resolved = op.Data
		if found {
			res := s.resolvers.For(op.Collection).Resolve(op.Data, server)
			resolved = res.ResolvedData
			s.metrics.RecordConflict(op.Collection, string(res.Strategy))
			logger.WithField("strategy", res.Strategy).Debug("Resolved against server record")
		}

		err = s.call(ctx, "remote write", func(ctx context.Context) error {
			return s.remote.Write(ctx, op.Collection, op.RecordID, resolved)
		})
		if err != nil {
			return err
		}
	default:
		return fmt.Errorf("unknown operation %q", op.Operation)
	}

	if err := s.confirm(ctx, op, resolved); err != nil {
		return err
	}
	s.metrics.RecordApplied(op.Collection, string(op.Operation))
	logger.Info("Applied pending operation")
	return nil
}

// confirm caches the applied result and removes the operation from the queue. The
// cache keeps the optimistic copy while a newer operation for the record is queued.
func (s *Service) confirm(ctx context.Context, op store.PendingOperation, resolved record.Document) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	newer, err := s.hasPending(ctx, op.Collection, op.RecordID, op.ID)
	if err != nil {
		return err
	}
	if !newer {
		if op.Operation == store.OpDelete {
			err = s.local.Delete(ctx, op.Collection, op.RecordID)
		} else {
			err = s.local.Put(ctx, op.Collection, op.RecordID, resolved)
		}
		if err != nil {
			return err
		}
	}
	return s.local.Dequeue(ctx, op.ID)
}

// hasPending reports whether an operation other than exceptID targets the record
func (s *Service) hasPending(ctx context.Context, collection, id, exceptID string) (bool, error) {
	pending, err := s.local.ListPending(ctx)
	if err != nil {
		return false, err
	}
	for _, p := range pending {
		if p.ID != exceptID && p.Collection == collection && p.RecordID == id {
			return true, nil
		}
	}
	return false, nil
}

// recordFailure increments the retry count and reports whether the operation has
// exhausted its budget
func (s *Service) recordFailure(ctx context.Context, op store.PendingOperation, cause error) bool {
	s.metrics.RecordFailed(op.Collection, string(op.Operation))
	retries := op.RetryCount + 1
	logger := s.logger.WithError(cause).WithFields(logrus.Fields{
		"collection":  op.Collection,
		"id":          op.RecordID,
		"op":          op.Operation,
		"retry_count": retries,
	})

	if err := s.local.IncrementRetry(ctx, op.ID); err != nil {
		logger.WithField("increment_error", err).Error("Failed to record retry")
	}

	limit := s.config.MaxRetries
	if errors.Is(cause, remote.ErrUnauthorized) {
		limit = s.config.AuthRetries
	}
	if retries > limit {
		logger.Error("Pending operation exhausted its retry budget")
		return true
	}
	logger.Warn("Pending operation failed, keeping it queued")
	return false
}

// call runs one remote call under the per-call timeout and the in-drain retry budget
func (s *Service) call(ctx context.Context, name string, fn func(context.Context) error) error {
	return retry.WithClassifier(ctx, s.config.CallRetry, func(ctx context.Context) error {
		callCtx, cancel := context.WithTimeout(ctx, s.config.CallTimeout)
		defer cancel()
		return fn(callCtx)
	}, name, remote.IsRetryable)
}
