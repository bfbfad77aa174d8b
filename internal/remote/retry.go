package remote

import (
	"context"
	"time"

	"github.com/cybertec-postgresql/offline_sync/internal/retry"
	"github.com/sirupsen/logrus"
	clientv3 "go.etcd.io/etcd/client/v3"
)

// restartDelay is the pause before a failed watch is re-established
var restartDelay = time.Second

// NewEtcdStoreWithRetry creates a new etcd store with retry logic
func NewEtcdStoreWithRetry(ctx context.Context, dsn string) (*EtcdStore, error) {
	config := retry.EtcdDefaults()

	var store *EtcdStore
	err := retry.WithOperation(ctx, config, func() error {
		var attemptErr error
		store, attemptErr = NewEtcdStore(dsn)
		if attemptErr != nil {
			return attemptErr
		}

		// Test the connection
		if testErr := store.Ping(ctx); testErr != nil {
			_ = store.Close()
			return testErr
		}

		return nil
	}, "etcd connect")

	if err != nil {
		logrus.WithError(err).Error("Failed to establish etcd connection after all retries")
		return nil, err
	}

	return store, nil
}

// watchWithRecovery wraps the etcd watch with automatic restarts. onReset is called
// when the revision history was compacted away and events may have been lost.
func (s *EtcdStore) watchWithRecovery(ctx context.Context, prefix string, startRevision int64, onReset func()) <-chan clientv3.WatchResponse {
	watchChan := make(chan clientv3.WatchResponse)

	go func() {
		defer close(watchChan)

		currentRevision := startRevision

		for {
			innerWatchChan := s.watcher.Watch(clientv3.WithRequireLeader(ctx), prefix,
				clientv3.WithPrefix(), clientv3.WithRev(currentRevision+1))

		watch:
			for {
				select {
				case <-ctx.Done():
					return
				case watchResp, ok := <-innerWatchChan:
					if !ok {
						logrus.Warn("etcd watch channel closed, attempting to restart")
						break watch
					}

					if watchResp.CompactRevision > 0 {
						logrus.WithField("revision", watchResp.CompactRevision).Warn("etcd watch revision compacted")
						currentRevision = watchResp.CompactRevision - 1
						onReset()
						break watch
					}

					if err := watchResp.Err(); err != nil {
						logrus.WithError(err).Error("etcd watch error, attempting to restart")
						break watch
					}

					if watchResp.Canceled {
						logrus.Warn("etcd watch was canceled, attempting to restart")
						break watch
					}

					// Update revision from successful events
					for _, event := range watchResp.Events {
						if event.Kv.ModRevision > currentRevision {
							currentRevision = event.Kv.ModRevision
						}
					}

					select {
					case watchChan <- watchResp:
					case <-ctx.Done():
						return
					}
				}
			}

			logrus.WithField("revision", currentRevision).Info("Restarting etcd watch")
			select {
			case <-ctx.Done():
				return
			case <-time.After(restartDelay):
			}
		}
	}()

	return watchChan
}
