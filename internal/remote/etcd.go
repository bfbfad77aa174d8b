package remote

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"

	"github.com/cybertec-postgresql/offline_sync/internal/log"
	"github.com/cybertec-postgresql/offline_sync/internal/record"
	"go.etcd.io/etcd/api/v3/mvccpb"
	"go.etcd.io/etcd/api/v3/v3rpc/rpctypes"
	clientv3 "go.etcd.io/etcd/client/v3"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const healthKey = "healthcheck"

// EtcdStore keeps one JSON document per key under <prefix>/<collection>/<id>
type EtcdStore struct {
	kv      clientv3.KV
	watcher clientv3.Watcher
	prefix  string
	close   func() error
}

var _ Store = (*EtcdStore)(nil)

// NewEtcdStore creates a new etcd backed remote store from a DSN
func NewEtcdStore(dsn string) (*EtcdStore, error) {
	config, err := parseEtcdDSN(dsn)
	if err != nil {
		return nil, err
	}

	client, err := clientv3.New(*config)
	if err != nil {
		return nil, fmt.Errorf("failed to create etcd client: %w", err)
	}

	return &EtcdStore{
		kv:      client.KV,
		watcher: client.Watcher,
		prefix:  GetPrefix(dsn),
		close:   client.Close,
	}, nil
}

// NewEtcdStoreFromClient wraps already established etcd KV and Watcher APIs
func NewEtcdStoreFromClient(kv clientv3.KV, watcher clientv3.Watcher, prefix string) *EtcdStore {
	if prefix == "" {
		prefix = "/"
	}
	return &EtcdStore{kv: kv, watcher: watcher, prefix: prefix}
}

// Close closes the underlying client if the store owns it
func (s *EtcdStore) Close() error {
	if s.close != nil {
		return s.close()
	}
	return nil
}

func (s *EtcdStore) key(collection, id string) string {
	return path.Join(s.prefix, collection, id)
}

func (s *EtcdStore) collectionPrefix(collection string) string {
	return path.Join(s.prefix, collection) + "/"
}

// Fetch returns the current server copy of a record
func (s *EtcdStore) Fetch(ctx context.Context, collection, id string) (record.Document, bool, error) {
	resp, err := s.kv.Get(ctx, s.key(collection, id))
	if err != nil {
		return nil, false, classify(err)
	}
	if len(resp.Kvs) == 0 {
		return nil, false, nil
	}
	doc, err := record.Unmarshal(resp.Kvs[0].Value)
	if err != nil {
		return nil, false, fmt.Errorf("failed to decode %s: %w", resp.Kvs[0].Key, err)
	}
	return doc, true, nil
}

// Write upserts the record
func (s *EtcdStore) Write(ctx context.Context, collection, id string, doc record.Document) error {
	raw, err := doc.Marshal()
	if err != nil {
		return err
	}
	if _, err = s.kv.Put(ctx, s.key(collection, id), string(raw)); err != nil {
		return classify(err)
	}
	return nil
}

// Delete removes the record, absent keys are not an error
func (s *EtcdStore) Delete(ctx context.Context, collection, id string) error {
	if _, err := s.kv.Delete(ctx, s.key(collection, id)); err != nil {
		return classify(err)
	}
	return nil
}

// Ping checks that the cluster answers. An access control rejection still proves
// reachability.
func (s *EtcdStore) Ping(ctx context.Context) error {
	if _, err := s.kv.Get(ctx, healthKey); err != nil && !isAuthError(err) {
		return err
	}
	return nil
}

// Listen forwards remote modifications of a collection until ctx is done or the
// returned function is called.
func (s *EtcdStore) Listen(ctx context.Context, collection string, onChange func(Change)) (func(), error) {
	if s.watcher == nil {
		return nil, errors.New("etcd store has no watcher")
	}
	prefix := s.collectionPrefix(collection)
	resp, err := s.kv.Get(ctx, prefix, clientv3.WithPrefix(), clientv3.WithCountOnly())
	if err != nil {
		return nil, classify(err)
	}

	ctx, cancel := context.WithCancel(ctx)
	logger := log.WithComponent("remote").WithField("collection", collection)
	events := s.watchWithRecovery(ctx, prefix, resp.Header.Revision, func() {
		onChange(Change{Kind: ChangeReset, Collection: collection})
	})
	go func() {
		for watchResp := range events {
			for _, ev := range watchResp.Events {
				change, err := toChange(prefix, collection, ev)
				if err != nil {
					logger.WithError(err).Warn("Skipping undecodable remote change")
					continue
				}
				onChange(change)
			}
		}
	}()
	return cancel, nil
}

func toChange(prefix, collection string, ev *clientv3.Event) (Change, error) {
	id := strings.TrimPrefix(string(ev.Kv.Key), prefix)
	change := Change{Collection: collection, ID: id}
	if ev.Type == mvccpb.DELETE {
		change.Kind = ChangeDelete
		return change, nil
	}
	doc, err := record.Unmarshal(ev.Kv.Value)
	if err != nil {
		return change, fmt.Errorf("failed to decode %s: %w", ev.Kv.Key, err)
	}
	change.Kind = ChangePut
	change.Data = doc
	return change, nil
}

func classify(err error) error {
	if isAuthError(err) {
		return fmt.Errorf("%w: %w", ErrUnauthorized, err)
	}
	return err
}

func isAuthError(err error) bool {
	for _, authErr := range []error{
		rpctypes.ErrPermissionDenied,
		rpctypes.ErrUserEmpty,
		rpctypes.ErrInvalidAuthToken,
		rpctypes.ErrAuthFailed,
		rpctypes.ErrAuthOldRevision,
	} {
		if errors.Is(err, authErr) {
			return true
		}
	}
	switch status.Code(err) {
	case codes.PermissionDenied, codes.Unauthenticated:
		return true
	}
	return false
}
