package sync

import (
	"context"
	"errors"
	stdsync "sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/cybertec-postgresql/offline_sync/internal/network"
	"github.com/cybertec-postgresql/offline_sync/internal/record"
	"github.com/cybertec-postgresql/offline_sync/internal/remote"
	"github.com/cybertec-postgresql/offline_sync/internal/retry"
	"github.com/cybertec-postgresql/offline_sync/internal/store"
	"github.com/cybertec-postgresql/offline_sync/internal/store/memory"
)

var errUnavailable = errors.New("connection reset by peer")

// fakeRemote is an in-memory remote.Store with failure injection
type fakeRemote struct {
	mu        stdsync.Mutex
	docs      map[string]record.Document
	attempts  map[string]int
	failWrite map[string]error
	failOnce  map[string]error
	hang      map[string]bool
	onWrite   func(collection, id string)
	block     chan struct{}
	entered   chan struct{}
	listeners map[string]func(remote.Change)
}

func newFakeRemote() *fakeRemote {
	return &fakeRemote{
		docs:      make(map[string]record.Document),
		attempts:  make(map[string]int),
		failWrite: make(map[string]error),
		failOnce:  make(map[string]error),
		hang:      make(map[string]bool),
		listeners: make(map[string]func(remote.Change)),
	}
}

func key(collection, id string) string {
	return collection + "/" + id
}

func (f *fakeRemote) Fetch(_ context.Context, collection, id string) (record.Document, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	doc, ok := f.docs[key(collection, id)]
	return doc.Clone(), ok, nil
}

func (f *fakeRemote) Write(ctx context.Context, collection, id string, doc record.Document) error {
	f.mu.Lock()
	k := key(collection, id)
	f.attempts[k]++
	block, entered, hang := f.block, f.entered, f.hang[k]
	f.mu.Unlock()

	if hang {
		<-ctx.Done()
		return ctx.Err()
	}

	if block != nil {
		if entered != nil {
			entered <- struct{}{}
		}
		select {
		case <-block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	f.mu.Lock()
	if err, ok := f.failOnce[k]; ok {
		delete(f.failOnce, k)
		f.mu.Unlock()
		return err
	}
	if err, ok := f.failWrite[k]; ok {
		f.mu.Unlock()
		return err
	}
	f.docs[k] = doc.Clone()
	hook := f.onWrite
	f.mu.Unlock()

	if hook != nil {
		hook(collection, id)
	}
	return nil
}

func (f *fakeRemote) Delete(_ context.Context, collection, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	k := key(collection, id)
	f.attempts[k]++
	if err, ok := f.failWrite[k]; ok {
		return err
	}
	delete(f.docs, k)
	return nil
}

func (f *fakeRemote) Listen(_ context.Context, collection string, onChange func(remote.Change)) (func(), error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listeners[collection] = onChange
	return func() {
		f.mu.Lock()
		delete(f.listeners, collection)
		f.mu.Unlock()
	}, nil
}

func (f *fakeRemote) Ping(context.Context) error {
	return nil
}

func (f *fakeRemote) get(collection, id string) (record.Document, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	doc, ok := f.docs[key(collection, id)]
	return doc, ok
}

func (f *fakeRemote) put(collection, id string, doc record.Document) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.docs[key(collection, id)] = doc
}

func (f *fakeRemote) setFailure(collection, id string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err == nil {
		delete(f.failWrite, key(collection, id))
		return
	}
	f.failWrite[key(collection, id)] = err
}

func (f *fakeRemote) attemptsFor(collection, id string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.attempts[key(collection, id)]
}

func (f *fakeRemote) emit(collection string, c remote.Change) bool {
	f.mu.Lock()
	handler, ok := f.listeners[collection]
	f.mu.Unlock()
	if ok {
		handler(c)
	}
	return ok
}

// failingStore fails queue writes
type failingStore struct {
	*memory.Store
}

func (failingStore) Enqueue(context.Context, store.PendingOperation) error {
	return store.Wrap(errors.New("disk full"), "enqueue")
}

func testConfig() Config {
	return Config{
		SyncInterval: time.Hour,
		MaxRetries:   5,
		AuthRetries:  2,
		CallTimeout:  time.Second,
		CallRetry:    &retry.Config{MaxAttempts: 0, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond},
	}
}

type fixture struct {
	svc     *Service
	local   *memory.Store
	remote  *fakeRemote
	monitor *network.Monitor
}

func newFixture(t *testing.T, online bool, config Config, opts ...Option) *fixture {
	t.Helper()
	local := memory.New()
	rs := newFakeRemote()
	monitor := network.NewMonitor(online, true)
	svc := NewService(local, rs, monitor, config, opts...)
	t.Cleanup(svc.Wait)
	return &fixture{svc: svc, local: local, remote: rs, monitor: monitor}
}

func (f *fixture) pending(t *testing.T) []store.PendingOperation {
	t.Helper()
	ops, err := f.local.ListPending(context.Background())
	require.NoError(t, err)
	return ops
}

func counterValue(t *testing.T, reg *prometheus.Registry, name string) float64 {
	t.Helper()
	families, err := reg.Gather()
	require.NoError(t, err)
	var total float64
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
		for _, m := range mf.GetMetric() {
			total += m.GetCounter().GetValue()
		}
	}
	return total
}
