package sync

import (
	"context"
	"errors"
	"fmt"
	stdsync "sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cybertec-postgresql/offline_sync/internal/metrics"
	"github.com/cybertec-postgresql/offline_sync/internal/network"
	"github.com/cybertec-postgresql/offline_sync/internal/record"
	"github.com/cybertec-postgresql/offline_sync/internal/remote"
	"github.com/cybertec-postgresql/offline_sync/internal/resolver"
	"github.com/cybertec-postgresql/offline_sync/internal/retry"
	"github.com/cybertec-postgresql/offline_sync/internal/status"
	"github.com/cybertec-postgresql/offline_sync/internal/store"
	"github.com/cybertec-postgresql/offline_sync/internal/store/memory"
)

func TestInitialStatus(t *testing.T) {
	assert.Equal(t, status.Offline, newFixture(t, false, testConfig()).svc.StatusPublisher().Current().Status)
	assert.Equal(t, status.Idle, newFixture(t, true, testConfig()).svc.StatusPublisher().Current().Status)
}

func TestDefaultConfig(t *testing.T) {
	c := Config{}.withDefaults()
	assert.Equal(t, 30*time.Second, c.SyncInterval)
	assert.Equal(t, 5, c.MaxRetries)
	assert.Equal(t, 2, c.AuthRetries)
	assert.Equal(t, 10*time.Second, c.CallTimeout)
	assert.Equal(t, retry.DrainDefaults(), c.CallRetry)
}

func TestSaveWhileOffline(t *testing.T) {
	f := newFixture(t, false, testConfig())
	ctx := context.Background()

	id, err := f.svc.Save(ctx, "patients", record.Document{"id": "p1", "name": "Ann", "updatedAt": 100})
	require.NoError(t, err)
	assert.Equal(t, "p1", id)

	cached, found, err := f.svc.GetCached(ctx, "patients", "p1")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "Ann", cached["name"])

	_, err = f.svc.Save(ctx, "patients", record.Document{"id": "p1", "name": "Anna", "updatedAt": 200})
	require.NoError(t, err)

	ops := f.pending(t)
	require.Len(t, ops, 2)
	assert.Equal(t, store.OpCreate, ops[0].Operation)
	assert.Equal(t, store.OpUpdate, ops[1].Operation)
	assert.Equal(t, "p1", ops[1].RecordID)

	info := f.svc.StatusPublisher().Current()
	assert.Equal(t, status.Offline, info.Status)
	assert.Equal(t, 2, info.PendingChanges)
	assert.Nil(t, info.LastSync)
	assert.Equal(t, 0, f.remote.attemptsFor("patients", "p1"))
}

func TestSaveAssignsIdentity(t *testing.T) {
	oldNow := store.Now
	store.Now = func() int64 { return 4242 }
	defer func() { store.Now = oldNow }()

	f := newFixture(t, false, testConfig())
	ctx := context.Background()

	id, err := f.svc.Save(ctx, "visits", record.Document{"reason": "checkup"})
	require.NoError(t, err)
	require.NotEmpty(t, id)

	cached, found, err := f.svc.GetCached(ctx, "visits", id)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, id, cached.ID())
	assert.Equal(t, int64(4242), cached.UpdatedAt())

	_, err = f.svc.Save(ctx, "", record.Document{})
	assert.ErrorIs(t, err, ErrInvalidCollection)
}

func TestSaveDoesNotMutateCallerDocument(t *testing.T) {
	f := newFixture(t, false, testConfig())
	doc := record.Document{"name": "Ann"}
	_, err := f.svc.Save(context.Background(), "patients", doc)
	require.NoError(t, err)
	assert.NotContains(t, doc, record.IDField)
}

func TestSaveStorageErrorPropagates(t *testing.T) {
	local := failingStore{Store: memory.New()}
	svc := NewService(local, newFakeRemote(), network.NewMonitor(false, true), testConfig())
	ctx := context.Background()

	_, err := svc.Save(ctx, "patients", record.Document{"id": "p1"})
	require.Error(t, err)
	assert.ErrorIs(t, err, store.ErrStorage)

	_, found, err := svc.GetCached(ctx, "patients", "p1")
	require.NoError(t, err)
	assert.False(t, found, "cache must not keep an edit that was not queued")
}

func TestSaveStorageErrorRestoresPreviousCopy(t *testing.T) {
	inner := memory.New()
	ctx := context.Background()
	require.NoError(t, inner.Put(ctx, "patients", "p1", record.Document{"id": "p1", "name": "Ann"}))

	svc := NewService(failingStore{Store: inner}, newFakeRemote(), network.NewMonitor(false, true), testConfig())
	_, err := svc.Save(ctx, "patients", record.Document{"id": "p1", "name": "Bob"})
	require.Error(t, err)

	cached, _, err := svc.GetCached(ctx, "patients", "p1")
	require.NoError(t, err)
	assert.Equal(t, "Ann", cached["name"])

	err = svc.Delete(ctx, "patients", "p1")
	require.Error(t, err)
	_, found, err := svc.GetCached(ctx, "patients", "p1")
	require.NoError(t, err)
	assert.True(t, found)
}

func TestEndToEndOfflineToOnline(t *testing.T) {
	f := newFixture(t, false, testConfig())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.svc.Start(ctx) }()

	t1 := time.Now().UnixMilli()
	_, err := f.svc.Save(ctx, "patients", record.Document{"id": "p1", "fileNumber": "2024-001", "updatedAt": t1})
	require.NoError(t, err)

	cached, found, err := f.svc.GetCached(ctx, "patients", "p1")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "2024-001", cached["fileNumber"])
	assert.Len(t, f.pending(t), 1)
	assert.Equal(t, status.Offline, f.svc.StatusPublisher().Current().Status)

	f.monitor.SetNetworkOnline(true)

	require.Eventually(t, func() bool {
		info := f.svc.StatusPublisher().Current()
		return info.Status == status.Idle && info.PendingChanges == 0 && info.LastSync != nil
	}, 2*time.Second, 10*time.Millisecond)

	doc, ok := f.remote.get("patients", "p1")
	require.True(t, ok)
	assert.Equal(t, "2024-001", doc["fileNumber"])
	assert.Empty(t, f.pending(t))

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("Start did not return after cancellation")
	}
}

func TestGoingOfflinePublishesImmediately(t *testing.T) {
	f := newFixture(t, true, testConfig())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = f.svc.Start(ctx) }()

	require.Eventually(t, func() bool {
		return f.svc.StatusPublisher().Current().Status == status.Idle
	}, time.Second, 10*time.Millisecond)

	f.monitor.SetNetworkOnline(false)
	assert.Equal(t, status.Offline, f.svc.StatusPublisher().Current().Status)
}

func TestSaveKicksDrainWhenOnline(t *testing.T) {
	f := newFixture(t, true, testConfig())
	_, err := f.svc.Save(context.Background(), "patients", record.Document{"id": "p1", "updatedAt": 1})
	require.NoError(t, err)
	f.svc.Wait()

	_, ok := f.remote.get("patients", "p1")
	assert.True(t, ok)
	assert.Empty(t, f.pending(t))
	assert.Equal(t, status.Idle, f.svc.StatusPublisher().Current().Status)
}

func TestPoisonItemIsolation(t *testing.T) {
	f := newFixture(t, false, testConfig())
	ctx := context.Background()
	for _, id := range []string{"p1", "p2", "p3"} {
		_, err := f.svc.Save(ctx, "patients", record.Document{"id": id, "updatedAt": 10})
		require.NoError(t, err)
	}
	f.remote.setFailure("patients", "p2", errUnavailable)
	f.monitor.SetNetworkOnline(true)

	result, err := f.svc.Drain(ctx)
	require.NoError(t, err)
	assert.Equal(t, DrainResult{Applied: 2, Failed: 1}, result)

	_, ok := f.remote.get("patients", "p1")
	assert.True(t, ok)
	_, ok = f.remote.get("patients", "p3")
	assert.True(t, ok)

	ops := f.pending(t)
	require.Len(t, ops, 1)
	assert.Equal(t, "p2", ops[0].RecordID)
	assert.Equal(t, 1, ops[0].RetryCount)

	info := f.svc.StatusPublisher().Current()
	assert.Equal(t, status.Idle, info.Status)
	assert.Equal(t, 1, info.PendingChanges)
	assert.ErrorIs(t, info.Error, errUnavailable)
}

func TestPerRecordOrdering(t *testing.T) {
	f := newFixture(t, false, testConfig())
	ctx := context.Background()
	_, err := f.svc.Save(ctx, "patients", record.Document{"id": "p1", "v": 1, "updatedAt": 10})
	require.NoError(t, err)
	_, err = f.svc.Save(ctx, "patients", record.Document{"id": "p2", "updatedAt": 10})
	require.NoError(t, err)
	_, err = f.svc.Save(ctx, "patients", record.Document{"id": "p1", "v": 2, "updatedAt": 20})
	require.NoError(t, err)

	f.remote.setFailure("patients", "p1", errUnavailable)
	f.monitor.SetNetworkOnline(true)

	result, err := f.svc.Drain(ctx)
	require.NoError(t, err)
	assert.Equal(t, DrainResult{Applied: 1, Failed: 1, Skipped: 1}, result)
	assert.Equal(t, 1, f.remote.attemptsFor("patients", "p1"))

	ops := f.pending(t)
	require.Len(t, ops, 2)
	assert.Equal(t, 1, ops[0].RetryCount)
	assert.Equal(t, 0, ops[1].RetryCount)

	f.remote.setFailure("patients", "p1", nil)
	_, err = f.svc.Drain(ctx)
	require.NoError(t, err)

	doc, ok := f.remote.get("patients", "p1")
	require.True(t, ok)
	assert.EqualValues(t, 2, doc["v"])
	assert.Empty(t, f.pending(t))
}

func TestNoLostUpdates(t *testing.T) {
	f := newFixture(t, true, testConfig())
	ctx := context.Background()
	for i := 1; i <= 5; i++ {
		_, err := f.svc.Save(ctx, "patients", record.Document{"id": "p1", "v": i, "updatedAt": int64(i * 100)})
		require.NoError(t, err)
		f.svc.Wait()
		_, err = f.svc.Drain(ctx)
		require.NoError(t, err)
	}

	doc, ok := f.remote.get("patients", "p1")
	require.True(t, ok)
	assert.EqualValues(t, 5, doc["v"])
	cached, _, err := f.svc.GetCached(ctx, "patients", "p1")
	require.NoError(t, err)
	assert.EqualValues(t, 5, cached["v"])
}

func TestIdempotentReplay(t *testing.T) {
	f := newFixture(t, true, testConfig())
	ctx := context.Background()
	op := store.PendingOperation{
		ID:         "op-1",
		Operation:  store.OpCreate,
		Collection: "patients",
		RecordID:   "p1",
		Data:       record.Document{"id": "p1", "tags": []any{"a"}, "updatedAt": 100},
		Timestamp:  1,
	}

	require.NoError(t, f.local.Enqueue(ctx, op))
	_, err := f.svc.Drain(ctx)
	require.NoError(t, err)
	once, ok := f.remote.get("patients", "p1")
	require.True(t, ok)

	// crash between remote success and dequeue: the same operation is drained again
	require.NoError(t, f.local.Enqueue(ctx, op))
	_, err = f.svc.Drain(ctx)
	require.NoError(t, err)
	twice, ok := f.remote.get("patients", "p1")
	require.True(t, ok)

	assert.Equal(t, once, twice)
	assert.Empty(t, f.pending(t))
}

func TestConflictResolvedDuringDrain(t *testing.T) {
	registry := resolver.NewRegistry(map[string]resolver.FieldStrategies{
		"patients": {"tags": resolver.StrategyMerge, "notes": resolver.StrategyLocal},
	})
	f := newFixture(t, false, testConfig(), WithResolvers(registry))
	ctx := context.Background()

	f.remote.put("patients", "p1", record.Document{
		"id": "p1", "name": "Server", "notes": "server notes", "tags": []any{"b", "c"}, "updatedAt": 200,
	})
	_, err := f.svc.Save(ctx, "patients", record.Document{
		"id": "p1", "name": "Local", "notes": "local notes", "tags": []any{"a", "b"}, "updatedAt": 100,
	})
	require.NoError(t, err)

	f.monitor.SetNetworkOnline(true)
	_, err = f.svc.Drain(ctx)
	require.NoError(t, err)

	doc, ok := f.remote.get("patients", "p1")
	require.True(t, ok)
	assert.Equal(t, "Server", doc["name"])
	assert.Equal(t, "local notes", doc["notes"])
	assert.ElementsMatch(t, []any{"a", "b", "c"}, doc["tags"])

	cached, _, err := f.svc.GetCached(ctx, "patients", "p1")
	require.NoError(t, err)
	assert.Equal(t, doc, cached)
}

func TestLocalNewerWinsDuringDrain(t *testing.T) {
	f := newFixture(t, false, testConfig())
	ctx := context.Background()
	f.remote.put("patients", "p1", record.Document{"id": "p1", "name": "Server", "updatedAt": 50})
	_, err := f.svc.Save(ctx, "patients", record.Document{"id": "p1", "name": "Local", "updatedAt": 100})
	require.NoError(t, err)

	f.monitor.SetNetworkOnline(true)
	_, err = f.svc.Drain(ctx)
	require.NoError(t, err)

	doc, _ := f.remote.get("patients", "p1")
	assert.Equal(t, "Local", doc["name"])
}

func TestRetryBudgetMarksError(t *testing.T) {
	config := testConfig()
	config.MaxRetries = 2
	f := newFixture(t, false, config)
	ctx := context.Background()
	_, err := f.svc.Save(ctx, "patients", record.Document{"id": "p1", "updatedAt": 1})
	require.NoError(t, err)
	f.remote.setFailure("patients", "p1", errUnavailable)
	f.monitor.SetNetworkOnline(true)

	for i := 0; i < 2; i++ {
		_, err = f.svc.Drain(ctx)
		require.NoError(t, err)
		assert.Equal(t, status.Idle, f.svc.StatusPublisher().Current().Status)
	}

	_, err = f.svc.Drain(ctx)
	require.NoError(t, err)
	info := f.svc.StatusPublisher().Current()
	assert.Equal(t, status.Error, info.Status)
	assert.ErrorIs(t, info.Error, errUnavailable)

	ops := f.pending(t)
	require.Len(t, ops, 1, "exhausted items are never dropped")
	assert.Equal(t, 3, ops[0].RetryCount)

	f.remote.setFailure("patients", "p1", nil)
	_, err = f.svc.Drain(ctx)
	require.NoError(t, err)
	info = f.svc.StatusPublisher().Current()
	assert.Equal(t, status.Idle, info.Status)
	assert.NoError(t, info.Error)
}

func TestAuthorizationFailuresUseSmallerBudget(t *testing.T) {
	config := testConfig()
	config.AuthRetries = 1
	config.CallRetry = &retry.Config{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond}
	f := newFixture(t, false, config)
	ctx := context.Background()
	_, err := f.svc.Save(ctx, "patients", record.Document{"id": "p1", "updatedAt": 1})
	require.NoError(t, err)
	f.remote.setFailure("patients", "p1", fmt.Errorf("%w: permission denied", remote.ErrUnauthorized))
	f.monitor.SetNetworkOnline(true)

	_, err = f.svc.Drain(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, f.remote.attemptsFor("patients", "p1"), "authorization errors are not retried within a drain")
	assert.Equal(t, status.Idle, f.svc.StatusPublisher().Current().Status)

	_, err = f.svc.Drain(ctx)
	require.NoError(t, err)
	info := f.svc.StatusPublisher().Current()
	assert.Equal(t, status.Error, info.Status)
	assert.ErrorIs(t, info.Error, remote.ErrUnauthorized)
	assert.Len(t, f.pending(t), 1)
}

func TestTransientFailureRetriedWithinDrain(t *testing.T) {
	config := testConfig()
	config.CallRetry = &retry.Config{MaxAttempts: 1, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond}
	f := newFixture(t, false, config)
	ctx := context.Background()
	_, err := f.svc.Save(ctx, "patients", record.Document{"id": "p1", "updatedAt": 1})
	require.NoError(t, err)
	f.remote.failOnce[key("patients", "p1")] = errUnavailable
	f.monitor.SetNetworkOnline(true)

	result, err := f.svc.Drain(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Applied)
	assert.Equal(t, 2, f.remote.attemptsFor("patients", "p1"))
}

func TestOfflineMidDrainDefersRemainingItems(t *testing.T) {
	f := newFixture(t, false, testConfig())
	ctx := context.Background()
	for _, id := range []string{"p1", "p2", "p3"} {
		_, err := f.svc.Save(ctx, "patients", record.Document{"id": id, "updatedAt": 1})
		require.NoError(t, err)
	}
	f.remote.onWrite = func(string, string) { f.monitor.SetNetworkOnline(false) }
	f.monitor.SetNetworkOnline(true)

	result, err := f.svc.Drain(ctx)
	require.NoError(t, err)
	assert.Equal(t, DrainResult{Applied: 1, Deferred: 2}, result)

	info := f.svc.StatusPublisher().Current()
	assert.Equal(t, status.Offline, info.Status)
	assert.Nil(t, info.LastSync)
	assert.Equal(t, 2, info.PendingChanges)
	for _, op := range f.pending(t) {
		assert.Equal(t, 0, op.RetryCount)
	}
}

func TestDrainIsSingleFlight(t *testing.T) {
	f := newFixture(t, false, testConfig())
	ctx := context.Background()
	_, err := f.svc.Save(ctx, "patients", record.Document{"id": "p1", "updatedAt": 1})
	require.NoError(t, err)

	release := make(chan struct{})
	f.remote.block = release
	f.remote.entered = make(chan struct{}, 1)
	f.monitor.SetNetworkOnline(true)

	var wg stdsync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, err := f.svc.Drain(ctx)
		assert.NoError(t, err)
	}()

	<-f.remote.entered
	assert.Equal(t, status.Syncing, f.svc.StatusPublisher().Current().Status)
	_, err = f.svc.Drain(ctx)
	assert.ErrorIs(t, err, ErrDrainInProgress)

	// Save never waits for the running drain
	_, err = f.svc.Save(ctx, "patients", record.Document{"id": "p2", "updatedAt": 1})
	require.NoError(t, err)

	close(release)
	wg.Wait()
	f.svc.Wait()
	_, err = f.svc.Drain(ctx)
	require.NoError(t, err)
	assert.Empty(t, f.pending(t))
}

func TestConcurrentKicksShareOneDrain(t *testing.T) {
	reg := prometheus.NewRegistry()
	m, err := metrics.NewSyncMetrics(reg)
	require.NoError(t, err)
	f := newFixture(t, false, testConfig(), WithMetrics(m))
	ctx := context.Background()
	_, err = f.svc.Save(ctx, "patients", record.Document{"id": "p1", "updatedAt": 1})
	require.NoError(t, err)

	release := make(chan struct{})
	f.remote.block = release
	f.remote.entered = make(chan struct{}, 1)
	f.monitor.SetNetworkOnline(true)

	f.svc.kick()
	f.svc.kick()
	<-f.remote.entered

	// the second request waits for the running drain instead of polling it
	time.Sleep(200 * time.Millisecond)
	assert.Equal(t, 1.0, counterValue(t, reg, "offline_sync_drain_requests_coalesced_total"))

	close(release)
	f.svc.Wait()
	assert.Empty(t, f.pending(t))
	assert.Equal(t, 1, f.remote.attemptsFor("patients", "p1"))
	assert.LessOrEqual(t, counterValue(t, reg, "offline_sync_drain_requests_coalesced_total"), 2.0)
}

func TestCallTimeoutFailsOnlyThatItem(t *testing.T) {
	config := testConfig()
	config.CallTimeout = 50 * time.Millisecond
	f := newFixture(t, false, config)
	ctx := context.Background()

	_, err := f.svc.Save(ctx, "patients", record.Document{"id": "slow", "updatedAt": 1})
	require.NoError(t, err)
	_, err = f.svc.Save(ctx, "patients", record.Document{"id": "fast", "updatedAt": 1})
	require.NoError(t, err)
	f.remote.hang[key("patients", "slow")] = true
	f.monitor.SetNetworkOnline(true)

	result, err := f.svc.Drain(ctx)
	require.NoError(t, err)
	assert.Equal(t, DrainResult{Applied: 1, Failed: 1}, result)

	ops := f.pending(t)
	require.Len(t, ops, 1)
	assert.Equal(t, "slow", ops[0].RecordID)
	assert.Equal(t, 1, ops[0].RetryCount)

	_, ok := f.remote.get("patients", "fast")
	assert.True(t, ok)
	_, ok = f.remote.get("patients", "slow")
	assert.False(t, ok)

	info := f.svc.StatusPublisher().Current()
	assert.Equal(t, status.Idle, info.Status)
	assert.Error(t, info.Error)
}

func TestDrainWhileOffline(t *testing.T) {
	f := newFixture(t, false, testConfig())
	_, err := f.svc.Drain(context.Background())
	assert.ErrorIs(t, err, ErrOffline)
}

func TestStatusConsistency(t *testing.T) {
	f := newFixture(t, false, testConfig())
	ctx := context.Background()

	var mismatches []string
	unsubscribe := f.svc.StatusPublisher().Subscribe(func(info status.SyncInfo) {
		ops, err := f.local.ListPending(ctx)
		if err == nil && len(ops) != info.PendingChanges {
			mismatches = append(mismatches, fmt.Sprintf("%s: published %d, queued %d", info.Status, info.PendingChanges, len(ops)))
		}
	})
	defer unsubscribe()

	for i := 0; i < 4; i++ {
		_, err := f.svc.Save(ctx, "visits", record.Document{"id": fmt.Sprintf("v%d", i), "updatedAt": 1})
		require.NoError(t, err)
	}
	require.NoError(t, f.svc.Delete(ctx, "visits", "v0"))
	f.remote.setFailure("visits", "v2", errUnavailable)
	f.monitor.SetNetworkOnline(true)
	_, err := f.svc.Drain(ctx)
	require.NoError(t, err)

	assert.Empty(t, mismatches)
	assert.Equal(t, 1, f.svc.StatusPublisher().Current().PendingChanges)
}

func TestDeleteOperation(t *testing.T) {
	f := newFixture(t, false, testConfig())
	ctx := context.Background()
	f.remote.put("patients", "p1", record.Document{"id": "p1", "updatedAt": 1})
	require.NoError(t, f.local.Put(ctx, "patients", "p1", record.Document{"id": "p1", "updatedAt": 1}))

	require.NoError(t, f.svc.Delete(ctx, "patients", "p1"))
	_, found, err := f.svc.GetCached(ctx, "patients", "p1")
	require.NoError(t, err)
	assert.False(t, found)

	ops := f.pending(t)
	require.Len(t, ops, 1)
	assert.Equal(t, store.OpDelete, ops[0].Operation)

	f.monitor.SetNetworkOnline(true)
	_, err = f.svc.Drain(ctx)
	require.NoError(t, err)
	_, ok := f.remote.get("patients", "p1")
	assert.False(t, ok)
	assert.Empty(t, f.pending(t))

	assert.ErrorIs(t, f.svc.Delete(ctx, "patients", ""), record.ErrMissingID)
}

type patient struct {
	ID         string   `json:"id"`
	FileNumber string   `json:"fileNumber"`
	Tags       []string `json:"tags"`
	UpdatedAt  int64    `json:"updatedAt"`
}

func TestTypedSaveAndGetCached(t *testing.T) {
	f := newFixture(t, false, testConfig())
	ctx := context.Background()

	id, err := Save(ctx, f.svc, "patients", patient{FileNumber: "2024-001", Tags: []string{"a"}, UpdatedAt: 5})
	require.NoError(t, err)

	p, found, err := GetCached[patient](ctx, f.svc, "patients", id)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, patient{ID: id, FileNumber: "2024-001", Tags: []string{"a"}, UpdatedAt: 5}, p)

	_, found, err = GetCached[patient](ctx, f.svc, "patients", "missing")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestRemoteChangesRefreshCache(t *testing.T) {
	config := testConfig()
	config.Collections = []string{"patients"}
	f := newFixture(t, true, config)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = f.svc.Start(ctx)
	}()
	defer func() {
		cancel()
		<-done
	}()

	require.Eventually(t, func() bool {
		return f.remote.emit("patients", remote.Change{
			Kind: remote.ChangePut, Collection: "patients", ID: "p1",
			Data: record.Document{"id": "p1", "name": "Remote"},
		})
	}, time.Second, 10*time.Millisecond)

	cached, found, err := f.svc.GetCached(ctx, "patients", "p1")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "Remote", cached["name"])

	// a record with queued local changes keeps its optimistic copy
	f.remote.setFailure("patients", "p2", errUnavailable)
	_, err = f.svc.Save(ctx, "patients", record.Document{"id": "p2", "name": "Local", "updatedAt": 1})
	require.NoError(t, err)
	f.svc.Wait()
	f.remote.emit("patients", remote.Change{
		Kind: remote.ChangePut, Collection: "patients", ID: "p2",
		Data: record.Document{"id": "p2", "name": "Remote"},
	})
	cached, _, err = f.svc.GetCached(ctx, "patients", "p2")
	require.NoError(t, err)
	assert.Equal(t, "Local", cached["name"])

	f.remote.emit("patients", remote.Change{Kind: remote.ChangeReset, Collection: "patients"})
	_, found, err = f.svc.GetCached(ctx, "patients", "p1")
	require.NoError(t, err)
	assert.False(t, found)
	cached, found, err = f.svc.GetCached(ctx, "patients", "p2")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "Local", cached["name"])

	require.NoError(t, f.local.Put(ctx, "patients", "p3", record.Document{"id": "p3"}))
	f.remote.emit("patients", remote.Change{Kind: remote.ChangeDelete, Collection: "patients", ID: "p3"})
	_, found, err = f.svc.GetCached(ctx, "patients", "p3")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestTriggerDrainAfterStop(t *testing.T) {
	f := newFixture(t, true, testConfig())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := f.svc.Start(ctx)
	assert.True(t, errors.Is(err, context.Canceled))

	require.NoError(t, f.local.Enqueue(context.Background(), store.PendingOperation{
		ID: "op", Operation: store.OpCreate, Collection: "patients", RecordID: "p1",
		Data: record.Document{"id": "p1"}, Timestamp: 1,
	}))
	f.svc.TriggerDrain()
	f.svc.Wait()
	assert.Len(t, f.pending(t), 1)
}
