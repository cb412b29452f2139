package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(store Store, pid string, opts ...Option) *Client {
	opts = append([]Option{WithPollInterval(10 * time.Millisecond), WithStaleAfter(0)}, opts...)
	return NewClient(store, StaticIdentity(pid), opts...)
}

func TestClientSecondParticipantWaitsThenGetsSlot(t *testing.T) {
	store := NewMemoryStore("speech")
	ctx := context.Background()
	x := newTestClient(store, "x")
	y := newTestClient(store, "y")

	ok, err := x.TryAcquire(ctx)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, StateProcessing, x.State())
	assert.Equal(t, 1, x.ActiveCount())

	ok, err = y.TryAcquire(ctx)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, StateWaiting, y.State())
	pos, waiting := y.QueuePosition()
	assert.True(t, waiting)
	assert.Equal(t, 1, pos)

	require.NoError(t, x.Release(ctx))
	assert.Equal(t, StateIdle, x.State())

	require.NoError(t, y.Refresh(ctx))
	assert.Equal(t, StateProcessing, y.State())
	_, waiting = y.QueuePosition()
	assert.False(t, waiting)
}

func TestClientDoesNotAdmitTwice(t *testing.T) {
	store := NewMemoryStore("speech")
	ctx := context.Background()
	c := newTestClient(store, "x")

	ok, err := c.TryAcquire(ctx)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = c.TryAcquire(ctx)
	require.NoError(t, err)
	assert.False(t, ok)

	entries, err := store.ListForParticipant(ctx, "x")
	require.NoError(t, err)
	assert.Len(t, entries, 1)
	assert.Equal(t, StateProcessing, c.State())
}

func TestClientReleasePromotesInArrivalOrder(t *testing.T) {
	store := NewMemoryStore("speech")
	ctx := context.Background()

	clients := map[string]*Client{}
	for _, pid := range []string{"a", "b", "c", "d"} {
		clients[pid] = newTestClient(store, pid)
		_, err := clients[pid].TryAcquire(ctx)
		require.NoError(t, err)
	}

	for _, step := range []struct{ release, next string }{
		{"a", "b"},
		{"b", "c"},
		{"c", "d"},
	} {
		require.NoError(t, clients[step.release].Release(ctx))
		processing, err := store.ListByStatus(ctx, StatusProcessing)
		require.NoError(t, err)
		require.Len(t, processing, 1)
		assert.Equal(t, step.next, processing[0].ParticipantID)
	}
}

func TestClientReleaseIsIdempotent(t *testing.T) {
	store := NewMemoryStore("speech")
	ctx := context.Background()
	c := newTestClient(store, "x")

	require.NoError(t, c.Release(ctx))

	_, err := c.TryAcquire(ctx)
	require.NoError(t, err)
	require.NoError(t, c.Release(ctx))
	require.NoError(t, c.Release(ctx))

	entries, err := store.ListEntries(ctx)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestClientReleaseWhileWaitingKeepsHolder(t *testing.T) {
	store := NewMemoryStore("speech")
	ctx := context.Background()
	a := newTestClient(store, "a")
	b := newTestClient(store, "b")

	_, err := a.TryAcquire(ctx)
	require.NoError(t, err)
	_, err = b.TryAcquire(ctx)
	require.NoError(t, err)

	require.NoError(t, b.Release(ctx))
	require.NoError(t, a.Refresh(ctx))
	assert.Equal(t, StateProcessing, a.State())
	assert.Equal(t, 0, a.Snapshot().WaitingCount)
}

func TestClientQueuePositions(t *testing.T) {
	store := NewMemoryStore("speech")
	ctx := context.Background()

	holder := newTestClient(store, "holder")
	_, err := holder.TryAcquire(ctx)
	require.NoError(t, err)

	waiters := []*Client{}
	for _, pid := range []string{"w1", "w2", "w3"} {
		c := newTestClient(store, pid)
		_, err := c.TryAcquire(ctx)
		require.NoError(t, err)
		waiters = append(waiters, c)
	}

	for i, c := range waiters {
		require.NoError(t, c.Refresh(ctx))
		pos, ok := c.QueuePosition()
		require.True(t, ok)
		assert.Equal(t, i+1, pos)
	}

	require.NoError(t, waiters[0].Release(ctx))
	for i, c := range waiters[1:] {
		require.NoError(t, c.Refresh(ctx))
		pos, ok := c.QueuePosition()
		require.True(t, ok)
		assert.Equal(t, i+1, pos)
	}
}

func TestClientEstimateTimeUntilSlot(t *testing.T) {
	store := NewMemoryStore("speech")
	ctx := context.Background()

	for _, pid := range []string{"a", "b"} {
		_, err := newTestClient(store, pid).TryAcquire(ctx)
		require.NoError(t, err)
	}

	c := newTestClient(store, "c", WithAverageJobDuration(20*time.Second))
	assert.Equal(t, time.Duration(0), c.EstimateTimeUntilSlot())

	_, err := c.TryAcquire(ctx)
	require.NoError(t, err)
	assert.Equal(t, 40*time.Second, c.EstimateTimeUntilSlot())
}

func TestClientWithoutIdentity(t *testing.T) {
	store := NewMemoryStore("speech")
	c := newTestClient(store, "")

	_, err := c.TryAcquire(context.Background())
	assert.ErrorIs(t, err, ErrIdentityUnavailable)
	assert.True(t, IsSoft(err))
	assert.NoError(t, c.Release(context.Background()))

	entries, err := store.ListEntries(context.Background())
	require.NoError(t, err)
	assert.Empty(t, entries)
}

type failingStore struct {
	Store
	err error
}

func (f failingStore) ListForParticipant(context.Context, string) ([]QueueEntry, error) {
	return nil, f.err
}

func (f failingStore) ListEntries(context.Context) ([]QueueEntry, error) {
	return nil, f.err
}

func (f failingStore) DeleteParticipant(context.Context, string) ([]QueueEntry, error) {
	return nil, f.err
}

func TestClientWrapsStoreFailures(t *testing.T) {
	boom := errors.New("connection reset")
	c := newTestClient(failingStore{Store: NewMemoryStore("speech"), err: boom}, "x")
	ctx := context.Background()

	_, err := c.TryAcquire(ctx)
	assert.ErrorIs(t, err, ErrStoreUnavailable)
	assert.ErrorIs(t, err, boom)
	assert.False(t, IsSoft(err))

	assert.ErrorIs(t, c.Release(ctx), ErrStoreUnavailable)
	assert.ErrorIs(t, c.Refresh(ctx), ErrStoreUnavailable)
}

func TestClientChangedFiresOnStateChange(t *testing.T) {
	store := NewMemoryStore("speech")
	ctx := context.Background()
	c := newTestClient(store, "x")

	changed := c.Changed()
	_, err := c.TryAcquire(ctx)
	require.NoError(t, err)

	select {
	case <-changed:
	default:
		t.Fatal("changed channel was not closed")
	}

	again := c.Changed()
	require.NoError(t, c.Refresh(ctx))
	select {
	case <-again:
		t.Fatal("refresh without a change closed the channel")
	default:
	}
}

func TestClientWaitForTurn(t *testing.T) {
	store := NewMemoryStore("speech")
	ctx := context.Background()
	a := newTestClient(store, "a")
	b := newTestClient(store, "b")

	_, err := a.TryAcquire(ctx)
	require.NoError(t, err)
	_, err = b.TryAcquire(ctx)
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- b.WaitForTurn(ctx) }()

	select {
	case err := <-done:
		t.Fatalf("returned before the slot was free: %v", err)
	case <-time.After(50 * time.Millisecond):
	}

	require.NoError(t, a.Release(ctx))
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("never got the slot")
	}
	assert.Equal(t, StateProcessing, b.State())
}

func TestClientWaitForTurnNotQueued(t *testing.T) {
	c := newTestClient(NewMemoryStore("speech"), "x")
	err := c.WaitForTurn(context.Background())
	assert.ErrorIs(t, err, ErrNotQueued)
	assert.True(t, IsSoft(err))
}

func TestClientWaitForTurnCancelled(t *testing.T) {
	store := NewMemoryStore("speech")
	_, err := newTestClient(store, "a").TryAcquire(context.Background())
	require.NoError(t, err)

	b := newTestClient(store, "b")
	_, err = b.TryAcquire(context.Background())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, b.WaitForTurn(ctx), context.DeadlineExceeded)
}

func TestClientWithSlotReleasesOnError(t *testing.T) {
	store := NewMemoryStore("speech")
	c := newTestClient(store, "x")
	failed := errors.New("synthesis failed")

	err := c.WithSlot(context.Background(), func(ctx context.Context) error {
		assert.Equal(t, StateProcessing, c.State())
		return failed
	})
	assert.ErrorIs(t, err, failed)

	entries, err := store.ListEntries(context.Background())
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestClientWithSlotReleasesOnPanic(t *testing.T) {
	store := NewMemoryStore("speech")
	c := newTestClient(store, "x")

	assert.Panics(t, func() {
		_ = c.WithSlot(context.Background(), func(ctx context.Context) error {
			panic("boom")
		})
	})

	entries, err := store.ListEntries(context.Background())
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestClientWithSlotWaitsForHolder(t *testing.T) {
	store := NewMemoryStore("speech")
	holder := newTestClient(store, "holder")
	_, err := holder.TryAcquire(context.Background())
	require.NoError(t, err)

	go func() {
		time.Sleep(30 * time.Millisecond)
		_ = holder.Release(context.Background())
	}()

	ran := false
	c := newTestClient(store, "x")
	err = c.WithSlot(context.Background(), func(ctx context.Context) error {
		ran = true
		return nil
	})
	require.NoError(t, err)
	assert.True(t, ran)
}

func TestClientRunFollowsChanges(t *testing.T) {
	store := NewMemoryStore("speech")
	a := newTestClient(store, "a")
	b := newTestClient(store, "b", WithPollInterval(time.Hour))

	_, err := a.TryAcquire(context.Background())
	require.NoError(t, err)
	_, err = b.TryAcquire(context.Background())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- b.Run(ctx) }()

	// let Run subscribe before the change happens
	time.Sleep(50 * time.Millisecond)
	require.NoError(t, a.Release(context.Background()))

	require.Eventually(t, func() bool {
		return b.State() == StateProcessing
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Run did not stop")
	}
}

func TestClientRunSweepsStaleHolder(t *testing.T) {
	store := NewMemoryStore("speech")
	old := time.Now().Add(-time.Hour)
	store.SetClock(func() time.Time { return old })
	_, err := store.Admit(context.Background(), "gone", 1)
	require.NoError(t, err)
	store.SetClock(time.Now)

	c := newTestClient(store, "x", WithStaleAfter(100*time.Millisecond), WithHeartbeatInterval(20*time.Millisecond))
	ok, err := c.TryAcquire(context.Background())
	require.NoError(t, err)
	require.False(t, ok)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = c.Run(ctx) }()

	require.Eventually(t, func() bool {
		return c.State() == StateProcessing
	}, 2*time.Second, 10*time.Millisecond)

	entries, err := store.ListForParticipant(context.Background(), "gone")
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestClientConcurrentTryAcquireAdmitsOne(t *testing.T) {
	store := NewMemoryStore("speech")
	ctx := context.Background()

	var admitted atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ok, err := newTestClient(store, fmt.Sprintf("p%d", i)).TryAcquire(ctx)
			assert.NoError(t, err)
			if ok {
				admitted.Add(1)
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(1), admitted.Load())
	processing, err := store.ListByStatus(ctx, StatusProcessing)
	require.NoError(t, err)
	assert.Len(t, processing, 1)
	waiting, err := store.ListByStatus(ctx, StatusWaiting)
	require.NoError(t, err)
	assert.Len(t, waiting, 9)
}

func TestClientPositionsMoveUpWhenHolderReleases(t *testing.T) {
	store := NewMemoryStore("speech")
	holder := newTestClient(store, "holder")
	_, err := holder.TryAcquire(context.Background())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	waiters := []*Client{}
	for _, pid := range []string{"w1", "w2", "w3"} {
		c := newTestClient(store, pid)
		_, err := c.TryAcquire(context.Background())
		require.NoError(t, err)
		waiters = append(waiters, c)
		go func() { _ = c.Run(ctx) }()
	}

	require.Eventually(t, func() bool {
		p3, ok := waiters[2].QueuePosition()
		return ok && p3 == 3
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, holder.Release(context.Background()))

	require.Eventually(t, func() bool {
		_, w1Waiting := waiters[0].QueuePosition()
		p2, _ := waiters[1].QueuePosition()
		p3, _ := waiters[2].QueuePosition()
		return !w1Waiting && waiters[0].State() == StateProcessing && p2 == 1 && p3 == 2
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 1, waiters[2].ActiveCount())
}

// slowFirstList returns the first full read late, after later writes landed.
type slowFirstList struct {
	Store
	delay time.Duration
	once  atomic.Bool
}

func (s *slowFirstList) ListEntries(ctx context.Context) ([]QueueEntry, error) {
	entries, err := s.Store.ListEntries(ctx)
	if s.once.CompareAndSwap(false, true) {
		time.Sleep(s.delay)
	}
	return entries, err
}

func TestClientSlowRefreshDoesNotHideNewerView(t *testing.T) {
	mem := NewMemoryStore("speech")
	_, err := newTestClient(mem, "holder").TryAcquire(context.Background())
	require.NoError(t, err)

	c := newTestClient(&slowFirstList{Store: mem, delay: 100 * time.Millisecond}, "x")

	started := make(chan struct{})
	go func() {
		close(started)
		_ = c.Refresh(context.Background())
	}()
	<-started
	time.Sleep(20 * time.Millisecond)

	ok, err := c.TryAcquire(context.Background())
	require.NoError(t, err)
	require.False(t, ok)
	assert.Equal(t, StateWaiting, c.State())

	ctx, cancel := context.WithTimeout(context.Background(), 150*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, c.WaitForTurn(ctx), context.DeadlineExceeded)
	assert.Equal(t, StateWaiting, c.State())
}

func TestClientWithSlotKeepsEntryAliveWithoutRun(t *testing.T) {
	store := NewMemoryStore("speech")
	opts := []Option{WithStaleAfter(200 * time.Millisecond), WithHeartbeatInterval(20 * time.Millisecond)}
	a := newTestClient(store, "a", opts...)
	b := newTestClient(store, "b", opts...)

	runCtx, stopRun := context.WithCancel(context.Background())
	defer stopRun()

	overlapped := false
	err := a.WithSlot(context.Background(), func(ctx context.Context) error {
		ok, err := b.TryAcquire(context.Background())
		require.NoError(t, err)
		require.False(t, ok)
		go func() { _ = b.Run(runCtx) }()

		deadline := time.Now().Add(600 * time.Millisecond)
		for time.Now().Before(deadline) {
			if b.State() == StateProcessing {
				overlapped = true
			}
			time.Sleep(10 * time.Millisecond)
		}
		return nil
	})
	require.NoError(t, err)
	assert.False(t, overlapped, "b got the slot while a was still speaking")

	require.Eventually(t, func() bool {
		return b.State() == StateProcessing
	}, 2*time.Second, 10*time.Millisecond)
}

func TestClientSnapshotIsACopy(t *testing.T) {
	store := NewMemoryStore("speech")
	c := newTestClient(store, "x")
	_, err := c.TryAcquire(context.Background())
	require.NoError(t, err)

	snap := c.Snapshot()
	require.Len(t, snap.Entries, 1)
	require.NotNil(t, snap.Own)
	assert.Same(t, &snap.Entries[0], snap.Own)

	snap.Entries[0].Status = StatusWaiting
	snap.Own.ParticipantID = "someone-else"

	fresh := c.Snapshot()
	assert.Equal(t, StatusProcessing, fresh.Entries[0].Status)
	assert.Equal(t, "x", fresh.Own.ParticipantID)
}
