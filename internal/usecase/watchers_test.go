package usecase

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"magnetstream/internal/domain"
)

type fakePurger struct {
	mu    sync.Mutex
	calls []domain.InfoHash
}

func (p *fakePurger) Purge(ctx context.Context, infoHash domain.InfoHash, reason domain.PurgeReason) (domain.PurgeRecord, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = append(p.calls, infoHash)
	return domain.PurgeRecord{InfoHash: infoHash, Reason: reason}, nil
}

func (p *fakePurger) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.calls)
}

func newTestCollector(grace time.Duration) (*WatcherCollector, *fakePurger, *fakeClock) {
	purger := &fakePurger{}
	clock := &fakeClock{}
	c := NewWatcherCollector(purger, grace)
	c.AfterFunc = clock.AfterFunc
	ids := 0
	c.NewID = func() string {
		ids++
		return fmt.Sprintf("w-%d", ids)
	}
	return c, purger, clock
}

func TestWatcherGraceCancelledByReturningWatcher(t *testing.T) {
	c, purger, clock := newTestCollector(5000 * time.Millisecond)

	first := c.Register(testHash)
	c.Unregister(testHash, first)
	if got := c.State(testHash); got != domain.WatcherGracePeriod {
		t.Fatalf("state = %s, want grace_period", got)
	}

	clock.Advance(3000 * time.Millisecond)
	second := c.Register(testHash)
	if got := c.State(testHash); got != domain.WatcherWatched {
		t.Fatalf("state = %s, want watched", got)
	}

	clock.Advance(2000 * time.Millisecond)
	if purger.count() != 0 {
		t.Fatalf("purged while a watcher was registered")
	}

	// A full grace period restarts from the final unregister.
	c.Unregister(testHash, second)
	clock.Advance(4999 * time.Millisecond)
	if purger.count() != 0 {
		t.Fatalf("purged before the grace period elapsed")
	}
	clock.Advance(time.Millisecond)
	if purger.count() != 1 {
		t.Fatalf("purges = %d, want 1", purger.count())
	}
	if got := c.State(testHash); got != domain.WatcherIdle {
		t.Fatalf("state = %s, want idle", got)
	}
}

func TestWatcherPurgesAfterUninterruptedGrace(t *testing.T) {
	c, purger, clock := newTestCollector(time.Second)

	a := c.Register(testHash)
	b := c.Register(testHash)
	if c.Count(testHash) != 2 {
		t.Fatalf("count = %d", c.Count(testHash))
	}

	c.Unregister(testHash, a)
	clock.Advance(2 * time.Second)
	if purger.count() != 0 {
		t.Fatalf("purged with a watcher remaining")
	}

	c.Unregister(testHash, b)
	clock.Advance(time.Second)
	if purger.count() != 1 || purger.calls[0] != testHash {
		t.Fatalf("purge calls = %v", purger.calls)
	}
}

func TestWatcherUnregisterUnknownIsNoop(t *testing.T) {
	c, purger, clock := newTestCollector(time.Second)

	c.Unregister(testHash, "nobody")
	if got := c.State(testHash); got != domain.WatcherIdle {
		t.Fatalf("state = %s, want idle", got)
	}

	id := c.Register(testHash)
	c.Unregister(testHash, "nobody")
	c.Unregister(domain.InfoHash("ffffffffffffffffffffffffffffffffffffffff"), id)
	if got := c.State(testHash); got != domain.WatcherWatched {
		t.Fatalf("state = %s, want watched", got)
	}

	c.Unregister(testHash, id)
	c.Unregister(testHash, id)
	clock.Advance(time.Second)
	if purger.count() != 1 {
		t.Fatalf("purges = %d, want 1", purger.count())
	}
}

func TestWatcherCloseStopsPendingRemovals(t *testing.T) {
	c, purger, clock := newTestCollector(time.Second)

	id := c.Register(testHash)
	c.Unregister(testHash, id)
	c.Close()
	clock.Advance(time.Minute)

	if purger.count() != 0 {
		t.Fatalf("purged after Close")
	}
	if got := c.State(testHash); got != domain.WatcherIdle {
		t.Fatalf("state = %s, want idle", got)
	}
}

func TestWatcherSwarmsAreIndependent(t *testing.T) {
	c, purger, clock := newTestCollector(time.Second)
	other := domain.InfoHash("ffffffffffffffffffffffffffffffffffffffff")

	a := c.Register(testHash)
	c.Register(other)
	c.Unregister(testHash, a)
	clock.Advance(time.Second)

	if purger.count() != 1 || purger.calls[0] != testHash {
		t.Fatalf("purge calls = %v", purger.calls)
	}
	if got := c.State(other); got != domain.WatcherWatched {
		t.Fatalf("other swarm state = %s", got)
	}
}

func TestWatcherPurgeDestroysSession(t *testing.T) {
	h := newFakeHandle(testHash, movieFiles()...)
	h.gotInfo()
	client := newFakeClient(h)
	m := newTestManager(t, client)
	if _, err := m.Acquire(context.Background(), testMagnet); err != nil {
		t.Fatalf("Acquire: %v", err)
	}

	clock := &fakeClock{}
	c := NewWatcherCollector(m, 5*time.Second)
	c.AfterFunc = clock.AfterFunc

	id := c.Register(testHash)
	c.Unregister(testHash, id)
	clock.Advance(5 * time.Second)

	calls := client.destroyCalls()
	if len(calls) != 1 || !calls[0].deleteStore {
		t.Fatalf("destroy calls = %+v", calls)
	}
	if _, ok := m.Get(testHash); ok {
		t.Fatalf("session survived the grace period")
	}
}

type blockingPurger struct {
	entered chan struct{}
	release chan struct{}
	fakePurger
}

func (p *blockingPurger) Purge(ctx context.Context, infoHash domain.InfoHash, reason domain.PurgeReason) (domain.PurgeRecord, error) {
	close(p.entered)
	<-p.release
	return p.fakePurger.Purge(ctx, infoHash, reason)
}

func TestWatcherRegisterWaitsForInFlightPurge(t *testing.T) {
	purger := &blockingPurger{entered: make(chan struct{}), release: make(chan struct{})}
	clock := &fakeClock{}
	c := NewWatcherCollector(purger, time.Second)
	c.AfterFunc = clock.AfterFunc

	id := c.Register(testHash)
	c.Unregister(testHash, id)

	expired := make(chan struct{})
	go func() {
		clock.Advance(time.Second)
		close(expired)
	}()
	<-purger.entered

	if got := c.State(testHash); got != domain.WatcherPurging {
		t.Fatalf("state during purge = %s, want %s", got, domain.WatcherPurging)
	}

	registered := make(chan string)
	go func() { registered <- c.Register(testHash) }()

	select {
	case <-registered:
		t.Fatalf("Register returned while the swarm was being purged")
	case <-time.After(50 * time.Millisecond):
	}

	close(purger.release)
	var newID string
	select {
	case newID = <-registered:
	case <-time.After(time.Second):
		t.Fatalf("Register did not return after the purge finished")
	}
	<-expired

	if got := c.State(testHash); got != domain.WatcherWatched {
		t.Fatalf("state after purge = %s, want %s", got, domain.WatcherWatched)
	}
	if c.Count(testHash) != 1 || newID == id {
		t.Fatalf("count = %d, id = %q", c.Count(testHash), newID)
	}
	if purger.count() != 1 {
		t.Fatalf("purges = %d, want 1", purger.count())
	}
}
