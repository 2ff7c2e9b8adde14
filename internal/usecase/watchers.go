package usecase

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"magnetstream/internal/domain"
	"magnetstream/internal/metrics"
)

const defaultWatcherGrace = 30 * time.Second

// Purger destroys a swarm together with its stored data.
type Purger interface {
	Purge(ctx context.Context, infoHash domain.InfoHash, reason domain.PurgeReason) (domain.PurgeRecord, error)
}

// Stopper is the part of *time.Timer the collector needs.
type Stopper interface {
	Stop() bool
}

type watcherSet struct {
	ids        map[string]struct{}
	timer      Stopper
	generation uint64
	// purging is non-nil while the swarm is being destroyed and is closed
	// once Purge returns.
	purging chan struct{}
}

// WatcherCollector reference-counts consumers per swarm and purges a swarm
// once it has had no watchers for a full grace period.
type WatcherCollector struct {
	Purger Purger
	Logger *slog.Logger
	NewID  func() string
	// AfterFunc arms removal timers; defaults to time.AfterFunc.
	AfterFunc func(d time.Duration, f func()) Stopper

	grace time.Duration

	mu     sync.Mutex
	sets   map[domain.InfoHash]*watcherSet
	closed bool
}

func NewWatcherCollector(purger Purger, grace time.Duration) *WatcherCollector {
	if grace <= 0 {
		grace = defaultWatcherGrace
	}
	return &WatcherCollector{
		Purger: purger,
		Logger: slog.Default(),
		NewID:  uuid.NewString,
		AfterFunc: func(d time.Duration, f func()) Stopper {
			return time.AfterFunc(d, f)
		},
		grace: grace,
		sets:  make(map[domain.InfoHash]*watcherSet),
	}
}

// Register adds a watcher and cancels any pending removal for the swarm. If
// the swarm is already being purged, Register waits for the purge to finish
// and starts a fresh watcher set.
func (c *WatcherCollector) Register(infoHash domain.InfoHash) string {
	id := c.NewID()

	c.mu.Lock()
	set, ok := c.sets[infoHash]
	for ok && set.purging != nil {
		done := set.purging
		c.mu.Unlock()
		<-done
		c.mu.Lock()
		set, ok = c.sets[infoHash]
	}
	if !ok {
		set = &watcherSet{ids: make(map[string]struct{})}
		c.sets[infoHash] = set
	}
	set.ids[id] = struct{}{}
	cancelled := c.disarmLocked(set)
	watched := c.watchedLocked()
	c.mu.Unlock()

	metrics.WatchedSwarms.Set(float64(watched))
	logger := c.logger().With(slog.String("infoHash", string(infoHash)), slog.String("watcherId", id))
	if cancelled {
		logger.Info("watcher returned during grace period")
	} else {
		logger.Debug("watcher registered")
	}
	return id
}

// Unregister removes a watcher. Unknown swarms and ids are ignored. When the
// last watcher leaves, removal is armed for the grace period.
func (c *WatcherCollector) Unregister(infoHash domain.InfoHash, watcherID string) {
	c.mu.Lock()
	set, ok := c.sets[infoHash]
	if !ok {
		c.mu.Unlock()
		return
	}
	if _, present := set.ids[watcherID]; !present {
		c.mu.Unlock()
		return
	}
	delete(set.ids, watcherID)
	armed := false
	if len(set.ids) == 0 && !c.closed {
		c.disarmLocked(set)
		set.generation++
		gen := set.generation
		set.timer = c.AfterFunc(c.grace, func() { c.expire(infoHash, gen) })
		armed = true
	}
	watched := c.watchedLocked()
	c.mu.Unlock()

	metrics.WatchedSwarms.Set(float64(watched))
	if armed {
		c.logger().Info("last watcher left, removal armed",
			slog.String("infoHash", string(infoHash)),
			slog.Duration("grace", c.grace),
		)
	}
}

// expire runs when a removal timer fires. A timer whose generation was
// superseded by Register or a later Unregister does nothing. The set stays
// in the map, marked as purging, until Purge returns.
func (c *WatcherCollector) expire(infoHash domain.InfoHash, gen uint64) {
	c.mu.Lock()
	set, ok := c.sets[infoHash]
	if !ok || set.generation != gen || set.timer == nil || len(set.ids) > 0 || c.closed {
		c.mu.Unlock()
		return
	}
	set.timer = nil
	set.purging = make(chan struct{})
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		if c.sets[infoHash] == set {
			delete(c.sets, infoHash)
		}
		close(set.purging)
		c.mu.Unlock()
	}()

	logger := c.logger().With(slog.String("infoHash", string(infoHash)))
	logger.Info("grace period elapsed, purging swarm")
	if c.Purger == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if _, err := c.Purger.Purge(ctx, infoHash, domain.PurgeNoWatchers); err != nil && !errors.Is(err, ErrSessionNotFound) {
		logger.Warn("purge failed", slog.String("error", err.Error()))
	}
}

// disarmLocked stops a pending removal and reports whether one was armed.
func (c *WatcherCollector) disarmLocked(set *watcherSet) bool {
	if set.timer == nil {
		return false
	}
	set.timer.Stop()
	set.timer = nil
	set.generation++
	return true
}

func (c *WatcherCollector) watchedLocked() int {
	n := 0
	for _, set := range c.sets {
		if len(set.ids) > 0 {
			n++
		}
	}
	return n
}

func (c *WatcherCollector) State(infoHash domain.InfoHash) domain.WatcherState {
	c.mu.Lock()
	defer c.mu.Unlock()
	set, ok := c.sets[infoHash]
	switch {
	case !ok:
		return domain.WatcherIdle
	case set.purging != nil:
		return domain.WatcherPurging
	case len(set.ids) > 0:
		return domain.WatcherWatched
	case set.timer != nil:
		return domain.WatcherGracePeriod
	default:
		return domain.WatcherIdle
	}
}

func (c *WatcherCollector) Count(infoHash domain.InfoHash) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if set, ok := c.sets[infoHash]; ok {
		return len(set.ids)
	}
	return 0
}

// Close stops every pending removal. Swarms are not purged here; the owner
// tears sessions down separately.
func (c *WatcherCollector) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	for _, set := range c.sets {
		c.disarmLocked(set)
	}
	c.sets = make(map[domain.InfoHash]*watcherSet)
}

func (c *WatcherCollector) logger() *slog.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return slog.Default()
}
