package domain

// WatcherState is the lifecycle state of a swarm's consumer set.
type WatcherState string

const (
	WatcherIdle        WatcherState = "idle"         // no watchers, no timer
	WatcherWatched     WatcherState = "watched"      // at least one watcher
	WatcherGracePeriod WatcherState = "grace_period" // no watchers, removal armed
	WatcherPurging     WatcherState = "purging"      // grace elapsed, swarm being destroyed
)
