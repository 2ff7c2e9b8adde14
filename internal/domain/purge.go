package domain

import "time"

type PurgeReason string

const (
	PurgeNoWatchers PurgeReason = "no_watchers"
	PurgeShutdown   PurgeReason = "shutdown"
	PurgeManual     PurgeReason = "manual"
)

// PurgeRecord is the audit entry written when a swarm and its stored data
// are destroyed.
type PurgeRecord struct {
	InfoHash    InfoHash    `json:"infoHash"`
	Name        string      `json:"name,omitempty"`
	Reason      PurgeReason `json:"reason"`
	TotalLength int64       `json:"totalLength"`
	Failed      bool        `json:"failed"`
	Error       string      `json:"error,omitempty"`
	PurgedAt    time.Time   `json:"purgedAt"`
}
