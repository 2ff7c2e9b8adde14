package domain

import "time"

type ProgressStage string

const (
	StageResolving ProgressStage = "resolving" // magnet accepted, engine add in flight
	StageMetadata  ProgressStage = "metadata"  // waiting for the info dictionary
	StageBuffering ProgressStage = "buffering" // waiting for the first requested piece
	StageReady     ProgressStage = "ready"
	StageFailed    ProgressStage = "failed"
)

// ProgressEvent describes acquisition progress for a single swarm. It is
// published to observers and never stored.
type ProgressEvent struct {
	InfoHash InfoHash      `json:"infoHash"`
	Stage    ProgressStage `json:"stage"`
	Percent  float64       `json:"percent"`
	Peers    int           `json:"peers"`
	Elapsed  time.Duration `json:"elapsedMs"`
	Message  string        `json:"message,omitempty"`
	At       time.Time     `json:"at"`
}
