package domain

// Priority is the download priority applied to a span of pieces.
type Priority int

const (
	PriorityNone      Priority = 0 // Deselected; never requested from peers.
	PriorityNormal    Priority = 1
	PriorityReadahead Priority = 2
	PriorityHigh      Priority = 3 // Needed right now by a waiting reader.
)
