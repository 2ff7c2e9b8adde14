package ports

import (
	"context"
	"io"

	"magnetstream/internal/domain"
)

// SwarmClient adds and tears down swarms on the underlying engine.
type SwarmClient interface {
	AddTorrent(ctx context.Context, uri string) (SwarmHandle, error)
	RemoveTorrent(infoHash domain.InfoHash) error
	Destroy(handle SwarmHandle, opts DestroyOptions) error
	DestroyAll() error
}

type DestroyOptions struct {
	// DeleteStore removes the swarm's on-disk piece data after dropping it.
	DeleteStore bool
}

// SwarmHandle is the engine's view of a single swarm. Ready closes once the
// info dictionary is known; Closed closes when the engine drops the swarm.
type SwarmHandle interface {
	InfoHash() domain.InfoHash
	Name() string
	Ready() <-chan struct{}
	Closed() <-chan struct{}
	Err() error
	Files() []SwarmFile
	Length() int64
	PieceLength() int64
	NumPieces() int
	// Bitfield returns nil when the engine cannot report completed pieces.
	Bitfield() Bitfield
	// SubscribePieces delivers indexes of pieces whose state changed. The
	// returned func releases the subscription and is safe to call twice.
	SubscribePieces() (<-chan int, func())
	Stats() domain.SwarmStats
	// DeselectPieces applies prio to pieces in [start, end).
	DeselectPieces(start, end int, prio domain.Priority)
}

type Bitfield interface {
	Has(piece int) bool
}

type SwarmFile interface {
	Index() int
	Name() string
	Path() string
	Length() int64
	Offset() int64
	BytesCompleted() int64
	Select()
	Deselect()
	// OpenRange returns a reader over bytes [start, end] of the file.
	OpenRange(start, end int64) (io.ReadCloser, error)
}
