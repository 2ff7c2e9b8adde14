package ports

import (
	"context"

	"magnetstream/internal/domain"
)

// MetadataCache stores resolved file listings. Get reports domain.ErrNotFound
// on a miss.
type MetadataCache interface {
	Get(ctx context.Context, infoHash domain.InfoHash) (domain.TorrentMetadata, error)
	Set(ctx context.Context, meta domain.TorrentMetadata) error
	Delete(ctx context.Context, infoHash domain.InfoHash) error
}
