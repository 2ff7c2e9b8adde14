package ports

import (
	"context"

	"magnetstream/internal/domain"
)

type PurgeLog interface {
	Record(ctx context.Context, rec domain.PurgeRecord) error
	ListRecent(ctx context.Context, limit int) ([]domain.PurgeRecord, error)
}
