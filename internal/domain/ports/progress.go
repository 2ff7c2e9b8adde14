package ports

import "magnetstream/internal/domain"

type ProgressSink interface {
	PublishProgress(event domain.ProgressEvent)
}
