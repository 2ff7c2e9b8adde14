package ports

import "magnetstream/internal/domain"

type MagnetParser interface {
	Validate(uri string) bool
	ExtractInfoHash(uri string) (domain.InfoHash, error)
	Parse(uri string) (domain.Magnet, error)
}
