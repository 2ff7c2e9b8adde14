package anacrolix

import (
	"github.com/anacrolix/torrent"

	"magnetstream/internal/domain"
)

type pieceRange struct {
	start int
	end   int
}

func mapPriority(prio domain.Priority) torrent.PiecePriority {
	switch prio {
	case domain.PriorityNone:
		return torrent.PiecePriorityNone
	case domain.PriorityHigh:
		return torrent.PiecePriorityNow
	case domain.PriorityReadahead:
		return torrent.PiecePriorityReadahead
	case domain.PriorityNormal:
		return torrent.PiecePriorityNormal
	default:
		return torrent.PiecePriorityNormal
	}
}

// clampPieceRange bounds [start, end) to the torrent's piece count.
func clampPieceRange(start, end, numPieces int) (pieceRange, bool) {
	if numPieces <= 0 {
		return pieceRange{}, false
	}
	if start < 0 {
		start = 0
	}
	if end > numPieces {
		end = numPieces
	}
	if start >= end {
		return pieceRange{}, false
	}
	return pieceRange{start: start, end: end}, true
}
