package anacrolix

import (
	"log/slog"
	"path"
	"runtime/debug"
	"sync"
	"time"

	"github.com/anacrolix/torrent"
	"github.com/anacrolix/torrent/storage"

	"magnetstream/internal/domain"
	"magnetstream/internal/domain/ports"
)

// Handle implements ports.SwarmHandle for a single anacrolix torrent.
type Handle struct {
	engine   *Engine
	t        *torrent.Torrent
	infoHash domain.InfoHash
	store    storage.ClientImplCloser
}

func newHandle(e *Engine, t *torrent.Torrent, infoHash domain.InfoHash, store storage.ClientImplCloser) *Handle {
	return &Handle{engine: e, t: t, infoHash: infoHash, store: store}
}

func (h *Handle) InfoHash() domain.InfoHash {
	return h.infoHash
}

func (h *Handle) Name() string {
	if !torrentInfoReady(h.t) {
		return ""
	}
	return h.t.Name()
}

func (h *Handle) Ready() <-chan struct{} {
	return (<-chan struct{})(h.t.GotInfo())
}

func (h *Handle) Closed() <-chan struct{} {
	return (<-chan struct{})(h.t.Closed())
}

func (h *Handle) Err() error {
	select {
	case <-h.t.Closed():
		return ErrTorrentClosed
	default:
		return nil
	}
}

func (h *Handle) Files() []ports.SwarmFile {
	return mapFiles(h.t)
}

func (h *Handle) Length() int64 {
	if !torrentInfoReady(h.t) {
		return 0
	}
	return h.t.Length()
}

func (h *Handle) PieceLength() int64 {
	if !torrentInfoReady(h.t) {
		return 0
	}
	return h.t.Info().PieceLength
}

func (h *Handle) NumPieces() int {
	if !torrentInfoReady(h.t) {
		return 0
	}
	return h.t.NumPieces()
}

func (h *Handle) Bitfield() ports.Bitfield {
	if !torrentInfoReady(h.t) {
		return nil
	}
	return pieceBitfield{t: h.t, n: h.t.NumPieces()}
}

// SubscribePieces forwards piece state changes as piece indexes until the
// returned cancel func is called.
func (h *Handle) SubscribePieces() (<-chan int, func()) {
	sub := h.t.SubscribePieceStateChanges()
	out := make(chan int, 16)
	done := make(chan struct{})

	go func() {
		defer close(out)
		for {
			select {
			case change, ok := <-sub.Values:
				if !ok {
					return
				}
				select {
				case out <- change.Index:
				case <-done:
					return
				}
			case <-done:
				return
			}
		}
	}()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			close(done)
			sub.Close()
		})
	}
	return out, cancel
}

func (h *Handle) Stats() domain.SwarmStats {
	stats := h.t.Stats()
	out := domain.SwarmStats{Peers: stats.ActivePeers}
	if length := h.Length(); length > 0 {
		out.Progress = float64(h.t.BytesCompleted()) / float64(length)
	}
	out.DownloadSpeed, out.UploadSpeed = h.engine.sampleSpeed(h.infoHash, stats, time.Now().UTC())
	return out
}

func (h *Handle) DeselectPieces(start, end int, prio domain.Priority) {
	if !torrentInfoReady(h.t) {
		return
	}
	defer func() {
		if rec := recover(); rec != nil {
			slog.Warn("DeselectPieces recovered from panic",
				slog.Any("panic", rec),
				slog.String("infoHash", string(h.infoHash)),
			)
		}
	}()

	r, ok := clampPieceRange(start, end, h.t.NumPieces())
	if !ok {
		return
	}
	target := mapPriority(prio)
	for i := r.start; i < r.end; i++ {
		h.t.Piece(i).SetPriority(target)
	}
}

type pieceBitfield struct {
	t *torrent.Torrent
	n int
}

func (b pieceBitfield) Has(piece int) bool {
	if piece < 0 || piece >= b.n {
		return false
	}
	return b.t.PieceState(piece).Complete
}

func mapFiles(t *torrent.Torrent) (mapped []ports.SwarmFile) {
	if !torrentInfoReady(t) {
		return nil
	}
	defer func() {
		if r := recover(); r != nil {
			slog.Error("mapFiles panic recovered",
				slog.Any("error", r),
				slog.String("stack", string(debug.Stack())),
			)
			mapped = nil
		}
	}()

	files := t.Files()
	mapped = make([]ports.SwarmFile, 0, len(files))
	for i, f := range files {
		mapped = append(mapped, &File{index: i, f: f})
	}
	return mapped
}

func torrentInfoReady(t *torrent.Torrent) bool {
	if t == nil {
		return false
	}
	select {
	case <-t.GotInfo():
		return true
	default:
		return false
	}
}

func displayName(f *torrent.File) string {
	return path.Base(f.DisplayPath())
}
