package usecase

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"magnetstream/internal/domain"
	"magnetstream/internal/metrics"
)

const (
	defaultSyncTimeout      = 30 * time.Second
	defaultSyncPollInterval = 500 * time.Millisecond
)

// PieceIndexFor returns the index of the piece holding byte start of a file
// that begins at fileOffset within the swarm.
func PieceIndexFor(fileOffset, start, pieceLength int64) int {
	if pieceLength <= 0 {
		return 0
	}
	return int((fileOffset + start) / pieceLength)
}

type PieceSyncConfig struct {
	Timeout      time.Duration
	PollInterval time.Duration
}

// PieceSynchronizer blocks a stream until the piece covering its first byte
// is on disk.
type PieceSynchronizer struct {
	Logger *slog.Logger
	Now    func() time.Time

	cfg PieceSyncConfig
}

func NewPieceSynchronizer(cfg PieceSyncConfig) *PieceSynchronizer {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultSyncTimeout
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultSyncPollInterval
	}
	return &PieceSynchronizer{Logger: slog.Default(), Now: time.Now, cfg: cfg}
}

// WaitForFirstByte returns once the piece holding startByte of file is
// complete. It fails with a TimeoutError wrapping ErrSynchronizerTimeout
// when the piece does not arrive in time.
func (p *PieceSynchronizer) WaitForFirstByte(ctx context.Context, s *TorrentSession, file domain.FileRef, startByte int64) error {
	if startByte < 0 {
		startByte = 0
	}
	piece := PieceIndexFor(file.Offset, startByte, s.PieceLength())
	h := s.Handle

	ctx, span := tracer.Start(ctx, "piece.wait",
		trace.WithAttributes(
			attribute.String("infoHash", string(s.InfoHash)),
			attribute.Int("piece", piece),
		))
	defer span.End()

	bitfield := h.Bitfield()
	if bitfield != nil && bitfield.Has(piece) {
		metrics.FirstByteWaitDuration.WithLabelValues("fast").Observe(0)
		return nil
	}

	start := p.Now()
	files := h.Files()
	if file.Index >= 0 && file.Index < len(files) {
		files[file.Index].Select()
	}

	updates, unsubscribe := h.SubscribePieces()
	defer unsubscribe()

	poll := time.NewTicker(p.cfg.PollInterval)
	defer poll.Stop()

	timeout := time.NewTimer(p.cfg.Timeout)
	defer timeout.Stop()

	has := func() bool {
		bf := h.Bitfield()
		return bf != nil && bf.Has(piece)
	}

	for {
		select {
		case _, ok := <-updates:
			if !ok {
				// Subscription ended; keep polling until the timer decides.
				updates = nil
				continue
			}
			if has() {
				return p.done(start)
			}
		case <-poll.C:
			if has() {
				return p.done(start)
			}
		case <-h.Closed():
			if err := h.Err(); err != nil {
				return wrapEngine(err)
			}
			return wrapEngine(errors.New("torrent closed while waiting for piece"))
		case <-ctx.Done():
			return ctx.Err()
		case <-timeout.C:
			stats := h.Stats()
			err := &TimeoutError{
				Op:       ErrSynchronizerTimeout,
				InfoHash: string(s.InfoHash),
				Elapsed:  p.Now().Sub(start),
				Peers:    stats.Peers,
				Progress: stats.Progress,
			}
			span.RecordError(err)
			p.logger().Warn("first piece did not arrive",
				slog.String("infoHash", string(s.InfoHash)),
				slog.Int("piece", piece),
				slog.Int("peers", stats.Peers),
				slog.Float64("progress", stats.Progress),
			)
			return err
		}
	}
}

func (p *PieceSynchronizer) done(start time.Time) error {
	metrics.FirstByteWaitDuration.WithLabelValues("wait").Observe(p.Now().Sub(start).Seconds())
	return nil
}

func (p *PieceSynchronizer) logger() *slog.Logger {
	if p.Logger != nil {
		return p.Logger
	}
	return slog.Default()
}
