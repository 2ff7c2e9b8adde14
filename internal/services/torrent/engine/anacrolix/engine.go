package anacrolix

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"runtime/debug"
	"sync"
	"time"

	"github.com/anacrolix/torrent"
	"github.com/anacrolix/torrent/storage"

	"magnetstream/internal/domain"
	"magnetstream/internal/domain/ports"
)

var (
	ErrClientNotConfigured = errors.New("torrent client not configured")
	ErrClientBusy          = errors.New("torrent client busy, try again later")
	ErrTorrentClosed       = errors.New("torrent closed")
)

// addTimeout caps the time we wait for the client to accept a magnet.
// AddTorrentSpec can block on the client mutex while another torrent is
// resolving metadata.
const addTimeout = 10 * time.Second

type Config struct {
	DataDir    string
	ListenPort int // 0 keeps the library default
	NoUpload   bool
}

// Engine adapts an anacrolix client to ports.SwarmClient. Every swarm gets
// its own file store under DataDir/<infohash> so destroying it can remove
// exactly that swarm's data.
type Engine struct {
	client  *torrent.Client
	dataDir string
	logger  *slog.Logger

	mu      sync.Mutex
	handles map[domain.InfoHash]*Handle

	speedMu sync.Mutex
	speeds  map[domain.InfoHash]speedSample
}

func New(cfg Config) (*Engine, error) {
	clientConfig := torrent.NewDefaultClientConfig()
	if cfg.DataDir != "" {
		clientConfig.DataDir = cfg.DataDir
	}
	if cfg.ListenPort > 0 {
		clientConfig.ListenPort = cfg.ListenPort
	}
	clientConfig.NoUpload = cfg.NoUpload

	if err := os.MkdirAll(clientConfig.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	client, err := torrent.NewClient(clientConfig)
	if err != nil {
		return nil, err
	}

	e := NewWithClient(client, clientConfig.DataDir)
	return e, nil
}

func NewWithClient(client *torrent.Client, dataDir string) *Engine {
	return &Engine{
		client:  client,
		dataDir: dataDir,
		logger:  slog.Default(),
		handles: make(map[domain.InfoHash]*Handle),
		speeds:  make(map[domain.InfoHash]speedSample),
	}
}

func (e *Engine) AddTorrent(ctx context.Context, uri string) (ports.SwarmHandle, error) {
	if e.client == nil {
		return nil, ErrClientNotConfigured
	}

	spec, err := torrent.TorrentSpecFromMagnetUri(uri)
	if err != nil {
		return nil, err
	}
	infoHash, err := domain.ParseInfoHash(spec.InfoHash.HexString())
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	if h, ok := e.handles[infoHash]; ok {
		e.mu.Unlock()
		return h, nil
	}
	e.mu.Unlock()

	store := storage.NewFile(e.storeDir(infoHash))
	spec.Storage = store

	ch := make(chan addResult, 1)
	go func() {
		t, added, err := e.client.AddTorrentSpec(spec)
		ch <- addResult{t, added, err}
	}()

	var res addResult
	select {
	case res = <-ch:
	case <-time.After(addTimeout):
		go e.dropOrphan(ch, store)
		return nil, ErrClientBusy
	case <-ctx.Done():
		go e.dropOrphan(ch, store)
		return nil, ctx.Err()
	}
	if res.err != nil {
		_ = store.Close()
		return nil, res.err
	}
	if !res.added {
		// The client already knew this swarm; the new store was never used.
		_ = store.Close()
		store = nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if h, ok := e.handles[infoHash]; ok {
		return h, nil
	}
	h := newHandle(e, res.t, infoHash, store)
	e.handles[infoHash] = h
	return h, nil
}

type addResult struct {
	t     *torrent.Torrent
	added bool
	err   error
}

// dropOrphan waits for an abandoned add to complete and drops the result so
// the client does not keep a swarm nobody tracks.
func (e *Engine) dropOrphan(ch <-chan addResult, store storage.ClientImplCloser) {
	res := <-ch
	if res.err == nil && res.t != nil && res.added {
		res.t.Drop()
	}
	_ = store.Close()
}

func (e *Engine) RemoveTorrent(infoHash domain.InfoHash) error {
	e.mu.Lock()
	h, ok := e.handles[infoHash]
	e.mu.Unlock()
	if !ok {
		return domain.ErrNotFound
	}
	return e.destroy(h, false)
}

func (e *Engine) Destroy(handle ports.SwarmHandle, opts ports.DestroyOptions) error {
	if handle == nil {
		return domain.ErrNotFound
	}
	e.mu.Lock()
	h, ok := e.handles[handle.InfoHash()]
	e.mu.Unlock()
	if !ok {
		if opts.DeleteStore {
			return e.removeStore(handle.InfoHash())
		}
		return nil
	}
	return e.destroy(h, opts.DeleteStore)
}

func (e *Engine) DestroyAll() error {
	e.mu.Lock()
	handles := make([]*Handle, 0, len(e.handles))
	for _, h := range e.handles {
		handles = append(handles, h)
	}
	e.mu.Unlock()

	var errs []error
	for _, h := range handles {
		if err := e.destroy(h, true); err != nil {
			errs = append(errs, err)
		}
	}
	if e.client != nil {
		errs = append(errs, e.client.Close()...)
	}
	return errors.Join(errs...)
}

func (e *Engine) destroy(h *Handle, deleteStore bool) error {
	e.mu.Lock()
	if cur, ok := e.handles[h.infoHash]; ok && cur == h {
		delete(e.handles, h.infoHash)
	}
	e.mu.Unlock()
	e.forgetSpeed(h.infoHash)

	if h.t != nil {
		h.t.Drop()
	}
	var errs []error
	if h.store != nil {
		if err := h.store.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close store: %w", err))
		}
	}
	if deleteStore {
		if err := e.removeStore(h.infoHash); err != nil {
			errs = append(errs, err)
		}
	}
	// Return memory to the OS promptly; piece buffers of a dropped swarm
	// otherwise linger on memory-constrained hosts.
	freeOSMemory()
	return errors.Join(errs...)
}

func (e *Engine) storeDir(infoHash domain.InfoHash) string {
	return filepath.Join(e.dataDir, string(infoHash))
}

func (e *Engine) removeStore(infoHash domain.InfoHash) error {
	if e.dataDir == "" || infoHash == "" {
		return nil
	}
	if err := os.RemoveAll(e.storeDir(infoHash)); err != nil {
		return fmt.Errorf("remove store: %w", err)
	}
	e.logger.Info("swarm store removed", slog.String("infoHash", string(infoHash)))
	return nil
}

func freeOSMemory() {
	runtime.GC()
	debug.FreeOSMemory()
}

type speedSample struct {
	at           time.Time
	bytesRead    int64
	bytesWritten int64
}

func (e *Engine) sampleSpeed(id domain.InfoHash, stats torrent.TorrentStats, now time.Time) (int64, int64) {
	currentRead := stats.BytesReadUsefulData.Int64()
	currentWritten := stats.BytesWrittenData.Int64()

	e.speedMu.Lock()
	defer e.speedMu.Unlock()

	prev, ok := e.speeds[id]
	e.speeds[id] = speedSample{
		at:           now,
		bytesRead:    currentRead,
		bytesWritten: currentWritten,
	}

	if !ok || prev.at.IsZero() {
		return 0, 0
	}

	dt := now.Sub(prev.at).Seconds()
	if dt <= 0 {
		return 0, 0
	}

	deltaRead := currentRead - prev.bytesRead
	deltaWritten := currentWritten - prev.bytesWritten
	if deltaRead < 0 {
		deltaRead = 0
	}
	if deltaWritten < 0 {
		deltaWritten = 0
	}

	return int64(float64(deltaRead) / dt), int64(float64(deltaWritten) / dt)
}

func (e *Engine) forgetSpeed(id domain.InfoHash) {
	e.speedMu.Lock()
	delete(e.speeds, id)
	e.speedMu.Unlock()
}
