package usecase

import (
	"context"
	"errors"
	"io"
	"sort"
	"sync"
	"testing"
	"time"

	"magnetstream/internal/domain"
	"magnetstream/internal/domain/ports"
	"magnetstream/internal/magnet"
)

const (
	testHash   = domain.InfoHash("0123456789abcdef0123456789abcdef01234567")
	testMagnet = "magnet:?xt=urn:btih:0123456789abcdef0123456789abcdef01234567&dn=Movie"
)

// ---------------------------------------------------------------------------
// fakeFile
// ---------------------------------------------------------------------------

type fakeFile struct {
	index     int
	path      string
	length    int64
	offset    int64
	completed int64

	mu       sync.Mutex
	selected int
	opened   []domain.ByteRange
	openErr  error
}

func (f *fakeFile) Index() int    { return f.index }
func (f *fakeFile) Name() string  { return f.path }
func (f *fakeFile) Path() string  { return f.path }
func (f *fakeFile) Length() int64 { return f.length }
func (f *fakeFile) Offset() int64 { return f.offset }

func (f *fakeFile) BytesCompleted() int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.completed
}

func (f *fakeFile) setCompleted(n int64) {
	f.mu.Lock()
	f.completed = n
	f.mu.Unlock()
}

func (f *fakeFile) Select() {
	f.mu.Lock()
	f.selected++
	f.mu.Unlock()
}

func (f *fakeFile) Deselect() {}

func (f *fakeFile) selectCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.selected
}

func (f *fakeFile) OpenRange(start, end int64) (io.ReadCloser, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.openErr != nil {
		return nil, f.openErr
	}
	f.opened = append(f.opened, domain.ByteRange{Start: start, End: end})
	return &fakeBody{r: io.LimitReader(zeroReader{}, end-start+1)}, nil
}

type zeroReader struct{}

func (zeroReader) Read(p []byte) (int, error) {
	for i := range p {
		p[i] = 0
	}
	return len(p), nil
}

type fakeBody struct {
	r      io.Reader
	mu     sync.Mutex
	closes int
}

func (b *fakeBody) Read(p []byte) (int, error) { return b.r.Read(p) }

func (b *fakeBody) Close() error {
	b.mu.Lock()
	b.closes++
	b.mu.Unlock()
	return nil
}

// ---------------------------------------------------------------------------
// fakeHandle
// ---------------------------------------------------------------------------

type deselectCall struct {
	start, end int
	prio       domain.Priority
}

type fakeHandle struct {
	infoHash    domain.InfoHash
	name        string
	pieceLength int64
	numPieces   int
	noBitfield  bool

	ready     chan struct{}
	readyOnce sync.Once
	closed    chan struct{}
	closeOnce sync.Once

	mu         sync.Mutex
	info       bool
	files      []*fakeFile
	complete   map[int]bool
	subs       map[int]chan int
	nextSub    int
	subscribes int
	deselects  []deselectCall
	stats      domain.SwarmStats
	err        error
}

func newFakeHandle(infoHash domain.InfoHash, files ...*fakeFile) *fakeHandle {
	var total int64
	for _, f := range files {
		if end := f.offset + f.length; end > total {
			total = end
		}
	}
	const pieceLength = 16384
	return &fakeHandle{
		infoHash:    infoHash,
		name:        "Movie",
		pieceLength: pieceLength,
		numPieces:   int((total + pieceLength - 1) / pieceLength),
		ready:       make(chan struct{}),
		closed:      make(chan struct{}),
		files:       files,
		complete:    make(map[int]bool),
		subs:        make(map[int]chan int),
	}
}

// gotInfo makes metadata visible and fires the readiness signal.
func (h *fakeHandle) gotInfo() {
	h.setInfo()
	h.readyOnce.Do(func() { close(h.ready) })
}

// setInfo makes metadata visible without firing the readiness signal.
func (h *fakeHandle) setInfo() {
	h.mu.Lock()
	h.info = true
	h.mu.Unlock()
}

func (h *fakeHandle) close(err error) {
	h.mu.Lock()
	h.err = err
	h.mu.Unlock()
	h.closeOnce.Do(func() { close(h.closed) })
}

// completePiece marks a piece done and optionally notifies subscribers.
func (h *fakeHandle) completePiece(i int, notify bool) {
	h.mu.Lock()
	h.complete[i] = true
	var subs []chan int
	if notify {
		for _, ch := range h.subs {
			subs = append(subs, ch)
		}
	}
	h.mu.Unlock()
	for _, ch := range subs {
		select {
		case ch <- i:
		default:
		}
	}
}

func (h *fakeHandle) activeSubscriptions() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

func (h *fakeHandle) subscribeCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.subscribes
}

func (h *fakeHandle) deselectCalls() []deselectCall {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]deselectCall(nil), h.deselects...)
}

func (h *fakeHandle) setStats(stats domain.SwarmStats) {
	h.mu.Lock()
	h.stats = stats
	h.mu.Unlock()
}

func (h *fakeHandle) InfoHash() domain.InfoHash { return h.infoHash }
func (h *fakeHandle) Name() string              { return h.name }
func (h *fakeHandle) Ready() <-chan struct{}    { return h.ready }
func (h *fakeHandle) Closed() <-chan struct{}   { return h.closed }

func (h *fakeHandle) Err() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.err
}

func (h *fakeHandle) Files() []ports.SwarmFile {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.info {
		return nil
	}
	out := make([]ports.SwarmFile, 0, len(h.files))
	for _, f := range h.files {
		out = append(out, f)
	}
	return out
}

func (h *fakeHandle) Length() int64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.info {
		return 0
	}
	var total int64
	for _, f := range h.files {
		total += f.length
	}
	return total
}

func (h *fakeHandle) PieceLength() int64 { return h.pieceLength }
func (h *fakeHandle) NumPieces() int     { return h.numPieces }

func (h *fakeHandle) Bitfield() ports.Bitfield {
	if h.noBitfield {
		return nil
	}
	return fakeBitfield{h: h}
}

func (h *fakeHandle) SubscribePieces() (<-chan int, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()
	id := h.nextSub
	h.nextSub++
	h.subscribes++
	ch := make(chan int, 8)
	h.subs[id] = ch
	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs, id)
			h.mu.Unlock()
		})
	}
}

func (h *fakeHandle) Stats() domain.SwarmStats {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.stats
}

func (h *fakeHandle) DeselectPieces(start, end int, prio domain.Priority) {
	h.mu.Lock()
	h.deselects = append(h.deselects, deselectCall{start: start, end: end, prio: prio})
	h.mu.Unlock()
}

type fakeBitfield struct {
	h *fakeHandle
}

func (b fakeBitfield) Has(piece int) bool {
	b.h.mu.Lock()
	defer b.h.mu.Unlock()
	return b.h.complete[piece]
}

// ---------------------------------------------------------------------------
// fakeClient
// ---------------------------------------------------------------------------

type destroyCall struct {
	infoHash    domain.InfoHash
	deleteStore bool
}

type fakeClient struct {
	mu         sync.Mutex
	handles    map[domain.InfoHash]*fakeHandle
	addCalls   int
	addURIs    []string
	addErr     error
	destroyed  []destroyCall
	destroyAll int
	// onAdd runs after the handle is returned to the manager's goroutine.
	onAdd func(h *fakeHandle)
}

func newFakeClient(handles ...*fakeHandle) *fakeClient {
	c := &fakeClient{handles: make(map[domain.InfoHash]*fakeHandle)}
	for _, h := range handles {
		c.handles[h.infoHash] = h
	}
	return c
}

func (c *fakeClient) AddTorrent(ctx context.Context, uri string) (ports.SwarmHandle, error) {
	infoHash, err := magnet.NewParser().ExtractInfoHash(uri)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.addCalls++
	c.addURIs = append(c.addURIs, uri)
	if c.addErr != nil {
		err := c.addErr
		c.mu.Unlock()
		return nil, err
	}
	h, ok := c.handles[infoHash]
	onAdd := c.onAdd
	c.mu.Unlock()
	if !ok {
		return nil, errors.New("unknown torrent")
	}
	if onAdd != nil {
		onAdd(h)
	}
	return h, nil
}

func (c *fakeClient) RemoveTorrent(infoHash domain.InfoHash) error {
	return nil
}

func (c *fakeClient) Destroy(handle ports.SwarmHandle, opts ports.DestroyOptions) error {
	c.mu.Lock()
	c.destroyed = append(c.destroyed, destroyCall{infoHash: handle.InfoHash(), deleteStore: opts.DeleteStore})
	c.mu.Unlock()
	if h, ok := handle.(*fakeHandle); ok {
		h.close(nil)
	}
	return nil
}

func (c *fakeClient) DestroyAll() error {
	c.mu.Lock()
	c.destroyAll++
	c.mu.Unlock()
	return nil
}

func (c *fakeClient) adds() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.addCalls
}

func (c *fakeClient) destroyCalls() []destroyCall {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]destroyCall(nil), c.destroyed...)
}

// ---------------------------------------------------------------------------
// fakeProgress
// ---------------------------------------------------------------------------

type fakeProgress struct {
	mu     sync.Mutex
	events []domain.ProgressEvent
}

func (p *fakeProgress) PublishProgress(ev domain.ProgressEvent) {
	p.mu.Lock()
	p.events = append(p.events, ev)
	p.mu.Unlock()
}

func (p *fakeProgress) stages() []domain.ProgressStage {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]domain.ProgressStage, 0, len(p.events))
	for _, ev := range p.events {
		out = append(out, ev.Stage)
	}
	return out
}

// ---------------------------------------------------------------------------
// fakeCache / fakePurgeLog
// ---------------------------------------------------------------------------

type fakeCache struct {
	mu      sync.Mutex
	entries map[domain.InfoHash]domain.TorrentMetadata
	deletes []domain.InfoHash
}

func newFakeCache() *fakeCache {
	return &fakeCache{entries: make(map[domain.InfoHash]domain.TorrentMetadata)}
}

func (c *fakeCache) Get(ctx context.Context, infoHash domain.InfoHash) (domain.TorrentMetadata, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	meta, ok := c.entries[infoHash]
	if !ok {
		return domain.TorrentMetadata{}, domain.ErrNotFound
	}
	return meta, nil
}

func (c *fakeCache) Set(ctx context.Context, meta domain.TorrentMetadata) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[meta.InfoHash] = meta
	return nil
}

func (c *fakeCache) Delete(ctx context.Context, infoHash domain.InfoHash) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, infoHash)
	c.deletes = append(c.deletes, infoHash)
	return nil
}

type fakePurgeLog struct {
	mu      sync.Mutex
	records []domain.PurgeRecord
}

func (l *fakePurgeLog) Record(ctx context.Context, rec domain.PurgeRecord) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.records = append(l.records, rec)
	return nil
}

func (l *fakePurgeLog) ListRecent(ctx context.Context, limit int) ([]domain.PurgeRecord, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := append([]domain.PurgeRecord(nil), l.records...)
	sort.Slice(out, func(i, j int) bool { return out[i].PurgedAt.After(out[j].PurgedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// ---------------------------------------------------------------------------
// fakeClock
// ---------------------------------------------------------------------------

type fakeTimer struct {
	at      time.Duration
	fn      func()
	stopped bool
	fired   bool
}

type fakeClock struct {
	mu     sync.Mutex
	now    time.Duration
	timers []*fakeTimer
}

func (c *fakeClock) AfterFunc(d time.Duration, fn func()) Stopper {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &fakeTimer{at: c.now + d, fn: fn}
	c.timers = append(c.timers, t)
	return &fakeTimerHandle{clock: c, t: t}
}

type fakeTimerHandle struct {
	clock *fakeClock
	t     *fakeTimer
}

func (h *fakeTimerHandle) Stop() bool {
	h.clock.mu.Lock()
	defer h.clock.mu.Unlock()
	active := !h.t.stopped && !h.t.fired
	h.t.stopped = true
	return active
}

// Advance moves the clock forward and runs every timer that came due.
func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now += d
	var due []*fakeTimer
	for _, t := range c.timers {
		if !t.stopped && !t.fired && t.at <= c.now {
			t.fired = true
			due = append(due, t)
		}
	}
	c.mu.Unlock()
	for _, t := range due {
		t.fn()
	}
}

// ---------------------------------------------------------------------------
// helpers
// ---------------------------------------------------------------------------

func newTestManager(t *testing.T, client *fakeClient) *SessionManager {
	t.Helper()
	m := NewSessionManager(client, magnet.NewParser(), SessionManagerConfig{
		AcquireTimeout:   2 * time.Second,
		ProgressInterval: 10 * time.Millisecond,
	})
	t.Cleanup(func() { _ = m.Close(context.Background()) })
	return m
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}
