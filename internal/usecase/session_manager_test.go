package usecase

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"magnetstream/internal/domain"
	"magnetstream/internal/magnet"
)

func movieFiles() []*fakeFile {
	return []*fakeFile{
		{index: 0, path: "Movie/movie.mkv", length: 100_000_000, offset: 0},
		{index: 1, path: "Movie/movie.srt", length: 50_000, offset: 100_000_000},
	}
}

// ---------------------------------------------------------------------------
// Input validation
// ---------------------------------------------------------------------------

func TestAcquireRejectsInvalidMagnetWithoutEngineCall(t *testing.T) {
	client := newFakeClient()
	m := newTestManager(t, client)

	for _, uri := range []string{"", "http://example.com", "magnet:?dn=nohash"} {
		_, err := m.Acquire(context.Background(), uri)
		if !errors.Is(err, ErrInvalidMagnet) {
			t.Fatalf("Acquire(%q) err = %v, want ErrInvalidMagnet", uri, err)
		}
		if !errors.Is(err, ErrInvalidInput) {
			t.Fatalf("ErrInvalidMagnet should be ErrInvalidInput")
		}
	}
	if client.adds() != 0 {
		t.Fatalf("AddTorrent called %d times", client.adds())
	}
}

// ---------------------------------------------------------------------------
// Readiness
// ---------------------------------------------------------------------------

func TestAcquireReturnsReadySessionAndDeselectsAllPieces(t *testing.T) {
	h := newFakeHandle(testHash, movieFiles()...)
	client := newFakeClient(h)
	client.onAdd = func(h *fakeHandle) { go h.gotInfo() }
	progress := &fakeProgress{}
	cache := newFakeCache()
	m := newTestManager(t, client)
	m.Progress = progress
	m.Cache = cache

	s, err := m.Acquire(context.Background(), testMagnet)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if !s.Ready() {
		t.Fatalf("session not ready")
	}
	if s.InfoHash != testHash {
		t.Fatalf("InfoHash = %q", s.InfoHash)
	}
	if got := len(s.Files()); got != 2 {
		t.Fatalf("files = %d", got)
	}
	if s.Files()[1].Offset != 100_000_000 {
		t.Fatalf("offset not captured: %+v", s.Files()[1])
	}
	if s.PieceLength() != 16384 || s.TotalLength() != 100_050_000 {
		t.Fatalf("pieceLength=%d total=%d", s.PieceLength(), s.TotalLength())
	}

	calls := h.deselectCalls()
	if len(calls) != 1 {
		t.Fatalf("deselect calls = %d, want 1", len(calls))
	}
	if calls[0].start != 0 || calls[0].end != h.numPieces || calls[0].prio != domain.PriorityNone {
		t.Fatalf("deselect call = %+v, want 0..%d none", calls[0], h.numPieces)
	}

	if _, ok := cache.entries[testHash]; !ok {
		t.Fatalf("metadata not cached")
	}
	stages := progress.stages()
	if stages[0] != domain.StageResolving || stages[len(stages)-1] != domain.StageReady {
		t.Fatalf("stages = %v", stages)
	}
}

func TestAcquireRaceGuardUsesAlreadyKnownMetadata(t *testing.T) {
	h := newFakeHandle(testHash, movieFiles()...)
	h.setInfo() // metadata known, readiness channel never fires
	client := newFakeClient(h)
	m := newTestManager(t, client)

	s, err := m.Acquire(context.Background(), testMagnet)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if !s.Ready() {
		t.Fatalf("session should be ready from already-known metadata")
	}
}

func TestResolveIgnoresDuplicateSignals(t *testing.T) {
	h := newFakeHandle(testHash, movieFiles()...)
	h.gotInfo()
	s := newTorrentSession(testHash, testMagnet, h, time.Now())

	if !s.resolve(time.Now()) {
		t.Fatalf("first resolve should win")
	}
	if s.resolve(time.Now()) {
		t.Fatalf("second resolve should be ignored")
	}
	if got := len(h.deselectCalls()); got != 1 {
		t.Fatalf("deselect calls = %d, want 1", got)
	}
}

func TestAcquireReturnsExistingReadySessionWithoutEngineCall(t *testing.T) {
	h := newFakeHandle(testHash, movieFiles()...)
	h.gotInfo()
	client := newFakeClient(h)
	m := newTestManager(t, client)

	first, err := m.Acquire(context.Background(), testMagnet)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	second, err := m.Acquire(context.Background(), testMagnet)
	if err != nil {
		t.Fatalf("second Acquire: %v", err)
	}
	if first != second {
		t.Fatalf("expected the same session")
	}
	if client.adds() != 1 {
		t.Fatalf("AddTorrent called %d times, want 1", client.adds())
	}
}

func TestAcquireReplacesSessionWhoseSwarmClosed(t *testing.T) {
	h := newFakeHandle(testHash, movieFiles()...)
	h.gotInfo()
	client := newFakeClient(h)
	m := newTestManager(t, client)

	first, err := m.Acquire(context.Background(), testMagnet)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	h.close(errors.New("peer connection storm"))

	fresh := newFakeHandle(testHash, movieFiles()...)
	fresh.gotInfo()
	client.mu.Lock()
	client.handles[testHash] = fresh
	client.mu.Unlock()

	second, err := m.Acquire(context.Background(), testMagnet)
	if err != nil {
		t.Fatalf("second Acquire: %v", err)
	}
	if second == first || second.Handle != fresh {
		t.Fatalf("stale session returned")
	}
	if client.adds() != 2 {
		t.Fatalf("AddTorrent called %d times, want 2", client.adds())
	}
	calls := client.destroyCalls()
	if len(calls) != 1 || calls[0].infoHash != testHash || !calls[0].deleteStore {
		t.Fatalf("destroy calls = %+v", calls)
	}
	if got, ok := m.Get(testHash); !ok || got != second {
		t.Fatalf("registry holds %p, want %p", got, second)
	}
}

// ---------------------------------------------------------------------------
// Dedup
// ---------------------------------------------------------------------------

func TestConcurrentAcquireIssuesSingleAdd(t *testing.T) {
	h := newFakeHandle(testHash, movieFiles()...)
	client := newFakeClient(h)
	m := newTestManager(t, client)

	const callers = 5
	var wg sync.WaitGroup
	results := make([]*TorrentSession, callers)
	errs := make([]error, callers)

	wg.Add(1)
	go func() {
		defer wg.Done()
		results[0], errs[0] = m.Acquire(context.Background(), testMagnet)
	}()
	waitFor(t, "first add", func() bool { return client.adds() == 1 })

	for i := 1; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = m.Acquire(context.Background(), testMagnet)
		}(i)
	}
	time.Sleep(20 * time.Millisecond)
	h.gotInfo()
	wg.Wait()

	for i := 0; i < callers; i++ {
		if errs[i] != nil {
			t.Fatalf("caller %d: %v", i, errs[i])
		}
		if results[i] != results[0] {
			t.Fatalf("caller %d got a different session", i)
		}
	}
	if client.adds() != 1 {
		t.Fatalf("AddTorrent called %d times, want 1", client.adds())
	}
	if m.Count() != 1 {
		t.Fatalf("sessions = %d, want 1", m.Count())
	}
}

func TestAcquireCallerCancelDetachesOnly(t *testing.T) {
	h := newFakeHandle(testHash, movieFiles()...)
	client := newFakeClient(h)
	m := newTestManager(t, client)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := m.Acquire(ctx, testMagnet)
		done <- err
	}()
	waitFor(t, "add", func() bool { return client.adds() == 1 })
	cancel()

	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Fatalf("cancelled caller err = %v", err)
	}

	h.gotInfo()
	s, err := m.Acquire(context.Background(), testMagnet)
	if err != nil {
		t.Fatalf("Acquire after detach: %v", err)
	}
	if !s.Ready() || client.adds() != 1 {
		t.Fatalf("ready=%v adds=%d", s.Ready(), client.adds())
	}
}

// ---------------------------------------------------------------------------
// Failure paths
// ---------------------------------------------------------------------------

func TestAcquireTimeoutDestroysHandle(t *testing.T) {
	h := newFakeHandle(testHash, movieFiles()...)
	h.setStats(domain.SwarmStats{Peers: 2, Progress: 0})
	client := newFakeClient(h)
	progress := &fakeProgress{}
	m := NewSessionManager(client, magnet.NewParser(), SessionManagerConfig{
		AcquireTimeout:   60 * time.Millisecond,
		ProgressInterval: 10 * time.Millisecond,
	})
	m.Progress = progress
	defer m.Close(context.Background())

	_, err := m.Acquire(context.Background(), testMagnet)
	if !errors.Is(err, ErrAcquisitionTimeout) {
		t.Fatalf("err = %v, want ErrAcquisitionTimeout", err)
	}
	var te *TimeoutError
	if !errors.As(err, &te) {
		t.Fatalf("expected *TimeoutError, got %T", err)
	}
	if te.Peers != 2 || te.Elapsed <= 0 {
		t.Fatalf("diagnostics = %+v", te)
	}

	calls := client.destroyCalls()
	if len(calls) != 1 || !calls[0].deleteStore || calls[0].infoHash != testHash {
		t.Fatalf("destroy calls = %+v", calls)
	}
	if _, ok := m.Get(testHash); ok {
		t.Fatalf("session still registered after timeout")
	}

	stages := progress.stages()
	if stages[len(stages)-1] != domain.StageFailed {
		t.Fatalf("last stage = %v", stages[len(stages)-1])
	}
	sawMetadata := false
	for _, st := range stages {
		if st == domain.StageMetadata {
			sawMetadata = true
		}
	}
	if !sawMetadata {
		t.Fatalf("no metadata progress events: %v", stages)
	}
}

func TestAcquireEngineErrorMidWaitDestroysHandle(t *testing.T) {
	h := newFakeHandle(testHash, movieFiles()...)
	client := newFakeClient(h)
	client.onAdd = func(h *fakeHandle) {
		go func() {
			time.Sleep(10 * time.Millisecond)
			h.close(errors.New("tracker exploded"))
		}()
	}
	m := newTestManager(t, client)

	_, err := m.Acquire(context.Background(), testMagnet)
	if !errors.Is(err, ErrEngine) {
		t.Fatalf("err = %v, want ErrEngine", err)
	}
	if !strings.Contains(err.Error(), "tracker exploded") {
		t.Fatalf("engine cause lost: %v", err)
	}
	if len(client.destroyCalls()) != 1 {
		t.Fatalf("destroy calls = %d", len(client.destroyCalls()))
	}
	if m.Count() != 0 {
		t.Fatalf("sessions = %d after failure", m.Count())
	}
}

func TestAcquireAddFailureIsEngineError(t *testing.T) {
	client := newFakeClient()
	client.addErr = errors.New("client busy")
	m := newTestManager(t, client)

	_, err := m.Acquire(context.Background(), testMagnet)
	if !errors.Is(err, ErrEngine) {
		t.Fatalf("err = %v, want ErrEngine", err)
	}
	if m.Count() != 0 {
		t.Fatalf("sessions = %d", m.Count())
	}
}

func TestAcquireAfterFailureRetriesEngine(t *testing.T) {
	h := newFakeHandle(testHash, movieFiles()...)
	client := newFakeClient(h)
	client.addErr = errors.New("transient")
	m := newTestManager(t, client)

	if _, err := m.Acquire(context.Background(), testMagnet); err == nil {
		t.Fatalf("expected failure")
	}

	client.mu.Lock()
	client.addErr = nil
	client.mu.Unlock()
	h.gotInfo()

	if _, err := m.Acquire(context.Background(), testMagnet); err != nil {
		t.Fatalf("retry: %v", err)
	}
	if client.adds() != 2 {
		t.Fatalf("adds = %d, want 2", client.adds())
	}
}

func TestValidateHandle(t *testing.T) {
	h := newFakeHandle(testHash)
	if err := validateHandle(h, testHash); err != nil {
		t.Fatalf("valid handle rejected: %v", err)
	}
	if err := validateHandle(nil, testHash); err == nil {
		t.Fatalf("nil handle accepted")
	}
	if err := validateHandle(h, domain.InfoHash("ffffffffffffffffffffffffffffffffffffffff")); err == nil {
		t.Fatalf("mismatched infohash accepted")
	}
	broken := newFakeHandle(testHash)
	broken.ready = nil
	if err := validateHandle(broken, testHash); err == nil {
		t.Fatalf("handle without readiness signal accepted")
	}
}

// ---------------------------------------------------------------------------
// Discovery
// ---------------------------------------------------------------------------

func TestAcquireRewritesMagnetForDiscovery(t *testing.T) {
	h := newFakeHandle(testHash, movieFiles()...)
	h.gotInfo()
	client := newFakeClient(h)
	m := newTestManager(t, client)
	m.Discovery = magnet.NewDiscoveryPolicy(nil)

	if _, err := m.Acquire(context.Background(), testMagnet); err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	parsed, err := magnet.NewParser().Parse(client.addURIs[0])
	if err != nil {
		t.Fatalf("parse rewritten uri: %v", err)
	}
	if len(parsed.Trackers) != len(magnet.DefaultTrackers) {
		t.Fatalf("trackers = %d, want %d", len(parsed.Trackers), len(magnet.DefaultTrackers))
	}
}

// ---------------------------------------------------------------------------
// Purge / Close
// ---------------------------------------------------------------------------

func TestPurgeDestroysSessionAndRecords(t *testing.T) {
	h := newFakeHandle(testHash, movieFiles()...)
	h.gotInfo()
	client := newFakeClient(h)
	cache := newFakeCache()
	log := &fakePurgeLog{}
	m := newTestManager(t, client)
	m.Cache = cache
	m.PurgeLog = log

	if _, err := m.Acquire(context.Background(), testMagnet); err != nil {
		t.Fatalf("Acquire: %v", err)
	}

	rec, err := m.Purge(context.Background(), testHash, domain.PurgeNoWatchers)
	if err != nil {
		t.Fatalf("Purge: %v", err)
	}
	if rec.Reason != domain.PurgeNoWatchers || rec.TotalLength != 100_050_000 || rec.Name != "Movie" {
		t.Fatalf("record = %+v", rec)
	}
	calls := client.destroyCalls()
	if len(calls) != 1 || !calls[0].deleteStore {
		t.Fatalf("destroy calls = %+v", calls)
	}
	if _, ok := m.Get(testHash); ok {
		t.Fatalf("session still registered")
	}
	if _, ok := cache.entries[testHash]; ok {
		t.Fatalf("cache entry survived purge")
	}
	if len(log.records) != 1 {
		t.Fatalf("purge records = %d", len(log.records))
	}

	if _, err := m.Purge(context.Background(), testHash, domain.PurgeNoWatchers); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("second purge err = %v", err)
	}
}

func TestCloseRejectsNewAcquisitions(t *testing.T) {
	h := newFakeHandle(testHash, movieFiles()...)
	h.gotInfo()
	client := newFakeClient(h)
	m := newTestManager(t, client)

	if _, err := m.Acquire(context.Background(), testMagnet); err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if err := m.Close(context.Background()); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if m.Count() != 0 {
		t.Fatalf("sessions = %d after close", m.Count())
	}
	if _, err := m.Acquire(context.Background(), testMagnet); !errors.Is(err, ErrServiceClosed) {
		t.Fatalf("err = %v, want ErrServiceClosed", err)
	}
}
