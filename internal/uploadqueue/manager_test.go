package uploadqueue

import (
	"bytes"
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/pranitl/image2model/internal/persist"
	"github.com/pranitl/image2model/internal/retry"
	"github.com/pranitl/image2model/internal/taskstream"
	"github.com/pranitl/image2model/internal/transport"
)

type fakeFile struct {
	name string
	size int64
}

func (f fakeFile) Name() string        { return f.name }
func (f fakeFile) Size() int64         { return f.size }
func (f fakeFile) ContentType() string { return "image/jpeg" }
func (f fakeFile) Open() (io.ReadCloser, error) {
	return io.NopCloser(bytes.NewReader(make([]byte, f.size))), nil
}

type uploadCall struct {
	files   []transport.FileRef
	opts    transport.UploadOptions
	release chan struct{}
	result  *transport.UploadResult
	err     error
}

func (c *uploadCall) succeed(taskID string) {
	c.result = &transport.UploadResult{TaskID: taskID}
	close(c.release)
}

func (c *uploadCall) fail(err error) {
	c.err = err
	close(c.release)
}

// fakeUploader blocks each call until the test releases it.
type fakeUploader struct {
	mu      sync.Mutex
	calls   []*uploadCall
	started chan *uploadCall
}

func newFakeUploader() *fakeUploader {
	return &fakeUploader{started: make(chan *uploadCall, 32)}
}

func (u *fakeUploader) UploadBatch(ctx context.Context, files []transport.FileRef, opts transport.UploadOptions) (*transport.UploadResult, error) {
	c := &uploadCall{files: files, opts: opts, release: make(chan struct{})}
	u.mu.Lock()
	u.calls = append(u.calls, c)
	u.mu.Unlock()
	u.started <- c

	select {
	case <-ctx.Done():
		return nil, &transport.NetworkError{Op: "upload", Err: ctx.Err()}
	case <-c.release:
		if c.err != nil {
			return nil, c.err
		}
		return c.result, nil
	}
}

func (u *fakeUploader) next(t *testing.T) *uploadCall {
	t.Helper()
	select {
	case c := <-u.started:
		return c
	case <-time.After(2 * time.Second):
		t.Fatalf("no upload started")
		return nil
	}
}

type fakeStream struct {
	mu           sync.Mutex
	taskID       string
	onStatus     func(taskstream.Status)
	onClose      func(error)
	connectErr   error
	connected    bool
	disconnected bool
}

func (s *fakeStream) OnStatus(fn func(taskstream.Status)) { s.onStatus = fn }
func (s *fakeStream) OnClose(fn func(err error))          { s.onClose = fn }

func (s *fakeStream) Connect(context.Context) error {
	s.mu.Lock()
	s.connected = true
	err := s.connectErr
	s.mu.Unlock()
	return err
}

func (s *fakeStream) Disconnect() {
	s.mu.Lock()
	s.disconnected = true
	s.mu.Unlock()
}

func (s *fakeStream) emit(st taskstream.Status) {
	if s.onStatus != nil {
		s.onStatus(st)
	}
}

func (s *fakeStream) isConnected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected
}

func (s *fakeStream) isDisconnected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.disconnected
}

type fakeStreams struct {
	mu         sync.Mutex
	handles    map[string]*fakeStream
	connectErr error
}

func newFakeStreams() *fakeStreams {
	return &fakeStreams{handles: make(map[string]*fakeStream)}
}

func (f *fakeStreams) factory(taskID string) StreamHandle {
	s := &fakeStream{taskID: taskID, connectErr: f.connectErr}
	f.mu.Lock()
	f.handles[taskID] = s
	f.mu.Unlock()
	return s
}

func (f *fakeStreams) handle(taskID string) *fakeStream {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.handles[taskID]
}

func noSleep(_ context.Context, _ time.Duration) error { return nil }

func newTestManager(t *testing.T, up Uploader, streams StreamFactory, settings Settings) (*Manager, *persist.Adapter) {
	t.Helper()
	adapter := persist.NewAdapter(persist.NewMemoryStore())
	exec := retry.NewExecutor(
		retry.Policy{Type: retry.BackoffNone, MaxAttempts: 0},
		retry.NewBreaker(5, time.Minute),
		retry.WithSleep(noSleep),
	)
	m := NewManager(Deps{
		Uploader: up,
		Streams:  streams,
		Store:    adapter,
		Executor: exec,
	}, WithSettings(settings))
	t.Cleanup(m.Close)
	return m, adapter
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

func addFiles(t *testing.T, m *Manager, n int) []string {
	t.Helper()
	files := make([]transport.FileRef, n)
	for i := range files {
		files[i] = fakeFile{name: "img.jpg", size: 1000}
	}
	ids, err := m.AddFiles(files, AddOptions{})
	if err != nil {
		t.Fatalf("add files: %v", err)
	}
	return ids
}

func TestSchedulerRespectsConcurrencyLimit(t *testing.T) {
	up := newFakeUploader()
	streams := newFakeStreams()
	settings := DefaultSettings()
	settings.MaxConcurrentUploads = 2
	m, _ := newTestManager(t, up, streams.factory, settings)

	addFiles(t, m, 5)

	first := up.next(t)
	up.next(t)
	waitFor(t, "two uploading", func() bool { return m.Stats().Uploading == 2 })

	st := m.Stats()
	if st.Uploading != 2 || st.Queued != 3 {
		t.Fatalf("uploading=%d queued=%d, want 2/3", st.Uploading, st.Queued)
	}

	// finishing one upload frees a slot; the scheduler starts the next
	// queued item in order
	first.succeed("task-1")
	up.next(t)
	waitFor(t, "slot refilled", func() bool {
		s := m.Stats()
		return s.Uploading == 2 && s.Processing == 1 && s.Queued == 2
	})
}

func TestUploadFlowToCompleted(t *testing.T) {
	up := newFakeUploader()
	streams := newFakeStreams()
	m, _ := newTestManager(t, up, streams.factory, DefaultSettings())

	ids := addFiles(t, m, 1)
	up.next(t).succeed("task-7")

	waitFor(t, "processing", func() bool {
		it, _ := m.Item(ids[0])
		return it.Status == StatusProcessing && it.TaskID == "task-7"
	})
	waitFor(t, "stream opened", func() bool {
		h := streams.handle("task-7")
		return h != nil && h.isConnected()
	})
	h := streams.handle("task-7")

	h.emit(taskstream.Status{Status: "processing", Progress: 50})
	waitFor(t, "progress 50", func() bool {
		it, _ := m.Item(ids[0])
		return it.Progress == 50
	})

	h.emit(taskstream.Status{Status: taskstream.StatusCompleted, Progress: 100})
	waitFor(t, "completed", func() bool {
		it, _ := m.Item(ids[0])
		return it.Status == StatusCompleted
	})
	it, _ := m.Item(ids[0])
	if it.CompletedAt.IsZero() || it.StartedAt.IsZero() {
		t.Fatalf("timestamps not stamped: %+v", it)
	}
	if !h.isDisconnected() {
		t.Fatalf("subscription left open after terminal status")
	}
}

func TestCancelClosesStreamSubscription(t *testing.T) {
	up := newFakeUploader()
	streams := newFakeStreams()
	m, _ := newTestManager(t, up, streams.factory, DefaultSettings())

	ids := addFiles(t, m, 1)
	up.next(t).succeed("task-3")
	waitFor(t, "processing", func() bool {
		it, _ := m.Item(ids[0])
		return it.Status == StatusProcessing
	})

	m.CancelItem(ids[0])
	it, _ := m.Item(ids[0])
	if it.Status != StatusCancelled {
		t.Fatalf("status = %s", it.Status)
	}
	h := streams.handle("task-3")
	if !h.isDisconnected() {
		t.Fatalf("subscription not closed on cancel")
	}

	// late events must not resurrect the item
	h.emit(taskstream.Status{Status: taskstream.StatusCompleted, Progress: 100})
	it, _ = m.Item(ids[0])
	if it.Status != StatusCancelled {
		t.Fatalf("cancelled item applied a late stream event: %s", it.Status)
	}
}

func TestMissingTaskIDFailsItem(t *testing.T) {
	up := newFakeUploader()
	m, _ := newTestManager(t, up, newFakeStreams().factory, DefaultSettings())

	ids := addFiles(t, m, 1)
	up.next(t).fail(&transport.ValidationError{Field: "task_id", Message: "response carries no task identifier"})

	waitFor(t, "failed", func() bool {
		it, _ := m.Item(ids[0])
		return it.Status == StatusFailed
	})
	it, _ := m.Item(ids[0])
	if it.Error == "" {
		t.Fatalf("failed item carries no message")
	}
	if it.Status == StatusProcessing {
		t.Fatalf("item must never reach processing without a task id")
	}
}

func TestRetryItemBoundedByMaxRetries(t *testing.T) {
	up := newFakeUploader()
	settings := DefaultSettings()
	settings.MaxRetries = 1
	settings.AutoStart = false
	m, _ := newTestManager(t, up, newFakeStreams().factory, settings)

	ids := addFiles(t, m, 1)
	m.StartAll()
	up.next(t).fail(&transport.APIError{Status: 400, Message: "bad request"})
	waitFor(t, "failed", func() bool {
		it, _ := m.Item(ids[0])
		return it.Status == StatusFailed
	})

	m.RetryItem(ids[0])
	it, _ := m.Item(ids[0])
	if it.Status != StatusQueued || it.RetryCount != 1 || it.Error != "" {
		t.Fatalf("after retry: %+v", it)
	}

	m.StartAll()
	up.next(t).fail(&transport.APIError{Status: 400, Message: "bad request"})
	waitFor(t, "failed again", func() bool {
		it, _ := m.Item(ids[0])
		return it.Status == StatusFailed
	})

	// at the cap the retry is a no-op
	m.RetryItem(ids[0])
	it, _ = m.Item(ids[0])
	if it.Status != StatusFailed || it.RetryCount != 1 {
		t.Fatalf("retry past cap changed the item: %+v", it)
	}
}

func TestPauseAndResume(t *testing.T) {
	up := newFakeUploader()
	m, _ := newTestManager(t, up, newFakeStreams().factory, DefaultSettings())

	ids := addFiles(t, m, 1)
	up.next(t)
	waitFor(t, "uploading", func() bool {
		it, _ := m.Item(ids[0])
		return it.Status == StatusUploading
	})

	m.PauseItem(ids[0])
	it, _ := m.Item(ids[0])
	if it.Status != StatusPaused {
		t.Fatalf("status = %s", it.Status)
	}

	m.StartItem(ids[0])
	up.next(t)
	waitFor(t, "uploading again", func() bool {
		it, _ := m.Item(ids[0])
		return it.Status == StatusUploading
	})
}

func TestIllegalTransitionEmitsDiagnostic(t *testing.T) {
	up := newFakeUploader()
	settings := DefaultSettings()
	settings.AutoStart = false
	m, _ := newTestManager(t, up, newFakeStreams().factory, settings)

	var events []Event
	unsub := m.Subscribe(func(ev Event) { events = append(events, ev) })
	defer unsub()

	ids := addFiles(t, m, 1)
	m.PauseItem(ids[0]) // queued items cannot pause

	it, _ := m.Item(ids[0])
	if it.Status != StatusQueued {
		t.Fatalf("illegal transition mutated the item: %s", it.Status)
	}
	found := false
	for _, ev := range events {
		if ev.Kind == EventIllegalTransition && ev.ItemID == ids[0] && ev.To == StatusPaused {
			found = true
		}
	}
	if !found {
		t.Fatalf("no illegal-transition event observed: %+v", events)
	}
}

func TestStatsDerivation(t *testing.T) {
	items := []*Item{
		{Status: StatusQueued, FileSize: 1000},
		{Status: StatusUploading, FileSize: 1000, Progress: 50},
		{Status: StatusCompleted, FileSize: 2000, Progress: 100},
		{Status: StatusFailed, FileSize: 500},
	}
	st := computeStats(items)
	if st.Total != 4 {
		t.Fatalf("total = %d", st.Total)
	}
	sum := st.Queued + st.Uploading + st.Processing + st.Paused +
		st.Completed + st.Failed + st.Cancelled
	if sum != st.Total {
		t.Fatalf("per-status counts sum to %d, total %d", sum, st.Total)
	}
	if st.TotalBytes != 4500 {
		t.Fatalf("totalBytes = %d", st.TotalBytes)
	}
	// 0 + 500 + 2000 + 0 uploaded bytes over 4500 total
	if st.UploadedBytes != 2500 {
		t.Fatalf("uploadedBytes = %d", st.UploadedBytes)
	}
	if st.OverallProgress < 0 || st.OverallProgress > 100 {
		t.Fatalf("overallProgress out of range: %d", st.OverallProgress)
	}

	if got := computeStats(nil).OverallProgress; got != 0 {
		t.Fatalf("empty queue progress = %d", got)
	}
	zero := computeStats([]*Item{{Status: StatusQueued, FileSize: 0}})
	if zero.OverallProgress != 0 {
		t.Fatalf("zero-byte queue progress = %d", zero.OverallProgress)
	}
}

func TestResetReturnsToDefaults(t *testing.T) {
	up := newFakeUploader()
	settings := DefaultSettings()
	settings.AutoStart = false
	m, adapter := newTestManager(t, up, newFakeStreams().factory, settings)

	addFiles(t, m, 3)
	limit := 7
	m.UpdateSettings(SettingsPatch{MaxConcurrentUploads: &limit})

	m.Reset()

	st := m.Stats()
	if st.Total != 0 || st.TotalBytes != 0 || st.OverallProgress != 0 {
		t.Fatalf("stats after reset: %+v", st)
	}
	if got := m.Settings(); got != DefaultSettings() {
		t.Fatalf("settings after reset: %+v", got)
	}
	if rec, _ := adapter.LoadSettings(); rec != nil {
		t.Fatalf("persisted settings survived reset")
	}
	if items, _ := adapter.LoadSnapshot(); len(items) != 0 {
		t.Fatalf("persisted snapshot survived reset")
	}
}

func TestClearQueueWithFilter(t *testing.T) {
	up := newFakeUploader()
	settings := DefaultSettings()
	settings.AutoStart = false
	m, _ := newTestManager(t, up, newFakeStreams().factory, settings)

	ids := addFiles(t, m, 3)
	done := StatusCompleted
	m.UpdateItem(ids[0], ItemPatch{Status: &done})
	// direct queued->completed is not a manager trigger; force through patch
	it, _ := m.Item(ids[0])
	if it.Status != StatusCompleted {
		t.Fatalf("setup: %s", it.Status)
	}

	if err := m.ClearQueue(`status == "completed"`); err != nil {
		t.Fatalf("clear: %v", err)
	}
	st := m.Stats()
	if st.Total != 2 || st.Completed != 0 {
		t.Fatalf("after filtered clear: %+v", st)
	}

	if err := m.ClearQueue(""); err != nil {
		t.Fatalf("clear all: %v", err)
	}
	if m.Stats().Total != 0 {
		t.Fatalf("clear all left items")
	}

	if err := m.ClearQueue("status =="); err == nil {
		t.Fatalf("bad expression accepted")
	}
}

func TestUpdateItemTolerantSemantics(t *testing.T) {
	up := newFakeUploader()
	settings := DefaultSettings()
	settings.AutoStart = false
	m, _ := newTestManager(t, up, newFakeStreams().factory, settings)

	// unknown id is a no-op, not an error
	p := 50
	m.UpdateItem("no-such-item", ItemPatch{Progress: &p})

	ids := addFiles(t, m, 1)
	failed := StatusFailed
	msg := "backend rejected the file"
	m.UpdateItem(ids[0], ItemPatch{Status: &failed, Error: &msg})

	it, _ := m.Item(ids[0])
	if it.Status != StatusFailed || it.Error != msg {
		t.Fatalf("patch not applied: %+v", it)
	}
	if it.CompletedAt.IsZero() {
		t.Fatalf("terminal patch did not stamp CompletedAt")
	}
}

func TestRestoreRequeuesMidFlightItems(t *testing.T) {
	adapter := persist.NewAdapter(persist.NewMemoryStore())
	err := adapter.SaveSnapshot([]persist.ItemRecord{
		{ID: "a", FileName: "a.jpg", FileSize: 10, Status: "uploading", Progress: 42},
		{ID: "b", FileName: "b.jpg", FileSize: 10, Status: "completed", Progress: 100, TaskID: "t1"},
	})
	if err != nil {
		t.Fatalf("seed: %v", err)
	}

	up := newFakeUploader()
	exec := retry.NewExecutor(retry.Policy{Type: retry.BackoffNone}, nil, retry.WithSleep(noSleep))
	settings := DefaultSettings()
	settings.AutoStart = false
	m := NewManager(Deps{Uploader: up, Store: adapter, Executor: exec}, WithSettings(settings))
	t.Cleanup(m.Close)
	m.Restore()

	a, ok := m.Item("a")
	if !ok || a.Status != StatusQueued || a.Progress != 0 {
		t.Fatalf("mid-flight item not requeued: %+v", a)
	}
	b, _ := m.Item("b")
	if b.Status != StatusCompleted || b.TaskID != "t1" {
		t.Fatalf("terminal item not preserved: %+v", b)
	}

	// the restored item has no file content; starting it fails it
	m.StartAll()
	a, _ = m.Item("a")
	if a.Status != StatusFailed || a.Error == "" {
		t.Fatalf("payload-less restore start: %+v", a)
	}
}

func TestAddFilesEmptyInputIsNoop(t *testing.T) {
	up := newFakeUploader()
	m, _ := newTestManager(t, up, newFakeStreams().factory, DefaultSettings())

	ids, err := m.AddFiles(nil, AddOptions{})
	if err != nil || ids != nil {
		t.Fatalf("empty add: ids=%v err=%v", ids, err)
	}
	if m.Stats().Total != 0 {
		t.Fatalf("empty add created items")
	}
}

// gateStore blocks snapshot writes until released, so shutdown ordering
// around in-flight saves is observable.
type gateStore struct {
	inner   *persist.MemoryStore
	gate    chan struct{}
	entered chan struct{}

	mu       sync.Mutex
	signaled bool
	sets     int
}

func newGateStore() *gateStore {
	return &gateStore{
		inner:   persist.NewMemoryStore(),
		gate:    make(chan struct{}),
		entered: make(chan struct{}),
	}
}

func (s *gateStore) Get(key string) ([]byte, error) { return s.inner.Get(key) }
func (s *gateStore) Delete(key string) error        { return s.inner.Delete(key) }
func (s *gateStore) Close() error                   { return s.inner.Close() }

func (s *gateStore) Set(key string, value []byte) error {
	s.mu.Lock()
	if !s.signaled {
		s.signaled = true
		close(s.entered)
	}
	s.mu.Unlock()
	<-s.gate
	s.mu.Lock()
	s.sets++
	s.mu.Unlock()
	return s.inner.Set(key, value)
}

func (s *gateStore) setCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sets
}

func TestCloseWaitsForPendingSnapshotSave(t *testing.T) {
	up := newFakeUploader()
	store := newGateStore()
	adapter := persist.NewAdapter(store)
	exec := retry.NewExecutor(retry.Policy{Type: retry.BackoffNone}, nil, retry.WithSleep(noSleep))
	settings := DefaultSettings()
	settings.AutoStart = false
	m := NewManager(Deps{
		Uploader: up,
		Streams:  newFakeStreams().factory,
		Store:    adapter,
		Executor: exec,
	}, WithSettings(settings))

	ids := addFiles(t, m, 1)

	select {
	case <-store.entered:
	case <-time.After(2 * time.Second):
		t.Fatalf("no snapshot save started")
	}

	closeDone := make(chan struct{})
	go func() {
		m.Close()
		close(closeDone)
	}()

	// the store must stay open until the in-flight save drains
	select {
	case <-closeDone:
		t.Fatalf("Close returned while a snapshot save was in flight")
	case <-time.After(50 * time.Millisecond):
	}

	close(store.gate)
	select {
	case <-closeDone:
	case <-time.After(2 * time.Second):
		t.Fatalf("Close did not return after the save drained")
	}

	// writes after Close are dropped, not raced against a closing store
	before := store.setCount()
	m.RemoveItem(ids[0])
	time.Sleep(20 * time.Millisecond)
	if got := store.setCount(); got != before {
		t.Fatalf("store written after Close: %d -> %d sets", before, got)
	}
}

func TestTransientStreamOpenErrorKeepsItemProcessing(t *testing.T) {
	up := newFakeUploader()
	streams := newFakeStreams()
	streams.connectErr = errors.New("dial refused")
	m, _ := newTestManager(t, up, streams.factory, DefaultSettings())

	ids := addFiles(t, m, 1)
	up.next(t).succeed("task-1")

	waitFor(t, "processing", func() bool {
		it, _ := m.Item(ids[0])
		return it.Status == StatusProcessing
	})
	waitFor(t, "stream open attempted", func() bool {
		h := streams.handle("task-1")
		return h != nil && h.isConnected()
	})

	// the client retries the open on its own; a first failure is not final
	time.Sleep(20 * time.Millisecond)
	it, _ := m.Item(ids[0])
	if it.Status != StatusProcessing {
		t.Fatalf("status = %q after transient open error, want processing", it.Status)
	}

	// once the stream recovers, the task still completes
	streams.handle("task-1").emit(taskstream.Status{Status: "completed", TaskID: "task-1", Progress: 100})
	waitFor(t, "completed", func() bool {
		it, _ := m.Item(ids[0])
		return it.Status == StatusCompleted
	})
}

func TestRetryNoticeReportsScheduledDelay(t *testing.T) {
	up := newFakeUploader()
	streams := newFakeStreams()
	adapter := persist.NewAdapter(persist.NewMemoryStore())
	exec := retry.NewExecutor(
		retry.Policy{Type: retry.BackoffFixed, Base: time.Second, MaxAttempts: 1},
		retry.NewBreaker(5, time.Minute),
		retry.WithSleep(noSleep),
	)
	m := NewManager(Deps{
		Uploader: up,
		Streams:  streams.factory,
		Store:    adapter,
		Executor: exec,
	}, WithSettings(DefaultSettings()))
	t.Cleanup(m.Close)

	var mu sync.Mutex
	var notices []Event
	unsub := m.Subscribe(func(ev Event) {
		if ev.Kind == EventRetryScheduled {
			mu.Lock()
			notices = append(notices, ev)
			mu.Unlock()
		}
	})
	defer unsub()

	ids := addFiles(t, m, 1)
	up.next(t).fail(&transport.APIError{Status: 429, Message: "slow down", RetryAfter: 9 * time.Second})
	up.next(t).succeed("task-1")

	waitFor(t, "processing after retry", func() bool {
		it, _ := m.Item(ids[0])
		return it.Status == StatusProcessing
	})

	mu.Lock()
	defer mu.Unlock()
	if len(notices) != 1 {
		t.Fatalf("retry notices = %d, want 1", len(notices))
	}
	n := notices[0]
	if n.ItemID != ids[0] || n.Attempt != 1 {
		t.Fatalf("notice = %+v", n)
	}
	// the surfaced delay is the one the executor slept, server hint included
	if n.DelayMs != 9000 {
		t.Fatalf("DelayMs = %d, want 9000", n.DelayMs)
	}
}
