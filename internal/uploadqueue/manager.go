package uploadqueue

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/pranitl/image2model/internal/persist"
	"github.com/pranitl/image2model/internal/retry"
	"github.com/pranitl/image2model/internal/taskstream"
	"github.com/pranitl/image2model/internal/transport"
	"github.com/pranitl/image2model/pkg/id"
	"github.com/pranitl/image2model/pkg/log"
)

// Uploader performs the multipart upload call. *transport.Client satisfies
// it; tests inject fakes.
type Uploader interface {
	UploadBatch(ctx context.Context, files []transport.FileRef, opts transport.UploadOptions) (*transport.UploadResult, error)
}

// StreamHandle is one live task stream subscription. *taskstream.Client
// satisfies it.
type StreamHandle interface {
	OnStatus(fn func(taskstream.Status))
	OnClose(fn func(err error))
	Connect(ctx context.Context) error
	Disconnect()
}

// StreamFactory opens a subscription for a backend task id.
type StreamFactory func(taskID string) StreamHandle

// Deps are the manager's injected collaborators.
type Deps struct {
	Uploader Uploader
	Streams  StreamFactory
	Store    *persist.Adapter
	Executor *retry.Executor
	Logger   log.Logger
	Limits   transport.Limits
}

// Option configures a Manager.
type Option func(*Manager)

// WithSettings overrides the initial settings.
func WithSettings(s Settings) Option {
	return func(m *Manager) { m.settings = s }
}

// Manager owns the upload queue. It is the single writer for the item
// collection; all methods are safe for concurrent use.
type Manager struct {
	uploader Uploader
	streams  StreamFactory
	store    *persist.Adapter
	exec     *retry.Executor
	logger   log.Logger
	limits   transport.Limits
	idgen    *id.Generator

	baseCtx    context.Context
	baseCancel context.CancelFunc

	mu       sync.Mutex
	entries  map[string]*entry
	order    []string
	settings Settings
	// paused gates the scheduler globally; set by PauseAll, cleared by
	// StartAll.
	paused bool
	// closed rejects new uploads and persistence work once Close begins.
	closed bool

	listeners    map[int]func(Event)
	nextListener int
	eventSeq     uint64
	pending      []Event

	wg sync.WaitGroup
}

// NewManager creates a Manager with default settings. Call Restore to load
// persisted settings and items.
func NewManager(deps Deps, opts ...Option) *Manager {
	if deps.Logger == nil {
		deps.Logger = log.NewTestLogger()
	}
	if deps.Store == nil {
		deps.Store = persist.NewAdapter(persist.NoopStore{})
	}
	if deps.Executor == nil {
		deps.Executor = retry.NewExecutor(retry.DefaultPolicy(), nil)
	}
	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		uploader:   deps.Uploader,
		streams:    deps.Streams,
		store:      deps.Store,
		exec:       deps.Executor,
		logger:     deps.Logger.WithComponent("uploadqueue"),
		limits:     deps.Limits,
		idgen:      id.NewGenerator(),
		baseCtx:    ctx,
		baseCancel: cancel,
		entries:    make(map[string]*entry),
		settings:   DefaultSettings(),
		listeners:  make(map[int]func(Event)),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Restore loads persisted settings, the default face limit, and the queue
// snapshot. Items that were mid-flight come back queued with progress
// reset; their file content did not survive, so starting them fails them.
// Persistence errors are logged and leave the in-memory defaults intact.
func (m *Manager) Restore() {
	if rec, err := m.store.LoadSettings(); err != nil {
		m.logger.Warn("loading persisted settings", log.Err(err))
	} else if rec != nil {
		m.mu.Lock()
		m.settings = settingsFromRecord(*rec)
		m.mu.Unlock()
	}
	if limit, ok, err := m.store.LoadFaceLimit(); err != nil {
		m.logger.Warn("loading persisted face limit", log.Err(err))
	} else if ok && limit > 0 {
		m.mu.Lock()
		m.settings.DefaultFaceLimit = limit
		m.mu.Unlock()
	}

	recs, err := m.store.LoadSnapshot()
	if err != nil {
		m.logger.Warn("loading persisted queue snapshot", log.Err(err))
		return
	}
	if len(recs) == 0 {
		return
	}

	m.mu.Lock()
	for _, rec := range recs {
		if rec.ID == "" {
			continue
		}
		if _, exists := m.entries[rec.ID]; exists {
			continue
		}
		it := itemFromRecord(rec, m.settings.MaxRetries)
		m.entries[it.ID] = &entry{item: it}
		m.order = append(m.order, it.ID)
		m.queueEvent(Event{Kind: EventItemAdded, ItemID: it.ID, To: it.Status})
	}
	m.mu.Unlock()
	m.flushEvents()
	m.logger.Info("restored queue snapshot", log.Int("items", len(recs)))
}

// Close stops all in-flight work and waits for upload and persistence
// goroutines to exit. The store must stay open until Close returns.
func (m *Manager) Close() {
	m.mu.Lock()
	m.closed = true
	for _, e := range m.entries {
		e.releaseAll()
	}
	m.mu.Unlock()
	m.baseCancel()
	m.wg.Wait()
}

// AddOptions carries per-batch parameters for AddFiles.
type AddOptions struct {
	// FaceLimit overrides the default face limit for this batch. Zero uses
	// the settings default.
	FaceLimit int
}

// AddFiles enqueues one item per file, all sharing a batch id. Empty input
// is a no-op. When auto-start is enabled the scheduler fills free upload
// slots immediately.
func (m *Manager) AddFiles(files []transport.FileRef, opts AddOptions) ([]string, error) {
	if len(files) == 0 {
		return nil, nil
	}
	if err := transport.ValidateFiles(files, m.limits); err != nil {
		return nil, err
	}

	batchID := uuid.NewString()
	now := time.Now()

	m.mu.Lock()
	faceLimit := opts.FaceLimit
	if faceLimit <= 0 {
		faceLimit = m.settings.DefaultFaceLimit
	}
	ids := make([]string, 0, len(files))
	for _, f := range files {
		it := &Item{
			ID:          m.idgen.Next().String(),
			BatchID:     batchID,
			FileName:    f.Name(),
			FileSize:    f.Size(),
			ContentType: f.ContentType(),
			Status:      StatusQueued,
			FaceLimit:   faceLimit,
			MaxRetries:  m.settings.MaxRetries,
			CreatedAt:   now,
		}
		m.entries[it.ID] = &entry{item: it, file: f}
		m.order = append(m.order, it.ID)
		ids = append(ids, it.ID)
		m.queueEvent(Event{Kind: EventItemAdded, ItemID: it.ID, To: StatusQueued})
	}
	if m.settings.AutoStart && !m.paused {
		m.fillSlotsLocked()
	}
	m.mu.Unlock()

	m.flushEvents()
	m.persistAsync()
	return ids, nil
}

// ItemPatch is a partial item update for UpdateItem.
type ItemPatch struct {
	Status    *Status
	Progress  *int
	TaskID    *string
	Error     *string
	FaceLimit *int
}

// UpdateItem merges the patch into the item. Status changes go through the
// state machine and stamp StartedAt/CompletedAt; illegal transitions are
// ignored apart from a diagnostic event. Unknown ids are a no-op.
func (m *Manager) UpdateItem(itemID string, patch ItemPatch) {
	m.mu.Lock()
	e, ok := m.entries[itemID]
	if !ok {
		m.mu.Unlock()
		return
	}
	if patch.Progress != nil {
		p := *patch.Progress
		if p < 0 {
			p = 0
		}
		if p > 100 {
			p = 100
		}
		e.item.Progress = p
	}
	if patch.TaskID != nil {
		e.item.TaskID = *patch.TaskID
	}
	if patch.Error != nil {
		e.item.Error = *patch.Error
	}
	if patch.FaceLimit != nil && *patch.FaceLimit > 0 {
		e.item.FaceLimit = *patch.FaceLimit
	}
	if patch.Status != nil {
		m.transitionLocked(e, *patch.Status)
	}
	m.queueEvent(Event{Kind: EventItemUpdated, ItemID: itemID, To: e.item.Status})
	m.mu.Unlock()

	m.flushEvents()
	m.persistAsync()
}

// RemoveItem releases the item's resources and drops it from the queue.
// Unknown ids are a no-op.
func (m *Manager) RemoveItem(itemID string) {
	m.mu.Lock()
	e, ok := m.entries[itemID]
	if !ok {
		m.mu.Unlock()
		return
	}
	e.stopped = true
	e.releaseAll()
	m.dropLocked(itemID)
	m.queueEvent(Event{Kind: EventItemRemoved, ItemID: itemID, From: e.item.Status})
	if m.settings.AutoStart && !m.paused {
		m.fillSlotsLocked()
	}
	m.mu.Unlock()

	m.flushEvents()
	m.persistAsync()
}

// ClearQueue removes every item matching the filter expression, releasing
// resources for each. An empty expression removes everything.
func (m *Manager) ClearQueue(filterExpr string) error {
	filter, err := CompileFilter(filterExpr)
	if err != nil {
		return err
	}

	m.mu.Lock()
	for _, itemID := range append([]string(nil), m.order...) {
		e := m.entries[itemID]
		if e == nil || !filter.Match(e.item) {
			continue
		}
		e.stopped = true
		e.releaseAll()
		m.dropLocked(itemID)
		m.queueEvent(Event{Kind: EventItemRemoved, ItemID: itemID, From: e.item.Status})
	}
	m.mu.Unlock()

	m.flushEvents()
	m.persistAsync()
	return nil
}

// StartItem starts a queued item or resumes a paused one, if an upload
// slot is free. Other source states are ignored.
func (m *Manager) StartItem(itemID string) {
	m.mu.Lock()
	e, ok := m.entries[itemID]
	if ok {
		switch e.item.Status {
		case StatusQueued, StatusPaused:
			if m.uploadingLocked() < m.settings.MaxConcurrentUploads {
				m.startLocked(e)
			}
		default:
			m.queueEvent(Event{
				Kind: EventIllegalTransition, ItemID: itemID,
				From: e.item.Status, To: StatusUploading,
			})
		}
	}
	m.mu.Unlock()

	m.flushEvents()
	m.persistAsync()
}

// PauseItem pauses an uploading item. The in-flight request is aborted;
// resuming restarts the upload from the beginning.
func (m *Manager) PauseItem(itemID string) {
	m.mu.Lock()
	e, ok := m.entries[itemID]
	if ok {
		if e.item.Status == StatusUploading {
			m.transitionLocked(e, StatusPaused)
			if e.cancel != nil {
				e.cancel()
				e.cancel = nil
			}
			if m.settings.AutoStart && !m.paused {
				m.fillSlotsLocked()
			}
		} else {
			m.queueEvent(Event{
				Kind: EventIllegalTransition, ItemID: itemID,
				From: e.item.Status, To: StatusPaused,
			})
		}
	}
	m.mu.Unlock()

	m.flushEvents()
	m.persistAsync()
}

// CancelItem cancels a queued, uploading, paused, or processing item. Any
// in-flight request is aborted and the item's stream subscription closed;
// a cancelled item never applies further stream events.
func (m *Manager) CancelItem(itemID string) {
	m.mu.Lock()
	e, ok := m.entries[itemID]
	if ok {
		if legalTransition(e.item.Status, StatusCancelled) {
			m.transitionLocked(e, StatusCancelled)
			e.stopped = true
			e.releaseAll()
			if m.settings.AutoStart && !m.paused {
				m.fillSlotsLocked()
			}
		} else {
			m.queueEvent(Event{
				Kind: EventIllegalTransition, ItemID: itemID,
				From: e.item.Status, To: StatusCancelled,
			})
		}
	}
	m.mu.Unlock()

	m.flushEvents()
	m.persistAsync()
}

// RetryItem re-queues a failed item when retries remain. The retry counter
// increments, the error clears, and the breaker relaxes by one failure so
// user-initiated recovery can proceed. At the retry cap this is a no-op.
func (m *Manager) RetryItem(itemID string) {
	m.mu.Lock()
	e, ok := m.entries[itemID]
	relaxed := false
	if ok {
		switch {
		case e.item.Status != StatusFailed:
			m.queueEvent(Event{
				Kind: EventIllegalTransition, ItemID: itemID,
				From: e.item.Status, To: StatusQueued,
			})
		case e.item.RetryCount >= e.item.MaxRetries:
			// exhausted: stays failed
		default:
			e.item.RetryCount++
			e.item.Error = ""
			e.item.Progress = 0
			e.item.CompletedAt = time.Time{}
			e.stopped = false
			m.transitionLocked(e, StatusQueued)
			relaxed = true
			if m.settings.AutoStart && !m.paused {
				m.fillSlotsLocked()
			}
		}
	}
	m.mu.Unlock()

	if relaxed {
		m.exec.Breaker().Relax(uploadKey)
	}
	m.flushEvents()
	m.persistAsync()
}

// StartAll clears the global pause flag and fills free upload slots with
// queued items in insertion order.
func (m *Manager) StartAll() {
	m.mu.Lock()
	m.paused = false
	m.fillSlotsLocked()
	m.mu.Unlock()

	m.flushEvents()
	m.persistAsync()
}

// PauseAll sets the global pause flag and pauses every uploading item.
func (m *Manager) PauseAll() {
	m.mu.Lock()
	m.paused = true
	for _, itemID := range m.order {
		e := m.entries[itemID]
		if e != nil && e.item.Status == StatusUploading {
			m.transitionLocked(e, StatusPaused)
			if e.cancel != nil {
				e.cancel()
				e.cancel = nil
			}
		}
	}
	m.mu.Unlock()

	m.flushEvents()
	m.persistAsync()
}

// CancelAll cancels every item the state machine allows.
func (m *Manager) CancelAll() {
	m.mu.Lock()
	for _, itemID := range m.order {
		e := m.entries[itemID]
		if e != nil && legalTransition(e.item.Status, StatusCancelled) {
			m.transitionLocked(e, StatusCancelled)
			e.stopped = true
			e.releaseAll()
		}
	}
	m.mu.Unlock()

	m.flushEvents()
	m.persistAsync()
}

// Items returns snapshot copies of all items in insertion order.
func (m *Manager) Items() []Item {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Item, 0, len(m.order))
	for _, itemID := range m.order {
		if e := m.entries[itemID]; e != nil {
			out = append(out, *e.item)
		}
	}
	return out
}

// Item returns a snapshot copy of one item.
func (m *Manager) Item(itemID string) (Item, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[itemID]
	if !ok {
		return Item{}, false
	}
	return *e.item, true
}

// Stats derives queue statistics from the current items.
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	items := make([]*Item, 0, len(m.order))
	for _, itemID := range m.order {
		if e := m.entries[itemID]; e != nil {
			items = append(items, e.item)
		}
	}
	return computeStats(items)
}

// Settings returns the current settings.
func (m *Manager) Settings() Settings {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.settings
}

// UpdateSettings merges the patch and persists the result immediately. A
// raised concurrency limit fills newly free slots.
func (m *Manager) UpdateSettings(patch SettingsPatch) {
	m.mu.Lock()
	before := m.settings
	m.settings = m.settings.apply(patch)
	after := m.settings
	m.queueEvent(Event{Kind: EventSettingsUpdated})
	if after.MaxConcurrentUploads > before.MaxConcurrentUploads &&
		after.AutoStart && !m.paused {
		m.fillSlotsLocked()
	}
	m.mu.Unlock()

	if err := m.store.SaveSettings(after.record()); err != nil {
		m.logger.Warn("persisting settings", log.Err(err))
	}
	if after.DefaultFaceLimit != before.DefaultFaceLimit {
		if err := m.store.SaveFaceLimit(after.DefaultFaceLimit); err != nil {
			m.logger.Warn("persisting face limit", log.Err(err))
		}
	}
	m.flushEvents()
	m.persistAsync()
}

// Reset releases all resources, clears persisted state, and returns the
// queue to default settings.
func (m *Manager) Reset() {
	m.mu.Lock()
	for _, e := range m.entries {
		e.stopped = true
		e.releaseAll()
	}
	m.entries = make(map[string]*entry)
	m.order = nil
	m.settings = DefaultSettings()
	m.paused = false
	m.queueEvent(Event{Kind: EventQueueReset})
	m.mu.Unlock()

	m.exec.Breaker().Reset()
	if err := m.store.Clear(); err != nil {
		m.logger.Warn("clearing persisted state", log.Err(err))
	}
	m.flushEvents()
}

// uploadKey is the breaker key for the upload endpoint. All items share it
// so repeated endpoint failures trip one breaker.
const uploadKey = "upload"

func (m *Manager) uploadingLocked() int {
	n := 0
	for _, e := range m.entries {
		if e.item.Status == StatusUploading {
			n++
		}
	}
	return n
}

// fillSlotsLocked starts queued items in insertion order until the
// concurrency limit is reached.
func (m *Manager) fillSlotsLocked() {
	if m.closed {
		return
	}
	slots := m.settings.MaxConcurrentUploads - m.uploadingLocked()
	for _, itemID := range m.order {
		if slots <= 0 {
			return
		}
		e := m.entries[itemID]
		if e == nil || e.item.Status != StatusQueued {
			continue
		}
		m.startLocked(e)
		slots--
	}
}

// startLocked moves an item into uploading and launches its upload
// goroutine. Items restored without file content fail instead.
func (m *Manager) startLocked(e *entry) {
	if e.file == nil {
		m.failLocked(e, "file content is no longer available; remove and re-add the file")
		return
	}
	m.transitionLocked(e, StatusUploading)
	e.item.Progress = 0
	e.stopped = false

	ctx, cancel := context.WithCancel(m.baseCtx)
	e.cancel = cancel
	m.wg.Add(1)
	go m.runUpload(ctx, e.item.ID, e.file, e.item.FaceLimit)
}

// transitionLocked applies a status change through the state machine,
// stamping StartedAt on first upload and CompletedAt on terminal entry.
// Illegal changes emit a diagnostic event and leave the item untouched.
func (m *Manager) transitionLocked(e *entry, to Status) bool {
	from := e.item.Status
	if from == to {
		return false
	}
	if !legalTransition(from, to) && !outcomeTransition(from, to) {
		m.queueEvent(Event{
			Kind: EventIllegalTransition, ItemID: e.item.ID, From: from, To: to,
		})
		return false
	}
	e.item.Status = to
	if to == StatusUploading && e.item.StartedAt.IsZero() {
		e.item.StartedAt = time.Now()
	}
	if to.Terminal() {
		e.item.CompletedAt = time.Now()
	}
	m.queueEvent(Event{Kind: EventStateChanged, ItemID: e.item.ID, From: from, To: to})
	m.scheduleAutoRemoveLocked(e.item.ID, to)
	return true
}

// failLocked marks the item failed with a user-facing message.
func (m *Manager) failLocked(e *entry, msg string) {
	if m.transitionLocked(e, StatusFailed) {
		e.item.Error = msg
	}
}

func (m *Manager) dropLocked(itemID string) {
	delete(m.entries, itemID)
	for i, oid := range m.order {
		if oid == itemID {
			m.order = append(m.order[:i], m.order[i+1:]...)
			break
		}
	}
}

// scheduleAutoRemoveLocked arms the optional auto-removal delay for
// completed and failed items.
func (m *Manager) scheduleAutoRemoveLocked(itemID string, to Status) {
	var after time.Duration
	switch to {
	case StatusCompleted:
		after = m.settings.RemoveCompletedAfter
	case StatusFailed:
		after = m.settings.RemoveFailedAfter
	default:
		return
	}
	if after <= 0 {
		return
	}
	time.AfterFunc(after, func() {
		m.mu.Lock()
		e, ok := m.entries[itemID]
		stillThere := ok && e.item.Status == to
		m.mu.Unlock()
		if stillThere {
			m.RemoveItem(itemID)
		}
	})
}

// runUpload performs one item's upload under the retry executor, then
// hands the returned task id to a stream subscription.
func (m *Manager) runUpload(ctx context.Context, itemID string, file transport.FileRef, faceLimit int) {
	defer m.wg.Done()

	ctx = retry.WithObserver(ctx, func(attempt int, delay time.Duration, err error) {
		m.notifyRetry(itemID, attempt, delay, err)
	})
	var result *transport.UploadResult
	err := m.exec.Do(ctx, uploadKey, func(ctx context.Context) error {
		res, err := m.uploader.UploadBatch(ctx, []transport.FileRef{file}, transport.UploadOptions{
			FaceLimit: faceLimit,
			Progress: func(sent, total int64) {
				m.setUploadProgress(itemID, sent, total)
			},
		})
		if err != nil {
			return err
		}
		result = res
		return nil
	})
	if err != nil {
		m.uploadFailed(itemID, err)
		return
	}
	m.beginProcessing(itemID, result.TaskID)
}

// notifyRetry surfaces a scheduled retry to observers: "retrying in N
// seconds (attempt X of max)".
func (m *Manager) notifyRetry(itemID string, attempt int, delay time.Duration, err error) {
	m.mu.Lock()
	m.queueEvent(Event{
		Kind: EventRetryScheduled, ItemID: itemID,
		Attempt: attempt, DelayMs: delay.Milliseconds(), Err: err,
	})
	m.mu.Unlock()
	m.flushEvents()
}

// setUploadProgress updates an uploading item's progress. Progress only
// moves forward while uploading; a restarted attempt resets it elsewhere.
func (m *Manager) setUploadProgress(itemID string, sent, total int64) {
	if total <= 0 {
		return
	}
	pct := int(sent * 100 / total)
	if pct > 100 {
		pct = 100
	}

	m.mu.Lock()
	e, ok := m.entries[itemID]
	changed := false
	if ok && e.item.Status == StatusUploading && pct > e.item.Progress {
		e.item.Progress = pct
		m.queueEvent(Event{Kind: EventItemUpdated, ItemID: itemID, To: StatusUploading})
		changed = true
	}
	m.mu.Unlock()

	if changed {
		m.flushEvents()
	}
}

// uploadFailed records a final upload failure. If pause or cancel already
// moved the item out of uploading, the failure is the expected abort and
// the item's state is left alone.
func (m *Manager) uploadFailed(itemID string, err error) {
	m.mu.Lock()
	e, ok := m.entries[itemID]
	if !ok || e.item.Status != StatusUploading {
		m.mu.Unlock()
		return
	}
	if errors.Is(err, context.Canceled) {
		// aborted by pause, cancel, or shutdown; state already set
		m.mu.Unlock()
		return
	}
	m.failLocked(e, userFacingMessage(err))
	freeSlot := m.settings.AutoStart && !m.paused
	if freeSlot {
		m.fillSlotsLocked()
	}
	m.mu.Unlock()

	m.logger.Error("upload failed", log.Str("item_id", itemID), log.Err(err))
	m.flushEvents()
	m.persistAsync()
}

// userFacingMessage maps a classified error to the message shown on the
// failed item, keeping circuit breaker trips distinct from generic
// failures.
func userFacingMessage(err error) string {
	var open *retry.CircuitOpenError
	if errors.As(err, &open) {
		return "service temporarily unavailable, try again later"
	}
	msg, action := transport.UserMessage(err)
	if action != "" {
		return msg + "; " + action
	}
	return msg
}

// beginProcessing moves the item to processing and opens its task stream
// subscription. A concurrent cancel wins: the subscription is not opened.
func (m *Manager) beginProcessing(itemID string, taskID string) {
	m.mu.Lock()
	e, ok := m.entries[itemID]
	if !ok || e.stopped || e.item.Status != StatusUploading {
		m.mu.Unlock()
		return
	}
	e.item.TaskID = taskID
	e.item.Progress = 100
	m.transitionLocked(e, StatusProcessing)
	e.cancel = nil

	var handle StreamHandle
	if m.streams != nil {
		handle = m.streams(taskID)
		e.stream = handle
		handle.OnStatus(func(st taskstream.Status) { m.applyStreamStatus(itemID, st) })
		handle.OnClose(func(err error) { m.streamClosed(itemID, err) })
	}
	freeSlot := m.settings.AutoStart && !m.paused
	if freeSlot {
		m.fillSlotsLocked()
	}
	m.mu.Unlock()

	m.flushEvents()
	m.persistAsync()

	if handle == nil {
		return
	}
	// a failed first open is not final: the client reconnects on its own
	// and reports the true end through OnClose
	if err := handle.Connect(m.baseCtx); err != nil {
		m.logger.Warn("stream open failed", log.Str("item_id", itemID), log.Err(err))
	}
	// a cancel may have raced the connect; never leave its stream open
	m.mu.Lock()
	e, ok = m.entries[itemID]
	stale := !ok || e.stopped || e.stream != handle
	m.mu.Unlock()
	if stale {
		handle.Disconnect()
	}
}

// applyStreamStatus folds a stream status into the item. Events arriving
// after the item left processing (cancel, removal) are dropped.
func (m *Manager) applyStreamStatus(itemID string, st taskstream.Status) {
	m.mu.Lock()
	e, ok := m.entries[itemID]
	if !ok || e.stopped || e.item.Status != StatusProcessing {
		m.mu.Unlock()
		return
	}

	switch st.Status {
	case taskstream.StatusCompleted:
		m.transitionLocked(e, StatusCompleted)
		e.item.Progress = 100
		e.releaseStream()
		e.file = nil
	case taskstream.StatusFailed:
		msg := st.Error
		if msg == "" {
			msg = st.Message
		}
		if msg == "" {
			msg = "processing failed"
		}
		m.failLocked(e, msg)
		e.releaseStream()
	case taskstream.StatusCancelled:
		m.transitionLocked(e, StatusCancelled)
		e.releaseStream()
		e.file = nil
	default:
		p := st.Progress
		if p < 0 {
			p = 0
		}
		if p > 100 {
			p = 100
		}
		e.item.Progress = p
		m.queueEvent(Event{Kind: EventItemUpdated, ItemID: itemID, To: StatusProcessing})
	}
	m.mu.Unlock()

	m.flushEvents()
	m.persistAsync()
}

// streamClosed handles the subscription ending. An error while the item is
// still processing means the backend outcome is unknown; the item fails
// with a retry affordance.
func (m *Manager) streamClosed(itemID string, err error) {
	m.mu.Lock()
	e, ok := m.entries[itemID]
	if !ok || e.stopped || e.item.Status != StatusProcessing {
		m.mu.Unlock()
		return
	}
	msg := "lost connection to processing stream"
	if err == nil {
		msg = "processing stream ended before a result was reported"
	}
	m.failLocked(e, msg)
	e.releaseStream()
	m.mu.Unlock()

	if err != nil {
		m.logger.Warn("task stream closed with error",
			log.Str("item_id", itemID), log.Err(err))
	}
	m.flushEvents()
	m.persistAsync()
}

// persistAsync mirrors the current queue to the store without blocking the
// caller. Failures are logged; memory stays authoritative. The goroutine is
// tracked so Close does not release the store under an in-flight save.
func (m *Manager) persistAsync() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	recs := make([]persist.ItemRecord, 0, len(m.order))
	for _, itemID := range m.order {
		if e := m.entries[itemID]; e != nil {
			recs = append(recs, e.item.record())
		}
	}
	m.wg.Add(1)
	m.mu.Unlock()

	go func() {
		defer m.wg.Done()
		if err := m.store.SaveSnapshot(recs); err != nil {
			m.logger.Warn("persisting queue snapshot", log.Err(err))
		}
	}()
}
