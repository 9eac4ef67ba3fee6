package persist

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/pranitl/image2model/pkg/log"
)

// Record keys. The face limit lives under its own key so it survives a
// settings rewrite.
const (
	keySettings  = "queue/settings"
	keyFaceLimit = "queue/face_limit"
	keySnapshot  = "queue/snapshot"
)

// DefaultStaleAfter is how old a queue snapshot may be before it is
// discarded on load.
const DefaultStaleAfter = time.Hour

// SettingsRecord is the persisted form of the queue settings.
type SettingsRecord struct {
	MaxConcurrentUploads  int   `json:"max_concurrent_uploads"`
	MaxRetries            int   `json:"max_retries"`
	AutoStart             bool  `json:"auto_start"`
	DefaultFaceLimit      int   `json:"default_face_limit"`
	RemoveCompletedAfterS int64 `json:"remove_completed_after_s,omitempty"`
	RemoveFailedAfterS    int64 `json:"remove_failed_after_s,omitempty"`
}

// ItemRecord is the persisted metadata of one queue item. File content is
// never persisted; on restore the item carries metadata only.
type ItemRecord struct {
	ID          string `json:"id"`
	BatchID     string `json:"batch_id,omitempty"`
	FileName    string `json:"file_name"`
	FileSize    int64  `json:"file_size"`
	ContentType string `json:"content_type,omitempty"`
	Status      string `json:"status"`
	Progress    int    `json:"progress"`
	TaskID      string `json:"task_id,omitempty"`
	FaceLimit   int    `json:"face_limit,omitempty"`
	RetryCount  int    `json:"retry_count"`
	Error       string `json:"error,omitempty"`
	CreatedAtMs int64  `json:"created_at_ms"`
}

type snapshotRecord struct {
	SavedAtMs int64        `json:"saved_at_ms"`
	Items     []ItemRecord `json:"items"`
}

// AdapterOption configures an Adapter.
type AdapterOption func(*Adapter)

// WithStaleAfter overrides the snapshot staleness window.
func WithStaleAfter(d time.Duration) AdapterOption {
	return func(a *Adapter) { a.staleAfter = d }
}

// WithNow overrides the wall clock. Tests only.
func WithNow(now func() time.Time) AdapterOption {
	return func(a *Adapter) { a.now = now }
}

// WithLogger sets the adapter logger.
func WithLogger(l log.Logger) AdapterOption {
	return func(a *Adapter) { a.logger = l }
}

// Adapter serializes queue settings and snapshots to a KeyValueStore.
type Adapter struct {
	store      KeyValueStore
	staleAfter time.Duration
	now        func() time.Time
	logger     log.Logger
}

// NewAdapter wraps store. The zero options give the production behavior:
// one-hour staleness window, wall clock, quiet logger.
func NewAdapter(store KeyValueStore, opts ...AdapterOption) *Adapter {
	a := &Adapter{
		store:      store,
		staleAfter: DefaultStaleAfter,
		now:        time.Now,
		logger:     log.NewTestLogger(),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// SaveSettings persists the queue settings record.
func (a *Adapter) SaveSettings(rec SettingsRecord) error {
	return a.setJSON(keySettings, rec)
}

// LoadSettings returns the persisted settings, or nil when none were saved.
func (a *Adapter) LoadSettings() (*SettingsRecord, error) {
	var rec SettingsRecord
	ok, err := a.getJSON(keySettings, &rec)
	if err != nil || !ok {
		return nil, err
	}
	return &rec, nil
}

// SaveFaceLimit persists the default face limit independently of the full
// settings record.
func (a *Adapter) SaveFaceLimit(limit int) error {
	return a.setJSON(keyFaceLimit, limit)
}

// LoadFaceLimit returns the persisted face limit. ok is false when none
// was saved.
func (a *Adapter) LoadFaceLimit() (limit int, ok bool, err error) {
	ok, err = a.getJSON(keyFaceLimit, &limit)
	return limit, ok, err
}

// SaveSnapshot persists the queue items, stamped with the current time.
func (a *Adapter) SaveSnapshot(items []ItemRecord) error {
	return a.setJSON(keySnapshot, snapshotRecord{
		SavedAtMs: a.now().UnixMilli(),
		Items:     items,
	})
}

// LoadSnapshot returns the persisted queue items. A snapshot older than
// the staleness window is discarded and an empty result returned.
func (a *Adapter) LoadSnapshot() ([]ItemRecord, error) {
	var rec snapshotRecord
	ok, err := a.getJSON(keySnapshot, &rec)
	if err != nil || !ok {
		return nil, err
	}
	age := a.now().Sub(time.UnixMilli(rec.SavedAtMs))
	if age > a.staleAfter {
		a.logger.Info("discarding stale queue snapshot",
			log.Duration("age", age), log.Int("items", len(rec.Items)))
		if err := a.store.Delete(keySnapshot); err != nil {
			a.logger.Warn("deleting stale snapshot", log.Err(err))
		}
		return nil, nil
	}
	return rec.Items, nil
}

// Clear removes every persisted record.
func (a *Adapter) Clear() error {
	var errs []error
	for _, key := range []string{keySettings, keyFaceLimit, keySnapshot} {
		if err := a.store.Delete(key); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (a *Adapter) setJSON(key string, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	if err := a.store.Set(key, data); err != nil {
		return fmt.Errorf("persist %s: %w", key, err)
	}
	return nil
}

func (a *Adapter) getJSON(key string, v interface{}) (bool, error) {
	data, err := a.store.Get(key)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("load %s: %w", key, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return false, fmt.Errorf("decode %s: %w", key, err)
	}
	return true, nil
}
