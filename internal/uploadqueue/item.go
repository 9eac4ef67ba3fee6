package uploadqueue

import (
	"time"

	"github.com/pranitl/image2model/internal/persist"
	"github.com/pranitl/image2model/internal/transport"
)

// Status is an item's position in its lifecycle.
type Status string

const (
	StatusQueued     Status = "queued"
	StatusUploading  Status = "uploading"
	StatusProcessing Status = "processing"
	StatusPaused     Status = "paused"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
)

// Terminal reports whether the status ends the item's lifecycle. Failed
// items may still leave via an explicit retry.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// Item is one file's journey through the queue. Copies returned from the
// Manager are snapshots; mutating them has no effect on the queue.
type Item struct {
	ID          string
	BatchID     string
	FileName    string
	FileSize    int64
	ContentType string

	Status   Status
	Progress int

	TaskID     string
	FaceLimit  int
	RetryCount int
	MaxRetries int
	Error      string

	CreatedAt   time.Time
	StartedAt   time.Time
	CompletedAt time.Time
}

// legalTransition is the explicit trigger table. Transport and stream
// outcomes may additionally move any non-terminal state to completed or
// failed; that path goes through outcomeTransition.
func legalTransition(from, to Status) bool {
	switch from {
	case StatusQueued:
		return to == StatusUploading || to == StatusCancelled
	case StatusUploading:
		return to == StatusPaused || to == StatusProcessing || to == StatusCancelled
	case StatusPaused:
		return to == StatusUploading || to == StatusCancelled
	case StatusProcessing:
		return to == StatusCancelled
	case StatusFailed:
		return to == StatusQueued
	default:
		return false
	}
}

// outcomeTransition reports whether a transport or stream outcome may move
// an item from its current state to the given terminal state.
func outcomeTransition(from, to Status) bool {
	if from.Terminal() {
		return false
	}
	return to == StatusCompleted || to == StatusFailed
}

// record converts the item to its persisted form. File content never
// leaves memory.
func (it *Item) record() persist.ItemRecord {
	return persist.ItemRecord{
		ID:          it.ID,
		BatchID:     it.BatchID,
		FileName:    it.FileName,
		FileSize:    it.FileSize,
		ContentType: it.ContentType,
		Status:      string(it.Status),
		Progress:    it.Progress,
		TaskID:      it.TaskID,
		FaceLimit:   it.FaceLimit,
		RetryCount:  it.RetryCount,
		Error:       it.Error,
		CreatedAtMs: it.CreatedAt.UnixMilli(),
	}
}

// itemFromRecord rebuilds an item from its persisted form. Items that were
// mid-flight when the snapshot was taken come back queued with progress
// reset; their file content is gone, so a later start attempt fails them.
func itemFromRecord(rec persist.ItemRecord, maxRetries int) *Item {
	status := Status(rec.Status)
	progress := rec.Progress
	if !status.Terminal() {
		status = StatusQueued
		progress = 0
	}
	return &Item{
		ID:          rec.ID,
		BatchID:     rec.BatchID,
		FileName:    rec.FileName,
		FileSize:    rec.FileSize,
		ContentType: rec.ContentType,
		Status:      status,
		Progress:    progress,
		TaskID:      rec.TaskID,
		FaceLimit:   rec.FaceLimit,
		RetryCount:  rec.RetryCount,
		MaxRetries:  maxRetries,
		Error:       rec.Error,
		CreatedAt:   time.UnixMilli(rec.CreatedAtMs),
	}
}

// entry pairs an item with its runtime-only state: the raw file handle and
// the cancel/stream hooks for an in-flight upload. None of this survives a
// restart.
type entry struct {
	item    *Item
	file    transport.FileRef
	cancel  func()
	stream  StreamHandle
	stopped bool
}

func (e *entry) releaseStream() {
	if e.stream != nil {
		e.stream.Disconnect()
		e.stream = nil
	}
}

func (e *entry) releaseAll() {
	if e.cancel != nil {
		e.cancel()
		e.cancel = nil
	}
	e.releaseStream()
	e.file = nil
}
