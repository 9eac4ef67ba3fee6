package runtime

import (
	"context"
	"errors"
	"path/filepath"
	"time"

	cfgpkg "github.com/pranitl/image2model/internal/config"
	"github.com/pranitl/image2model/internal/persist"
	"github.com/pranitl/image2model/internal/retry"
	"github.com/pranitl/image2model/internal/taskstream"
	"github.com/pranitl/image2model/internal/transport"
	"github.com/pranitl/image2model/internal/uploadqueue"
	"github.com/pranitl/image2model/pkg/log"
)

// Options for building the Runtime.
type Options struct {
	Config cfgpkg.Config
	Logger log.Logger
	// NoPersist swaps the durable store for a no-op one; queue state then
	// lives only in memory.
	NoPersist bool
}

// Runtime wires the store, transport, retry, streams, and queue for a
// single client instance.
type Runtime struct {
	cfg     cfgpkg.Config
	logger  log.Logger
	store   persist.KeyValueStore
	adapter *persist.Adapter
	client  *transport.Client
	exec    *retry.Executor
	queue   *uploadqueue.Manager
}

// Open initializes the store and builds the queue manager with restored
// state.
func Open(opts Options) (*Runtime, error) {
	cfg := opts.Config
	if cfg.APIBaseURL == "" {
		return nil, errors.New("runtime: API base URL is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.NewLogger()
	}

	var store persist.KeyValueStore
	if opts.NoPersist {
		store = persist.NoopStore{}
	} else {
		if cfg.DataDir == "" {
			cfg.DataDir = cfgpkg.DefaultDataDir()
		}
		mode, err := persist.ParseFsyncMode(cfg.Fsync)
		if err != nil {
			return nil, err
		}
		store, err = persist.OpenPebble(persist.PebbleOptions{
			DataDir:       filepath.Join(cfg.DataDir, "queue"),
			Fsync:         mode,
			FsyncInterval: time.Duration(cfg.FsyncIntervalMs) * time.Millisecond,
		})
		if err != nil {
			return nil, err
		}
	}
	adapter := persist.NewAdapter(store, persist.WithLogger(logger))

	client := transport.NewClient(cfg.APIBaseURL, transport.WithLogger(logger))

	policy := retry.DefaultPolicy()
	if cfg.Queue.MaxRetries >= 0 {
		policy.MaxAttempts = cfg.Queue.MaxRetries
	}
	exec := retry.NewExecutor(policy, retry.NewBreaker(5, time.Minute),
		retry.WithLogger(logger))

	streamTransport := taskstream.NewSSETransport(cfg.APIBaseURL,
		taskstream.WithServerTimeout(time.Duration(cfg.Stream.TimeoutSeconds)*time.Second))
	streams := func(taskID string) uploadqueue.StreamHandle {
		return taskstream.NewClient(taskID, streamTransport, taskstream.Options{
			MaxReconnectAttempts: cfg.Stream.MaxReconnectAttempts,
			ReconnectDelay:       time.Duration(cfg.Stream.ReconnectDelayMs) * time.Millisecond,
			Logger:               logger,
		})
	}

	queue := uploadqueue.NewManager(uploadqueue.Deps{
		Uploader: client,
		Streams:  streams,
		Store:    adapter,
		Executor: exec,
		Logger:   logger,
		Limits: transport.Limits{
			MaxFileBytes:     cfg.Upload.MaxFileBytes,
			MaxFilesPerBatch: cfg.Upload.MaxFilesPerBatch,
			AllowedTypes:     cfg.Upload.AllowedTypes,
		},
	}, uploadqueue.WithSettings(settingsFromConfig(cfg.Queue)))
	queue.Restore()

	return &Runtime{
		cfg:     cfg,
		logger:  logger,
		store:   store,
		adapter: adapter,
		client:  client,
		exec:    exec,
		queue:   queue,
	}, nil
}

func settingsFromConfig(q cfgpkg.QueueDefaults) uploadqueue.Settings {
	s := uploadqueue.DefaultSettings()
	if q.MaxConcurrentUploads > 0 {
		s.MaxConcurrentUploads = q.MaxConcurrentUploads
	}
	if q.MaxRetries >= 0 {
		s.MaxRetries = q.MaxRetries
	}
	s.AutoStart = q.AutoStart
	if q.DefaultFaceLimit > 0 {
		s.DefaultFaceLimit = q.DefaultFaceLimit
	}
	s.RemoveCompletedAfter = time.Duration(q.RemoveCompletedAfterS) * time.Second
	s.RemoveFailedAfter = time.Duration(q.RemoveFailedAfterS) * time.Second
	return s
}

// Close stops the queue and releases the store.
func (r *Runtime) Close() error {
	if r.queue != nil {
		r.queue.Close()
	}
	if r.store != nil {
		return r.store.Close()
	}
	return nil
}

// Queue returns the upload queue manager.
func (r *Runtime) Queue() *uploadqueue.Manager { return r.queue }

// Transport returns the upload transport client.
func (r *Runtime) Transport() *transport.Client { return r.client }

// Adapter returns the persistence adapter.
func (r *Runtime) Adapter() *persist.Adapter { return r.adapter }

// Config returns the runtime configuration.
func (r *Runtime) Config() cfgpkg.Config { return r.cfg }

// Logger returns the runtime logger.
func (r *Runtime) Logger() log.Logger { return r.logger }

// WatchTask opens a standalone stream subscription for a task id, outside
// the queue's ownership. Used by the CLI watch command.
func (r *Runtime) WatchTask(ctx context.Context, taskID string, onStatus func(taskstream.Status), onClose func(error)) (*taskstream.Client, error) {
	tr := taskstream.NewSSETransport(r.cfg.APIBaseURL,
		taskstream.WithServerTimeout(time.Duration(r.cfg.Stream.TimeoutSeconds)*time.Second))
	c := taskstream.NewClient(taskID, tr, taskstream.Options{
		MaxReconnectAttempts: r.cfg.Stream.MaxReconnectAttempts,
		ReconnectDelay:       time.Duration(r.cfg.Stream.ReconnectDelayMs) * time.Millisecond,
		Logger:               r.logger,
	})
	c.OnStatus(onStatus)
	c.OnClose(onClose)
	if err := c.Connect(ctx); err != nil {
		return nil, err
	}
	return c, nil
}
