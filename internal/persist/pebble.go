package persist

import (
	"errors"
	"time"

	"github.com/cockroachdb/pebble"
)

// FsyncMode defines durability behavior for store writes.
type FsyncMode int

const (
	FsyncModeUnspecified FsyncMode = iota
	// FsyncModeAlways requests a WAL fsync on each write.
	FsyncModeAlways
	// FsyncModeInterval enables group-commit by letting Pebble coalesce WAL
	// syncs for writes within the configured interval.
	FsyncModeInterval
	// FsyncModeNever avoids forcing WAL syncs from the application. Pebble
	// may still sync on its own policies. Trades durability for throughput.
	FsyncModeNever
)

// ParseFsyncMode maps the config string form to an FsyncMode.
func ParseFsyncMode(s string) (FsyncMode, error) {
	switch s {
	case "", "interval":
		return FsyncModeInterval, nil
	case "always":
		return FsyncModeAlways, nil
	case "never":
		return FsyncModeNever, nil
	default:
		return FsyncModeUnspecified, errors.New("persist: unknown fsync mode " + s)
	}
}

// PebbleOptions configures the Pebble-backed store.
type PebbleOptions struct {
	// DataDir is the path to the Pebble database directory.
	DataDir string
	// Fsync determines when to sync the WAL.
	Fsync FsyncMode
	// FsyncInterval controls group-commit when Fsync=FsyncModeInterval.
	FsyncInterval time.Duration
}

// PebbleStore is the durable KeyValueStore used by the production build.
type PebbleStore struct {
	inner     *pebble.DB
	writeSync bool
}

// OpenPebble creates or opens a Pebble database at opts.DataDir.
func OpenPebble(opts PebbleOptions) (*PebbleStore, error) {
	if opts.DataDir == "" {
		return nil, errors.New("persist: PebbleOptions.DataDir is required")
	}

	po := &pebble.Options{}
	switch opts.Fsync {
	case FsyncModeAlways:
		// Sync is passed per write; WALMinSyncInterval stays at default.
	case FsyncModeNever:
	default:
		if opts.FsyncInterval <= 0 {
			opts.FsyncInterval = 5 * time.Millisecond
		}
		interval := opts.FsyncInterval
		po.WALMinSyncInterval = func() time.Duration { return interval }
	}

	inner, err := pebble.Open(opts.DataDir, po)
	if err != nil {
		return nil, err
	}
	return &PebbleStore{
		inner:     inner,
		writeSync: opts.Fsync == FsyncModeAlways,
	}, nil
}

func (s *PebbleStore) writeOpts() *pebble.WriteOptions {
	if s.writeSync {
		return pebble.Sync
	}
	return pebble.NoSync
}

func (s *PebbleStore) Get(key string) ([]byte, error) {
	val, closer, err := s.inner.Get([]byte(key))
	if err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	defer closer.Close()
	return append([]byte(nil), val...), nil
}

func (s *PebbleStore) Set(key string, value []byte) error {
	return s.inner.Set([]byte(key), value, s.writeOpts())
}

func (s *PebbleStore) Delete(key string) error {
	return s.inner.Delete([]byte(key), s.writeOpts())
}

func (s *PebbleStore) Close() error {
	if s == nil || s.inner == nil {
		return nil
	}
	return s.inner.Close()
}
