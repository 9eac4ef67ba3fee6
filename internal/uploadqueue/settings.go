package uploadqueue

import (
	"time"

	"github.com/pranitl/image2model/internal/persist"
)

// Settings governs queue behavior. Mutated only via UpdateSettings;
// persisted immediately on change.
type Settings struct {
	MaxConcurrentUploads int
	MaxRetries           int
	AutoStart            bool
	DefaultFaceLimit     int
	// Optional auto-removal delays. Zero disables removal.
	RemoveCompletedAfter time.Duration
	RemoveFailedAfter    time.Duration
}

// DefaultSettings returns the out-of-the-box queue settings.
func DefaultSettings() Settings {
	return Settings{
		MaxConcurrentUploads: 3,
		MaxRetries:           3,
		AutoStart:            true,
		DefaultFaceLimit:     10000,
	}
}

// SettingsPatch is a partial settings update; nil fields keep the current
// value.
type SettingsPatch struct {
	MaxConcurrentUploads *int
	MaxRetries           *int
	AutoStart            *bool
	DefaultFaceLimit     *int
	RemoveCompletedAfter *time.Duration
	RemoveFailedAfter    *time.Duration
}

func (s Settings) apply(p SettingsPatch) Settings {
	if p.MaxConcurrentUploads != nil && *p.MaxConcurrentUploads > 0 {
		s.MaxConcurrentUploads = *p.MaxConcurrentUploads
	}
	if p.MaxRetries != nil && *p.MaxRetries >= 0 {
		s.MaxRetries = *p.MaxRetries
	}
	if p.AutoStart != nil {
		s.AutoStart = *p.AutoStart
	}
	if p.DefaultFaceLimit != nil && *p.DefaultFaceLimit > 0 {
		s.DefaultFaceLimit = *p.DefaultFaceLimit
	}
	if p.RemoveCompletedAfter != nil {
		s.RemoveCompletedAfter = *p.RemoveCompletedAfter
	}
	if p.RemoveFailedAfter != nil {
		s.RemoveFailedAfter = *p.RemoveFailedAfter
	}
	return s
}

func (s Settings) record() persist.SettingsRecord {
	return persist.SettingsRecord{
		MaxConcurrentUploads:  s.MaxConcurrentUploads,
		MaxRetries:            s.MaxRetries,
		AutoStart:             s.AutoStart,
		DefaultFaceLimit:      s.DefaultFaceLimit,
		RemoveCompletedAfterS: int64(s.RemoveCompletedAfter / time.Second),
		RemoveFailedAfterS:    int64(s.RemoveFailedAfter / time.Second),
	}
}

func settingsFromRecord(rec persist.SettingsRecord) Settings {
	s := DefaultSettings()
	if rec.MaxConcurrentUploads > 0 {
		s.MaxConcurrentUploads = rec.MaxConcurrentUploads
	}
	if rec.MaxRetries >= 0 {
		s.MaxRetries = rec.MaxRetries
	}
	s.AutoStart = rec.AutoStart
	if rec.DefaultFaceLimit > 0 {
		s.DefaultFaceLimit = rec.DefaultFaceLimit
	}
	s.RemoveCompletedAfter = time.Duration(rec.RemoveCompletedAfterS) * time.Second
	s.RemoveFailedAfter = time.Duration(rec.RemoveFailedAfterS) * time.Second
	return s
}
