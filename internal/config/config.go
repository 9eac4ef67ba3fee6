package config

import (
	"encoding/json"
	"os"
)

// Config is the top-level client configuration loaded from file/env.
type Config struct {
	APIBaseURL string `json:"apiBaseUrl"`
	DataDir    string `json:"dataDir"`
	// Fsync controls WAL durability for the local store: always|interval|never.
	Fsync           string `json:"fsync"`
	FsyncIntervalMs int    `json:"fsyncIntervalMs"`
	LogLevel        string `json:"logLevel"`
	LogFormat       string `json:"logFormat"`

	Queue  QueueDefaults  `json:"queue"`
	Stream StreamDefaults `json:"stream"`
	Upload UploadLimits   `json:"upload"`
}

// QueueDefaults seeds the queue settings when no persisted settings exist.
type QueueDefaults struct {
	MaxConcurrentUploads  int   `json:"maxConcurrentUploads"`
	MaxRetries            int   `json:"maxRetries"`
	AutoStart             bool  `json:"autoStart"`
	DefaultFaceLimit      int   `json:"defaultFaceLimit"`
	RemoveCompletedAfterS int64 `json:"removeCompletedAfterS"`
	RemoveFailedAfterS    int64 `json:"removeFailedAfterS"`
}

// StreamDefaults configures the task stream client.
type StreamDefaults struct {
	TimeoutSeconds       int `json:"timeoutSeconds"`
	MaxReconnectAttempts int `json:"maxReconnectAttempts"`
	ReconnectDelayMs     int `json:"reconnectDelayMs"`
}

// UploadLimits bounds what addFiles accepts before any network call.
type UploadLimits struct {
	MaxFileBytes     int64    `json:"maxFileBytes"`
	MaxFilesPerBatch int      `json:"maxFilesPerBatch"`
	AllowedTypes     []string `json:"allowedTypes"`
}

// Default returns built-in defaults.
func Default() Config {
	return Config{
		APIBaseURL:      "http://127.0.0.1:8000",
		Fsync:           "interval",
		FsyncIntervalMs: 5,
		LogLevel:        "info",
		LogFormat:       "text",
		Queue: QueueDefaults{
			MaxConcurrentUploads: 3,
			MaxRetries:           3,
			AutoStart:            true,
			DefaultFaceLimit:     10000,
		},
		Stream: StreamDefaults{
			TimeoutSeconds:       300,
			MaxReconnectAttempts: 5,
			ReconnectDelayMs:     3000,
		},
		Upload: UploadLimits{
			MaxFileBytes:     25 << 20,
			MaxFilesPerBatch: 25,
			AllowedTypes:     []string{"image/jpeg", "image/png", "image/webp"},
		},
	}
}

// Load reads configuration from a JSON file. If path is empty, returns
// defaults.
func Load(path string) (Config, error) {
	if path == "" {
		return Default(), nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	cfg := Default()
	if err := json.Unmarshal(b, &cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}
