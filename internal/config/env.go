package config

import (
	"os"
	"strconv"
	"strings"
)

// FromEnv overlays I2M_* environment variables onto cfg.
func FromEnv(cfg *Config) {
	if v := os.Getenv("I2M_API_BASE_URL"); v != "" {
		cfg.APIBaseURL = v
	}
	if v := os.Getenv("I2M_DATA_DIR"); v != "" {
		cfg.DataDir = v
	}
	if v := os.Getenv("I2M_FSYNC"); v != "" {
		cfg.Fsync = v
	}
	if v := os.Getenv("I2M_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("I2M_LOG_FORMAT"); v != "" {
		cfg.LogFormat = v
	}
	if v := os.Getenv("I2M_MAX_CONCURRENT_UPLOADS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Queue.MaxConcurrentUploads = n
		}
	}
	if v := os.Getenv("I2M_MAX_RETRIES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			cfg.Queue.MaxRetries = n
		}
	}
	if v := os.Getenv("I2M_AUTO_START"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Queue.AutoStart = b
		}
	}
	if v := os.Getenv("I2M_DEFAULT_FACE_LIMIT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Queue.DefaultFaceLimit = n
		}
	}
	if v := os.Getenv("I2M_STREAM_TIMEOUT_S"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Stream.TimeoutSeconds = n
		}
	}
	if v := os.Getenv("I2M_STREAM_MAX_RECONNECTS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			cfg.Stream.MaxReconnectAttempts = n
		}
	}
	if v := os.Getenv("I2M_MAX_FILE_BYTES"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil && n > 0 {
			cfg.Upload.MaxFileBytes = n
		}
	}
	if v := os.Getenv("I2M_ALLOWED_TYPES"); v != "" {
		parts := strings.Split(v, ",")
		cfg.Upload.AllowedTypes = nil
		for _, p := range parts {
			p = strings.TrimSpace(p)
			if p != "" {
				cfg.Upload.AllowedTypes = append(cfg.Upload.AllowedTypes, p)
			}
		}
	}
}
