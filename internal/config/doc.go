// Package config provides loading and environment overlay for image2model
// client configuration. It exposes a Default() baseline, JSON file loading,
// and an I2M_* environment overlay.
//
// Example:
//
//	cfg := config.Default()
//	if fileCfg, err := config.Load("/etc/image2model.json"); err == nil {
//	    cfg = fileCfg
//	}
//	config.FromEnv(&cfg)
//
// Process configuration (API endpoint, data directory, logging) is distinct
// from the runtime-mutable queue settings; Queue holds only the initial
// defaults applied when no persisted settings exist.
package config
