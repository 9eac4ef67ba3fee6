package client

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	cfgpkg "github.com/pranitl/image2model/internal/config"
	"github.com/pranitl/image2model/internal/runtime"
	"github.com/pranitl/image2model/internal/uploadqueue"
	logpkg "github.com/pranitl/image2model/pkg/log"
)

// loadConfig builds the effective configuration: file, then I2M_* env,
// then flags.
func loadConfig(cmd *cobra.Command) (cfgpkg.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := cfgpkg.Load(path)
	if err != nil {
		return cfgpkg.Config{}, fmt.Errorf("loading config: %w", err)
	}
	cfgpkg.FromEnv(&cfg)

	if v, _ := cmd.Flags().GetString("api"); v != "" {
		cfg.APIBaseURL = v
	}
	if v, _ := cmd.Flags().GetString("data-dir"); v != "" {
		cfg.DataDir = v
	}
	if v, _ := cmd.Flags().GetString("fsync"); v != "" {
		cfg.Fsync = v
	}
	if v, _ := cmd.Flags().GetString("log-level"); v != "" {
		cfg.LogLevel = v
	}
	if v, _ := cmd.Flags().GetString("log-format"); v != "" {
		cfg.LogFormat = v
	}
	return cfg, nil
}

func buildLogger(cfg cfgpkg.Config) logpkg.Logger {
	level, err := logpkg.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = logpkg.InfoLevel
	}
	var formatter logpkg.Formatter = &logpkg.TextFormatter{}
	if cfg.LogFormat == "json" {
		formatter = &logpkg.JSONFormatter{}
	}
	return logpkg.NewLogger(
		logpkg.WithLevel(level),
		logpkg.WithFormatter(formatter),
		logpkg.WithOutput(logpkg.NewConsoleOutput()),
	)
}

// withRuntime opens the runtime from the command's flags, runs fn, and
// closes the runtime afterwards.
func withRuntime(cmd *cobra.Command, fn func(rt *runtime.Runtime) error) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	logger := buildLogger(cfg)
	logpkg.RedirectStdLog(logger)

	noPersist, _ := cmd.Flags().GetBool("no-persist")
	rt, err := runtime.Open(runtime.Options{
		Config:    cfg,
		Logger:    logger,
		NoPersist: noPersist,
	})
	if err != nil {
		return err
	}
	defer func() { _ = rt.Close() }()
	return fn(rt)
}

func printJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// itemRow is the CLI rendering of a queue item.
type itemRow struct {
	ID       string `json:"id"`
	File     string `json:"file"`
	Size     int64  `json:"size"`
	Status   string `json:"status"`
	Progress int    `json:"progress"`
	TaskID   string `json:"task_id,omitempty"`
	Retries  int    `json:"retries"`
	Error    string `json:"error,omitempty"`
}

func rowFromItem(it uploadqueue.Item) itemRow {
	return itemRow{
		ID:       it.ID,
		File:     it.FileName,
		Size:     it.FileSize,
		Status:   string(it.Status),
		Progress: it.Progress,
		TaskID:   it.TaskID,
		Retries:  it.RetryCount,
		Error:    it.Error,
	}
}
