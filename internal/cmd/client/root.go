package client

import (
	"github.com/spf13/cobra"
)

// NewRoot constructs the root command for the image2model client and
// registers the command groups.
func NewRoot() *cobra.Command {
	root := &cobra.Command{
		Use:   "image2model",
		Short: "Upload images for 3D model generation and monitor processing",
		Long: `image2model uploads image batches to the generation backend, tracks
processing over the task event stream, and keeps a durable local upload
queue that survives restarts.`,
	}

	root.PersistentFlags().String("config", "", "Path to JSON config file")
	root.PersistentFlags().String("api", "", "Backend base URL (overrides config and I2M_API_BASE_URL)")
	root.PersistentFlags().String("data-dir", "", "Local data directory (default: OS application data dir)")
	root.PersistentFlags().String("fsync", "", "Local store durability: always|interval|never")
	root.PersistentFlags().Bool("no-persist", false, "Keep queue state in memory only")
	root.PersistentFlags().String("log-level", "", "Log level: debug|info|warn|error")
	root.PersistentFlags().String("log-format", "", "Log format: text|json")

	root.AddCommand(
		newUploadCommand(),
		newQueueCommand(),
		newWatchCommand(),
		newSettingsCommand(),
	)
	return root
}
