package client

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/pranitl/image2model/internal/runtime"
	"github.com/pranitl/image2model/internal/uploadqueue"
)

// newSettingsCommand constructs the `settings` command group.
func newSettingsCommand() *cobra.Command {
	settingsCmd := &cobra.Command{
		Use:   "settings",
		Short: "Show or change persisted queue settings",
	}
	settingsCmd.AddCommand(
		newSettingsGetCommand(),
		newSettingsSetCommand(),
		newSettingsResetCommand(),
	)
	return settingsCmd
}

func newSettingsGetCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "get",
		Short: "Print the effective queue settings",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withRuntime(cmd, func(rt *runtime.Runtime) error {
				s := rt.Queue().Settings()
				return printJSON(cmd.OutOrStdout(), map[string]interface{}{
					"max_concurrent_uploads": s.MaxConcurrentUploads,
					"max_retries":            s.MaxRetries,
					"auto_start":             s.AutoStart,
					"default_face_limit":     s.DefaultFaceLimit,
					"remove_completed_after": s.RemoveCompletedAfter.String(),
					"remove_failed_after":    s.RemoveFailedAfter.String(),
				})
			})
		},
	}
}

func newSettingsSetCommand() *cobra.Command {
	setCmd := &cobra.Command{
		Use:   "set",
		Short: "Update and persist queue settings",
		RunE: func(cmd *cobra.Command, _ []string) error {
			var patch uploadqueue.SettingsPatch
			if cmd.Flags().Changed("max-concurrent") {
				v, _ := cmd.Flags().GetInt("max-concurrent")
				patch.MaxConcurrentUploads = &v
			}
			if cmd.Flags().Changed("max-retries") {
				v, _ := cmd.Flags().GetInt("max-retries")
				patch.MaxRetries = &v
			}
			if cmd.Flags().Changed("auto-start") {
				v, _ := cmd.Flags().GetBool("auto-start")
				patch.AutoStart = &v
			}
			if cmd.Flags().Changed("face-limit") {
				v, _ := cmd.Flags().GetInt("face-limit")
				patch.DefaultFaceLimit = &v
			}

			return withRuntime(cmd, func(rt *runtime.Runtime) error {
				rt.Queue().UpdateSettings(patch)
				fmt.Fprintln(cmd.OutOrStdout(), "status:", "OK")
				return nil
			})
		},
	}
	setCmd.Flags().Int("max-concurrent", 0, "Maximum parallel uploads")
	setCmd.Flags().Int("max-retries", 0, "Retry budget per item")
	setCmd.Flags().Bool("auto-start", true, "Start queued items automatically")
	setCmd.Flags().Int("face-limit", 0, "Default face limit for generated models")
	return setCmd
}

func newSettingsResetCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "reset",
		Short: "Clear the queue, persisted state, and settings",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withRuntime(cmd, func(rt *runtime.Runtime) error {
				rt.Queue().Reset()
				fmt.Fprintln(cmd.OutOrStdout(), "status:", "OK")
				return nil
			})
		},
	}
}
