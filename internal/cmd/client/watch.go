package client

import (
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/pranitl/image2model/internal/runtime"
	"github.com/pranitl/image2model/internal/taskstream"
)

// newWatchCommand constructs the `watch` command: a standalone stream
// subscription for one backend task id.
func newWatchCommand() *cobra.Command {
	watchCmd := &cobra.Command{
		Use:   "watch <task-id>",
		Short: "Follow a task's status stream until it ends",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			asJSON, _ := cmd.Flags().GetBool("json")
			taskID := args[0]

			return withRuntime(cmd, func(rt *runtime.Runtime) error {
				ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
				defer cancel()

				done := make(chan error, 1)
				var last taskstream.Status
				c, err := rt.WatchTask(ctx, taskID, func(st taskstream.Status) {
					last = st
					if asJSON {
						_ = printJSON(cmd.OutOrStdout(), st)
						return
					}
					if st.Message != "" {
						fmt.Fprintf(cmd.OutOrStdout(), "%s %3d%%  %s\n", st.Status, st.Progress, st.Message)
					} else {
						fmt.Fprintf(cmd.OutOrStdout(), "%s %3d%%\n", st.Status, st.Progress)
					}
				}, func(err error) { done <- err })
				if err != nil {
					return err
				}
				defer c.Disconnect()

				select {
				case err := <-done:
					if err != nil {
						return err
					}
					if last.Status == "failed" && last.Error != "" {
						return fmt.Errorf("task failed: %s", last.Error)
					}
					return nil
				case <-ctx.Done():
					return ctx.Err()
				}
			})
		},
	}
	watchCmd.Flags().Bool("json", false, "Print each status event as JSON")
	return watchCmd
}
