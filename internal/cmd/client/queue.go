package client

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/pranitl/image2model/internal/runtime"
	"github.com/pranitl/image2model/internal/uploadqueue"
)

// newQueueCommand constructs the `queue` command group.
func newQueueCommand() *cobra.Command {
	queueCmd := &cobra.Command{
		Use:   "queue",
		Short: "Inspect and control the persisted upload queue",
		Long: `Queue operations over the locally persisted upload queue.

Items restored from a previous run carry metadata only; their file
content is gone, so restarting them fails them with a re-add hint.`,
	}
	queueCmd.AddCommand(
		newQueueStatusCommand(),
		newQueueListCommand(),
		newQueueClearCommand(),
		newQueueStartCommand(),
		newQueuePauseCommand(),
		newQueueCancelCommand(),
		newQueueRetryCommand(),
		newQueueRemoveCommand(),
	)
	return queueCmd
}

func newQueueStatusCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show queue statistics",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withRuntime(cmd, func(rt *runtime.Runtime) error {
				return printJSON(cmd.OutOrStdout(), rt.Queue().Stats())
			})
		},
	}
}

func newQueueListCommand() *cobra.Command {
	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List queue items",
		Long: `List queue items, optionally filtered with a CEL expression over
item attributes, e.g. --filter 'status == "failed" && retry_count < 3'.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			expr, _ := cmd.Flags().GetString("filter")
			filter, err := uploadqueue.CompileFilter(expr)
			if err != nil {
				return fmt.Errorf("invalid --filter: %w", err)
			}
			return withRuntime(cmd, func(rt *runtime.Runtime) error {
				var rows []itemRow
				for _, it := range rt.Queue().Items() {
					item := it
					if filter.Match(&item) {
						rows = append(rows, rowFromItem(it))
					}
				}
				return printJSON(cmd.OutOrStdout(), rows)
			})
		},
	}
	listCmd.Flags().String("filter", "", "CEL expression selecting items")
	return listCmd
}

func newQueueClearCommand() *cobra.Command {
	clearCmd := &cobra.Command{
		Use:   "clear",
		Short: "Remove items from the queue",
		RunE: func(cmd *cobra.Command, _ []string) error {
			expr, _ := cmd.Flags().GetString("filter")
			return withRuntime(cmd, func(rt *runtime.Runtime) error {
				before := rt.Queue().Stats().Total
				if err := rt.Queue().ClearQueue(expr); err != nil {
					return fmt.Errorf("invalid --filter: %w", err)
				}
				removed := before - rt.Queue().Stats().Total
				fmt.Fprintln(cmd.OutOrStdout(), "removed:", removed)
				return nil
			})
		},
	}
	clearCmd.Flags().String("filter", "", "CEL expression selecting items (default: all)")
	return clearCmd
}

func newQueueStartCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "start [id]",
		Short: "Start a queued item, or the whole queue",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd, func(rt *runtime.Runtime) error {
				if len(args) == 1 {
					rt.Queue().StartItem(args[0])
				} else {
					rt.Queue().StartAll()
				}
				return printJSON(cmd.OutOrStdout(), rt.Queue().Stats())
			})
		},
	}
}

func newQueuePauseCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "pause [id]",
		Short: "Pause an uploading item, or the whole queue",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd, func(rt *runtime.Runtime) error {
				if len(args) == 1 {
					rt.Queue().PauseItem(args[0])
				} else {
					rt.Queue().PauseAll()
				}
				return printJSON(cmd.OutOrStdout(), rt.Queue().Stats())
			})
		},
	}
}

func newQueueCancelCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "cancel [id]",
		Short: "Cancel an item, or every eligible item",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd, func(rt *runtime.Runtime) error {
				if len(args) == 1 {
					rt.Queue().CancelItem(args[0])
				} else {
					rt.Queue().CancelAll()
				}
				return printJSON(cmd.OutOrStdout(), rt.Queue().Stats())
			})
		},
	}
}

func newQueueRetryCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "retry <id>",
		Short: "Re-queue a failed item if retries remain",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd, func(rt *runtime.Runtime) error {
				rt.Queue().RetryItem(args[0])
				it, ok := rt.Queue().Item(args[0])
				if !ok {
					return fmt.Errorf("no such item: %s", args[0])
				}
				return printJSON(cmd.OutOrStdout(), rowFromItem(it))
			})
		},
	}
}

func newQueueRemoveCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "remove <id>",
		Short: "Remove one item from the queue",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd, func(rt *runtime.Runtime) error {
				rt.Queue().RemoveItem(args[0])
				fmt.Fprintln(cmd.OutOrStdout(), "status:", "OK")
				return nil
			})
		},
	}
}
