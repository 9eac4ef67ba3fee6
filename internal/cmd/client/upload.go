package client

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/pranitl/image2model/internal/runtime"
	"github.com/pranitl/image2model/internal/transport"
	"github.com/pranitl/image2model/internal/uploadqueue"
)

// newUploadCommand constructs the `upload` command.
func newUploadCommand() *cobra.Command {
	uploadCmd := &cobra.Command{
		Use:   "upload <file>...",
		Short: "Upload images and wait for processing to finish",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			faceLimit, _ := cmd.Flags().GetInt("face-limit")
			detach, _ := cmd.Flags().GetBool("detach")
			asJSON, _ := cmd.Flags().GetBool("json")

			files := make([]transport.FileRef, 0, len(args))
			for _, path := range args {
				f, err := transport.NewOSFile(path)
				if err != nil {
					return err
				}
				files = append(files, f)
			}

			return withRuntime(cmd, func(rt *runtime.Runtime) error {
				queue := rt.Queue()
				ids, err := queue.AddFiles(files, uploadqueue.AddOptions{FaceLimit: faceLimit})
				if err != nil {
					return err
				}
				queue.StartAll()

				if detach {
					for _, id := range ids {
						fmt.Fprintln(cmd.OutOrStdout(), "queued:", id)
					}
					return nil
				}

				ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
				defer cancel()
				if err := waitForBatch(ctx, cmd, queue, ids, asJSON); err != nil {
					return err
				}
				return reportBatch(cmd, queue, ids, asJSON)
			})
		},
	}
	uploadCmd.Flags().Int("face-limit", 0, "Face limit for generated models (0 uses the configured default)")
	uploadCmd.Flags().Bool("detach", false, "Enqueue and exit without waiting for results")
	uploadCmd.Flags().Bool("json", false, "Print machine-readable output")
	return uploadCmd
}

// waitForBatch blocks until every id reaches a terminal state, printing
// progress as events arrive.
func waitForBatch(ctx context.Context, cmd *cobra.Command, queue *uploadqueue.Manager, ids []string, quiet bool) error {
	watched := make(map[string]bool, len(ids))
	for _, id := range ids {
		watched[id] = true
	}

	done := make(chan struct{}, 1)
	check := func() {
		for _, id := range ids {
			it, ok := queue.Item(id)
			if ok && !it.Status.Terminal() {
				return
			}
		}
		select {
		case done <- struct{}{}:
		default:
		}
	}

	unsub := queue.Subscribe(func(ev uploadqueue.Event) {
		if !watched[ev.ItemID] {
			return
		}
		switch ev.Kind {
		case uploadqueue.EventStateChanged:
			if !quiet {
				fmt.Fprintf(cmd.OutOrStdout(), "%s: %s\n", ev.ItemID, ev.To)
			}
			check()
		case uploadqueue.EventRetryScheduled:
			if !quiet {
				fmt.Fprintf(cmd.OutOrStdout(), "%s: retrying in %ds (attempt %d)\n",
					ev.ItemID, ev.DelayMs/1000, ev.Attempt)
			}
		case uploadqueue.EventItemRemoved:
			check()
		}
	})
	defer unsub()
	check()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		queue.CancelAll()
		return ctx.Err()
	}
}

func reportBatch(cmd *cobra.Command, queue *uploadqueue.Manager, ids []string, asJSON bool) error {
	rows := make([]itemRow, 0, len(ids))
	failed := 0
	for _, id := range ids {
		it, ok := queue.Item(id)
		if !ok {
			continue
		}
		if it.Status != uploadqueue.StatusCompleted {
			failed++
		}
		rows = append(rows, rowFromItem(it))
	}

	if asJSON {
		if err := printJSON(cmd.OutOrStdout(), rows); err != nil {
			return err
		}
	} else {
		for _, r := range rows {
			if r.Error != "" {
				fmt.Fprintf(cmd.OutOrStdout(), "%s  %s  %s (%s)\n", r.ID, r.File, r.Status, r.Error)
			} else {
				fmt.Fprintf(cmd.OutOrStdout(), "%s  %s  %s\n", r.ID, r.File, r.Status)
			}
		}
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d files did not complete", failed, len(rows))
	}
	return nil
}
