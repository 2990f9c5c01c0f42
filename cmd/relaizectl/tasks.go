package main

import (
	"errors"
	"fmt"

	"github.com/kiranshivaraju/relaize/internal/store"
	"github.com/kiranshivaraju/relaize/internal/task"
	"github.com/kiranshivaraju/relaize/pkg/models"
	"github.com/spf13/cobra"
)

func newReprocessCmd(c *cli) *cobra.Command {
	var status string
	cmd := &cobra.Command{
		Use:   "reprocess [task-id...]",
		Short: "Reset tasks to pending and push them back onto the queue",
		Long: `Reset tasks to pending and push them back onto the queue.

Pass task ids, or --status to re-queue every task in that state:
  relaizectl reprocess 6f1c... 9a0e...
  relaizectl reprocess --status failed`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if (len(args) == 0) == (status == "") {
				return errors.New("pass either task ids or --status")
			}
			ctx := cmd.Context()
			st, q, closeFn, err := c.primary(ctx)
			if err != nil {
				return err
			}
			defer closeFn()
			svc := task.NewService(st, q, nil, c.storage(), nil)

			ids := args
			if status != "" {
				tasks, err := svc.List(ctx, store.TaskFilter{Status: models.TaskStatus(status), Limit: store.MaxListLimit})
				if err != nil {
					return err
				}
				for _, t := range tasks {
					ids = append(ids, t.ID)
				}
			}

			for _, id := range ids {
				if _, err := svc.Reprocess(ctx, id); err != nil {
					return fmt.Errorf("reprocess %s: %w", id, err)
				}
				fmt.Fprintf(c.out, "queued %s\n", id)
			}
			fmt.Fprintf(c.out, "%d tasks re-queued\n", len(ids))
			return nil
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "re-queue every task with this status (up to 200)")
	return cmd
}

func newClearCmd(c *cli) *cobra.Command {
	var yes bool
	cmd := &cobra.Command{
		Use:   "clear",
		Short: "Delete every task record and stored file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if !yes {
				return errors.New("refusing to delete all tasks without --yes")
			}
			ctx := cmd.Context()
			st, q, closeFn, err := c.primary(ctx)
			if err != nil {
				return err
			}
			defer closeFn()

			n, err := task.NewService(st, q, nil, c.storage(), nil).ClearAll(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintf(c.out, "deleted %d tasks\n", n)
			return nil
		},
	}
	cmd.Flags().BoolVar(&yes, "yes", false, "confirm deletion")
	return cmd
}
