package main

import (
	"context"
	"fmt"

	"github.com/kiranshivaraju/relaize/internal/store"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"
)

func newMigrateCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply relational mirror schema migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			db, err := c.database()
			if err != nil {
				return err
			}
			if err := store.RunMigrations(db.Driver, db.URL); err != nil {
				return err
			}
			fmt.Fprintf(c.out, "migrations applied (%s)\n", db.Driver)
			return nil
		},
	}
}

type counter interface {
	Count(ctx context.Context) (int64, error)
}

func newMirrorCmd(c *cli) *cobra.Command {
	var quiet bool
	cmd := &cobra.Command{
		Use:   "mirror",
		Short: "Copy every task record from Redis into the relational mirror",
		Long: `Copy every task record from Redis into the relational mirror.

The mirror schema is migrated first. Existing rows are overwritten, so the
command can be re-run after a partial copy.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			db, err := c.database()
			if err != nil {
				return err
			}
			src, _, closeSrc, err := c.primary(ctx)
			if err != nil {
				return err
			}
			defer closeSrc()

			dst, closeDst, err := store.OpenRelational(ctx, db)
			if err != nil {
				return err
			}
			defer closeDst()

			total := int64(-1)
			if cnt, ok := src.(counter); ok {
				if n, err := cnt.Count(ctx); err == nil {
					total = n
				}
			}

			var tick func()
			if !quiet {
				bar := progressbar.NewOptions64(total,
					progressbar.OptionSetWriter(c.out),
					progressbar.OptionSetDescription("mirroring tasks"),
					progressbar.OptionSetWidth(40),
					progressbar.OptionShowCount(),
					progressbar.OptionShowIts(),
					progressbar.OptionSetItsString("task"),
					progressbar.OptionOnCompletion(func() { fmt.Fprintln(c.out) }),
				)
				defer bar.Finish()
				tick = func() { _ = bar.Add(1) }
			}

			n, err := store.Copy(ctx, dst, src, tick)
			if err != nil {
				return fmt.Errorf("mirror stopped after %d tasks: %w", n, err)
			}
			fmt.Fprintf(c.out, "mirrored %d tasks into %s\n", n, db.Driver)
			return nil
		},
	}
	cmd.Flags().BoolVarP(&quiet, "quiet", "q", false, "disable the progress bar")
	return cmd
}
