package main

import (
	"errors"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"ewocclassif/internal/app"
	"ewocclassif/internal/cli"
	"ewocclassif/internal/runstore"
)

var errNoLedger = errors.New("no run ledger configured (set state.db_path or EWOC_STATE_DB)")

// newRunsCmd lists the block runs the ledger recorded for a tile.
func newRunsCmd(stdout, stderr io.Writer, common *commonOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "runs tile_id production_id",
		Short: "List the recorded block runs of a tile",
		Args:  usageArgs(cobra.ExactArgs(2)),
		RunE: func(cmd *cobra.Command, args []string) error {
			target, err := cli.ParseTarget(args[0], args[1])
			if err != nil {
				return err
			}
			cfg, err := app.Boot(common.appOptions(stderr))
			if err != nil {
				return err
			}
			if cfg.State.DBPath == "" {
				return cli.Failure(errNoLedger)
			}
			ledger, err := runstore.Open(cfg.State.DBPath)
			if err != nil {
				return cli.Failure(err)
			}
			defer ledger.Close()

			runs, err := ledger.List(target.Tile, target.Production)
			if err != nil {
				return cli.Failure(err)
			}
			return printRuns(stdout, runs)
		},
	}
}

func printRuns(w io.Writer, runs []runstore.BlockRun) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "BLOCK\tSTATUS\tEXIT\tUPLOADED\tDURATION\tAT")
	for _, r := range runs {
		fmt.Fprintf(tw, "%d\t%s\t%d\t%d\t%s\t%s\n", r.Block, r.Status, r.ExitCode, r.Uploaded,
			r.Duration, r.CreatedAt.Format("2006-01-02 15:04:05"))
	}
	return tw.Flush()
}

func usageArgs(check cobra.PositionalArgs) cobra.PositionalArgs {
	return func(cmd *cobra.Command, args []string) error {
		return cli.Usage(check(cmd, args))
	}
}
