// Command ewoc_classif classifies one Sentinel-2 tile of an EWoC
// production with the WorldCereal classifier, block by block, and uploads
// the results to the EWoC product bucket.
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"ewocclassif/internal/app"
	"ewocclassif/internal/classif"
	"ewocclassif/internal/cli"
	"ewocclassif/internal/logging"
)

// factory builds the S3 store and the classifier runner.
var factory = app.DefaultFactory

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err := run(ctx, os.Stdout, os.Stderr, os.Args[1:])
	stop()
	_ = logging.Sync()
	if err != nil {
		fmt.Fprintf(os.Stderr, "ewoc_classif: %v\n", err)
	}
	os.Exit(cli.ExitCode(err))
}

// run executes the command line args. Protocol lines go to stdout, logs
// and usage to stderr.
func run(ctx context.Context, stdout, stderr io.Writer, args []string) error {
	root := newRootCmd(stdout, stderr)
	root.SetArgs(args)
	return root.ExecuteContext(ctx)
}

// classifOptions are the ewoc_classif flags.
type classifOptions struct {
	common      commonOptions
	params      cli.ProcessingFlags
	blockIDs    []int
	uploadBlock bool
	postprocess bool
	resume      bool
}

// commonOptions are the flags shared with the runs subcommand.
type commonOptions struct {
	configPath  string
	verbosity   int
	veryVerbose bool
}

func (c *commonOptions) appOptions(stderr io.Writer) app.Options {
	v := c.verbosity
	if c.veryVerbose && v < 2 {
		v = 2
	}
	return app.Options{ConfigPath: c.configPath, Verbosity: v, Stderr: stderr}
}

func newRootCmd(stdout, stderr io.Writer) *cobra.Command {
	opts := &classifOptions{}

	rootCmd := &cobra.Command{
		Use:   "ewoc_classif tile_id production_id",
		Short: "EWoC classification of one Sentinel-2 tile",
		Long: `Classifies the blocks of a Sentinel-2 MGRS tile for an EWoC production.

The ARD inventories of the tile are turned into satio CSV files (unless
given with --optical-csv, --sar-csv, --tir-csv and --agera5-csv), the
classifier configuration is generated, and the classifier runs once per
block. Each block is uploaded to the EWoC product bucket as soon as it is
done, or mosaicked locally when --upload-block=false.

Required environment: EWOC_S3_ACCESS_KEY_ID, EWOC_S3_SECRET_ACCESS_KEY.
Optional: EWOC_DEV_MODE, EWOC_MODELS_DIR_ROOT, EWOC_CLOUD_PROVIDER,
EWOC_BLOCKSIZE, VDM_HOST, VDM_USERINFO.`,
		Version:       cli.Version,
		Args:          cobra.ArbitraryArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runClassif(cmd, opts, stdout, stderr, args)
		},
	}
	rootCmd.SetOut(stdout)
	rootCmd.SetErr(stderr)
	rootCmd.SetVersionTemplate(cli.VersionString("ewoc_classif") + "\n")
	rootCmd.SetFlagErrorFunc(func(c *cobra.Command, err error) error {
		return cli.Usage(err)
	})

	registerCommon(rootCmd, &opts.common)
	fs := rootCmd.Flags()
	opts.params.Register(fs)
	fs.IntSliceVar(&opts.blockIDs, "block-ids", nil, "List of block id to process")
	fs.BoolVar(&opts.uploadBlock, "upload-block", true, "Upload each block and skip the mosaic")
	fs.BoolVar(&opts.postprocess, "postprocess", false, "Only run the mosaic of the uploaded blocks")
	fs.BoolVar(&opts.resume, "resume", false, "Skip the blocks the run ledger records as done")

	rootCmd.AddCommand(newRunsCmd(stdout, stderr, &opts.common))
	return rootCmd
}

func registerCommon(cmd *cobra.Command, c *commonOptions) {
	fs := cmd.PersistentFlags()
	fs.StringVar(&c.configPath, "config", "", "Configuration file (default $EWOC_CONFIG or ~/.config/ewoc/config.yaml)")
	fs.CountVarP(&c.verbosity, "verbose", "v", "Set loglevel to INFO (-vv: DEBUG)")
	fs.BoolVar(&c.veryVerbose, "very-verbose", false, "Set loglevel to DEBUG")
	_ = fs.MarkHidden("very-verbose")
}

func runClassif(cmd *cobra.Command, opts *classifOptions, stdout, stderr io.Writer, args []string) error {
	positionals, extraIDs, err := cli.SplitArgs(args, cmd.Flags().Changed("block-ids"), 2)
	if err != nil {
		return err
	}
	target, err := cli.ParseTarget(positionals[0], positionals[1])
	if err != nil {
		return err
	}
	blockIDs, err := cli.BlockIDs(opts.blockIDs, cmd.Flags().Changed("block-ids"), extraIDs)
	if err != nil {
		return err
	}

	cfg, err := app.Boot(opts.common.appOptions(stderr))
	if err != nil {
		return err
	}

	reporter := cli.NewReporter(stdout)
	env, err := factory.NewEnv(cfg, reporter)
	if err != nil {
		return err
	}
	defer env.Close()
	if opts.resume && !opts.postprocess && env.Ledger == nil {
		return cli.Failure(classif.ErrNoLedger)
	}

	// The orchestrator waits for this line before anything else.
	reporter.Start()

	logging.Boot("Classifying %s for %s (detector %s, %d %s)", target.Tile, target.Production,
		opts.params.Detector, opts.params.Year, opts.params.Season)
	sum, err := env.Processor.Run(cmd.Context(), classif.Request{
		Tile:        target.Tile,
		Production:  target.Production,
		Params:      opts.params,
		BlockIDs:    blockIDs,
		UploadBlock: opts.uploadBlock,
		Postprocess: opts.postprocess,
		Resume:      opts.resume,
	})
	if sum != nil {
		logging.Boot("Blocks done %d, skipped %d, failed %d, resumed %d", sum.Done, sum.Skipped, sum.Failed, sum.Resumed)
	}
	return cli.Failure(err)
}
