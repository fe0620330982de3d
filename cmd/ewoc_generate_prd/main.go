// Command ewoc_generate_prd mosaics the classified blocks of a tile stored
// in the EWoC product bucket into the final products, uploads them and
// optionally starts their VDM ingestion.
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

var factory = app.DefaultFactory

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err := run(ctx, os.Stdout, os.Stderr, os.Args[1:])
	stop()
	_ = logging.Sync()
	if err != nil {
		fmt.Fprintf(os.Stderr, "ewoc_generate_prd: %v\n", err)
	}
	os.Exit(cli.ExitCode(err))
}

func run(ctx context.Context, stdout, stderr io.Writer, args []string) error {
	cmd := newRootCmd(stdout, stderr)
	cmd.SetArgs(args)
	return cmd.ExecuteContext(ctx)
}

type prdOptions struct {
	params     cli.ProcessingFlags
	configPath string
	verbosity  int
	noUpload   bool
	notifyVDM  bool
}

func newRootCmd(stdout, stderr io.Writer) *cobra.Command {
	opts := &prdOptions{}

	cmd := &cobra.Command{
		Use:   "ewoc_generate_prd tile_id production_id",
		Short: "Generate the EWoC products of one Sentinel-2 tile",
		Long: `Downloads the classified blocks of a tile from the EWoC product bucket,
runs the classifier mosaic, rewrites the STAC metadata for the bucket
location and uploads the products.

With --notify-vdm every STAC metadata file is sent to the VDM ingestion
endpoint (VDM_HOST, VDM_USERINFO).`,
		Version:       cli.Version,
		Args:          usageArgs(cobra.ExactArgs(2)),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if opts.noUpload && opts.notifyVDM {
				return cli.Usagef("--notify-vdm needs the products uploaded, drop --no-upload")
			}
			target, err := cli.ParseTarget(args[0], args[1])
			if err != nil {
				return err
			}
			cfg, err := app.Boot(app.Options{ConfigPath: opts.configPath, Verbosity: opts.verbosity, Stderr: stderr})
			if err != nil {
				return err
			}

			reporter := cli.NewReporter(stdout)
			env, err := factory.NewEnv(cfg, reporter)
			if err != nil {
				return err
			}
			defer env.Close()
			reporter.Line("Start EWoC products generation")

			res, err := env.Processor.Products(cmd.Context(), classif.ProductsRequest{
				Tile:       target.Tile,
				Production: target.Production,
				Params:     opts.params,
				NoUpload:   opts.noUpload,
				NotifyVDM:  opts.notifyVDM,
			})
			if err != nil {
				return cli.Failure(err)
			}
			logging.Boot("Products of %s: %d blocks downloaded, %d files uploaded, %d STAC files, %d ingested",
				target.Tile, res.Downloaded, res.Uploaded.Count, len(res.STACFiles), res.Ingested)
			return nil
		},
	}
	cmd.SetOut(stdout)
	cmd.SetErr(stderr)
	cmd.SetVersionTemplate(cli.VersionString("ewoc_generate_prd") + "\n")
	cmd.SetFlagErrorFunc(func(_ *cobra.Command, err error) error {
		return cli.Usage(err)
	})

	fs := cmd.Flags()
	opts.params.Register(fs)
	fs.StringVar(&opts.configPath, "config", "", "Configuration file (default $EWOC_CONFIG or ~/.config/ewoc/config.yaml)")
	fs.CountVarP(&opts.verbosity, "verbose", "v", "Set loglevel to INFO (-vv: DEBUG)")
	fs.BoolVar(&opts.noUpload, "no-upload", false, "Keep the products local")
	fs.BoolVar(&opts.notifyVDM, "notify-vdm", false, "Start the VDM ingestion of the products")
	return cmd
}

// usageArgs reports positional argument errors as usage errors.
func usageArgs(check cobra.PositionalArgs) cobra.PositionalArgs {
	return func(cmd *cobra.Command, args []string) error {
		return cli.Usage(check(cmd, args))
	}
}
