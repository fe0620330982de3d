// Command ewoc_get_models mirrors the WorldCereal CatBoost models from the
// artifactory into a local directory, so that the classifier can run with
// EWOC_MODELS_DIR_ROOT pointing at it.
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
	"ewocclassif/internal/cli"
	"ewocclassif/internal/ewoc"
	"ewocclassif/internal/logging"
	"ewocclassif/internal/models"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err := run(ctx, os.Stdout, os.Stderr, os.Args[1:])
	stop()
	_ = logging.Sync()
	if err != nil {
		fmt.Fprintf(os.Stderr, "ewoc_get_models: %v\n", err)
	}
	os.Exit(cli.ExitCode(err))
}

func run(ctx context.Context, stdout, stderr io.Writer, args []string) error {
	cmd := newRootCmd(stdout, stderr)
	cmd.SetArgs(args)
	return cmd.ExecuteContext(ctx)
}

func newRootCmd(stdout, stderr io.Writer) *cobra.Command {
	var (
		versions   models.Versions
		configPath string
		verbosity  int
	)

	cmd := &cobra.Command{
		Use:   "ewoc_get_models models_dir_root",
		Short: "Mirror the WorldCereal models locally",
		Long: `Recreates <models_dir_root>/models and downloads the cropland, irrigation
and croptype model directories of the requested versions into it. Model
configs referencing the artifactory are rewritten to the local copy.`,
		Version:       cli.Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		Args: func(cmd *cobra.Command, args []string) error {
			return cli.Usage(cobra.ExactArgs(1)(cmd, args))
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := app.Boot(app.Options{ConfigPath: configPath, Verbosity: verbosity, Stderr: stderr})
			if err != nil {
				return err
			}

			mirror := models.NewMirror(args[0], cfg, nil)
			if err := mirror.Reset(); err != nil {
				return cli.Failure(err)
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), cfg.GetModelsTimeout())
			defer cancel()

			timer := logging.StartTimer(logging.CategoryModels, "model mirror")
			err = mirror.Fetch(ctx, cfg.Models.IndexURL, versions)
			timer.StopWithInfo()
			if err != nil {
				return cli.Failure(err)
			}
			logging.Boot("Models mirrored to %s", mirror.Dir)
			return nil
		},
	}
	cmd.SetOut(stdout)
	cmd.SetErr(stderr)
	cmd.SetVersionTemplate(cli.VersionString("ewoc_get_models") + "\n")
	cmd.SetFlagErrorFunc(func(_ *cobra.Command, err error) error {
		return cli.Usage(err)
	})

	fs := cmd.Flags()
	fs.StringVar(&versions.Cropland, "cropland-models-version", ewoc.DefaultCroplandModelVersion, "Cropland model version")
	fs.StringVar(&versions.Croptype, "croptype-models-version", ewoc.DefaultCroptypeModelVersion, "Croptype model version")
	fs.StringVar(&versions.Irrigation, "irr-models-version", ewoc.DefaultIrrigationModelVersion, "Irrigation model version")
	fs.StringVar(&configPath, "config", "", "Configuration file (default $EWOC_CONFIG or ~/.config/ewoc/config.yaml)")
	fs.CountVarP(&verbosity, "verbose", "v", "Set loglevel to INFO (-vv: DEBUG)")
	return cmd
}
