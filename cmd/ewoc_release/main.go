// Command ewoc_release holds the CI steps of the EWoC classification
// repository: the release tag gate and the download of the private
// dependency artifacts.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"ewocclassif/internal/cli"
	"ewocclassif/internal/logging"
	"ewocclassif/internal/release"
)

// errNotRelease makes check-tag exit 1 so that CI can branch on it.
var errNotRelease = errors.New("not a release tag")

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err := run(ctx, os.Stdout, os.Stderr, os.Args[1:])
	stop()
	_ = logging.Sync()
	if err != nil {
		fmt.Fprintf(os.Stderr, "ewoc_release: %v\n", err)
	}
	os.Exit(cli.ExitCode(err))
}

func run(ctx context.Context, stdout, stderr io.Writer, args []string) error {
	cmd := newRootCmd(stdout, stderr)
	cmd.SetArgs(args)
	return cmd.ExecuteContext(ctx)
}

func newRootCmd(stdout, stderr io.Writer) *cobra.Command {
	var verbosity int

	root := &cobra.Command{
		Use:           "ewoc_release",
		Short:         "CI helpers for the EWoC classification releases",
		Version:       cli.Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			err := logging.Initialize(logging.Options{
				Level:  logging.LevelFromVerbosity(verbosity),
				Output: stderr,
			})
			return cli.Failure(err)
		},
	}
	root.SetOut(stdout)
	root.SetErr(stderr)
	root.SetVersionTemplate(cli.VersionString("ewoc_release") + "\n")
	root.SetFlagErrorFunc(func(_ *cobra.Command, err error) error {
		return cli.Usage(err)
	})
	root.PersistentFlags().CountVarP(&verbosity, "verbose", "v", "Set loglevel to INFO (-vv: DEBUG)")

	root.AddCommand(newCheckTagCmd(stdout), newFetchCmd(stdout))
	return root
}

func newCheckTagCmd(stdout io.Writer) *cobra.Command {
	return &cobra.Command{
		Use:   "check-tag ref",
		Short: "Print the version of a release tag ref, fail otherwise",
		Long: `Accepts refs/tags/<major>.<minor>.<patch> or a bare <major>.<minor>.<patch>
and prints the version. Any other ref exits with status 1.`,
		Args: func(cmd *cobra.Command, args []string) error {
			return cli.Usage(cobra.ExactArgs(1)(cmd, args))
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			version, ok := release.CheckTag(args[0])
			if !ok {
				return cli.Failure(fmt.Errorf("%w: %s", errNotRelease, args[0]))
			}
			fmt.Fprintln(stdout, version)
			return nil
		},
	}
}

func newFetchCmd(stdout io.Writer) *cobra.Command {
	var (
		artifacts []string
		outDir    string
		tokenEnv  string
		baseURL   string
	)

	cmd := &cobra.Command{
		Use:   "fetch --artifact owner/repo@version:asset [--artifact ...]",
		Short: "Download release artifacts of private dependencies",
		Args: func(cmd *cobra.Command, args []string) error {
			return cli.Usage(cobra.NoArgs(cmd, args))
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(artifacts) == 0 {
				return cli.Usagef("at least one --artifact is required")
			}
			parsed := make([]release.Artifact, 0, len(artifacts))
			for _, s := range artifacts {
				a, err := release.ParseArtifact(s)
				if err != nil {
					return cli.Usage(err)
				}
				parsed = append(parsed, a)
			}

			f := &release.Fetcher{BaseURL: baseURL, Token: os.Getenv(tokenEnv)}
			for _, a := range parsed {
				file, err := f.Fetch(cmd.Context(), a, outDir)
				if err != nil {
					if errors.Is(err, release.ErrNoToken) {
						return cli.Failure(fmt.Errorf("%w: set %s", err, tokenEnv))
					}
					return cli.Failure(err)
				}
				if err := release.Verify(file); err != nil {
					return cli.Failure(fmt.Errorf("%s: %w", file, err))
				}
				fmt.Fprintln(stdout, file)
			}
			return nil
		},
	}

	fs := cmd.Flags()
	fs.StringArrayVar(&artifacts, "artifact", nil, "Release asset to download, owner/repo@version:asset")
	fs.StringVarP(&outDir, "out", "o", "dist/deps", "Download directory")
	fs.StringVar(&tokenEnv, "token-env", "GITHUB_TOKEN", "Environment variable holding the access token")
	fs.StringVar(&baseURL, "base-url", release.DefaultBaseURL, "Release host")
	return cmd
}
