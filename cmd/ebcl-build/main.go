// ebcl-build generates embedded Linux image artifacts from declarative
// configurations: boot payloads, initrd images and root filesystem tarballs.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/Elektrobit/ebcl-build-tools/apt"
	"github.com/Elektrobit/ebcl-build-tools/boot"
	"github.com/Elektrobit/ebcl-build-tools/deb"
	"github.com/Elektrobit/ebcl-build-tools/fetcher"
	"github.com/Elektrobit/ebcl-build-tools/initrd"
	"github.com/Elektrobit/ebcl-build-tools/manifest"
	"github.com/Elektrobit/ebcl-build-tools/resolver"
	"github.com/Elektrobit/ebcl-build-tools/rootfs"
)

// Exit codes of all generators.
const (
	exitOK         = 0
	exitConfig     = 2
	exitResolution = 3
	exitFetch      = 4
	exitExtraction = 5
	exitInternal   = 6
	exitCancelled  = 130
)

type buildFunc func(ctx context.Context, cfg *manifest.Config, keepStaging bool) (string, error)

func main() {
	var verbose bool
	var keepStaging bool

	root := &cobra.Command{
		Use:           "ebcl-build",
		Short:         "Build embedded Linux image artifacts from declarative configs",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if verbose {
				logrus.SetLevel(logrus.DebugLevel)
			}
		},
	}
	root.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")
	root.PersistentFlags().BoolVar(&keepStaging, "keep-staging", false, "keep the staging directory after the build")

	root.AddCommand(
		generatorCommand("root", "Generate a root filesystem tarball", &keepStaging,
			func(ctx context.Context, cfg *manifest.Config, keep bool) (string, error) {
				g, err := rootfs.New(cfg)
				if err != nil {
					return "", err
				}
				g.KeepStaging = keep
				defer g.Finalize()
				return g.Build(ctx)
			}),
		generatorCommand("initrd", "Generate an initrd image", &keepStaging,
			func(ctx context.Context, cfg *manifest.Config, keep bool) (string, error) {
				g, err := initrd.New(cfg)
				if err != nil {
					return "", err
				}
				g.KeepStaging = keep
				defer g.Finalize()
				return g.Build(ctx)
			}),
		generatorCommand("boot", "Generate a boot payload archive", &keepStaging,
			func(ctx context.Context, cfg *manifest.Config, keep bool) (string, error) {
				g, err := boot.New(cfg)
				if err != nil {
					return "", err
				}
				g.KeepStaging = keep
				defer g.Finalize()
				return g.Build(ctx)
			}),
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	root.SetContext(ctx)
	if err := root.Execute(); err != nil {
		logrus.Error(err)
		os.Exit(exitCode(ctx, err))
	}
}

// generatorCommand builds the shared "<name> <config> <output-dir>" shape.
func generatorCommand(name, short string, keepStaging *bool, build buildFunc) *cobra.Command {
	return &cobra.Command{
		Use:   name + " <config.yaml> <output-dir>",
		Short: short,
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := manifest.Load(args[0], args[1])
			if err != nil {
				return err
			}
			artifact, err := build(cmd.Context(), cfg, *keepStaging)
			if err != nil {
				return err
			}
			fmt.Printf("Image was written to %s.\n", artifact)
			return nil
		},
	}
}

// exitCode maps the error kind onto the documented exit codes.
func exitCode(ctx context.Context, err error) int {
	if ctx.Err() != nil || errors.Is(err, context.Canceled) {
		return exitCancelled
	}

	var (
		invalidConfig *manifest.InvalidConfiguration
		unsat         *resolver.UnsatisfiableError
		preDepCycle   *resolver.PreDependsCycleError
		network       *fetcher.NetworkError
		notFound      *fetcher.NotFoundError
		integrity     *fetcher.IntegrityError
		sigInvalid    *apt.SignatureInvalidError
		unsigned      *apt.UnsignedRepoError
		controlParse  *apt.ControlParseError
		extraction    *deb.ExtractionError
		conflict      *deb.FileConflict
	)
	switch {
	case errors.As(err, &invalidConfig):
		return exitConfig
	case errors.As(err, &unsat), errors.As(err, &preDepCycle):
		return exitResolution
	case errors.As(err, &network), errors.As(err, &notFound),
		errors.As(err, &integrity), errors.As(err, &sigInvalid),
		errors.As(err, &unsigned):
		return exitFetch
	case errors.As(err, &extraction), errors.As(err, &conflict),
		errors.As(err, &controlParse):
		return exitExtraction
	}
	return exitInternal
}
