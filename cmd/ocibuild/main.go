// Command ocibuild is the CLI front end over the ocibuild library: it
// decodes a YAML build-plan file, resolves a destination sink from flags,
// and runs one build, per SPEC_FULL.md §0.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/ocibuild/ocibuild"
	"github.com/ocibuild/ocibuild/sink"
)

var (
	flagCacheDir string
	flagSinkKind string
	flagDest     string
	flagVerbose  bool
	flagDryRun   bool
)

func main() {
	root := &cobra.Command{
		Use:           "ocibuild",
		Short:         "Build and push OCI/Docker images without a daemon",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(newBuildCommand())
	root.AddCommand(newScrubCommand())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "ocibuild:", err)
		os.Exit(1)
	}
}

func newBuildCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "build <build-file.yaml>",
		Short: "Build an image from a YAML build plan and push it to a sink",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runBuild(cmd.Context(), args[0])
		},
	}
	cmd.Flags().StringVar(&flagCacheDir, "cache", defaultCacheDir(), "cache root directory")
	cmd.Flags().StringVar(&flagSinkKind, "sink", "tarball", "destination kind: registry|tarball|oci-layout|docker-daemon")
	cmd.Flags().StringVar(&flagDest, "dest", "", "destination: registry ref, tarball path, or OCI layout directory (ignored for docker-daemon)")
	cmd.Flags().BoolVarP(&flagVerbose, "verbose", "v", false, "enable debug logging")
	cmd.Flags().BoolVar(&flagDryRun, "dry-run", false, "validate the build plan against spec.md §7's InvalidBuildPlan rules and exit, without touching the network or cache")
	return cmd
}

func newScrubCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "scrub",
		Short: "Delete orphaned temp files and corrupted cache entries",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ocibuild.LoadBuilderConfig()
			if err != nil {
				return err
			}
			builder := ocibuild.NewBuilder(cfg, flagCacheDir, nil)
			return builder.Cache.Scrub()
		},
	}
	cmd.Flags().StringVar(&flagCacheDir, "cache", defaultCacheDir(), "cache root directory")
	return cmd
}

func defaultCacheDir() string {
	if dir, err := os.UserCacheDir(); err == nil {
		return dir + "/ocibuild"
	}
	return ".ocibuild-cache"
}

func runBuild(ctx context.Context, buildFilePath string) error {
	logger := logrus.New()
	if flagVerbose {
		logger.SetLevel(logrus.DebugLevel)
	}
	entry := logrus.NewEntry(logger)

	plan, err := loadBuildFile(buildFilePath)
	if err != nil {
		return err
	}

	if flagDryRun {
		if err := plan.WithDefaults().Validate(); err != nil {
			return err
		}
		entry.Info("build plan is valid")
		return nil
	}

	cfg, err := ocibuild.LoadBuilderConfig()
	if err != nil {
		return err
	}
	cfg.Logger = entry

	builder := ocibuild.NewBuilder(cfg, flagCacheDir, nil)

	dst, err := resolveSink(builder, entry)
	if err != nil {
		return err
	}

	entry.WithField("sink", flagSinkKind).Info("starting build")
	if err := builder.Build(ctx, plan, dst); err != nil {
		return err
	}
	entry.Info("build complete")
	return nil
}

func resolveSink(builder *ocibuild.Builder, logger *logrus.Entry) (sink.Sink, error) {
	switch flagSinkKind {
	case "registry":
		if flagDest == "" {
			return nil, fmt.Errorf("--dest is required for --sink registry")
		}
		return builder.RegistrySink(flagDest)
	case "tarball":
		if flagDest == "" {
			return nil, fmt.Errorf("--dest is required for --sink tarball")
		}
		return sink.Tarball{Path: flagDest}, nil
	case "oci-layout":
		if flagDest == "" {
			return nil, fmt.Errorf("--dest is required for --sink oci-layout")
		}
		return sink.OCILayout{Dir: flagDest}, nil
	case "docker-daemon":
		return sink.DockerDaemon{Logger: logger}, nil
	default:
		return nil, fmt.Errorf("unknown --sink %q: want registry|tarball|oci-layout|docker-daemon", flagSinkKind)
	}
}
