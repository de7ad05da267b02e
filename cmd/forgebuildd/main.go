// Command forgebuildd is the build orchestration server: a cobra.Command
// tree with the daemon itself as the root (no subcommand needed to start
// it, the same shape as the teacher's internal/cli/daemon.go runDaemon)
// plus a run-target subcommand that drives runtime.DockerRuntime directly
// against the daemon's configured store, for exercising a TargetRuntime
// without a full scheduler in front of it.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/schererja/forgebuild/internal/build"
	"github.com/schererja/forgebuild/internal/config"
	"github.com/schererja/forgebuild/internal/ids"
	"github.com/schererja/forgebuild/internal/logstream"
	"github.com/schererja/forgebuild/internal/runtime"
	"github.com/schererja/forgebuild/internal/server"
	"github.com/schererja/forgebuild/internal/telemetry/logger"
)

func main() {
	v := viper.New()
	log := logger.NewLogger()

	cmd := &cobra.Command{
		Use:   "forgebuildd",
		Short: "forgebuild's build orchestration daemon",
		Long: `forgebuildd accepts build requests, executes them concurrently,
streams their progress to subscribers, persists results, and federates
with upstream peer servers when a build is not available locally.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), v, log)
		},
	}
	config.BindFlags(cmd, v)
	cmd.AddCommand(newRunTargetCmd(v, log))

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	cmd.SetContext(ctx)

	if err := cmd.Execute(); err != nil {
		log.Error("forgebuildd exited with error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, v *viper.Viper, log *logger.Logger) error {
	cfg, err := config.Load(v)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	srv, err := server.New(cfg, log)
	if err != nil {
		return fmt.Errorf("construct server: %w", err)
	}

	return srv.Run(ctx)
}

// newRunTargetCmd wires runtime.DockerRuntime up as a standalone command:
// it creates one build record against the daemon's configured store, runs
// the given command in a container, and reports the outcome, without
// requiring a scheduler or the HTTP surface in front of it.
func newRunTargetCmd(v *viper.Viper, log *logger.Logger) *cobra.Command {
	var image, host, memoryLimit string

	cmd := &cobra.Command{
		Use:   "run-target <target-artifact-id> -- <command...>",
		Short: "run one build target in a container against this daemon's store",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTarget(cmd.Context(), v, log, args[0], image, host, memoryLimit, args[1:])
		},
	}
	cmd.Flags().StringVar(&image, "image", "", "docker image to run the target's command in")
	cmd.Flags().StringVar(&host, "host", "linux/amd64", "target platform string recorded on the created build")
	cmd.Flags().StringVar(&memoryLimit, "memory-limit", "", "container memory limit (e.g. 512m); empty means no limit")
	_ = cmd.MarkFlagRequired("image")
	return cmd
}

func runTarget(ctx context.Context, v *viper.Viper, log *logger.Logger, targetRaw, image, host, memoryLimit string, cmdArgs []string) error {
	cfg, err := config.Load(v)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	target, err := ids.ParseArtifact(targetRaw)
	if err != nil {
		return fmt.Errorf("parse target artifact id: %w", err)
	}

	st, err := server.OpenStore(cfg)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	msgr, err := server.OpenMessenger(cfg)
	if err != nil {
		return fmt.Errorf("open messenger: %w", err)
	}

	b := build.New(st, msgr, log)
	l := logstream.New(st, msgr, log)

	id := ids.NewBuild()
	if err := b.PutBuild(ctx, build.PutArg{Build: build.Build{
		ID:        id,
		Host:      host,
		Target:    target,
		Status:    build.StatusCreated,
		Retry:     build.RetryFailed,
		CreatedAt: time.Now(),
	}}); err != nil {
		return fmt.Errorf("create build: %w", err)
	}

	rt, err := runtime.NewDockerRuntime(image, b, l)
	if err != nil {
		return fmt.Errorf("construct docker runtime: %w", err)
	}
	rt.MemoryLimit = memoryLimit

	created, err := b.GetBuild(ctx, id)
	if err != nil {
		return fmt.Errorf("reload created build: %w", err)
	}

	log.Info("running target", slog.String("build", id.String()), slog.String("image", image))
	if err := rt.Run(ctx, created, cmdArgs); err != nil {
		return fmt.Errorf("run target: %w", err)
	}
	log.Info("target finished", slog.String("build", id.String()))
	return nil
}
