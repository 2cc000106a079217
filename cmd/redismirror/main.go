package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/alexflint/go-arg"

	"github.com/awinterman/redismirror/config"
	"github.com/awinterman/redismirror/mirror"
)

var version = "dev"

type runCmd struct {
	Config string `arg:"-c,--config" default:"config.yaml" help:"path to the configuration file"`
}

type initCmd struct {
	Output string `arg:"-o,--output" default:"config.yaml" help:"where to write the sample configuration"`
	Force  bool   `arg:"--force" help:"overwrite an existing file"`
}

type args struct {
	Run     *runCmd   `arg:"subcommand:run" help:"run the replication service"`
	Init    *initCmd  `arg:"subcommand:init" help:"write a sample configuration"`
	Version *struct{} `arg:"subcommand:version" help:"print the version"`

	Verbose bool `arg:"-v,--verbose" env:"RM_VERBOSE" help:"debug logging"`
}

func (args) Description() string {
	return "redismirror continuously replicates one source Redis into many targets"
}

func main() {
	var a args
	p := arg.MustParse(&a)

	level := slog.LevelInfo
	if a.Verbose {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	switch {
	case a.Run != nil:
		os.Exit(run(a.Run.Config))
	case a.Init != nil:
		os.Exit(initConfig(a.Init))
	case a.Version != nil:
		fmt.Println("redismirror", version)
	default:
		p.WriteHelp(os.Stderr)
		os.Exit(mirror.ExitConfig)
	}
}

func run(path string) int {
	cfg, err := config.Load(path)
	if err != nil {
		slog.Error("configuration rejected", "error", err)
		return mirror.ExitConfig
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	svc := mirror.New(cfg)
	err = svc.Run(ctx)
	switch {
	case err == nil || errors.Is(err, context.Canceled):
		slog.Info("clean shutdown")
		return mirror.ExitOK
	case errors.Is(err, mirror.ErrSourceUnreachable):
		slog.Error("source unreachable", "error", err)
		return mirror.ExitSource
	default:
		slog.Error("replication failed", "error", err)
		return mirror.ExitReplication
	}
}

func initConfig(cmd *initCmd) int {
	if _, err := os.Stat(cmd.Output); err == nil && !cmd.Force {
		slog.Error("refusing to overwrite existing file; use --force", "path", cmd.Output)
		return mirror.ExitConfig
	}
	if err := os.WriteFile(cmd.Output, []byte(config.Sample()), 0o644); err != nil {
		slog.Error("writing sample config", "error", err)
		return mirror.ExitConfig
	}
	fmt.Println("wrote", cmd.Output)
	return mirror.ExitOK
}
