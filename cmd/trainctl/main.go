// Command trainctl inspects the artifacts a training run leaves behind:
// checkpoint files, the SQLite run database and the progression status
// file. It also watches a live run and scaffolds experiment configs.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/alecthomas/kong"
	"github.com/joho/godotenv"

	"github.com/tsawler/go-trainer/config"
	"github.com/tsawler/go-trainer/logging"
)

var CLI struct {
	LogLevel  string `help:"Log level (debug|info|warn|error)" default:"info"`
	LogFormat string `help:"Log format (text|json)" default:"text"`

	Checkpoints struct {
		Ls struct {
			Dir    string `short:"d" help:"Checkpoint directory" default:"checkpoints"`
			Format string `short:"f" help:"Checkpoint format (json|binary)" default:"binary"`
			Group  string `short:"g" help:"Checkpoint group" default:"best"`
		} `cmd:"" help:"List a group's checkpoint files"`

		Show struct {
			Path string `arg:"" help:"Checkpoint file to inspect"`
		} `cmd:"" help:"Print the contents of a checkpoint file"`

		Prune struct {
			Dir    string `short:"d" help:"Checkpoint directory" default:"checkpoints"`
			Format string `short:"f" help:"Checkpoint format (json|binary)" default:"binary"`
			Group  string `short:"g" help:"Checkpoint group" default:"best"`
			Keep   int    `short:"k" help:"Checkpoints to keep" default:"5"`
		} `cmd:"" help:"Delete all but the newest checkpoints of a group"`
	} `cmd:"" help:"Inspect and prune checkpoint files"`

	Runs struct {
		Db string `help:"Run database path" default:"runs.db"`

		Ls struct{} `cmd:"" help:"List recorded runs"`

		History struct {
			Run string `arg:"" help:"Run ID (a unique prefix is enough)"`
		} `cmd:"" help:"Show the evaluation history of a run"`
	} `cmd:"" help:"Inspect the run database"`

	Watch struct {
		Dir         string `short:"d" help:"Checkpoint directory to watch" default:"checkpoints"`
		Progression string `short:"p" help:"Progression status file to follow" optional:""`
	} `cmd:"" help:"Follow a live run's checkpoints and progression"`

	Init struct {
		Path  string `help:"Where to write the example experiment file" default:"experiment.yaml"`
		Force bool   `help:"Overwrite an existing file"`
	} `cmd:"" help:"Write an example experiment configuration"`
}

func main() {
	// A .env next to the binary may carry NATS or database settings.
	_ = godotenv.Load()

	ctx := kong.Parse(&CLI,
		kong.Name("trainctl"),
		kong.Description("Operator tooling for training runs."),
	)

	logging.Setup(CLI.LogLevel, CLI.LogFormat, os.Stderr)

	runCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var err error
	switch ctx.Command() {
	case "checkpoints ls":
		err = runCheckpointsList(CLI.Checkpoints.Ls.Dir, CLI.Checkpoints.Ls.Format, CLI.Checkpoints.Ls.Group)
	case "checkpoints show <path>":
		err = runCheckpointShow(CLI.Checkpoints.Show.Path)
	case "checkpoints prune":
		err = runCheckpointsPrune(CLI.Checkpoints.Prune.Dir, CLI.Checkpoints.Prune.Format,
			CLI.Checkpoints.Prune.Group, CLI.Checkpoints.Prune.Keep)
	case "runs ls":
		err = runRunsList(runCtx, CLI.Runs.Db)
	case "runs history <run>":
		err = runRunHistory(runCtx, CLI.Runs.Db, CLI.Runs.History.Run)
	case "watch":
		err = runWatch(runCtx, CLI.Watch.Dir, CLI.Watch.Progression)
	case "init":
		err = config.Init(CLI.Init.Path, CLI.Init.Force)
	default:
		err = ctx.PrintUsage(false)
	}
	if err != nil {
		slog.Error("command failed", "command", ctx.Command(), "error", err)
		os.Exit(1)
	}
}
