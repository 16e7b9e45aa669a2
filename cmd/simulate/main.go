package main

import (
	"context"
	"flag"
	"io"
	"os"
	"os/signal"
	"runtime"
	"syscall"

	"github.com/LemmyAI/megabrain-protocol/internal/simulate"
	"github.com/LemmyAI/megabrain-protocol/pkg/logger"
)

const logFilePermission = 0o600

func main() {
	def := simulate.DefaultConfig()
	var (
		tasks       = flag.Int("tasks", def.Tasks, "Number of tasks to generate and settle")
		workers     = flag.Int("workers", def.Workers, "Worker submissions per task")
		evaluators  = flag.Int("evaluators", def.Evaluators, "Evaluators per task")
		topics      = flag.Int("topics", def.Topics, "Distinct answer topics per task")
		majority    = flag.Float64("majority", def.Majority, "Share of workers on the majority topic")
		dims        = flag.Int("dims", def.Dims, "Embedding dimensions")
		noise       = flag.Float64("noise", def.Noise, "Embedding noise stddev")
		missing     = flag.Float64("missing", def.Missing, "Share of submissions without an embedding")
		adversarial = flag.Float64("adversarial", def.Adversarial, "Share of evaluators inverting their scores")
		budget      = flag.Float64("budget", def.Budget, "Budget of each task")
		seed        = flag.Uint64("seed", def.Seed, "Generator seed")
		concurrency = flag.Int("concurrency", runtime.NumCPU(), "Settlement workers")
		outputFile  = flag.String("output", "", "Report file (default: stdout)")
		logFile     = flag.String("log", "", "Also write logs to this file")
		verbose     = flag.Bool("verbose", false, "Log every graded task")
	)
	flag.Parse()

	if err := setupLogging(*logFile); err != nil {
		os.Stderr.WriteString("failed to setup logging: " + err.Error() + "\n")
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg := def
	cfg.Tasks = *tasks
	cfg.Workers = *workers
	cfg.Evaluators = *evaluators
	cfg.Topics = *topics
	cfg.Majority = *majority
	cfg.Dims = *dims
	cfg.Noise = *noise
	cfg.Missing = *missing
	cfg.Adversarial = *adversarial
	cfg.Budget = *budget
	cfg.Seed = *seed
	cfg.Concurrency = *concurrency
	cfg.OutputFile = *outputFile
	cfg.Verbose = *verbose

	report, runErr := simulate.Run(ctx, &cfg)
	if report != nil {
		if err := simulate.WriteReport(&cfg, report); err != nil {
			logger.Get().Error(ctx, "failed to write report", logger.Error(err))
		}
	}
	if runErr != nil {
		os.Stderr.WriteString("simulation failed: " + runErr.Error() + "\n")
		os.Exit(1) //nolint:gocritic // exitAfterDefer: nothing left to flush
	}
}

// setupLogging sends logs to stderr, keeping stdout for the report, and
// tees them to logFile when one is given.
func setupLogging(logFile string) error {
	if logFile == "" {
		return logger.InitWithWriter(os.Stderr)
	}
	file, err := os.OpenFile(logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, logFilePermission)
	if err != nil {
		return err
	}
	return logger.InitWithWriter(io.MultiWriter(os.Stderr, file))
}
