package simulate

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/bytedance/sonic"

	app "github.com/LemmyAI/megabrain-protocol/internal/app"
	"github.com/LemmyAI/megabrain-protocol/pkg/logger"
)

// File permission constants.
const (
	directoryPermission = 0o750
	reportPermission    = 0o600
	percent             = 100
)

// Run generates the workload, settles it through a fresh service, and grades
// every stored result. The report is returned even when verification fails.
func Run(ctx context.Context, cfg *Config) (*Report, error) {
	start := time.Now()
	log := logger.Get().Named("simulate")

	log.Info(ctx, "starting settlement simulation",
		logger.Int("tasks", cfg.Tasks),
		logger.Int("concurrency", cfg.Concurrency),
		logger.Any("seed", cfg.Seed),
	)

	scenarios, err := Generate(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("scenario generation failed: %w", err)
	}

	svc := app.New(
		app.WithLogger(log.Named("service")),
		app.WithWorkerCount(cfg.Concurrency),
		app.WithQueueSize(cfg.Tasks),
		app.WithDedupeSize(cfg.Tasks),
		app.WithSettlementConfig(cfg.Settlement),
	)
	if err := svc.Start(ctx); err != nil {
		return nil, fmt.Errorf("service start failed: %w", err)
	}

	report := &Report{Seed: cfg.Seed, Tasks: cfg.Tasks}
	for i := range scenarios {
		if err := svc.Submit(ctx, scenarios[i].Snapshot); err != nil {
			report.Violations = append(report.Violations, fmt.Sprintf("%s: submit: %v", scenarios[i].Snapshot.Task.ID, err))
			continue
		}
		report.Submitted++
	}

	// Stop drains the queue before returning.
	svc.Stop()

	grade(ctx, cfg, svc, scenarios, report)
	report.Duration = time.Since(start)
	displayFinalStats(ctx, report)

	if len(report.Violations) > 0 {
		return report, fmt.Errorf("%w: %d violations", ErrVerificationFailed, len(report.Violations))
	}
	log.Info(ctx, "simulation completed successfully")
	return report, nil
}

// WriteReport writes the report as indented JSON to cfg.OutputFile, or to
// stdout when no file is configured.
func WriteReport(cfg *Config, report *Report) error {
	data, err := sonic.ConfigStd.MarshalIndent(report, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal report: %w", err)
	}
	data = append(data, '\n')

	if cfg.OutputFile == "" {
		_, err := os.Stdout.Write(data)
		return err
	}
	if dir := filepath.Dir(cfg.OutputFile); dir != "." {
		if err := os.MkdirAll(dir, directoryPermission); err != nil {
			return fmt.Errorf("failed to create directory: %w", err)
		}
	}
	if err := os.WriteFile(cfg.OutputFile, data, reportPermission); err != nil {
		return fmt.Errorf("failed to write report: %w", err)
	}
	return nil
}

func grade(ctx context.Context, cfg *Config, svc *app.Service, scenarios []Scenario, report *Report) {
	var majority, majorityInConsensus int
	for i := range scenarios {
		sc := &scenarios[i]
		taskID := sc.Snapshot.Task.ID
		report.TotalBudget += sc.Snapshot.Task.TotalBudget
		report.Adversaries += len(sc.Adversarial)

		rec, err := svc.Result(ctx, taskID)
		if err != nil || rec.Outcome == nil {
			report.Failed++
			report.Violations = append(report.Violations, fmt.Sprintf("%s: %v", taskID, errors.Join(ErrMissingResult, err)))
			continue
		}
		out := rec.Outcome

		if out.Reached() {
			report.Settled++
		} else {
			report.Escalated++
		}
		if out.Clustering.Failure != nil {
			report.ClusterFailures++
		}
		report.TotalPaid += out.Payments.TotalWorkerPayments + out.Payments.TotalEvaluatorPayments
		report.TotalSlashed += out.Payments.TotalSlashed

		if err := verifyConservation(out); err != nil {
			report.Violations = append(report.Violations, err.Error())
		}
		if err := verifyDeterminism(cfg, sc, out); err != nil {
			report.Violations = append(report.Violations, err.Error())
		}

		for _, id := range out.Consensus.Outliers {
			if sc.Adversarial[id] {
				report.FlaggedCorrect++
			} else {
				report.FlaggedHonest++
			}
		}
		for _, sub := range out.Submissions {
			if sc.Majority[sub.ID] {
				majority++
				if sub.InConsensus {
					majorityInConsensus++
				}
			}
		}

		if cfg.Verbose {
			logger.Get().Info(ctx, "task graded",
				logger.String("taskID", taskID),
				logger.String("status", string(out.Status)),
				logger.Float64("consensusScore", out.Consensus.ConsensusScore),
				logger.Float64("confidence", out.Consensus.Confidence),
				logger.Int("outliers", len(out.Consensus.Outliers)),
				logger.Int("adversaries", len(sc.Adversarial)),
			)
		}
	}
	if majority > 0 {
		report.MajorityRecall = float64(majorityInConsensus) / float64(majority)
	}
}

// displayFinalStats logs the run summary.
func displayFinalStats(ctx context.Context, r *Report) {
	var settledRate, tasksPerSecond float64
	if r.Tasks > 0 {
		settledRate = float64(r.Settled) / float64(r.Tasks) * percent
	}
	if r.Duration > 0 {
		tasksPerSecond = float64(r.Submitted) / r.Duration.Seconds()
	}

	logger.Get().Info(ctx, "final statistics",
		logger.Int("tasks", r.Tasks),
		logger.Int("submitted", r.Submitted),
		logger.Int("settled", r.Settled),
		logger.Int("escalated", r.Escalated),
		logger.Int("failed", r.Failed),
		logger.Int("clusterFailures", r.ClusterFailures),
		logger.Float64("totalSlashed", r.TotalSlashed),
		logger.Int("adversaries", r.Adversaries),
		logger.Int("flaggedCorrect", r.FlaggedCorrect),
		logger.Int("flaggedHonest", r.FlaggedHonest),
		logger.Float64("majorityRecall", r.MajorityRecall),
		logger.Int("violations", len(r.Violations)),
		logger.String("duration", r.Duration.String()),
		logger.Float64("settledRate", settledRate),
		logger.Float64("tasksPerSecond", tasksPerSecond),
	)
}
