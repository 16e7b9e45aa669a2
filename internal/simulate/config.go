// Package simulate generates synthetic settlement workloads, runs them through
// the settlement service, and checks the results.
package simulate

import (
	"time"

	model "github.com/LemmyAI/megabrain-protocol/internal/domain/model"
	"github.com/LemmyAI/megabrain-protocol/internal/domain/settlement"
)

// Config holds configuration for one simulation run.
type Config struct {
	Tasks       int     // Number of tasks to generate
	Workers     int     // Worker submissions per task
	Evaluators  int     // Evaluators per task; each scores every submission
	Topics      int     // Distinct answer topics per task; topic 0 is the majority
	Majority    float64 // Share of workers answering on the majority topic
	Dims        int     // Embedding dimensions
	Noise       float64 // Stddev of the Gaussian noise added to each embedding component
	Missing     float64 // Share of submissions sent without an embedding
	Adversarial float64 // Share of evaluators that invert their scores
	Budget      float64 // Budget of every task
	Seed        uint64  // Seed of the generator; equal seeds yield equal workloads

	Concurrency int               // Settlement workers in the service
	Settlement  settlement.Config // Settlement configuration used by the service
	OutputFile  string            // Report file; empty writes to stdout
	Verbose     bool              // Log every task result
}

// DefaultConfig returns a small mixed workload.
func DefaultConfig() Config {
	return Config{
		Tasks:       100,
		Workers:     8,
		Evaluators:  5,
		Topics:      3,
		Majority:    0.6,
		Dims:        16,
		Noise:       0.05,
		Missing:     0.05,
		Adversarial: 0.2,
		Budget:      1000,
		Seed:        1,
		Concurrency: 4,
		Settlement:  settlement.DefaultConfig(),
	}
}

// Scenario is one generated task together with the ground truth used to
// grade its settlement.
type Scenario struct {
	Snapshot    model.Snapshot
	Adversarial map[string]bool // evaluator ids that invert their scores
	Majority    map[string]bool // submission ids on the majority topic
}

// Report summarises a run.
type Report struct {
	Seed            uint64        `json:"seed"`
	Tasks           int           `json:"tasks"`
	Submitted       int           `json:"submitted"`
	Settled         int           `json:"settled"`
	Escalated       int           `json:"escalated"`
	Failed          int           `json:"failed"`
	ClusterFailures int           `json:"cluster_failures"`
	TotalBudget     float64       `json:"total_budget"`
	TotalPaid       float64       `json:"total_paid"`
	TotalSlashed    float64       `json:"total_slashed"`
	Adversaries     int           `json:"adversaries"`
	FlaggedCorrect  int           `json:"flagged_correct"` // adversaries flagged as outliers
	FlaggedHonest   int           `json:"flagged_honest"`  // honest evaluators flagged as outliers
	MajorityRecall  float64       `json:"majority_recall"` // majority submissions placed in consensus
	Violations      []string      `json:"violations,omitempty"`
	Duration        time.Duration `json:"duration"`
}
