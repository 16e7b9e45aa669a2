// Package payment splits a task's fixed pools among workers and evaluators
// according to the consensus outcome.
package payment

import (
	"fmt"
	"math"
	"sort"

	"github.com/LemmyAI/megabrain-protocol/internal/domain/clustering"
	"github.com/LemmyAI/megabrain-protocol/internal/domain/consensus"
	model "github.com/LemmyAI/megabrain-protocol/internal/domain/model"
	"github.com/LemmyAI/megabrain-protocol/internal/domain/vectormath"
)

const (
	// conservationTolerance absorbs float noise in budget - payouts. Allocate
	// scales it by the budget.
	conservationTolerance = 1e-6
	bonusTopFraction      = 0.1
	maxScore              = 100
)

// PoolShares are the budget fractions given to each pool.
type PoolShares struct {
	Worker    float64 `json:"worker" koanf:"worker"`
	Evaluator float64 `json:"evaluator" koanf:"evaluator"`
	Bonus     float64 `json:"bonus" koanf:"bonus"`
}

// DefaultPoolShares returns the 70/20/10 split.
func DefaultPoolShares() PoolShares {
	return PoolShares{Worker: 0.7, Evaluator: 0.2, Bonus: 0.1}
}

// Validate checks that shares are non-negative and do not exceed the budget.
func (p PoolShares) Validate() error {
	if p.Worker < 0 || p.Evaluator < 0 || p.Bonus < 0 {
		return fmt.Errorf("%w: negative share", ErrInvalidShares)
	}
	if sum := p.Worker + p.Evaluator + p.Bonus; sum > 1+conservationTolerance {
		return fmt.Errorf("%w: shares sum to %v", ErrInvalidShares, sum)
	}
	return nil
}

// Split returns the worker, evaluator and bonus pools of budget.
func (p PoolShares) Split(budget float64) (worker, evaluator, bonus float64) {
	return budget * p.Worker, budget * p.Evaluator, budget * p.Bonus
}

// Apply fills the task's pools from its budget when none were provided.
func (p PoolShares) Apply(task model.Task) model.Task {
	if task.PoolsUnset() {
		task.WorkerPool, task.EvaluatorPool, task.BonusPool = p.Split(task.TotalBudget)
	}
	return task
}

// WorkerPayment is one submission's payout.
type WorkerPayment struct {
	WorkerID     string  `json:"worker_id"`
	SubmissionID string  `json:"submission_id"`
	Address      string  `json:"address,omitempty"`
	Score        float64 `json:"score"`
	Base         float64 `json:"base_payment"`
	Bonus        float64 `json:"bonus_payment"`
	Total        float64 `json:"total_payment"`
	InConsensus  bool    `json:"in_consensus"`
	Evaluated    bool    `json:"evaluated"`
}

// EvaluatorPayment is one evaluation's payout.
type EvaluatorPayment struct {
	EvaluatorID       string  `json:"evaluator_id"`
	EvaluationID      string  `json:"evaluation_id"`
	Address           string  `json:"address,omitempty"`
	Payment           float64 `json:"payment"`
	Alignment         float64 `json:"alignment"`
	Confidence        float64 `json:"confidence"`
	ConsensusDistance float64 `json:"consensus_distance"`
	IsOutlier         bool    `json:"is_outlier"`
}

// Distribution is the full payout of one task.
type Distribution struct {
	Workers                []WorkerPayment    `json:"workers"`
	Evaluators             []EvaluatorPayment `json:"evaluators"`
	TotalWorkerPayments    float64            `json:"total_worker_payments"`
	TotalEvaluatorPayments float64            `json:"total_evaluator_payments"`
	TotalSlashed           float64            `json:"total_slashed"`
}

// Allocate computes payouts for one task. Workers are listed in submission
// order and evaluators in evaluation order. It fails with
// ErrAllocationInvariantViolation when payouts exceed the budget.
func Allocate(
	task model.Task,
	submissions []model.Submission,
	evaluations []model.Evaluation,
	d consensus.Data,
	clusters clustering.Result,
	agents map[string]model.Agent,
) (Distribution, error) {
	dist := Distribution{
		Workers:    allocateWorkers(task, submissions, d, clusters, agents),
		Evaluators: allocateEvaluators(task, evaluations, d, agents),
	}

	for _, w := range dist.Workers {
		dist.TotalWorkerPayments += w.Total
	}
	for _, e := range dist.Evaluators {
		dist.TotalEvaluatorPayments += e.Payment
	}

	slashed := task.TotalBudget - dist.TotalWorkerPayments - dist.TotalEvaluatorPayments
	if slashed < -conservationTolerance*math.Max(1, task.TotalBudget) {
		return Distribution{}, fmt.Errorf("%w: task %s pays %.6f over a budget of %.6f",
			ErrAllocationInvariantViolation, task.ID, -slashed, task.TotalBudget)
	}
	dist.TotalSlashed = math.Max(0, slashed)
	return dist, nil
}

func allocateWorkers(
	task model.Task,
	submissions []model.Submission,
	d consensus.Data,
	clusters clustering.Result,
	agents map[string]model.Agent,
) []WorkerPayment {
	out := make([]WorkerPayment, len(submissions))
	var inCluster []int
	var total float64
	for i := range submissions {
		s := &submissions[i]
		score, evaluated := d.Scores[s.ID]
		out[i] = WorkerPayment{
			WorkerID:     s.WorkerID,
			SubmissionID: s.ID,
			Address:      agents[s.WorkerID].Address,
			Score:        score,
			Evaluated:    evaluated,
			InConsensus:  evaluated && clusters.InDominant(s.ID),
		}
		if out[i].InConsensus {
			inCluster = append(inCluster, i)
			total += score
		}
	}
	if len(inCluster) == 0 {
		return out
	}

	for _, i := range inCluster {
		if total > 0 {
			out[i].Base = task.WorkerPool * out[i].Score / total
		} else {
			out[i].Base = task.WorkerPool / float64(len(inCluster))
		}
	}

	if len(inCluster) > 1 {
		ranked := make([]float64, len(inCluster))
		for k, i := range inCluster {
			ranked[k] = out[i].Score
		}
		sort.Sort(sort.Reverse(sort.Float64Slice(ranked)))
		threshold := ranked[int(float64(len(ranked))*bonusTopFraction)]

		var winners []int
		for _, i := range inCluster {
			if out[i].Score >= threshold {
				winners = append(winners, i)
			}
		}
		for _, i := range winners {
			out[i].Bonus = task.BonusPool / float64(len(winners))
		}
	}

	for _, i := range inCluster {
		out[i].Total = out[i].Base + out[i].Bonus
	}
	return out
}

// allocateEvaluators pays each non-outlier evaluation its share of the pool.
// The share divides by every evaluation, outliers included.
func allocateEvaluators(
	task model.Task,
	evaluations []model.Evaluation,
	d consensus.Data,
	agents map[string]model.Agent,
) []EvaluatorPayment {
	out := make([]EvaluatorPayment, len(evaluations))
	for i := range evaluations {
		e := &evaluations[i]
		p := EvaluatorPayment{
			EvaluatorID:       e.EvaluatorID,
			EvaluationID:      e.ID,
			Address:           agents[e.EvaluatorID].Address,
			Confidence:        e.Confidence,
			ConsensusDistance: d.Distances[e.ID],
			IsOutlier:         d.IsOutlier(e.EvaluatorID),
		}
		if !p.IsOutlier {
			p.Alignment = 1 - vectormath.Clamp(p.ConsensusDistance, 0, maxScore)/maxScore
			p.Payment = task.EvaluatorPool * p.Alignment * e.Confidence / float64(len(evaluations))
		}
		out[i] = p
	}
	return out
}
