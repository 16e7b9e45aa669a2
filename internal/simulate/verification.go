package simulate

import (
	"fmt"
	"math"

	"github.com/LemmyAI/megabrain-protocol/internal/domain/settlement"
)

// tolerance absorbs float noise when comparing money amounts.
const tolerance = 1e-6

func near(a, b float64) bool {
	return math.Abs(a-b) <= tolerance*math.Max(1, math.Max(math.Abs(a), math.Abs(b)))
}

// verifyConservation checks that payouts plus the slashed remainder equal
// the budget and that no payout is negative.
func verifyConservation(out *settlement.Outcome) error {
	p := out.Payments
	var workers, evaluators float64
	for _, w := range p.Workers {
		if w.Total < 0 || w.Base < 0 || w.Bonus < 0 {
			return fmt.Errorf("%w: %s pays worker %s a negative amount", ErrConservation, out.TaskID, w.WorkerID)
		}
		workers += w.Total
	}
	for _, e := range p.Evaluators {
		if e.Payment < 0 {
			return fmt.Errorf("%w: %s pays evaluator %s a negative amount", ErrConservation, out.TaskID, e.EvaluatorID)
		}
		evaluators += e.Payment
	}

	switch {
	case !near(workers, p.TotalWorkerPayments):
		return fmt.Errorf("%w: %s worker payments sum to %.6f, total says %.6f", ErrConservation, out.TaskID, workers, p.TotalWorkerPayments)
	case !near(evaluators, p.TotalEvaluatorPayments):
		return fmt.Errorf("%w: %s evaluator payments sum to %.6f, total says %.6f", ErrConservation, out.TaskID, evaluators, p.TotalEvaluatorPayments)
	case p.TotalSlashed < 0:
		return fmt.Errorf("%w: %s slashes a negative amount", ErrConservation, out.TaskID)
	case !near(workers+evaluators+p.TotalSlashed, out.Task.TotalBudget):
		return fmt.Errorf("%w: %s pays %.6f and slashes %.6f of a %.6f budget",
			ErrConservation, out.TaskID, workers+evaluators, p.TotalSlashed, out.Task.TotalBudget)
	}
	return nil
}

// verifyDeterminism settles the scenario again and compares the result with
// the stored outcome.
func verifyDeterminism(cfg *Config, sc *Scenario, stored *settlement.Outcome) error {
	again, err := settlement.Settle(cfg.Settlement, sc.Snapshot)
	if err != nil {
		return fmt.Errorf("%w: %s: resettle: %w", ErrNondeterministic, stored.TaskID, err)
	}

	diff := func(what string, a, b any) error {
		return fmt.Errorf("%w: %s %s differs (%v vs %v)", ErrNondeterministic, stored.TaskID, what, a, b)
	}
	switch {
	case again.Status != stored.Status:
		return diff("status", stored.Status, again.Status)
	case again.Consensus.DominantClusterHash != stored.Consensus.DominantClusterHash:
		return diff("dominant cluster", stored.Consensus.DominantClusterHash, again.Consensus.DominantClusterHash)
	case !near(again.Consensus.ConsensusScore, stored.Consensus.ConsensusScore):
		return diff("consensus score", stored.Consensus.ConsensusScore, again.Consensus.ConsensusScore)
	case !near(again.Consensus.Confidence, stored.Consensus.Confidence):
		return diff("confidence", stored.Consensus.Confidence, again.Consensus.Confidence)
	case len(again.Consensus.Outliers) != len(stored.Consensus.Outliers):
		return diff("outlier count", len(stored.Consensus.Outliers), len(again.Consensus.Outliers))
	case len(again.Payments.Workers) != len(stored.Payments.Workers):
		return diff("worker payment count", len(stored.Payments.Workers), len(again.Payments.Workers))
	}
	for i, w := range stored.Payments.Workers {
		if !near(w.Total, again.Payments.Workers[i].Total) {
			return diff("payment of "+w.WorkerID, w.Total, again.Payments.Workers[i].Total)
		}
	}
	if !near(stored.Payments.TotalSlashed, again.Payments.TotalSlashed) {
		return diff("slashed amount", stored.Payments.TotalSlashed, again.Payments.TotalSlashed)
	}
	return nil
}
