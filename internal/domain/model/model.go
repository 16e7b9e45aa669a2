// Package model contains the settlement data passed between layers.
//
// Everything for one task is read as a Snapshot, transformed by the domain
// packages, and written back by the caller. Fields documented as "written by
// settlement" are only ever set on copies produced by the settlement package.
package model

import (
	"fmt"
	"strings"
)

// Submission is one worker's result for a task.
type Submission struct {
	ID        string    `json:"id"`
	TaskID    string    `json:"task_id"`
	WorkerID  string    `json:"worker_id"`
	Summary   string    `json:"summary"`
	Embedding []float64 `json:"embedding,omitempty"`

	// Written by settlement.
	FinalScore  *float64 `json:"final_score,omitempty"`
	ClusterID   *int     `json:"cluster_id,omitempty"` // nil means noise or unembeddable
	InConsensus bool     `json:"in_consensus"`
}

// Embeddable reports whether the submission carries a vector.
func (s *Submission) Embeddable() bool {
	return len(s.Embedding) > 0
}

// Evaluation is one evaluator's score for one submission.
type Evaluation struct {
	ID           string  `json:"id"`
	TaskID       string  `json:"task_id"`
	EvaluatorID  string  `json:"evaluator_id"`
	SubmissionID string  `json:"submission_id"`
	WorkerID     string  `json:"worker_id"`
	Score        int     `json:"score"`      // 0..100, caller precondition
	Confidence   float64 `json:"confidence"` // 0..1, caller precondition
	Rationale    string  `json:"rationale,omitempty"`

	// Written by settlement.
	ConsensusDistance *float64 `json:"consensus_distance,omitempty"`
	IsOutlier         bool     `json:"is_outlier"`
}

// Agent carries the reputation inputs of a participant. Read-only here.
type Agent struct {
	ID                  string  `json:"id"`
	Address             string  `json:"address,omitempty"`
	WorkerReputation    float64 `json:"worker_reputation"`
	EvaluatorReputation float64 `json:"evaluator_reputation"`
}

// Task holds the fixed budget and its pools, in the task's currency unit.
type Task struct {
	ID            string  `json:"id"`
	Description   string  `json:"description,omitempty"`
	TotalBudget   float64 `json:"total_budget"`
	WorkerPool    float64 `json:"worker_pool"`
	EvaluatorPool float64 `json:"evaluator_pool"`
	BonusPool     float64 `json:"bonus_pool"`
}

// PoolsUnset reports whether no pool was provided with the task.
func (t *Task) PoolsUnset() bool {
	return t.WorkerPool == 0 && t.EvaluatorPool == 0 && t.BonusPool == 0
}

// Snapshot is the final state of one task at settlement time.
type Snapshot struct {
	Task        Task         `json:"task"`
	Submissions []Submission `json:"submissions"`
	Evaluations []Evaluation `json:"evaluations"`
	Agents      []Agent      `json:"agents"`
}

// AgentIndex returns agents keyed by id. Later duplicates win.
func (s *Snapshot) AgentIndex() map[string]Agent {
	idx := make(map[string]Agent, len(s.Agents))
	for _, a := range s.Agents {
		idx[a.ID] = a
	}
	return idx
}

// EmbeddingDims returns the distinct vector lengths present, in first-seen order.
func (s *Snapshot) EmbeddingDims() []int {
	var dims []int
	seen := map[int]bool{}
	for i := range s.Submissions {
		n := len(s.Submissions[i].Embedding)
		if n == 0 || seen[n] {
			continue
		}
		seen[n] = true
		dims = append(dims, n)
	}
	return dims
}

// Validate checks identity fields and the (task, evaluator, worker) uniqueness
// invariant. Score and confidence ranges are caller preconditions and are not
// checked here.
func (s *Snapshot) Validate() error {
	if strings.TrimSpace(s.Task.ID) == "" {
		return fmt.Errorf("%w: missing task id", ErrInvalidSnapshot)
	}
	if s.Task.TotalBudget < 0 {
		return fmt.Errorf("%w: negative budget", ErrInvalidSnapshot)
	}

	subs := make(map[string]struct{}, len(s.Submissions))
	for i := range s.Submissions {
		id := s.Submissions[i].ID
		if id == "" {
			return fmt.Errorf("%w: submission %d has no id", ErrInvalidSnapshot, i)
		}
		if _, dup := subs[id]; dup {
			return fmt.Errorf("%w: duplicate submission %s", ErrInvalidSnapshot, id)
		}
		subs[id] = struct{}{}
	}

	type pair struct{ evaluator, worker string }
	pairs := make(map[pair]string, len(s.Evaluations))
	ids := make(map[string]struct{}, len(s.Evaluations))
	for i := range s.Evaluations {
		e := &s.Evaluations[i]
		if e.ID == "" || e.EvaluatorID == "" || e.SubmissionID == "" {
			return fmt.Errorf("%w: evaluation %d is missing an id", ErrInvalidSnapshot, i)
		}
		if _, dup := ids[e.ID]; dup {
			return fmt.Errorf("%w: duplicate evaluation %s", ErrInvalidSnapshot, e.ID)
		}
		ids[e.ID] = struct{}{}

		target := e.WorkerID
		if target == "" {
			target = e.SubmissionID
		}
		k := pair{evaluator: e.EvaluatorID, worker: target}
		if prev, dup := pairs[k]; dup {
			return fmt.Errorf("%w: evaluator %s scored %s twice (%s, %s)",
				ErrInvalidSnapshot, e.EvaluatorID, target, prev, e.ID)
		}
		pairs[k] = e.ID
	}
	return nil
}
