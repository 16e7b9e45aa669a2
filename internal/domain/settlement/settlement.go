// Package settlement runs the per-task pipeline: clustering, consensus and
// payment allocation over one snapshot.
//
// Settle is pure. It returns copies of the submissions and evaluations with
// the settlement fields filled in and leaves persisting them to the caller.
package settlement

import (
	"fmt"

	"github.com/LemmyAI/megabrain-protocol/internal/domain/clustering"
	"github.com/LemmyAI/megabrain-protocol/internal/domain/consensus"
	model "github.com/LemmyAI/megabrain-protocol/internal/domain/model"
	"github.com/LemmyAI/megabrain-protocol/internal/domain/payment"
)

// Status is the settlement decision for a task.
type Status string

// Settlement statuses.
const (
	// StatusSettled means consensus was reached and payouts can be executed.
	StatusSettled Status = "settled"
	// StatusEscalated means consensus was not reached; the task goes to dispute handling.
	StatusEscalated Status = "escalated"
)

// Config bundles the configuration of every stage. One value is used for a
// whole run.
type Config struct {
	Clustering clustering.Config
	Consensus  consensus.Config
	Pools      payment.PoolShares
}

// DefaultConfig returns defaults for every stage.
func DefaultConfig() Config {
	return Config{
		Clustering: clustering.NewConfig(),
		Consensus:  consensus.NewConfig(),
		Pools:      payment.DefaultPoolShares(),
	}
}

// Validate validates every stage.
func (c Config) Validate() error {
	if err := c.Clustering.Validate(); err != nil {
		return err
	}
	if err := c.Consensus.Validate(); err != nil {
		return err
	}
	return c.Pools.Validate()
}

// Outcome is everything settlement produces for one task.
type Outcome struct {
	TaskID      string               `json:"task_id"`
	Status      Status               `json:"status"`
	Task        model.Task           `json:"task"`
	Clustering  clustering.Result    `json:"clustering"`
	Consensus   consensus.Data       `json:"consensus"`
	Payments    payment.Distribution `json:"payments"`
	Submissions []model.Submission   `json:"submissions"`
	Evaluations []model.Evaluation   `json:"evaluations"`
	Warnings    []string             `json:"warnings,omitempty"`
}

// Reached reports whether the task settled normally.
func (o *Outcome) Reached() bool {
	return o.Status == StatusSettled
}

// Settle computes the outcome of one task. Clustering failures become
// warnings. An invalid snapshot fails with model.ErrInvalidSnapshot and a
// budget overrun with payment.ErrAllocationInvariantViolation.
func Settle(cfg Config, snap model.Snapshot) (Outcome, error) {
	if err := snap.Validate(); err != nil {
		return Outcome{}, err
	}

	task := cfg.Pools.Apply(snap.Task)
	agents := snap.AgentIndex()

	clusters := clustering.Run(cfg.Clustering, snap.Submissions)

	data, err := consensus.Compute(cfg.Consensus, snap.Evaluations, clusters, agents)
	if err != nil {
		return Outcome{}, fmt.Errorf("task %s: consensus: %w", task.ID, err)
	}
	clusters.AnnotateScores(data.Scores)

	dist, err := payment.Allocate(task, snap.Submissions, snap.Evaluations, data, clusters, agents)
	if err != nil {
		return Outcome{}, fmt.Errorf("task %s: %w", task.ID, err)
	}

	out := Outcome{
		TaskID:      task.ID,
		Status:      StatusEscalated,
		Task:        task,
		Clustering:  clusters,
		Consensus:   data,
		Payments:    dist,
		Submissions: writeSubmissions(snap.Submissions, clusters, data, dist),
		Evaluations: writeEvaluations(snap.Evaluations, data),
	}
	if consensus.IsReached(cfg.Consensus, data) {
		out.Status = StatusSettled
	}
	if clusters.Failure != nil {
		out.Warnings = append(out.Warnings, clusters.Failure.Error())
	}
	if n := len(clusters.Unembeddable); n > 0 {
		out.Warnings = append(out.Warnings, fmt.Sprintf("%d submissions without embeddings were not clustered", n))
	}
	return out, nil
}

func writeSubmissions(in []model.Submission, clusters clustering.Result, d consensus.Data, dist payment.Distribution) []model.Submission {
	out := make([]model.Submission, len(in))
	for i := range in {
		s := in[i]
		s.ClusterID, s.FinalScore = nil, nil
		if id, ok := clusters.ClusterOf(s.ID); ok {
			s.ClusterID = &id
		}
		if score, ok := d.Scores[s.ID]; ok {
			s.FinalScore = &score
		}
		// payment keeps submission order
		s.InConsensus = dist.Workers[i].InConsensus
		out[i] = s
	}
	return out
}

func writeEvaluations(in []model.Evaluation, d consensus.Data) []model.Evaluation {
	out := make([]model.Evaluation, len(in))
	for i := range in {
		e := in[i]
		e.ConsensusDistance = nil
		if dev, ok := d.Distances[e.ID]; ok {
			e.ConsensusDistance = &dev
		}
		e.IsOutlier = d.IsOutlier(e.EvaluatorID)
		out[i] = e
	}
	return out
}
