// Package consensus turns evaluator scores into one consensus score for the
// dominant cluster, flags outlier evaluators and decides whether consensus
// was reached.
package consensus

import (
	"fmt"
	"math"
	"sort"

	"github.com/LemmyAI/megabrain-protocol/internal/domain/clustering"
	model "github.com/LemmyAI/megabrain-protocol/internal/domain/model"
	"github.com/LemmyAI/megabrain-protocol/internal/domain/vectormath"
)

// Default consensus configuration constants.
const (
	defaultThreshold             = 0.66
	defaultMinEvaluatorAlignment = 0.5
	defaultOutlierSigma          = 2.0
)

// outlierEpsilon absorbs rounding in the weighted mean of equal deviations.
const outlierEpsilon = 1e-9

// Config is the immutable consensus configuration of one run.
type Config struct {
	// Threshold is the minimum support ratio.
	Threshold float64
	// MinEvaluatorAlignment is the minimum confidence.
	MinEvaluatorAlignment float64
	// OutlierSigma is k in mean + k*stddev of evaluation deviations.
	OutlierSigma float64
}

// NewConfig returns the default configuration with opts applied.
func NewConfig(opts ...Option) Config {
	c := Config{
		Threshold:             defaultThreshold,
		MinEvaluatorAlignment: defaultMinEvaluatorAlignment,
		OutlierSigma:          defaultOutlierSigma,
	}
	for _, opt := range opts {
		opt(&c)
	}
	return c
}

// Validate checks that both gates are fractions and sigma is positive.
func (c Config) Validate() error {
	if c.Threshold < 0 || c.Threshold > 1 {
		return fmt.Errorf("%w: threshold %v outside [0, 1]", ErrInvalidConfig, c.Threshold)
	}
	if c.MinEvaluatorAlignment < 0 || c.MinEvaluatorAlignment > 1 {
		return fmt.Errorf("%w: min evaluator alignment %v outside [0, 1]", ErrInvalidConfig, c.MinEvaluatorAlignment)
	}
	if c.OutlierSigma <= 0 {
		return fmt.Errorf("%w: outlier sigma must be positive", ErrInvalidConfig)
	}
	return nil
}

// Data is the consensus outcome of one task.
type Data struct {
	ConsensusScore      float64 `json:"consensus_score"`
	Confidence          float64 `json:"confidence"`
	DominantClusterHash string  `json:"dominant_cluster_hash"`
	ClusterSizes        []int   `json:"cluster_sizes"`
	NoiseRatio          float64 `json:"noise_ratio"`
	// Outliers holds outlier evaluator ids, sorted.
	Outliers     []string `json:"outliers"`
	SupportRatio float64  `json:"support_ratio"`

	// Scores is the aggregate score of every evaluated submission.
	Scores map[string]float64 `json:"scores"`
	// Distances is |score - aggregate| for every evaluation, keyed by evaluation id.
	Distances map[string]float64 `json:"distances"`
}

// IsOutlier reports whether the evaluator was flagged.
func (d *Data) IsOutlier(evaluatorID string) bool {
	i := sort.SearchStrings(d.Outliers, evaluatorID)
	return i < len(d.Outliers) && d.Outliers[i] == evaluatorID
}

// IsReached reports whether confidence and support both clear their gates.
func IsReached(cfg Config, d Data) bool {
	return d.Confidence >= cfg.MinEvaluatorAlignment && d.SupportRatio >= cfg.Threshold
}

// Weight is an evaluation's influence: confidence times the square root of the
// evaluator's reputation, or the confidence alone for an unknown evaluator.
func Weight(e model.Evaluation, agents map[string]model.Agent) float64 {
	a, ok := agents[e.EvaluatorID]
	if !ok {
		return e.Confidence
	}
	return e.Confidence * math.Sqrt(math.Max(0, a.EvaluatorReputation))
}

// Compute derives consensus data from the evaluations of one task and its
// clustering result. Zero evaluations and a missing dominant cluster yield
// zero scores and an empty cluster hash, not errors.
func Compute(cfg Config, evaluations []model.Evaluation, clusters clustering.Result, agents map[string]model.Agent) (Data, error) {
	d := Data{
		ClusterSizes: clusters.Sizes(),
		NoiseRatio:   clusters.NoiseRatio,
		Outliers:     []string{},
		Scores:       map[string]float64{},
		Distances:    map[string]float64{},
	}

	dominant, ok := clusters.Dominant()
	if !ok {
		return d, nil
	}
	if len(evaluations) == 0 {
		return d, nil
	}
	d.DominantClusterHash = clustering.Hash(dominant)

	weights := make([]float64, len(evaluations))
	for i := range evaluations {
		weights[i] = Weight(evaluations[i], agents)
	}

	scores, err := aggregate(evaluations, weights)
	if err != nil {
		return Data{}, err
	}
	d.Scores = scores

	var dominantScores []float64
	for _, id := range dominant.SubmissionIDs {
		if s, ok := scores[id]; ok {
			dominantScores = append(dominantScores, s)
		}
	}
	d.ConsensusScore = vectormath.Mean(dominantScores)

	deviations := make([]float64, len(evaluations))
	for i := range evaluations {
		deviations[i] = math.Abs(float64(evaluations[i].Score) - scores[evaluations[i].SubmissionID])
		d.Distances[evaluations[i].ID] = deviations[i]
	}

	outliers, err := detectOutliers(cfg.OutlierSigma, evaluations, deviations, weights)
	if err != nil {
		return Data{}, err
	}
	d.Outliers = outliers

	var agreeing []float64
	for i := range evaluations {
		if !d.IsOutlier(evaluations[i].EvaluatorID) {
			agreeing = append(agreeing, evaluations[i].Confidence)
		}
	}
	d.SupportRatio = float64(len(agreeing)) / float64(len(evaluations))
	d.Confidence = vectormath.Mean(agreeing) * d.SupportRatio
	return d, nil
}

// aggregate returns the weighted mean score per evaluated submission.
func aggregate(evaluations []model.Evaluation, weights []float64) (map[string]float64, error) {
	type group struct{ scores, weights []float64 }
	groups := map[string]*group{}
	for i := range evaluations {
		id := evaluations[i].SubmissionID
		g, ok := groups[id]
		if !ok {
			g = &group{}
			groups[id] = g
		}
		g.scores = append(g.scores, float64(evaluations[i].Score))
		g.weights = append(g.weights, weights[i])
	}

	out := make(map[string]float64, len(groups))
	for id, g := range groups {
		s, err := vectormath.WeightedMean(g.scores, g.weights)
		if err != nil {
			return nil, fmt.Errorf("aggregate %s: %w", id, err)
		}
		out[id] = s
	}
	return out, nil
}

// detectOutliers flags every evaluator with at least one deviation above
// weightedMean + sigma*weightedStdDev of all deviations.
func detectOutliers(sigma float64, evaluations []model.Evaluation, deviations, weights []float64) ([]string, error) {
	mean, err := vectormath.WeightedMean(deviations, weights)
	if err != nil {
		return nil, err
	}
	std, err := vectormath.WeightedStdDev(deviations, weights)
	if err != nil {
		return nil, err
	}
	threshold := mean + sigma*std + outlierEpsilon

	flagged := map[string]struct{}{}
	for i, dev := range deviations {
		if dev > threshold {
			flagged[evaluations[i].EvaluatorID] = struct{}{}
		}
	}
	out := make([]string, 0, len(flagged))
	for id := range flagged {
		out = append(out, id)
	}
	sort.Strings(out)
	return out, nil
}
