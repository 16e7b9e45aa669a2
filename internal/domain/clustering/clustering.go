// Package clustering groups a task's submissions by cosine distance between
// their embeddings and picks the dominant group.
//
// Two strategies are available: density reachability (DBSCAN) and connected
// components over a distance threshold. Points are always visited in
// submission-id order, so identical input yields identical cluster ids,
// membership and hashes.
package clustering

import (
	"fmt"
	"sort"
	"strings"

	model "github.com/LemmyAI/megabrain-protocol/internal/domain/model"
	"github.com/LemmyAI/megabrain-protocol/internal/domain/vectormath"
)

// NoCluster is the cluster id of noise and unembeddable submissions.
const NoCluster = -1

// Default clustering configuration constants.
const (
	defaultEps               = 0.3
	defaultMinPoints         = 2
	defaultDistanceThreshold = 0.5
	defaultMinClusterSize    = 2
	maxCosineDistance        = 2
)

// Algorithm names a clustering strategy.
type Algorithm string

// Supported strategies.
const (
	AlgorithmDBSCAN     Algorithm = "dbscan"
	AlgorithmComponents Algorithm = "components"
)

// ParseAlgorithm maps a configured name to a strategy. "hdbscan" and
// "hierarchical" are accepted as names of the components strategy.
func ParseAlgorithm(name string) (Algorithm, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "dbscan":
		return AlgorithmDBSCAN, nil
	case "components", "hdbscan", "hierarchical":
		return AlgorithmComponents, nil
	default:
		return "", fmt.Errorf("%w: unknown algorithm %q", ErrInvalidConfig, name)
	}
}

// Config is the immutable clustering configuration of one run.
type Config struct {
	Enabled           bool
	Algorithm         Algorithm
	Eps               float64
	MinPoints         int
	DistanceThreshold float64
	MinClusterSize    int
}

// NewConfig returns the default configuration with opts applied.
func NewConfig(opts ...Option) Config {
	c := Config{
		Enabled:           true,
		Algorithm:         AlgorithmComponents,
		Eps:               defaultEps,
		MinPoints:         defaultMinPoints,
		DistanceThreshold: defaultDistanceThreshold,
		MinClusterSize:    defaultMinClusterSize,
	}
	for _, opt := range opts {
		opt(&c)
	}
	return c
}

// Validate checks ranges and the algorithm name.
func (c Config) Validate() error {
	if _, err := ParseAlgorithm(string(c.Algorithm)); err != nil {
		return err
	}
	if c.Eps <= 0 || c.Eps > maxCosineDistance {
		return fmt.Errorf("%w: eps %v outside (0, 2]", ErrInvalidConfig, c.Eps)
	}
	if c.DistanceThreshold <= 0 || c.DistanceThreshold > maxCosineDistance {
		return fmt.Errorf("%w: distance threshold %v outside (0, 2]", ErrInvalidConfig, c.DistanceThreshold)
	}
	if c.MinPoints < 1 || c.MinClusterSize < 1 {
		return fmt.Errorf("%w: min points and min cluster size must be positive", ErrInvalidConfig)
	}
	return nil
}

// Cluster is one group of similar submissions.
type Cluster struct {
	ID             int       `json:"id"`
	SubmissionIDs  []string  `json:"submission_ids"`
	Centroid       []float64 `json:"centroid"`
	Size           int       `json:"size"`
	Coherence      float64   `json:"coherence"`
	AverageScore   float64   `json:"average_score"`
	DominanceRatio float64   `json:"dominance_ratio"`
}

// Result is the outcome of one clustering run. Clusters is indexed by id.
type Result struct {
	Clusters     []Cluster      `json:"clusters"`
	Assignments  map[string]int `json:"assignments"`
	Noise        []string       `json:"noise"`
	Unembeddable []string       `json:"unembeddable"`
	DominantID   int            `json:"dominant_id"`
	NoiseRatio   float64        `json:"noise_ratio"`
	Degenerate   bool           `json:"degenerate"`

	// Failure is set when clustering fell back to the single-cluster result.
	// It wraps ErrClusteringFailure and is a warning, not a settlement error.
	Failure error `json:"-"`
}

// Dominant returns the dominant cluster, if any.
func (r *Result) Dominant() (Cluster, bool) {
	if r.DominantID < 0 || r.DominantID >= len(r.Clusters) {
		return Cluster{}, false
	}
	return r.Clusters[r.DominantID], true
}

// ClusterOf returns the cluster id of a submission.
func (r *Result) ClusterOf(submissionID string) (int, bool) {
	id, ok := r.Assignments[submissionID]
	return id, ok
}

// InDominant reports whether a submission is a member of the dominant cluster.
func (r *Result) InDominant(submissionID string) bool {
	id, ok := r.Assignments[submissionID]
	return ok && id == r.DominantID
}

// Sizes returns cluster sizes in id order.
func (r *Result) Sizes() []int {
	sizes := make([]int, len(r.Clusters))
	for i := range r.Clusters {
		sizes[i] = r.Clusters[i].Size
	}
	return sizes
}

// AnnotateScores fills each cluster's AverageScore with the mean of the given
// per-submission scores over its members. Members without a score are skipped.
func (r *Result) AnnotateScores(scores map[string]float64) {
	for i := range r.Clusters {
		var vals []float64
		for _, id := range r.Clusters[i].SubmissionIDs {
			if s, ok := scores[id]; ok {
				vals = append(vals, s)
			}
		}
		r.Clusters[i].AverageScore = vectormath.Mean(vals)
	}
}

// point is an embeddable submission in traversal order.
type point struct {
	id  string
	vec []float64
}

// Run clusters the embeddable submissions of one task. It never returns an
// error: failures are recorded on Result.Failure and the single-cluster result
// is returned instead.
func Run(cfg Config, submissions []model.Submission) Result {
	points, unembeddable := partition(submissions)

	if !cfg.Enabled || len(points) < 2 {
		return single(points, unembeddable, nil)
	}

	res, err := runStrategy(cfg, points)
	if err != nil {
		return single(points, unembeddable, fmt.Errorf("%w: %w", ErrClusteringFailure, err))
	}
	res.Unembeddable = unembeddable
	return res
}

// partition splits submissions into embeddable points sorted by id and the
// ids of those without a vector.
func partition(submissions []model.Submission) ([]point, []string) {
	points := make([]point, 0, len(submissions))
	unembeddable := []string{}
	for i := range submissions {
		s := &submissions[i]
		if !s.Embeddable() {
			unembeddable = append(unembeddable, s.ID)
			continue
		}
		points = append(points, point{id: s.ID, vec: s.Embedding})
	}
	sort.SliceStable(points, func(i, j int) bool { return points[i].id < points[j].id })
	sort.Strings(unembeddable)
	return points, unembeddable
}

// runStrategy executes the configured strategy, converting panics into errors.
func runStrategy(cfg Config, points []point) (res Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("recovered: %v", r)
		}
	}()

	dist, err := distanceMatrix(points)
	if err != nil {
		return Result{}, err
	}

	n := len(points)
	var labels []int
	switch cfg.Algorithm {
	case AlgorithmDBSCAN:
		labels = dbscan(dist, cfg.Eps, min(cfg.MinPoints, n))
	case AlgorithmComponents:
		labels = components(dist, cfg.DistanceThreshold, max(1, min(cfg.MinClusterSize, n/2)))
	default:
		return Result{}, fmt.Errorf("%w: unknown algorithm %q", ErrInvalidConfig, cfg.Algorithm)
	}
	return build(points, labels)
}

// build turns per-point labels into the cluster arena. Labels are assumed to
// be NoCluster or consecutive ids starting at 0.
func build(points []point, labels []int) (Result, error) {
	res := Result{
		Assignments: make(map[string]int, len(points)),
		Noise:       []string{},
		DominantID:  NoCluster,
	}

	var members [][]int
	for i, l := range labels {
		if l == NoCluster {
			res.Noise = append(res.Noise, points[i].id)
			continue
		}
		for len(members) <= l {
			members = append(members, nil)
		}
		members[l] = append(members[l], i)
		res.Assignments[points[i].id] = l
	}

	res.Clusters = make([]Cluster, len(members))
	for id, idx := range members {
		c, err := newCluster(id, points, idx, len(points))
		if err != nil {
			return Result{}, err
		}
		res.Clusters[id] = c
		if res.DominantID == NoCluster || c.Size > res.Clusters[res.DominantID].Size {
			res.DominantID = id
		}
	}

	res.NoiseRatio = float64(len(res.Noise)) / float64(len(points))
	return res, nil
}

func newCluster(id int, points []point, idx []int, total int) (Cluster, error) {
	ids := make([]string, len(idx))
	vecs := make([][]float64, len(idx))
	for k, i := range idx {
		ids[k] = points[i].id
		vecs[k] = points[i].vec
	}
	centroid, err := vectormath.Centroid(vecs)
	if err != nil {
		return Cluster{}, err
	}
	coherence, err := vectormath.Coherence(vecs)
	if err != nil {
		return Cluster{}, err
	}
	return Cluster{
		ID:             id,
		SubmissionIDs:  ids,
		Centroid:       centroid,
		Size:           len(ids),
		Coherence:      coherence,
		DominanceRatio: float64(len(ids)) / float64(total),
	}, nil
}

// single is the degenerate result: one cluster holding every embeddable
// submission with coherence 1. With no embeddable submissions the cluster is
// empty but still dominant.
func single(points []point, unembeddable []string, failure error) Result {
	ids := make([]string, len(points))
	vecs := make([][]float64, len(points))
	assignments := make(map[string]int, len(points))
	for i, p := range points {
		ids[i] = p.id
		vecs[i] = p.vec
		assignments[p.id] = 0
	}

	centroid, err := vectormath.Centroid(vecs)
	if err != nil {
		centroid = []float64{}
	}
	ratio := 0.0
	if len(points) > 0 {
		ratio = 1
	}

	return Result{
		Clusters: []Cluster{{
			ID:             0,
			SubmissionIDs:  ids,
			Centroid:       centroid,
			Size:           len(ids),
			Coherence:      1,
			DominanceRatio: ratio,
		}},
		Assignments:  assignments,
		Noise:        []string{},
		Unembeddable: unembeddable,
		DominantID:   0,
		NoiseRatio:   0,
		Degenerate:   true,
		Failure:      failure,
	}
}
