package simulate

import (
	"context"
	"fmt"
	"math"
	"math/rand/v2"
	"strconv"

	"github.com/google/uuid"
	"gonum.org/v1/gonum/stat/distuv"

	model "github.com/LemmyAI/megabrain-protocol/internal/domain/model"
	"github.com/LemmyAI/megabrain-protocol/internal/domain/vectormath"
	"github.com/LemmyAI/megabrain-protocol/pkg/logger"
)

// Score model of honest evaluators.
const (
	majorityQuality = 80.0
	minorityQuality = 35.0
	scoreNoise      = 6.0
	maxScore        = 100
)

var idNamespace = uuid.MustParse("6f2d0c2e-8f4b-4c1a-9a57-0d5b7e3c1f20")

// Generate builds cfg.Tasks scenarios. Each task draws from its own source
// seeded by (cfg.Seed, index), so the result does not depend on how many
// goroutines share the work.
func Generate(ctx context.Context, cfg *Config) ([]Scenario, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	logger.Get().Info(ctx, "generating scenarios",
		logger.Int("tasks", cfg.Tasks),
		logger.Int("workers", cfg.Workers),
		logger.Int("evaluators", cfg.Evaluators),
	)

	type result struct {
		index    int
		scenario Scenario
	}

	out := make([]Scenario, cfg.Tasks)
	results := make(chan result, cfg.Tasks)

	workerCount := min(max(cfg.Concurrency, 1), cfg.Tasks)
	perWorker := cfg.Tasks / workerCount
	for w := 0; w < workerCount; w++ {
		start := w * perWorker
		end := start + perWorker
		if w == workerCount-1 {
			end = cfg.Tasks
		}
		go func(start, end int) {
			for i := start; i < end; i++ {
				if ctx.Err() != nil {
					return
				}
				results <- result{index: i, scenario: generateScenario(cfg, i)}
			}
		}(start, end)
	}

	for i := 0; i < cfg.Tasks; i++ {
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("generation cancelled: %w", ctx.Err())
		case r := <-results:
			out[r.index] = r.scenario
		}
	}
	return out, nil
}

func (c *Config) validate() error {
	switch {
	case c.Tasks < 1, c.Workers < 1, c.Evaluators < 1:
		return fmt.Errorf("%w: tasks, workers and evaluators must be positive", ErrInvalidConfig)
	case c.Topics < 1 || c.Dims < 2:
		return fmt.Errorf("%w: need at least one topic and two dimensions", ErrInvalidConfig)
	case c.Majority < 0 || c.Majority > 1, c.Missing < 0 || c.Missing > 1, c.Adversarial < 0 || c.Adversarial > 1:
		return fmt.Errorf("%w: shares must be within [0, 1]", ErrInvalidConfig)
	case c.Noise < 0 || c.Budget < 0:
		return fmt.Errorf("%w: noise and budget must not be negative", ErrInvalidConfig)
	}
	return nil
}

func stableID(seed uint64, parts ...string) string {
	name := strconv.FormatUint(seed, 10)
	for _, p := range parts {
		name += "/" + p
	}
	return uuid.NewSHA1(idNamespace, []byte(name)).String()
}

func generateScenario(cfg *Config, index int) Scenario {
	rng := rand.New(rand.NewPCG(cfg.Seed, uint64(index)))
	unit := distuv.Normal{Mu: 0, Sigma: 1, Src: rng}
	jitter := distuv.Normal{Mu: 0, Sigma: max(cfg.Noise, math.SmallestNonzeroFloat64), Src: rng}
	scoring := distuv.Normal{Mu: 0, Sigma: scoreNoise, Src: rng}

	taskID := stableID(cfg.Seed, "task", strconv.Itoa(index))
	topics := make([][]float64, cfg.Topics)
	for t := range topics {
		topics[t] = unitVector(unit, cfg.Dims)
	}

	sc := Scenario{
		Snapshot: model.Snapshot{
			Task: model.Task{
				ID:          taskID,
				Description: "simulated task " + strconv.Itoa(index),
				TotalBudget: cfg.Budget,
			},
		},
		Adversarial: map[string]bool{},
		Majority:    map[string]bool{},
	}

	quality := make([]float64, cfg.Workers)
	for w := 0; w < cfg.Workers; w++ {
		workerID := stableID(cfg.Seed, "worker", strconv.Itoa(index), strconv.Itoa(w))
		sub := model.Submission{
			ID:       stableID(cfg.Seed, "submission", strconv.Itoa(index), strconv.Itoa(w)),
			TaskID:   taskID,
			WorkerID: workerID,
		}

		topic := 0
		if cfg.Topics > 1 && rng.Float64() >= cfg.Majority {
			topic = 1 + rng.IntN(cfg.Topics-1)
		}
		sub.Summary = fmt.Sprintf("answer on topic %d from worker %d", topic, w)
		if topic == 0 {
			sc.Majority[sub.ID] = true
			quality[w] = majorityQuality
		} else {
			quality[w] = minorityQuality
		}
		if rng.Float64() >= cfg.Missing {
			sub.Embedding = perturb(topics[topic], jitter)
		}

		sc.Snapshot.Submissions = append(sc.Snapshot.Submissions, sub)
		sc.Snapshot.Agents = append(sc.Snapshot.Agents, model.Agent{
			ID:               workerID,
			WorkerReputation: 50 + 50*rng.Float64(),
		})
	}

	for e := 0; e < cfg.Evaluators; e++ {
		evaluatorID := stableID(cfg.Seed, "evaluator", strconv.Itoa(index), strconv.Itoa(e))
		adversarial := rng.Float64() < cfg.Adversarial
		if adversarial {
			sc.Adversarial[evaluatorID] = true
		}
		sc.Snapshot.Agents = append(sc.Snapshot.Agents, model.Agent{
			ID:                  evaluatorID,
			EvaluatorReputation: 20 + 80*rng.Float64(),
		})

		for w, sub := range sc.Snapshot.Submissions {
			score := quality[w] + scoring.Rand()
			if adversarial {
				score = maxScore - score
			}
			sc.Snapshot.Evaluations = append(sc.Snapshot.Evaluations, model.Evaluation{
				ID:           stableID(cfg.Seed, "evaluation", strconv.Itoa(index), strconv.Itoa(e), strconv.Itoa(w)),
				TaskID:       taskID,
				EvaluatorID:  evaluatorID,
				SubmissionID: sub.ID,
				WorkerID:     sub.WorkerID,
				Score:        int(math.Round(vectormath.Clamp(score, 0, maxScore))),
				Confidence:   0.5 + 0.5*rng.Float64(),
			})
		}
	}
	return sc
}

func unitVector(d distuv.Normal, dims int) []float64 {
	v := make([]float64, dims)
	var norm float64
	for i := range v {
		v[i] = d.Rand()
		norm += v[i] * v[i]
	}
	norm = math.Sqrt(norm)
	if norm == 0 {
		v[0], norm = 1, 1
	}
	for i := range v {
		v[i] /= norm
	}
	return v
}

func perturb(center []float64, d distuv.Normal) []float64 {
	v := make([]float64, len(center))
	for i, c := range center {
		v[i] = c + d.Rand()
	}
	return v
}
