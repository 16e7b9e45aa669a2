package payment_test

import (
	"errors"
	"fmt"
	"math/rand/v2"
	"testing"

	"github.com/LemmyAI/megabrain-protocol/internal/domain/clustering"
	"github.com/LemmyAI/megabrain-protocol/internal/domain/consensus"
	model "github.com/LemmyAI/megabrain-protocol/internal/domain/model"
	"github.com/LemmyAI/megabrain-protocol/internal/domain/payment"
	. "github.com/smartystreets/goconvey/convey"
)

func task(budget float64) model.Task {
	return payment.DefaultPoolShares().Apply(model.Task{ID: "t1", TotalBudget: budget})
}

func dominantOf(ids ...string) clustering.Result {
	res := clustering.Result{
		Clusters:    []clustering.Cluster{{ID: 0, SubmissionIDs: ids, Size: len(ids)}},
		Assignments: map[string]int{},
		DominantID:  0,
	}
	for _, id := range ids {
		res.Assignments[id] = 0
	}
	return res
}

func subs(ids ...string) []model.Submission {
	out := make([]model.Submission, len(ids))
	for i, id := range ids {
		out[i] = model.Submission{ID: id, WorkerID: "w-" + id}
	}
	return out
}

func TestWorkerAllocation(t *testing.T) {
	Convey("Given a budget of 1000 with a 700 worker pool", t, func() {
		tk := task(1000)

		Convey("When the dominant cluster holds workers scored 80 and 20", func() {
			d := consensus.Data{Scores: map[string]float64{"s1": 80, "s2": 20}}
			dist, err := payment.Allocate(tk, subs("s1", "s2"), nil, d, dominantOf("s1", "s2"), nil)
			So(err, ShouldBeNil)

			Convey("Then base payments split the pool proportionally", func() {
				So(dist.Workers[0].Base, ShouldAlmostEqual, 560, 1e-9)
				So(dist.Workers[1].Base, ShouldAlmostEqual, 140, 1e-9)
			})

			Convey("Then the top score takes the bonus pool", func() {
				So(dist.Workers[0].Bonus, ShouldAlmostEqual, 100, 1e-9)
				So(dist.Workers[1].Bonus, ShouldEqual, 0)
				So(dist.Workers[0].Total, ShouldAlmostEqual, 660, 1e-9)
			})

			Convey("Then the unused evaluator pool is slashed", func() {
				So(dist.TotalWorkerPayments, ShouldAlmostEqual, 800, 1e-9)
				So(dist.TotalSlashed, ShouldAlmostEqual, 200, 1e-9)
			})
		})

		Convey("When some submissions are outside the dominant cluster or unevaluated", func() {
			d := consensus.Data{Scores: map[string]float64{"s1": 90, "s3": 95}}
			res := dominantOf("s1", "s2")
			res.Clusters = append(res.Clusters, clustering.Cluster{ID: 1, SubmissionIDs: []string{"s3"}, Size: 1})
			res.Assignments["s3"] = 1

			dist, err := payment.Allocate(tk, subs("s1", "s2", "s3", "s4"), nil, d, res, nil)
			So(err, ShouldBeNil)

			Convey("Then only evaluated dominant members are paid", func() {
				So(dist.Workers[0].InConsensus, ShouldBeTrue)
				So(dist.Workers[0].Base, ShouldAlmostEqual, 700, 1e-9)
				So(dist.Workers[0].Bonus, ShouldEqual, 0)

				So(dist.Workers[1].InConsensus, ShouldBeFalse)
				So(dist.Workers[1].Evaluated, ShouldBeFalse)
				So(dist.Workers[2].InConsensus, ShouldBeFalse)
				So(dist.Workers[2].Score, ShouldEqual, 95)
				So(dist.Workers[2].Total, ShouldEqual, 0)
				So(dist.Workers[3].Total, ShouldEqual, 0)
			})

			Convey("Then the lone paid worker gets no bonus and it is slashed", func() {
				So(dist.TotalSlashed, ShouldAlmostEqual, 300, 1e-9)
			})
		})

		Convey("When every in-cluster score is zero", func() {
			d := consensus.Data{Scores: map[string]float64{"s1": 0, "s2": 0}}
			dist, err := payment.Allocate(tk, subs("s1", "s2"), nil, d, dominantOf("s1", "s2"), nil)
			So(err, ShouldBeNil)

			Convey("Then the pool and the bonus are split equally", func() {
				So(dist.Workers[0].Base, ShouldAlmostEqual, 350, 1e-9)
				So(dist.Workers[1].Base, ShouldAlmostEqual, 350, 1e-9)
				So(dist.Workers[0].Bonus, ShouldAlmostEqual, 50, 1e-9)
				So(dist.Workers[1].Bonus, ShouldAlmostEqual, 50, 1e-9)
			})
		})

		Convey("When ten workers are ranked", func() {
			ids := make([]string, 10)
			d := consensus.Data{Scores: map[string]float64{}}
			for i := range ids {
				ids[i] = fmt.Sprintf("s%02d", i)
				d.Scores[ids[i]] = float64(100 - 10*i)
			}
			dist, err := payment.Allocate(tk, subs(ids...), nil, d, dominantOf(ids...), nil)
			So(err, ShouldBeNil)

			Convey("Then scores at or above the second rank share the bonus", func() {
				So(dist.Workers[0].Bonus, ShouldAlmostEqual, 50, 1e-9)
				So(dist.Workers[1].Bonus, ShouldAlmostEqual, 50, 1e-9)
				So(dist.Workers[2].Bonus, ShouldEqual, 0)
			})
		})

		Convey("When agents carry addresses", func() {
			d := consensus.Data{Scores: map[string]float64{"s1": 50}}
			agents := map[string]model.Agent{"w-s1": {ID: "w-s1", Address: "5Grw"}}
			dist, err := payment.Allocate(tk, subs("s1"), nil, d, dominantOf("s1"), agents)
			So(err, ShouldBeNil)
			So(dist.Workers[0].Address, ShouldEqual, "5Grw")
		})
	})
}

func TestEvaluatorAllocation(t *testing.T) {
	Convey("Given three evaluations and a 300 evaluator pool", t, func() {
		tk := model.Task{ID: "t1", TotalBudget: 300, EvaluatorPool: 300}
		evals := []model.Evaluation{
			{ID: "e1", EvaluatorID: "v1", SubmissionID: "s1", Confidence: 1},
			{ID: "e2", EvaluatorID: "v2", SubmissionID: "s1", Confidence: 0.5},
			{ID: "e3", EvaluatorID: "v3", SubmissionID: "s1", Confidence: 1},
		}
		d := consensus.Data{
			Scores:    map[string]float64{"s1": 50},
			Distances: map[string]float64{"e1": 10, "e2": 10, "e3": 45},
			Outliers:  []string{"v3"},
		}

		dist, err := payment.Allocate(tk, nil, evals, d, dominantOf("s1"), nil)
		So(err, ShouldBeNil)

		Convey("Then aligned evaluators are paid over the full evaluation count", func() {
			So(dist.Evaluators[0].Alignment, ShouldAlmostEqual, 0.9, 1e-12)
			So(dist.Evaluators[0].Payment, ShouldAlmostEqual, 90, 1e-9)
			So(dist.Evaluators[1].Payment, ShouldAlmostEqual, 45, 1e-9)
		})

		Convey("Then the outlier receives nothing", func() {
			So(dist.Evaluators[2].IsOutlier, ShouldBeTrue)
			So(dist.Evaluators[2].Alignment, ShouldEqual, 0)
			So(dist.Evaluators[2].Payment, ShouldEqual, 0)
			So(dist.Evaluators[2].ConsensusDistance, ShouldEqual, 45)
		})

		Convey("Then the remainder is slashed", func() {
			So(dist.TotalEvaluatorPayments, ShouldAlmostEqual, 135, 1e-9)
			So(dist.TotalSlashed, ShouldAlmostEqual, 165, 1e-9)
		})
	})

	Convey("Given a distance beyond the score range", t, func() {
		tk := model.Task{ID: "t1", TotalBudget: 100, EvaluatorPool: 100}
		evals := []model.Evaluation{{ID: "e1", EvaluatorID: "v1", Confidence: 1}}
		d := consensus.Data{Distances: map[string]float64{"e1": 150}}

		dist, err := payment.Allocate(tk, nil, evals, d, dominantOf(), nil)
		So(err, ShouldBeNil)
		So(dist.Evaluators[0].Alignment, ShouldEqual, 0)
		So(dist.Evaluators[0].Payment, ShouldEqual, 0)
	})
}

func TestAllocationInvariant(t *testing.T) {
	Convey("Given pools larger than the budget", t, func() {
		tk := model.Task{ID: "t1", TotalBudget: 100, WorkerPool: 100, EvaluatorPool: 100}
		d := consensus.Data{
			Scores:    map[string]float64{"s1": 80},
			Distances: map[string]float64{"e1": 0},
		}
		evals := []model.Evaluation{{ID: "e1", EvaluatorID: "v1", SubmissionID: "s1", Score: 80, Confidence: 1}}

		_, err := payment.Allocate(tk, subs("s1"), evals, d, dominantOf("s1"), nil)

		Convey("Then allocation fails loudly", func() {
			So(errors.Is(err, payment.ErrAllocationInvariantViolation), ShouldBeTrue)
		})
	})

	Convey("Given random tasks with valid pools", t, func() {
		rng := rand.New(rand.NewPCG(7, 11))
		for round := 0; round < 200; round++ {
			tk := task(float64(1 + rng.IntN(100000)))
			n := 1 + rng.IntN(12)
			ids := make([]string, n)
			d := consensus.Data{Scores: map[string]float64{}, Distances: map[string]float64{}}
			var evals []model.Evaluation
			for i := range ids {
				ids[i] = fmt.Sprintf("s%d", i)
				if rng.IntN(4) > 0 {
					d.Scores[ids[i]] = float64(rng.IntN(101))
				}
				id := fmt.Sprintf("e%d", i)
				evals = append(evals, model.Evaluation{ID: id, EvaluatorID: "v" + id, SubmissionID: ids[i], Confidence: rng.Float64()})
				d.Distances[id] = rng.Float64() * 120
			}

			dist, err := payment.Allocate(tk, subs(ids...), evals, d, dominantOf(ids[:1+rng.IntN(n)]...), nil)
			So(err, ShouldBeNil)
			So(dist.TotalSlashed, ShouldBeGreaterThanOrEqualTo, 0.0)
			So(dist.TotalWorkerPayments+dist.TotalEvaluatorPayments+dist.TotalSlashed, ShouldAlmostEqual, tk.TotalBudget, 1e-6)
		}
	})

	Convey("Given large budgets fully paid out to an agreeing panel", t, func() {
		rng := rand.New(rand.NewPCG(3, 5))
		for _, scale := range []float64{1e12, 1e15} {
			for round := 0; round < 200; round++ {
				tk := task(scale * (1 + rng.Float64()))
				n := 2 + rng.IntN(11)
				ids := make([]string, n)
				d := consensus.Data{Scores: map[string]float64{}, Distances: map[string]float64{}}
				var evals []model.Evaluation
				for i := range ids {
					ids[i] = fmt.Sprintf("s%d", i)
					d.Scores[ids[i]] = float64(1 + rng.IntN(100))
					id := fmt.Sprintf("e%d", i)
					evals = append(evals, model.Evaluation{ID: id, EvaluatorID: "v" + id, SubmissionID: ids[i], Confidence: 1})
					d.Distances[id] = 0
				}

				dist, err := payment.Allocate(tk, subs(ids...), evals, d, dominantOf(ids...), nil)
				So(err, ShouldBeNil)
				So(dist.TotalSlashed, ShouldBeGreaterThanOrEqualTo, 0.0)
				So(dist.TotalWorkerPayments+dist.TotalEvaluatorPayments+dist.TotalSlashed, ShouldAlmostEqual, tk.TotalBudget, tk.TotalBudget*1e-9)
			}
		}
	})
}

func TestPoolShares(t *testing.T) {
	Convey("Given pool shares", t, func() {
		p := payment.DefaultPoolShares()

		Convey("When splitting a budget", func() {
			w, e, b := p.Split(1000)
			So(w, ShouldAlmostEqual, 700, 1e-9)
			So(e, ShouldAlmostEqual, 200, 1e-9)
			So(b, ShouldAlmostEqual, 100, 1e-9)
		})

		Convey("When the task already has pools", func() {
			tk := p.Apply(model.Task{TotalBudget: 1000, WorkerPool: 500})
			So(tk.WorkerPool, ShouldEqual, 500)
			So(tk.EvaluatorPool, ShouldEqual, 0)
		})

		Convey("When validating", func() {
			So(p.Validate(), ShouldBeNil)
			So(errors.Is(payment.PoolShares{Worker: 0.9, Evaluator: 0.2}.Validate(), payment.ErrInvalidShares), ShouldBeTrue)
			So(errors.Is(payment.PoolShares{Worker: -0.1}.Validate(), payment.ErrInvalidShares), ShouldBeTrue)
		})
	})
}
