package consensus_test

import (
	"errors"
	"fmt"
	"testing"

	"github.com/LemmyAI/megabrain-protocol/internal/domain/clustering"
	"github.com/LemmyAI/megabrain-protocol/internal/domain/consensus"
	model "github.com/LemmyAI/megabrain-protocol/internal/domain/model"
	. "github.com/smartystreets/goconvey/convey"
)

func eval(id, evaluator, submission string, score int, confidence float64) model.Evaluation {
	return model.Evaluation{ID: id, EvaluatorID: evaluator, SubmissionID: submission, Score: score, Confidence: confidence}
}

func twoClusters() clustering.Result {
	return clustering.Result{
		Clusters: []clustering.Cluster{
			{ID: 0, SubmissionIDs: []string{"s1", "s2"}, Centroid: []float64{1, 0}, Size: 2, Coherence: 0.9},
			{ID: 1, SubmissionIDs: []string{"s3"}, Centroid: []float64{0, 1}, Size: 1, Coherence: 1},
		},
		Assignments: map[string]int{"s1": 0, "s2": 0, "s3": 1},
		DominantID:  0,
		NoiseRatio:  0.25,
	}
}

// panel has eight agreeing evaluators and one that scores s1 at bad.
func panel(bad int) []model.Evaluation {
	var evals []model.Evaluation
	for i, score := range []int{80, 82, 78, 81, 79, 80, 83, 77} {
		evals = append(evals, eval(fmt.Sprintf("e%d", i), fmt.Sprintf("v%d", i), "s1", score, 0.9))
	}
	return append(evals, eval("e-bad", "bad", "s1", bad, 0.9))
}

func TestCompute(t *testing.T) {
	cfg := consensus.NewConfig()

	Convey("Given two evaluators with equal reputation", t, func() {
		evals := []model.Evaluation{
			eval("e1", "v1", "s1", 85, 0.9),
			eval("e2", "v2", "s1", 90, 0.95),
		}
		agents := map[string]model.Agent{
			"v1": {ID: "v1", EvaluatorReputation: 100},
			"v2": {ID: "v2", EvaluatorReputation: 100},
		}

		Convey("When computing consensus", func() {
			d, err := consensus.Compute(cfg, evals, twoClusters(), agents)
			So(err, ShouldBeNil)

			Convey("Then the aggregate is the confidence-reputation weighted mean", func() {
				So(d.Scores["s1"], ShouldAlmostEqual, 1620.0/18.5, 1e-9)
				So(d.ConsensusScore, ShouldAlmostEqual, 1620.0/18.5, 1e-9)
			})

			Convey("Then neither evaluator is an outlier", func() {
				So(d.Outliers, ShouldBeEmpty)
				So(d.SupportRatio, ShouldEqual, 1)
				So(d.Confidence, ShouldAlmostEqual, 0.925, 1e-12)
				So(consensus.IsReached(cfg, d), ShouldBeTrue)
			})

			Convey("Then distances and cluster descriptors are reported", func() {
				So(d.Distances["e1"], ShouldAlmostEqual, 1620.0/18.5-85, 1e-9)
				So(d.Distances["e2"], ShouldAlmostEqual, 90-1620.0/18.5, 1e-9)
				So(d.ClusterSizes, ShouldResemble, []int{2, 1})
				So(d.NoiseRatio, ShouldEqual, 0.25)
				So(d.DominantClusterHash, ShouldEqual, clustering.Hash(twoClusters().Clusters[0]))
			})
		})
	})

	Convey("Given evaluations across the dominant cluster and outside it", t, func() {
		evals := []model.Evaluation{
			eval("e1", "v1", "s1", 80, 1),
			eval("e2", "v1", "s2", 60, 1),
			eval("e3", "v1", "s3", 10, 1),
		}

		Convey("When computing consensus", func() {
			d, err := consensus.Compute(cfg, evals, twoClusters(), nil)
			So(err, ShouldBeNil)

			Convey("Then only dominant members contribute to the score", func() {
				So(d.ConsensusScore, ShouldEqual, 70)
				So(d.Scores["s3"], ShouldEqual, 10)
			})
		})

		Convey("When a dominant member has no evaluations", func() {
			d, err := consensus.Compute(cfg, evals[:1], twoClusters(), nil)
			So(err, ShouldBeNil)

			Convey("Then it is left out of the mean", func() {
				So(d.ConsensusScore, ShouldEqual, 80)
				_, scored := d.Scores["s2"]
				So(scored, ShouldBeFalse)
			})
		})
	})

	Convey("Given an evaluator far from the rest of the panel", t, func() {
		d, err := consensus.Compute(cfg, panel(40), twoClusters(), nil)
		So(err, ShouldBeNil)

		Convey("Then that evaluator is the only outlier", func() {
			So(d.Outliers, ShouldResemble, []string{"bad"})
			So(d.IsOutlier("bad"), ShouldBeTrue)
			So(d.IsOutlier("v0"), ShouldBeFalse)
		})

		Convey("Then support and confidence count only agreeing evaluations", func() {
			So(d.SupportRatio, ShouldAlmostEqual, 8.0/9, 1e-12)
			So(d.Confidence, ShouldAlmostEqual, 0.8, 1e-12)
			So(consensus.IsReached(cfg, d), ShouldBeTrue)
		})
	})

	Convey("Given an outlier whose deviation keeps growing", t, func() {
		flagged := false
		for bad := 70; bad >= 0; bad -= 5 {
			d, err := consensus.Compute(cfg, panel(bad), twoClusters(), nil)
			So(err, ShouldBeNil)
			if flagged {
				So(d.IsOutlier("bad"), ShouldBeTrue)
			}
			flagged = flagged || d.IsOutlier("bad")
		}
		So(flagged, ShouldBeTrue)
	})

	Convey("Given an evaluator with several evaluations", t, func() {
		evals := panel(0)
		evals = append(evals, eval("e-bad-2", "bad", "s2", 50, 0.9))
		d, err := consensus.Compute(cfg, evals, twoClusters(), nil)
		So(err, ShouldBeNil)

		Convey("Then one crossing flags all of that evaluator's evaluations", func() {
			So(d.Outliers, ShouldResemble, []string{"bad"})
			So(d.SupportRatio, ShouldAlmostEqual, 8.0/10, 1e-12)
		})
	})

	Convey("Given a unanimous panel", t, func() {
		for n := 2; n <= 9; n++ {
			for score := 0; score <= 100; score += 13 {
				var evals []model.Evaluation
				agents := map[string]model.Agent{}
				for i := 0; i < n; i++ {
					v := fmt.Sprintf("v%d", i)
					evals = append(evals, eval(fmt.Sprintf("e%d", i), v, "s1", score, 0.6+0.04*float64(i)))
					agents[v] = model.Agent{ID: v, EvaluatorReputation: float64(10 + 17*i)}
				}

				d, err := consensus.Compute(cfg, evals, twoClusters(), agents)
				So(err, ShouldBeNil)
				So(d.Outliers, ShouldBeEmpty)
				So(d.SupportRatio, ShouldEqual, 1)
				So(d.Scores["s1"], ShouldAlmostEqual, float64(score), 1e-9)
				So(consensus.IsReached(cfg, d), ShouldBeTrue)
			}
		}
	})

	Convey("Given two equally weighted evaluators scoring symmetrically around the aggregate", t, func() {
		for _, conf := range []float64{0.1, 0.37, 0.69, 0.9, 1} {
			for _, rep := range []float64{1, 42, 103, 250} {
				for delta := 1; delta <= 10; delta++ {
					for base := 0; base+2*delta <= 100; base += 11 {
						agents := map[string]model.Agent{
							"a": {ID: "a", EvaluatorReputation: rep},
							"b": {ID: "b", EvaluatorReputation: rep},
						}
						var evals []model.Evaluation
						for _, sub := range []string{"s1", "s2", "s3"} {
							evals = append(evals,
								eval("a-"+sub, "a", sub, base, conf),
								eval("b-"+sub, "b", sub, base+2*delta, conf))
						}

						d, err := consensus.Compute(cfg, evals, twoClusters(), agents)
						So(err, ShouldBeNil)
						So(d.Outliers, ShouldBeEmpty)
						So(d.SupportRatio, ShouldEqual, 1)
					}
				}
			}
		}
	})

	Convey("Given no evaluations", t, func() {
		d, err := consensus.Compute(cfg, nil, twoClusters(), nil)
		So(err, ShouldBeNil)

		Convey("Then scores are zero but the cluster shape is still reported", func() {
			So(d.ConsensusScore, ShouldEqual, 0)
			So(d.Confidence, ShouldEqual, 0)
			So(d.SupportRatio, ShouldEqual, 0)
			So(d.ClusterSizes, ShouldResemble, []int{2, 1})
			So(d.DominantClusterHash, ShouldBeEmpty)
			So(consensus.IsReached(cfg, d), ShouldBeFalse)
		})
	})

	Convey("Given no dominant cluster", t, func() {
		res := twoClusters()
		res.DominantID = clustering.NoCluster
		d, err := consensus.Compute(cfg, panel(80), res, nil)
		So(err, ShouldBeNil)

		So(d.ConsensusScore, ShouldEqual, 0)
		So(d.Confidence, ShouldEqual, 0)
		So(d.SupportRatio, ShouldEqual, 0)
		So(d.DominantClusterHash, ShouldBeEmpty)
	})

	Convey("Given evaluations that all carry zero confidence", t, func() {
		evals := []model.Evaluation{eval("e1", "v1", "s1", 80, 0), eval("e2", "v2", "s1", 60, 0)}
		d, err := consensus.Compute(cfg, evals, twoClusters(), nil)
		So(err, ShouldBeNil)

		Convey("Then every evaluator is an outlier and nothing is reached", func() {
			So(d.Outliers, ShouldResemble, []string{"v1", "v2"})
			So(d.SupportRatio, ShouldEqual, 0)
			So(d.Confidence, ShouldEqual, 0)
			So(consensus.IsReached(cfg, d), ShouldBeFalse)
		})
	})
}

func TestWeight(t *testing.T) {
	Convey("Given evaluator weights", t, func() {
		e := eval("e1", "v1", "s1", 50, 0.5)

		So(consensus.Weight(e, map[string]model.Agent{"v1": {EvaluatorReputation: 16}}), ShouldEqual, 2)
		So(consensus.Weight(e, nil), ShouldEqual, 0.5)
		So(consensus.Weight(e, map[string]model.Agent{"v1": {EvaluatorReputation: -4}}), ShouldEqual, 0)
	})
}

func TestIsReached(t *testing.T) {
	Convey("Given the consensus gate", t, func() {
		cfg := consensus.NewConfig()

		Convey("When support is below the threshold", func() {
			for _, conf := range []float64{0, 0.5, 1} {
				So(consensus.IsReached(cfg, consensus.Data{Confidence: conf, SupportRatio: 0.65}), ShouldBeFalse)
			}
		})

		Convey("When confidence is below the minimum alignment", func() {
			So(consensus.IsReached(cfg, consensus.Data{Confidence: 0.49, SupportRatio: 1}), ShouldBeFalse)
		})

		Convey("When both sit exactly on their gates", func() {
			So(consensus.IsReached(cfg, consensus.Data{Confidence: 0.5, SupportRatio: 0.66}), ShouldBeTrue)
		})
	})
}

func TestConfig(t *testing.T) {
	Convey("Given consensus configuration", t, func() {
		cfg := consensus.NewConfig(consensus.WithThreshold(0.8), consensus.WithOutlierSigma(3), consensus.WithMinEvaluatorAlignment(2))

		So(cfg.Threshold, ShouldEqual, 0.8)
		So(cfg.OutlierSigma, ShouldEqual, 3)
		So(cfg.MinEvaluatorAlignment, ShouldEqual, 0.5)
		So(cfg.Validate(), ShouldBeNil)

		cfg.OutlierSigma = 0
		So(errors.Is(cfg.Validate(), consensus.ErrInvalidConfig), ShouldBeTrue)
	})
}
