package service_test

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"testing"
	"time"

	. "github.com/smartystreets/goconvey/convey"

	"github.com/LemmyAI/megabrain-protocol/internal/adapters/embedding"
	repository "github.com/LemmyAI/megabrain-protocol/internal/adapters/repository"
	service "github.com/LemmyAI/megabrain-protocol/internal/app"
	"github.com/LemmyAI/megabrain-protocol/internal/domain/clustering"
	model "github.com/LemmyAI/megabrain-protocol/internal/domain/model"
	"github.com/LemmyAI/megabrain-protocol/internal/domain/payment"
	"github.com/LemmyAI/megabrain-protocol/internal/domain/settlement"
	"github.com/LemmyAI/megabrain-protocol/pkg/logger"
)

func init() {
	// Initialize logging for tests
	err := logger.Init()
	if err != nil {
		panic(err)
	}
}

// task has w1 and w2 agreeing, w3 far away, and two evaluators scoring
// every submission identically.
func task(id string) model.Snapshot {
	snap := model.Snapshot{
		Task: model.Task{ID: id, TotalBudget: 1000},
		Submissions: []model.Submission{
			{ID: id + "-s1", WorkerID: "w1", Summary: "first", Embedding: []float64{1, 0, 0}},
			{ID: id + "-s2", WorkerID: "w2", Summary: "second", Embedding: []float64{0.95, math.Sqrt(1 - 0.95*0.95), 0}},
			{ID: id + "-s3", WorkerID: "w3", Summary: "third", Embedding: []float64{0.1, 0, math.Sqrt(0.99)}},
		},
		Agents: []model.Agent{
			{ID: "v1", EvaluatorReputation: 100},
			{ID: "v2", EvaluatorReputation: 100},
		},
	}
	scores := []int{80, 60, 30}
	for _, v := range []string{"v1", "v2"} {
		for i, s := range snap.Submissions {
			snap.Evaluations = append(snap.Evaluations, model.Evaluation{
				ID:           fmt.Sprintf("%s-%s", v, s.ID),
				EvaluatorID:  v,
				SubmissionID: s.ID,
				WorkerID:     s.WorkerID,
				Score:        scores[i],
				Confidence:   0.9,
			})
		}
	}
	return snap
}

type recordingArchiver struct {
	mu   sync.Mutex
	seen []string
	err  error
}

func (a *recordingArchiver) Archive(_ context.Context, out *settlement.Outcome) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.seen = append(a.seen, out.TaskID)
	return a.err
}

func (a *recordingArchiver) tasks() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.seen...)
}

// gateEmbedder blocks every call until the gate is closed.
type gateEmbedder struct {
	gate chan struct{}
}

func (g *gateEmbedder) Embed(ctx context.Context, _ string) (embedding.Result, error) {
	select {
	case <-g.gate:
		return embedding.Result{Vector: []float64{1, 0, 0}}, nil
	case <-ctx.Done():
		return embedding.Result{}, ctx.Err()
	}
}

type staticEmbedder struct {
	vector []float64
}

func (e staticEmbedder) Embed(context.Context, string) (embedding.Result, error) {
	return embedding.Result{Vector: e.vector}, nil
}

func waitForRecord(svc *service.Service, taskID string) (repository.Record, error) {
	deadline := time.Now().Add(5 * time.Second)
	for {
		rec, err := svc.Result(context.Background(), taskID)
		if err == nil || time.Now().After(deadline) {
			return rec, err
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestService_New(t *testing.T) {
	Convey("Given a new service with default options", t, func() {
		svc := service.New()

		Convey("Then it is not started", func() {
			So(svc, ShouldNotBeNil)
			So(svc.GetStats()["started"], ShouldEqual, false)
			So(svc.Size(), ShouldEqual, 0)
			So(svc.Processed(), ShouldEqual, 0)
		})
	})

	Convey("Given a new service with custom options", t, func() {
		svc := service.New(
			service.WithWorkerCount(8),
			service.WithQueueSize(50_000),
			service.WithDedupeSize(25_000),
			service.WithStoreSize(100),
			service.WithPoolShares(payment.PoolShares{Worker: 0.6, Evaluator: 0.3, Bonus: 0.1}),
		)

		Convey("Then the options are reported", func() {
			stats := svc.GetStats()
			So(stats["workerCount"], ShouldEqual, 8)
			So(stats["queueSize"], ShouldEqual, 50_000)
			So(stats["dedupeSize"], ShouldEqual, 25_000)
		})
	})
}

func TestService_StartStop(t *testing.T) {
	Convey("Given a new service", t, func() {
		svc := service.New(service.WithWorkerCount(2))
		defer svc.Stop()
		ctx := context.Background()

		Convey("When starting the service", func() {
			So(svc.Start(ctx), ShouldBeNil)

			Convey("Then it is marked as started", func() {
				stats := svc.GetStats()
				So(stats["started"], ShouldEqual, true)
				So(stats["queueLength"], ShouldEqual, 0)
				So(stats["workerCount"], ShouldEqual, 2)
			})

			Convey("And starting again is a no-op", func() {
				So(svc.Start(ctx), ShouldBeNil)
			})

			Convey("And stopping marks it stopped", func() {
				svc.Stop()
				So(svc.GetStats()["started"], ShouldEqual, false)
				So(svc.Submit(ctx, task("late")), ShouldEqual, service.ErrNotStarted)
			})
		})

		Convey("When the settlement config is invalid", func() {
			cfg := settlement.DefaultConfig()
			cfg.Pools = payment.PoolShares{Worker: 0.9, Evaluator: 0.9}
			bad := service.New(service.WithSettlementConfig(cfg))
			err := bad.Start(ctx)

			Convey("Then Start fails", func() {
				So(err, ShouldNotBeNil)
				So(errors.Is(err, payment.ErrInvalidShares), ShouldBeTrue)
			})
		})
	})

	Convey("Given a service that was never started", t, func() {
		svc := service.New()
		ctx := context.Background()

		Convey("Then every operation reports ErrNotStarted", func() {
			So(svc.Submit(ctx, task("t")), ShouldEqual, service.ErrNotStarted)
			_, err := svc.SettleNow(ctx, task("t"))
			So(err, ShouldEqual, service.ErrNotStarted)
			_, err = svc.Result(ctx, "t")
			So(err, ShouldEqual, service.ErrNotStarted)
			_, err = svc.Recent(ctx, 1)
			So(err, ShouldEqual, service.ErrNotStarted)
			svc.Stop()
		})
	})
}

func TestService_SettleNow(t *testing.T) {
	Convey("Given a started service with an archiver", t, func() {
		archiver := &recordingArchiver{}
		svc := service.New(service.WithWorkerCount(1), service.WithArchiver(archiver))
		ctx := context.Background()
		So(svc.Start(ctx), ShouldBeNil)
		defer svc.Stop()

		Convey("When settling a task synchronously", func() {
			out, err := svc.SettleNow(ctx, task("task-1"))

			Convey("Then consensus is reached over the agreeing pair", func() {
				So(err, ShouldBeNil)
				So(out.Status, ShouldEqual, settlement.StatusSettled)
				So(out.Consensus.ConsensusScore, ShouldAlmostEqual, 70, 1e-9)
				So(out.Payments.TotalSlashed, ShouldAlmostEqual, 20, 1e-9)
			})

			Convey("Then the outcome is stored and archived", func() {
				rec, err := svc.Result(ctx, "task-1")
				So(err, ShouldBeNil)
				So(rec.Status, ShouldEqual, "settled")
				So(rec.Outcome.Consensus.ConsensusScore, ShouldAlmostEqual, 70, 1e-9)
				So(archiver.tasks(), ShouldResemble, []string{"task-1"})
			})

			Convey("Then settling it again is rejected", func() {
				_, err := svc.SettleNow(ctx, task("task-1"))
				So(errors.Is(err, service.ErrAlreadySettled), ShouldBeTrue)
				So(errors.Is(svc.Submit(ctx, task("task-1")), service.ErrAlreadySettled), ShouldBeTrue)
			})
		})

		Convey("When the snapshot is invalid", func() {
			snap := task("task-2")
			snap.Evaluations[1].WorkerID = "w1"
			_, err := svc.SettleNow(ctx, snap)

			Convey("Then it is rejected without claiming the task", func() {
				So(errors.Is(err, model.ErrInvalidSnapshot), ShouldBeTrue)
				So(svc.Size(), ShouldEqual, 0)
			})
		})

		Convey("When allocation breaks budget conservation", func() {
			snap := task("task-3")
			snap.Task.WorkerPool = 1000
			snap.Task.EvaluatorPool = 1000
			_, err := svc.SettleNow(ctx, snap)

			Convey("Then the failure is returned and stored", func() {
				So(errors.Is(err, payment.ErrAllocationInvariantViolation), ShouldBeTrue)
				rec, rerr := svc.Result(ctx, "task-3")
				So(rerr, ShouldBeNil)
				So(rec.Status, ShouldEqual, repository.StatusFailed)
				So(rec.Error, ShouldContainSubstring, "task-3")
				So(archiver.tasks(), ShouldBeEmpty)
			})
		})

		Convey("When archiving fails", func() {
			archiver.err = errors.New("disk full")
			out, err := svc.SettleNow(ctx, task("task-4"))

			Convey("Then the settlement still succeeds", func() {
				So(err, ShouldBeNil)
				So(out.Status, ShouldEqual, settlement.StatusSettled)
			})
		})
	})
}

func TestService_Submit(t *testing.T) {
	Convey("Given a started service", t, func() {
		svc := service.New(service.WithWorkerCount(2), service.WithQueueSize(100))
		ctx := context.Background()
		So(svc.Start(ctx), ShouldBeNil)
		defer svc.Stop()

		Convey("When submitting a task", func() {
			So(svc.Submit(ctx, task("task-1")), ShouldBeNil)
			rec, err := waitForRecord(svc, "task-1")

			Convey("Then a worker settles and stores it", func() {
				So(err, ShouldBeNil)
				So(rec.Status, ShouldEqual, "settled")
				So(rec.Outcome.Payments.TotalWorkerPayments, ShouldAlmostEqual, 800, 1e-9)
			})
		})

		Convey("When submitting the same task twice", func() {
			So(svc.Submit(ctx, task("task-2")), ShouldBeNil)
			err := svc.Submit(ctx, task("task-2"))

			Convey("Then the duplicate is rejected", func() {
				So(errors.Is(err, service.ErrAlreadySettled), ShouldBeTrue)
			})
		})

		Convey("When the snapshot has no task id", func() {
			snap := task("")
			err := svc.Submit(ctx, snap)

			Convey("Then it is rejected as invalid", func() {
				So(errors.Is(err, model.ErrInvalidSnapshot), ShouldBeTrue)
			})
		})

		Convey("When a queued task breaks budget conservation", func() {
			snap := task("task-3")
			snap.Task.BonusPool = 5000
			So(svc.Submit(ctx, snap), ShouldBeNil)
			rec, err := waitForRecord(svc, "task-3")

			Convey("Then the failure is stored", func() {
				So(err, ShouldBeNil)
				So(rec.Status, ShouldEqual, repository.StatusFailed)
			})
		})
	})
}

func TestService_Backpressure(t *testing.T) {
	Convey("Given a service whose only worker is blocked", t, func() {
		gate := &gateEmbedder{gate: make(chan struct{})}
		svc := service.New(
			service.WithWorkerCount(1),
			service.WithQueueSize(1),
			service.WithEmbedder(gate),
		)
		ctx := context.Background()
		So(svc.Start(ctx), ShouldBeNil)

		blocked := func(id string) model.Snapshot {
			snap := task(id)
			snap.Submissions[0].Embedding = nil
			return snap
		}

		Convey("When submitting until the queue is full", func() {
			var rejected string
			accepted := 0
			for i := 0; i < 10 && rejected == ""; i++ {
				id := fmt.Sprintf("task-%d", i)
				err := svc.Submit(ctx, blocked(id))
				switch {
				case err == nil:
					accepted++
				case errors.Is(err, service.ErrBackpressure):
					rejected = id
				default:
					t.Fatalf("unexpected error: %v", err)
				}
				time.Sleep(10 * time.Millisecond)
			}
			claimed := svc.Size()
			close(gate.gate)
			svc.Stop()

			Convey("Then backpressure is reported and the claim released", func() {
				So(rejected, ShouldNotBeEmpty)
				So(accepted, ShouldBeGreaterThan, 0)
				So(claimed, ShouldEqual, int64(accepted))
			})

			Convey("Then Stop drains every accepted task", func() {
				So(svc.Processed(), ShouldEqual, int64(accepted))
				recent, err := svc.Recent(ctx, 100)
				So(err, ShouldBeNil)
				So(recent, ShouldHaveLength, accepted)
			})
		})
	})
}

func TestService_EmbeddingBackfill(t *testing.T) {
	Convey("Given a service with an embedder", t, func() {
		svc := service.New(
			service.WithWorkerCount(1),
			service.WithEmbedder(staticEmbedder{vector: []float64{0.95, math.Sqrt(1 - 0.95*0.95), 0}}),
		)
		ctx := context.Background()
		So(svc.Start(ctx), ShouldBeNil)
		defer svc.Stop()

		Convey("When a submission arrives without a vector", func() {
			snap := task("task-1")
			snap.Submissions[1].Embedding = nil
			out, err := svc.SettleNow(ctx, snap)

			Convey("Then it is embedded and clustered like the others", func() {
				So(err, ShouldBeNil)
				So(out.Clustering.Unembeddable, ShouldBeEmpty)
				So(out.Submissions[1].InConsensus, ShouldBeTrue)
				So(out.Warnings, ShouldBeEmpty)
			})
		})
	})

	Convey("Given a service without an embedder", t, func() {
		svc := service.New(service.WithWorkerCount(1))
		ctx := context.Background()
		So(svc.Start(ctx), ShouldBeNil)
		defer svc.Stop()

		Convey("When a submission arrives without a vector", func() {
			snap := task("task-1")
			snap.Submissions[1].Embedding = nil
			out, err := svc.SettleNow(ctx, snap)

			Convey("Then it is reported as unembeddable", func() {
				So(err, ShouldBeNil)
				So(out.Clustering.Unembeddable, ShouldResemble, []string{"task-1-s2"})
				So(out.Submissions[1].InConsensus, ShouldBeFalse)
			})
		})
	})
}

func TestService_DensityClustering(t *testing.T) {
	Convey("Given a service configured for density clustering", t, func() {
		cfg := settlement.DefaultConfig()
		cfg.Clustering = clustering.NewConfig(clustering.WithAlgorithm(clustering.AlgorithmDBSCAN))
		svc := service.New(service.WithWorkerCount(1), service.WithSettlementConfig(cfg))
		ctx := context.Background()
		So(svc.Start(ctx), ShouldBeNil)
		defer svc.Stop()

		Convey("When settling a task", func() {
			out, err := svc.SettleNow(ctx, task("task-1"))

			Convey("Then the far submission is noise", func() {
				So(err, ShouldBeNil)
				So(out.Clustering.Noise, ShouldResemble, []string{"task-1-s3"})
				So(svc.GetStats()["algorithm"], ShouldEqual, "dbscan")
			})
		})
	})
}
