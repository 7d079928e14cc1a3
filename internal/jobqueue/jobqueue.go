// Package jobqueue runs review work through River. Review pipelines go on
// the default queue; cancel and ChatOps jobs go on a small control queue
// so a long-running review never starves a stop request.
package jobqueue

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/riverqueue/river"
	"github.com/riverqueue/river/riverdriver/riverpgxv5"

	"github.com/revloop/internal/orchestrator"
)

const controlQueue = "control"

// JobHandler consumes dispatched jobs. *orchestrator.Orchestrator
// satisfies it.
type JobHandler interface {
	HandleJob(ctx context.Context, job orchestrator.Job) error
}

// RunPRArgs starts one review run.
type RunPRArgs struct {
	RunID string `json:"run_id"`
}

func (RunPRArgs) Kind() string { return orchestrator.JobRunPR }

func (RunPRArgs) InsertOpts() river.InsertOpts {
	// A failed run already reported its failure to the PR; retrying it
	// would post duplicate reports. Reruns go through /codex rerun.
	return river.InsertOpts{MaxAttempts: 1}
}

// CancelRunArgs requests cancellation of one run.
type CancelRunArgs struct {
	RunID  string `json:"run_id"`
	Reason string `json:"reason,omitempty"`
}

func (CancelRunArgs) Kind() string { return orchestrator.JobCancelRun }

func (CancelRunArgs) InsertOpts() river.InsertOpts {
	return river.InsertOpts{Queue: controlQueue, MaxAttempts: 3}
}

// ExplainFindingArgs posts an explanation comment for one finding.
type ExplainFindingArgs struct {
	RunID     string `json:"run_id"`
	FindingID string `json:"finding_id"`
}

func (ExplainFindingArgs) Kind() string { return orchestrator.JobExplainFinding }

func (ExplainFindingArgs) InsertOpts() river.InsertOpts {
	return river.InsertOpts{Queue: controlQueue, MaxAttempts: 3}
}

// PatchFindingArgs republishes the stored patch for one finding.
type PatchFindingArgs struct {
	RunID     string `json:"run_id"`
	FindingID string `json:"finding_id"`
}

func (PatchFindingArgs) Kind() string { return orchestrator.JobPatchFinding }

func (PatchFindingArgs) InsertOpts() river.InsertOpts {
	return river.InsertOpts{Queue: controlQueue, MaxAttempts: 3}
}

type runPRWorker struct {
	river.WorkerDefaults[RunPRArgs]
	handler JobHandler
}

func (w *runPRWorker) Work(ctx context.Context, job *river.Job[RunPRArgs]) error {
	return w.handler.HandleJob(ctx, orchestrator.Job{
		Kind:  orchestrator.JobRunPR,
		RunID: job.Args.RunID,
	})
}

type cancelRunWorker struct {
	river.WorkerDefaults[CancelRunArgs]
	handler JobHandler
}

func (w *cancelRunWorker) Work(ctx context.Context, job *river.Job[CancelRunArgs]) error {
	return w.handler.HandleJob(ctx, orchestrator.Job{
		Kind:   orchestrator.JobCancelRun,
		RunID:  job.Args.RunID,
		Reason: job.Args.Reason,
	})
}

type explainFindingWorker struct {
	river.WorkerDefaults[ExplainFindingArgs]
	handler JobHandler
}

func (w *explainFindingWorker) Work(ctx context.Context, job *river.Job[ExplainFindingArgs]) error {
	return w.handler.HandleJob(ctx, orchestrator.Job{
		Kind:      orchestrator.JobExplainFinding,
		RunID:     job.Args.RunID,
		FindingID: job.Args.FindingID,
	})
}

type patchFindingWorker struct {
	river.WorkerDefaults[PatchFindingArgs]
	handler JobHandler
}

func (w *patchFindingWorker) Work(ctx context.Context, job *river.Job[PatchFindingArgs]) error {
	return w.handler.HandleJob(ctx, orchestrator.Job{
		Kind:      orchestrator.JobPatchFinding,
		RunID:     job.Args.RunID,
		FindingID: job.Args.FindingID,
	})
}

// Queue wraps the River client for this process.
type Queue struct {
	client *river.Client[pgx.Tx]
}

// New builds a queue on the shared connection pool. MaxWorkers bounds
// concurrent review pipelines; control jobs get a fixed small worker set.
func New(pool *pgxpool.Pool, handler JobHandler, maxWorkers int) (*Queue, error) {
	if maxWorkers <= 0 {
		maxWorkers = 4
	}

	workers := river.NewWorkers()
	river.AddWorker(workers, &runPRWorker{handler: handler})
	river.AddWorker(workers, &cancelRunWorker{handler: handler})
	river.AddWorker(workers, &explainFindingWorker{handler: handler})
	river.AddWorker(workers, &patchFindingWorker{handler: handler})

	client, err := river.NewClient(riverpgxv5.New(pool), &river.Config{
		Queues: map[string]river.QueueConfig{
			river.QueueDefault: {MaxWorkers: maxWorkers},
			controlQueue:       {MaxWorkers: 2},
		},
		Workers: workers,
	})
	if err != nil {
		return nil, fmt.Errorf("create river client: %w", err)
	}
	return &Queue{client: client}, nil
}

// Start begins processing jobs.
func (q *Queue) Start(ctx context.Context) error {
	return q.client.Start(ctx)
}

// Stop drains workers and shuts down.
func (q *Queue) Stop(ctx context.Context) error {
	return q.client.Stop(ctx)
}

// EnqueueRun schedules a review run.
func (q *Queue) EnqueueRun(ctx context.Context, runID string) error {
	if _, err := q.client.Insert(ctx, RunPRArgs{RunID: runID}, nil); err != nil {
		return fmt.Errorf("enqueue run %s: %w", runID, err)
	}
	return nil
}

// EnqueueCancel schedules a cancellation request.
func (q *Queue) EnqueueCancel(ctx context.Context, runID, reason string) error {
	if _, err := q.client.Insert(ctx, CancelRunArgs{RunID: runID, Reason: reason}, nil); err != nil {
		return fmt.Errorf("enqueue cancel %s: %w", runID, err)
	}
	return nil
}

// EnqueueExplain schedules an explanation comment.
func (q *Queue) EnqueueExplain(ctx context.Context, runID, findingID string) error {
	if _, err := q.client.Insert(ctx, ExplainFindingArgs{RunID: runID, FindingID: findingID}, nil); err != nil {
		return fmt.Errorf("enqueue explain %s/%s: %w", runID, findingID, err)
	}
	return nil
}

// EnqueuePatch schedules a patch republish.
func (q *Queue) EnqueuePatch(ctx context.Context, runID, findingID string) error {
	if _, err := q.client.Insert(ctx, PatchFindingArgs{RunID: runID, FindingID: findingID}, nil); err != nil {
		return fmt.Errorf("enqueue patch %s/%s: %w", runID, findingID, err)
	}
	return nil
}
