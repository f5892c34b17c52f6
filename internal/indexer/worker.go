package indexer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/kalambet/docqa/internal/ingest"
	"github.com/kalambet/docqa/internal/storage"
)

// ErrRebuildPending is returned by Enqueue when a reindex job is already
// waiting or running.
var ErrRebuildPending = errors.New("index rebuild already pending")

// JobStore abstracts the job queue operations.
type JobStore interface {
	EnqueueJobIfIdle(job storage.Job) (bool, error)
	PendingJobs(jobType string) (int, error)
	ClaimNextJob(types []string) (*storage.Job, error)
	CompleteJob(id string) error
	FailJob(id string, errMsg string) error
}

// Rebuilder performs a full reindex.
type Rebuilder interface {
	Rebuild(ctx context.Context, onFile func(ingest.FileReport)) (Result, error)
}

type reindexPayload struct {
	Reason      string    `json:"reason"`
	RequestedAt time.Time `json:"requested_at"`
}

// Enqueue schedules a reindex job and returns its id. Requests made while
// a rebuild is waiting or running are coalesced into it.
func Enqueue(store JobStore, reason string) (string, error) {
	payload, err := json.Marshal(reindexPayload{Reason: reason, RequestedAt: time.Now().UTC()})
	if err != nil {
		return "", err
	}
	job := storage.Job{
		ID:          uuid.New().String(),
		Type:        storage.JobReindex,
		PayloadJSON: string(payload),
	}
	ok, err := store.EnqueueJobIfIdle(job)
	if err != nil {
		return "", fmt.Errorf("enqueueing reindex: %w", err)
	}
	if !ok {
		return "", ErrRebuildPending
	}
	return job.ID, nil
}

// Worker processes reindex jobs from the SQLite job queue.
type Worker struct {
	store   JobStore
	rebuild Rebuilder
	poll    time.Duration
	logger  *slog.Logger
}

// NewWorker creates a Worker with the given dependencies.
// If pollInterval is <= 0, it defaults to 500ms.
func NewWorker(store JobStore, rebuild Rebuilder, pollInterval time.Duration) *Worker {
	if pollInterval <= 0 {
		pollInterval = 500 * time.Millisecond
	}
	return &Worker{
		store:   store,
		rebuild: rebuild,
		poll:    pollInterval,
		logger:  slog.Default(),
	}
}

// Run polls for jobs until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}

		done, err := w.RunOnce(ctx)
		if err != nil {
			w.logger.Error("worker iteration failed", "error", err)
		}
		if done {
			continue
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(w.poll):
		}
	}
}

// RunOnce claims and processes a single reindex job.
// Returns true if a job was processed (regardless of success/failure).
func (w *Worker) RunOnce(ctx context.Context) (bool, error) {
	job, err := w.store.ClaimNextJob([]string{storage.JobReindex})
	if err != nil {
		return false, fmt.Errorf("claiming job: %w", err)
	}
	if job == nil {
		return false, nil
	}

	if err := w.processJob(ctx, job); err != nil {
		w.logger.Warn("job failed", "job_id", job.ID, "error", err)
		if failErr := w.store.FailJob(job.ID, err.Error()); failErr != nil {
			w.logger.Error("failed to mark job as failed", "job_id", job.ID, "error", failErr)
		}
		return true, nil
	}

	if err := w.store.CompleteJob(job.ID); err != nil {
		return true, fmt.Errorf("completing job %s: %w", job.ID, err)
	}
	return true, nil
}

func (w *Worker) processJob(ctx context.Context, job *storage.Job) error {
	var payload reindexPayload
	if job.PayloadJSON != "" {
		if err := json.Unmarshal([]byte(job.PayloadJSON), &payload); err != nil {
			return fmt.Errorf("parsing payload: %w", err)
		}
	}
	w.logger.Info("reindex started", "job_id", job.ID, "reason", payload.Reason)

	res, err := w.rebuild.Rebuild(ctx, nil)
	if err != nil {
		return err
	}
	w.logger.Info("reindex finished", "job_id", job.ID, "chunks", res.Manifest.Count,
		"duration", res.Duration.Round(time.Millisecond))
	return nil
}
