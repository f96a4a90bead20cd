package execution

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/riverqueue/river"
)

// GenerateTrackArgs is enqueued in the same transaction as the track, its job row and the debit.
// FreeMode records whether the request was admitted under free mode, so the
// failure path knows whether there is a debit to refund.
type GenerateTrackArgs struct {
	JobID    uuid.UUID `json:"job_id"`
	TrackID  uuid.UUID `json:"track_id"`
	UserID   uuid.UUID `json:"user_id"`
	FreeMode bool      `json:"free_mode"`
}

func (GenerateTrackArgs) Kind() string { return "generate_track" }

// MaxAttempts bounds retries. A render failure is terminal and refunded inside
// one attempt; retries only happen when recording a result or a refund errored.
const MaxAttempts = 5

func (GenerateTrackArgs) InsertOpts() river.InsertOpts {
	return river.InsertOpts{MaxAttempts: MaxAttempts, Queue: river.QueueDefault}
}

// TrackRunner drives one render to a terminal state.
type TrackRunner interface {
	Run(ctx context.Context, args GenerateTrackArgs) error
}

type GenerateTrackWorker struct {
	river.WorkerDefaults[GenerateTrackArgs]
	runner  TrackRunner
	timeout time.Duration
}

// NewGenerateTrackWorker returns a worker whose jobs are cancelled after timeout.
func NewGenerateTrackWorker(runner TrackRunner, timeout time.Duration) *GenerateTrackWorker {
	return &GenerateTrackWorker{runner: runner, timeout: timeout}
}

func (w *GenerateTrackWorker) Timeout(*river.Job[GenerateTrackArgs]) time.Duration {
	return w.timeout
}

func (w *GenerateTrackWorker) Work(ctx context.Context, job *river.Job[GenerateTrackArgs]) error {
	return w.runner.Run(ctx, job.Args)
}
