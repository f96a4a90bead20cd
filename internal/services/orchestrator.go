package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/soundfoundry/backend/internal/execution"
	"github.com/soundfoundry/backend/internal/models"
	"github.com/soundfoundry/backend/internal/provider"
	"github.com/soundfoundry/backend/internal/storage"
)

// Progress checkpoints reported while a render runs.
const (
	ProgressStarted   = 0.1
	ProgressGenerated = 0.8
)

// OrchestratorTrackRepo is the track repository interface used by the orchestrator.
type OrchestratorTrackRepo interface {
	GetByID(ctx context.Context, id uuid.UUID) (*models.Track, error)
	MarkRendering(ctx context.Context, id uuid.UUID) error
	SetProvider(ctx context.Context, id uuid.UUID, provider string) error
	Complete(ctx context.Context, id uuid.UUID, fileURL, previewURL string) error
	Fail(ctx context.Context, id uuid.UUID, message string) error
}

// OrchestratorJobRepo is the job repository interface used by the orchestrator.
type OrchestratorJobRepo interface {
	GetByID(ctx context.Context, jobID uuid.UUID) (*models.Job, error)
	Start(ctx context.Context, jobID uuid.UUID) (bool, error)
	SetProviderJobID(ctx context.Context, jobID uuid.UUID, providerJobID string) error
	SetProgress(ctx context.Context, jobID uuid.UUID, progress float64) error
	Complete(ctx context.Context, jobID uuid.UUID) error
	Fail(ctx context.Context, jobID uuid.UUID, message string) error
}

// Uploader copies provider output into durable storage.
type Uploader interface {
	UploadFromURL(ctx context.Context, sourceURL, key string) (string, error)
}

// FailureRefunder returns a failed track's debit.
type FailureRefunder interface {
	RefundFailed(ctx context.Context, userID, trackID uuid.UUID, reason string) (*models.LedgerEntry, error)
}

// Orchestrator drives a queued job through rendering to complete or failed.
type Orchestrator struct {
	Tracks      OrchestratorTrackRepo
	Jobs        OrchestratorJobRepo
	Providers   *provider.Registry
	Storage     Uploader
	Refunds     FailureRefunder
	SoftTimeout time.Duration
	HardTimeout time.Duration
	Logger      *slog.Logger
}

var _ execution.TrackRunner = (*Orchestrator)(nil)

func NewOrchestrator(
	tracks OrchestratorTrackRepo,
	jobs OrchestratorJobRepo,
	providers *provider.Registry,
	store Uploader,
	refunds FailureRefunder,
	softTimeout, hardTimeout time.Duration,
	logger *slog.Logger,
) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		Tracks:      tracks,
		Jobs:        jobs,
		Providers:   providers,
		Storage:     store,
		Refunds:     refunds,
		SoftTimeout: softTimeout,
		HardTimeout: hardTimeout,
		Logger:      logger,
	}
}

// Run executes one render. Render failures are recorded on the job and track and
// refunded; Run only returns an error when that bookkeeping itself fails, and
// the retried run finishes whatever bookkeeping the failed one left undone.
func (o *Orchestrator) Run(ctx context.Context, args execution.GenerateTrackArgs) error {
	log := o.Logger.With("job_id", args.JobID, "track_id", args.TrackID)

	track, err := o.Tracks.GetByID(ctx, args.TrackID)
	if err != nil {
		return fmt.Errorf("load track: %w", err)
	}
	job, err := o.Jobs.GetByID(ctx, args.JobID)
	if err != nil {
		return fmt.Errorf("load job: %w", err)
	}
	switch {
	case job.Status == models.JobStatusFailed || track.Status == models.TrackStatusFailed:
		log.Warn("resuming failure bookkeeping", "job_status", job.Status, "track_status", track.Status)
		return o.settleFailure(ctx, args, log, recordedFailure(job, track))
	case track.Status == models.TrackStatusComplete:
		if err := o.Jobs.Complete(context.WithoutCancel(ctx), args.JobID); err != nil {
			return fmt.Errorf("complete job: %w", err)
		}
		return nil
	case job.Status.IsTerminal():
		log.Warn("job already finished, skipping", "status", job.Status)
		return nil
	}

	started, err := o.Jobs.Start(ctx, args.JobID)
	if err != nil {
		return fmt.Errorf("start job: %w", err)
	}
	if !started {
		log.Warn("job already finished, skipping")
		return nil
	}

	if err := o.Tracks.MarkRendering(ctx, track.ID); err != nil {
		return o.fail(ctx, args, log, fmt.Sprintf("mark rendering: %v", err))
	}
	o.progress(ctx, log, args.JobID, ProgressStarted)

	result, err := o.generate(ctx, track, args, log)
	if err != nil {
		return o.fail(ctx, args, log, err.Error())
	}
	if result.ProviderJobID != "" {
		if err := o.Jobs.SetProviderJobID(ctx, args.JobID, result.ProviderJobID); err != nil {
			log.Warn("record provider job id failed", "error", err)
		}
	}
	o.progress(ctx, log, args.JobID, ProgressGenerated)

	key := storage.TrackObjectKey(track.UserID, track.ID, args.JobID)
	fileURL, err := o.Storage.UploadFromURL(ctx, result.FileURL, key)
	if err != nil {
		return o.fail(ctx, args, log, fmt.Sprintf("store audio: %v", err))
	}

	done := context.WithoutCancel(ctx)
	if err := o.Tracks.Complete(done, track.ID, fileURL, fileURL); err != nil {
		return fmt.Errorf("complete track: %w", err)
	}
	if err := o.Jobs.Complete(done, args.JobID); err != nil {
		return fmt.Errorf("complete job: %w", err)
	}
	log.Info("render complete", "provider", result.Provider, "file_url", fileURL)
	return nil
}

type attempt struct {
	provider string
	err      error
}

// generate tries the track's provider, then each fallback while the failure is
// one another provider could avoid.
func (o *Orchestrator) generate(ctx context.Context, track *models.Track, args execution.GenerateTrackArgs, log *slog.Logger) (provider.Result, error) {
	req := provider.Request{
		Prompt:        track.Prompt,
		DurationS:     track.DurationS,
		StyleStrength: track.StyleStrength,
		Seed:          track.Seed,
	}
	if track.HasVocals && track.Lyrics != nil {
		req.Lyrics = *track.Lyrics
	}
	if track.ReferenceURL != nil {
		req.ReferenceURL = *track.ReferenceURL
	}

	var attempts []attempt
	for i, name := range o.Providers.Chain(track.Provider) {
		if i > 0 {
			log.Warn("falling back to next provider", "provider", name, "attempt", i+1, "previous_error", attempts[i-1].err)
			if err := o.Tracks.SetProvider(ctx, track.ID, name); err != nil {
				log.Warn("record provider switch failed", "provider", name, "error", err)
			}
		}
		res, err := o.call(ctx, name, req, log)
		if err == nil {
			if res.Provider == "" {
				res.Provider = name
			}
			return res, nil
		}
		log.Error("provider failed", "provider", name, "attempt", i+1, "error", err)
		attempts = append(attempts, attempt{provider: name, err: err})
		if !provider.ShouldFallback(err) || ctx.Err() != nil {
			break
		}
	}
	return provider.Result{}, errors.New(failureMessage(attempts))
}

// call runs one provider attempt under the hard timeout, warning once the soft timeout passes.
func (o *Orchestrator) call(ctx context.Context, name string, req provider.Request, log *slog.Logger) (provider.Result, error) {
	p, err := o.Providers.Get(name)
	if err != nil {
		return provider.Result{}, err
	}
	if o.HardTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.HardTimeout)
		defer cancel()
	}
	if o.SoftTimeout > 0 {
		start := time.Now()
		soft := time.AfterFunc(o.SoftTimeout, func() {
			log.Warn("provider exceeded soft timeout", "provider", name, "elapsed", time.Since(start).Round(time.Second))
		})
		defer soft.Stop()
	}
	res, err := p.Generate(ctx, req)
	if err != nil && errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return provider.Result{}, &provider.Error{Provider: name, Err: fmt.Errorf("%w: timed out after %s", provider.ErrProviderUnavailable, o.HardTimeout)}
	}
	return res, err
}

// failureMessage names every provider that was tried.
func failureMessage(attempts []attempt) string {
	if len(attempts) == 0 {
		return "no provider configured"
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Primary provider (%s) failed: %s", attempts[0].provider, errText(attempts[0]))
	for _, a := range attempts[1:] {
		fmt.Fprintf(&b, ". Fallback provider (%s) also failed: %s", a.provider, errText(a))
	}
	return b.String()
}

// errText drops the provider prefix the error already carries.
func errText(a attempt) string {
	var pe *provider.Error
	if errors.As(a.err, &pe) && pe.Provider == a.provider {
		return pe.Err.Error()
	}
	return a.err.Error()
}

func (o *Orchestrator) progress(ctx context.Context, log *slog.Logger, jobID uuid.UUID, p float64) {
	if err := o.Jobs.SetProgress(ctx, jobID, p); err != nil {
		log.Warn("update progress failed", "progress", p, "error", err)
	}
}

// recordedFailure is the message an earlier attempt stored for the failure.
func recordedFailure(job *models.Job, track *models.Track) string {
	switch {
	case job.Error != nil:
		return *job.Error
	case track.ErrorMessage != nil:
		return *track.ErrorMessage
	}
	return "render failed"
}

func (o *Orchestrator) fail(ctx context.Context, args execution.GenerateTrackArgs, log *slog.Logger, message string) error {
	log.Error("render failed", "error", message)
	return o.settleFailure(ctx, args, log, message)
}

// settleFailure records message on the job and the track, then refunds the debit
// unless the job was admitted under free mode. Every step is idempotent, so a
// retry after a partial failure completes it. It survives cancellation of ctx.
func (o *Orchestrator) settleFailure(ctx context.Context, args execution.GenerateTrackArgs, log *slog.Logger, message string) error {
	ctx = context.WithoutCancel(ctx)

	if err := o.Jobs.Fail(ctx, args.JobID, message); err != nil {
		return fmt.Errorf("fail job: %w", err)
	}
	if err := o.Tracks.Fail(ctx, args.TrackID, message); err != nil {
		return fmt.Errorf("fail track: %w", err)
	}
	if args.FreeMode {
		return nil
	}

	_, err := o.Refunds.RefundFailed(ctx, args.UserID, args.TrackID, message)
	switch {
	case err == nil:
	case errors.Is(err, ErrDuplicateRefund):
		log.Info("failed render already refunded")
	case errors.Is(err, ErrNothingToRefund):
		log.Warn("no refund issued", "error", err)
	default:
		return fmt.Errorf("refund failed render: %w", err)
	}
	return nil
}
