// Package orchestrator runs book generation jobs through the outline, page and
// assembly stages and answers status queries while they run.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/lamim/storyforge/internal/artifact"
	"github.com/lamim/storyforge/internal/config"
	"github.com/lamim/storyforge/internal/gateway"
	"github.com/lamim/storyforge/internal/metrics"
	"github.com/lamim/storyforge/internal/prompt"
	"github.com/lamim/storyforge/internal/storage"
	"github.com/lamim/storyforge/pkg/models"
)

var (
	// ErrJobNotFound is returned for keys with no job
	ErrJobNotFound = errors.New("job not found")

	// ErrIdempotencyConflict is returned when a key is reused for a different request
	ErrIdempotencyConflict = errors.New("idempotency key already used for a different request")

	// ErrShuttingDown is returned by Submit after Shutdown has started
	ErrShuttingDown = errors.New("orchestrator is shutting down")
)

// Dispatcher sends one prompt to its provider
type Dispatcher interface {
	Dispatch(ctx context.Context, p prompt.Prompt, profile gateway.Profile) (*gateway.Result, error)
}

// Assembler turns complete pages into a stored book
type Assembler interface {
	Assemble(ctx context.Context, book artifact.Book) (*artifact.Artifact, error)
}

// Recorder persists terminal job records
type Recorder interface {
	Record(rec models.JobRecord) error
}

// Deps are the collaborators of an Orchestrator. Recorder and Metrics are optional.
type Deps struct {
	Dispatcher Dispatcher
	Assembler  Assembler
	Store      storage.Store
	Recorder   Recorder
	Metrics    *metrics.Collector
}

// Orchestrator owns every job of the process
type Orchestrator struct {
	cfg      *config.Config
	builder  *prompt.Builder
	deps     Deps
	logger   *slog.Logger
	profiles map[models.PromptKind]gateway.Profile

	slots *semaphore.Weighted

	baseCtx  context.Context
	stopJobs context.CancelFunc

	mu       sync.Mutex
	jobs     map[string]*job
	closed   bool
	inflight sync.WaitGroup
}

// New creates an orchestrator
func New(cfg *config.Config, deps Deps, logger *slog.Logger) *Orchestrator {
	profiles := make(map[models.PromptKind]gateway.Profile, len(models.PromptKinds))
	for _, kind := range models.PromptKinds {
		profiles[kind] = gateway.ProfileFor(cfg, kind)
	}
	baseCtx, stop := context.WithCancel(context.Background())

	return &Orchestrator{
		cfg:      cfg,
		builder:  prompt.NewBuilder(cfg),
		deps:     deps,
		logger:   logger,
		profiles: profiles,
		slots:    semaphore.NewWeighted(int64(cfg.Generation.MaxInFlightJobs)),
		baseCtx:  baseCtx,
		stopJobs: stop,
		jobs:     make(map[string]*job),
	}
}

// Submit accepts a request and starts generating it in the background.
//
// Resubmitting a key whose job is running or complete returns the existing
// handle without new AI calls. A failed key starts a new run. Reusing a key
// for a different request returns ErrIdempotencyConflict.
func (o *Orchestrator) Submit(req models.GenerationRequest) (models.JobHandle, error) {
	if err := o.builder.Validate(req); err != nil {
		return models.JobHandle{}, err
	}
	req = o.builder.Normalize(req)
	if req.IdempotencyKey == "" {
		return models.JobHandle{}, &prompt.ValidationError{Field: "idempotency_key", Reason: "is required"}
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	if o.closed {
		return models.JobHandle{}, ErrShuttingDown
	}

	if existing, ok := o.jobs[req.IdempotencyKey]; ok {
		if existing.fingerprint != req.Fingerprint() {
			return models.JobHandle{}, fmt.Errorf("%w: %s", ErrIdempotencyConflict, req.IdempotencyKey)
		}
		if existing.currentState() != models.JobStateFailed {
			existing.logger.Debug("Returning existing job for resubmitted key")
			return existing.handle(), nil
		}
		existing.logger.Info("Previous run failed, starting a new run")
	}

	j := newJob(req, uuid.New().String(), o.logger)
	ctx, cancel := context.WithCancel(o.baseCtx)
	j.cancel = cancel
	o.jobs[j.key] = j

	o.inflight.Add(1)
	go o.run(ctx, j)

	j.logger.Info("Job accepted",
		"child_name", req.ChildName,
		"theme", req.Theme,
		"pages", req.PageCount)
	return j.handle(), nil
}

// Status returns a snapshot of the job for key
func (o *Orchestrator) Status(key string) (models.JobStatus, error) {
	j, err := o.lookup(key)
	if err != nil {
		return models.JobStatus{}, err
	}
	return j.status(), nil
}

// Cancel stops a running job. The job ends as Failed(Cancelled) once its
// in-flight calls return. Cancelling a finished job has no effect.
func (o *Orchestrator) Cancel(key string) error {
	j, err := o.lookup(key)
	if err != nil {
		return err
	}
	if j.currentState().IsTerminal() {
		return nil
	}
	j.logger.Info("Cancellation requested")
	if j.cancel != nil {
		j.cancel()
	}
	return nil
}

// Wait blocks until the job for key is terminal or ctx is done
func (o *Orchestrator) Wait(ctx context.Context, key string) (models.JobStatus, error) {
	j, err := o.lookup(key)
	if err != nil {
		return models.JobStatus{}, err
	}
	select {
	case <-j.done:
		return j.status(), nil
	case <-ctx.Done():
		return j.status(), ctx.Err()
	}
}

// Jobs returns a snapshot of every known job, newest first
func (o *Orchestrator) Jobs() []models.JobStatus {
	o.mu.Lock()
	jobs := make([]*job, 0, len(o.jobs))
	for _, j := range o.jobs {
		jobs = append(jobs, j)
	}
	o.mu.Unlock()

	out := make([]models.JobStatus, 0, len(jobs))
	for _, j := range jobs {
		out = append(out, j.status())
	}
	sort.Slice(out, func(a, b int) bool {
		return out[a].CreatedAt.After(out[b].CreatedAt)
	})
	return out
}

// Restore seeds terminal jobs from journal records so resubmitted keys keep
// their results across restarts. Keys already known are left alone.
func (o *Orchestrator) Restore(records []models.JobRecord) int {
	o.mu.Lock()
	defer o.mu.Unlock()

	restored := 0
	for _, rec := range records {
		if rec.Key == "" || !rec.State.IsTerminal() {
			continue
		}
		if rec.State == models.JobStateComplete && (rec.Artifact == nil || !rec.Artifact.Ref.Valid()) {
			o.logger.Warn("Skipping complete journal record without artifact", "job", rec.Key)
			continue
		}
		if _, ok := o.jobs[rec.Key]; ok {
			continue
		}
		o.jobs[rec.Key] = restoredJob(rec, o.logger)
		restored++
	}
	o.logger.Info("Restored jobs from journal", "restored", restored, "records", len(records))
	return restored
}

// Shutdown stops accepting jobs and waits for running ones. When ctx ends
// first, running jobs are cancelled and Shutdown waits for them to settle.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.mu.Lock()
	o.closed = true
	o.mu.Unlock()

	done := make(chan struct{})
	go func() {
		o.inflight.Wait()
		close(done)
	}()

	select {
	case <-done:
		o.stopJobs()
		return nil
	case <-ctx.Done():
		o.logger.Warn("Shutdown deadline reached, cancelling running jobs")
		o.stopJobs()
		<-done
		return ctx.Err()
	}
}

func (o *Orchestrator) lookup(key string) (*job, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	j, ok := o.jobs[key]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrJobNotFound, key)
	}
	return j, nil
}
