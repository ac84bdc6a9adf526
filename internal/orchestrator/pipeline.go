package orchestrator

import (
	"context"
	"errors"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/lamim/storyforge/internal/artifact"
	"github.com/lamim/storyforge/internal/assembler"
	"github.com/lamim/storyforge/internal/gateway"
	"github.com/lamim/storyforge/internal/prompt"
	"github.com/lamim/storyforge/pkg/models"
)

// pageOutcome is reported once per started page
type pageOutcome struct {
	index int
	err   error
}

// run drives one job to a terminal state
func (o *Orchestrator) run(ctx context.Context, j *job) {
	defer o.inflight.Done()
	defer close(j.done)
	defer j.cancel()

	if err := o.slots.Acquire(ctx, 1); err != nil {
		o.finish(j, nil, &models.Failure{Reason: models.ReasonCancelled, Message: "cancelled while queued"})
		return
	}
	defer o.slots.Release(1)

	o.deps.Metrics.JobStarted()
	defer o.deps.Metrics.JobReleased()

	art, failure := o.generate(ctx, j)
	o.finish(j, art, failure)
}

// generate runs the outline, page and assembly stages. Exactly one of the
// results is non-nil.
func (o *Orchestrator) generate(ctx context.Context, j *job) (*artifact.Artifact, *models.Failure) {
	prompts, err := o.builder.Build(j.req)
	if err != nil {
		return nil, &models.Failure{Reason: models.ReasonOutlineRejected, Message: err.Error()}
	}

	// Outline
	if err := j.transition(models.JobStateOutlineInProgress, stepOutline); err != nil {
		return nil, &models.Failure{Reason: models.ReasonOutlineRejected, Message: err.Error()}
	}
	outline, failure := o.writeOutline(ctx, j, prompts[0])
	if failure != nil {
		return nil, failure
	}

	pagePrompts, err := o.builder.BuildPages(j.req, outline)
	if err != nil {
		return nil, &models.Failure{Reason: models.ReasonOutlineRejected, Message: err.Error()}
	}

	// Pages
	if err := j.transition(models.JobStatePagesInProgress, stepPages); err != nil {
		return nil, cancelledOr(ctx, models.ReasonPageGenerationFailed, err)
	}
	pages := assembler.NewPages(j.req.PageCount, o.deps.Store, assembler.Options{MaxTextRunes: o.cfg.Generation.MaxTextRunes})
	j.startPages(pages)
	if failure := o.writePages(ctx, j, pages, pagePrompts); failure != nil {
		return nil, failure
	}

	// Assembly
	if err := ctx.Err(); err != nil {
		return nil, cancelled(err)
	}
	if err := j.transition(models.JobStateAssembling, stepAssembly); err != nil {
		return nil, &models.Failure{Reason: models.ReasonAssemblyFailed, Message: err.Error()}
	}
	art, err := o.deps.Assembler.Assemble(ctx, artifact.Book{Title: outline.Title, Pages: pages.Snapshot()})
	if err != nil {
		return nil, cancelledOr(ctx, models.ReasonAssemblyFailed, err)
	}
	return art, nil
}

func (o *Orchestrator) writeOutline(ctx context.Context, j *job, p prompt.Prompt) (*prompt.Outline, *models.Failure) {
	if err := ctx.Err(); err != nil {
		return nil, cancelled(err)
	}
	res, err := o.deps.Dispatcher.Dispatch(ctx, p, o.profiles[p.Kind])
	if err != nil {
		if ctx.Err() != nil || gateway.IsCancelled(err) {
			return nil, cancelled(err)
		}
		if gateway.IsExhausted(err) {
			return nil, &models.Failure{Reason: models.ReasonProviderUnavailable, Message: err.Error()}
		}
		return nil, &models.Failure{Reason: models.ReasonOutlineRejected, Message: err.Error()}
	}
	j.addRetries(p.Kind, res.Attempts-1)

	outline, err := prompt.ParseOutline(res.Text, j.req.PageCount)
	if err != nil {
		j.logger.Warn("Outline rejected", "error", err)
		o.deps.Metrics.PageRejected(string(p.Kind), "malformed_outline")
		return nil, &models.Failure{Reason: models.ReasonOutlineRejected, Message: err.Error()}
	}
	j.logger.Info("Outline accepted", "title", outline.Title, "attempts", res.Attempts)
	return outline, nil
}

// writePages generates every page with bounded parallelism. Outcomes are
// consumed by a single goroutine that owns the completed page count. A failed
// page cancels only the pages above it, so the reported failure is always the
// lowest failing index.
func (o *Orchestrator) writePages(ctx context.Context, j *job, pages *assembler.Pages, pagePrompts []prompt.Prompt) *models.Failure {
	n := pages.Len()
	var g errgroup.Group
	g.SetLimit(o.cfg.Generation.MaxInFlightPages)
	gate := newPageGate(n)
	defer gate.release()

	outcomes := make(chan pageOutcome, n)
	var firstFailure *pageOutcome
	consumed := make(chan struct{})
	go func() {
		defer close(consumed)
		for out := range outcomes {
			if out.err == nil {
				done := j.pageCompleted()
				o.deps.Metrics.PageCompleted()
				j.logger.Debug("Page complete", "page", out.index, "completed", done, "total", n)
				continue
			}
			if isCancellation(out.err) {
				continue
			}
			if firstFailure == nil || out.index < firstFailure.index {
				failed := out
				firstFailure = &failed
			}
		}
	}()

	for i := 0; i < n; i++ {
		if ctx.Err() != nil {
			break
		}
		pctx, ok := gate.open(ctx, i)
		if !ok {
			break
		}
		textPrompt, imagePrompt := pagePrompts[2*i], pagePrompts[2*i+1]
		g.Go(func() error {
			err := o.writePage(pctx, j, pages, textPrompt, imagePrompt)
			if err != nil && !isCancellation(err) {
				j.logger.Warn("Page failed", "page", i, "error", err)
				gate.fail(i)
			}
			outcomes <- pageOutcome{index: i, err: err}
			return nil
		})
	}
	_ = g.Wait()
	close(outcomes)
	<-consumed

	if err := ctx.Err(); err != nil {
		return cancelled(err)
	}
	if firstFailure != nil {
		idx := firstFailure.index
		return &models.Failure{Reason: models.ReasonPageGenerationFailed, PageIndex: &idx, Message: firstFailure.err.Error()}
	}
	if done := j.completedPages(); done != n {
		// Only reachable if a page task was skipped without a reported error
		idx := firstIncomplete(pages)
		return &models.Failure{Reason: models.ReasonPageGenerationFailed, PageIndex: &idx, Message: "page did not complete"}
	}
	return nil
}

// pageGate hands out per-page contexts and cancels every page above the
// lowest failed index. Pages below it always run to their own outcome.
type pageGate struct {
	mu      sync.Mutex
	lowest  int
	cancels []context.CancelFunc
}

func newPageGate(n int) *pageGate {
	return &pageGate{lowest: n, cancels: make([]context.CancelFunc, n)}
}

// open returns the context for page i, or false once a lower page has failed
func (g *pageGate) open(ctx context.Context, i int) (context.Context, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if i > g.lowest {
		return nil, false
	}
	pctx, cancel := context.WithCancel(ctx)
	g.cancels[i] = cancel
	return pctx, true
}

// fail records a failed page and cancels the pages above it
func (g *pageGate) fail(i int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if i >= g.lowest {
		return
	}
	g.lowest = i
	for k := i + 1; k < len(g.cancels); k++ {
		if g.cancels[k] != nil {
			g.cancels[k]()
		}
	}
}

func (g *pageGate) release() {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, cancel := range g.cancels {
		if cancel != nil {
			cancel()
		}
	}
}

// writePage dispatches the text of one page, then its illustration
func (o *Orchestrator) writePage(ctx context.Context, j *job, pages *assembler.Pages, textPrompt, imagePrompt prompt.Prompt) error {
	rec, err := o.dispatchAndAccept(ctx, j, pages, textPrompt)
	if err != nil {
		return err
	}
	resolved, err := imagePrompt.Resolve(rec.Text)
	if err != nil {
		return err
	}
	_, err = o.dispatchAndAccept(ctx, j, pages, resolved)
	return err
}

// dispatchAndAccept sends a page prompt and hands the result to the page table.
// Content rejections are regenerated within the retry budget.
func (o *Orchestrator) dispatchAndAccept(ctx context.Context, j *job, pages *assembler.Pages, p prompt.Prompt) (models.PageRecord, error) {
	profile := o.profiles[p.Kind]
	for attempt := 0; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return models.PageRecord{}, err
		}
		res, err := o.deps.Dispatcher.Dispatch(ctx, p, profile)
		if err != nil {
			return models.PageRecord{}, err
		}
		j.addRetries(p.Kind, res.Attempts-1)

		rec, err := pages.Accept(ctx, p.Page, p.Kind, res)
		if err == nil {
			return rec, nil
		}

		var rej *assembler.Rejection
		if errors.As(err, &rej) {
			o.deps.Metrics.PageRejected(string(p.Kind), string(rej.Reason))
		}
		if !assembler.IsRetryableRejection(err) || attempt >= o.cfg.Generation.MaxRetries {
			return rec, err
		}
		j.addRetries(p.Kind, 1)
		j.logger.Warn("Regenerating rejected content",
			"prompt_id", p.ID,
			"attempt", attempt+1,
			"max_retries", o.cfg.Generation.MaxRetries,
			"error", err)
	}
}

// finish applies the terminal state and records it
func (o *Orchestrator) finish(j *job, art *artifact.Artifact, failure *models.Failure) {
	if failure == nil && art != nil {
		if err := j.complete(art.Info()); err != nil {
			failure = &models.Failure{Reason: models.ReasonAssemblyFailed, Message: err.Error()}
		}
	}
	if failure != nil {
		j.fail(*failure)
	}

	status := j.status()
	duration := time.Since(status.CreatedAt)
	reason := ""
	if status.Failure != nil {
		reason = string(status.Failure.Reason)
		if status.Failure.Reason == models.ReasonCancelled {
			j.logger.Info("Job cancelled", "completed_pages", status.CompletedPages, "duration", duration)
		} else {
			j.logger.Error("Job failed",
				"reason", status.Failure.String(),
				"message", status.Failure.Message,
				"completed_pages", status.CompletedPages,
				"duration", duration)
		}
	} else {
		j.logger.Info("Job complete",
			"artifact", status.Artifact.Ref,
			"bytes", status.Artifact.Size,
			"retries", status.Retries,
			"duration", duration)
	}
	o.deps.Metrics.JobFinished(string(status.State), reason, duration)

	if o.deps.Recorder != nil {
		if err := o.deps.Recorder.Record(models.NewJobRecord(j.req, status)); err != nil {
			j.logger.Error("Failed to journal job", "error", err)
		}
	}
}

func cancelled(err error) *models.Failure {
	f := &models.Failure{Reason: models.ReasonCancelled}
	if err != nil {
		f.Message = err.Error()
	}
	return f
}

// cancelledOr reports cancellation when ctx is done and reason otherwise
func cancelledOr(ctx context.Context, reason models.FailureReason, err error) *models.Failure {
	if ctx.Err() != nil {
		return cancelled(err)
	}
	return &models.Failure{Reason: reason, Message: err.Error()}
}

func isCancellation(err error) bool {
	return errors.Is(err, context.Canceled) || gateway.IsCancelled(err)
}

func firstIncomplete(pages *assembler.Pages) int {
	for _, rec := range pages.Snapshot() {
		if rec.Status != models.PageStatusComplete {
			return rec.Index
		}
	}
	return 0
}
