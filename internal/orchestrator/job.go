package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/lamim/storyforge/internal/assembler"
	"github.com/lamim/storyforge/pkg/models"
)

// Step descriptions shown in status
const (
	stepQueued    = "waiting for a generation slot"
	stepOutline   = "writing the story outline"
	stepPages     = "writing and illustrating pages"
	stepAssembly  = "assembling the book"
	stepComplete  = "book ready"
	stepRestored  = "restored from journal"
	progressStart = 5
	progressPages = 10
	progressSpan  = 80
	progressBuild = 95
)

// job is one run of a generation request. The state fields are guarded by mu;
// each page slot is guarded separately by the page table.
type job struct {
	key         string
	runID       string
	req         models.GenerationRequest
	fingerprint string
	logger      *slog.Logger

	cancel context.CancelFunc
	done   chan struct{}

	mu        sync.Mutex
	state     models.JobState
	step      string
	progress  int
	total     int
	completed int
	pages     *assembler.Pages
	retries   map[models.PromptKind]int
	artifact  *models.ArtifactInfo
	failure   *models.Failure
	createdAt time.Time
	updatedAt time.Time
}

func newJob(req models.GenerationRequest, runID string, logger *slog.Logger) *job {
	now := time.Now()
	return &job{
		key:         req.IdempotencyKey,
		runID:       runID,
		req:         req,
		fingerprint: req.Fingerprint(),
		logger:      logger.With("job", req.IdempotencyKey, "run_id", runID),
		done:        make(chan struct{}),
		state:       models.JobStateCreated,
		step:        stepQueued,
		total:       req.PageCount,
		retries:     make(map[models.PromptKind]int),
		createdAt:   now,
		updatedAt:   now,
	}
}

// restoredJob rebuilds a terminal job from its journal record
func restoredJob(rec models.JobRecord, logger *slog.Logger) *job {
	j := newJob(rec.Request, rec.RunID, logger)
	j.key = rec.Key
	j.fingerprint = rec.Fingerprint
	j.state = rec.State
	j.step = stepRestored
	j.artifact = rec.Artifact
	j.failure = rec.Failure
	for k, v := range rec.Retries {
		j.retries[k] = v
	}
	j.createdAt = rec.CreatedAt
	j.updatedAt = rec.RecordedAt
	if rec.State == models.JobStateComplete {
		j.completed = j.total
		j.progress = 100
	}
	close(j.done)
	return j
}

func (j *job) handle() models.JobHandle {
	return models.JobHandle{Key: j.key, RunID: j.runID}
}

func (j *job) currentState() models.JobState {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.state
}

// transition moves the job to next, refusing moves the state machine does not allow
func (j *job) transition(next models.JobState, step string) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if !j.state.CanTransitionTo(next) {
		return fmt.Errorf("illegal transition %s -> %s", j.state, next)
	}
	prev := j.state
	j.state = next
	j.step = step
	switch next {
	case models.JobStateOutlineInProgress:
		j.progress = progressStart
	case models.JobStatePagesInProgress:
		j.progress = progressPages
	case models.JobStateAssembling:
		j.progress = progressBuild
	}
	j.updatedAt = time.Now()
	j.logger.Info("Job state changed", "from", prev, "to", next)
	return nil
}

func (j *job) startPages(pages *assembler.Pages) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.pages = pages
}

// pageCompleted is called once per page by the single outcome consumer
func (j *job) pageCompleted() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.completed++
	if j.total > 0 {
		j.progress = progressPages + progressSpan*j.completed/j.total
	}
	j.updatedAt = time.Now()
	return j.completed
}

func (j *job) completedPages() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.completed
}

func (j *job) addRetries(kind models.PromptKind, n int) {
	if n <= 0 {
		return
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	j.retries[kind] += n
}

// complete records the artifact and moves Assembling -> Complete
func (j *job) complete(info *models.ArtifactInfo) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if !j.state.CanTransitionTo(models.JobStateComplete) {
		return fmt.Errorf("illegal transition %s -> %s", j.state, models.JobStateComplete)
	}
	j.state = models.JobStateComplete
	j.step = stepComplete
	j.progress = 100
	j.artifact = info
	j.updatedAt = time.Now()
	return nil
}

// fail moves any non-terminal job to Failed. It is a no-op on terminal jobs.
func (j *job) fail(f models.Failure) bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.state.IsTerminal() {
		return false
	}
	j.state = models.JobStateFailed
	j.step = f.String()
	j.failure = &f
	j.updatedAt = time.Now()
	if j.pages != nil {
		for i := 0; i < j.pages.Len(); i++ {
			j.pages.MarkFailed(i)
		}
	}
	return true
}

// status returns a snapshot safe to hand to callers
func (j *job) status() models.JobStatus {
	j.mu.Lock()
	defer j.mu.Unlock()

	st := models.JobStatus{
		Handle:         j.handle(),
		State:          j.state,
		Step:           j.step,
		Progress:       j.progress,
		TotalPages:     j.total,
		CompletedPages: j.completed,
		CreatedAt:      j.createdAt,
		UpdatedAt:      j.updatedAt,
	}
	if j.pages != nil {
		st.Pages = j.pages.Snapshot()
	}
	if len(j.retries) > 0 {
		st.Retries = make(map[models.PromptKind]int, len(j.retries))
		for k, v := range j.retries {
			st.Retries[k] = v
		}
	}
	if j.artifact != nil {
		a := *j.artifact
		st.Artifact = &a
	}
	if j.failure != nil {
		f := *j.failure
		st.Failure = &f
	}
	return st
}
