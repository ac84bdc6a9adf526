package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/lamim/storyforge/internal/orchestrator"
	"github.com/lamim/storyforge/internal/prompt"
	"github.com/lamim/storyforge/internal/storage"
	"github.com/lamim/storyforge/pkg/models"
)

const maxRequestBytes = 64 << 10

// IdempotencyHeader carries the idempotency key of a submission
const IdempotencyHeader = "Idempotency-Key"

// Service is the part of the orchestrator the HTTP layer uses
type Service interface {
	Submit(req models.GenerationRequest) (models.JobHandle, error)
	Status(key string) (models.JobStatus, error)
	Cancel(key string) error
	Jobs() []models.JobStatus
}

// Artifacts reads stored books and page images
type Artifacts interface {
	Get(ctx context.Context, ref models.ArtifactRef) ([]byte, error)
}

// App holds handler dependencies
type App struct {
	Service      Service
	Artifacts    Artifacts
	Logger       *slog.Logger
	DefaultPages int
}

// SubmitRequest is the body of POST /v1/books
type SubmitRequest struct {
	IdempotencyKey string   `json:"idempotency_key,omitempty"`
	ChildName      string   `json:"child_name"`
	Age            int      `json:"age"`
	Theme          string   `json:"theme"`
	Traits         []string `json:"traits,omitempty"`
	PageCount      int      `json:"page_count,omitempty"`
}

// SubmitResponse is returned for an accepted submission
type SubmitResponse struct {
	Handle    models.JobHandle `json:"handle"`
	State     models.JobState  `json:"state"`
	StatusURL string           `json:"status_url"`
}

type errorBody struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

func (a *App) json(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func (a *App) error(w http.ResponseWriter, code int, errCode, message string) {
	a.json(w, code, errorBody{Error: errCode, Message: message})
}

// Health reports liveness
func (a *App) Health(w http.ResponseWriter, r *http.Request) {
	a.json(w, http.StatusOK, map[string]string{"status": "ok"})
}

// SubmitBook accepts a generation request
func (a *App) SubmitBook(w http.ResponseWriter, r *http.Request) {
	var body SubmitRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&body); err != nil {
		a.error(w, http.StatusBadRequest, "invalid_body", err.Error())
		return
	}

	key := strings.TrimSpace(r.Header.Get(IdempotencyHeader))
	if key == "" {
		key = body.IdempotencyKey
	}
	if body.PageCount == 0 {
		body.PageCount = a.DefaultPages
	}

	handle, err := a.Service.Submit(models.GenerationRequest{
		IdempotencyKey: key,
		ChildName:      body.ChildName,
		Age:            body.Age,
		Theme:          body.Theme,
		Traits:         body.Traits,
		PageCount:      body.PageCount,
	})
	switch {
	case errors.Is(err, prompt.ErrInvalidRequest):
		a.error(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	case errors.Is(err, orchestrator.ErrIdempotencyConflict):
		a.error(w, http.StatusConflict, "idempotency_conflict", err.Error())
		return
	case errors.Is(err, orchestrator.ErrShuttingDown):
		a.error(w, http.StatusServiceUnavailable, "shutting_down", err.Error())
		return
	case err != nil:
		a.Logger.Error("Submit failed", "error", err)
		a.error(w, http.StatusInternalServerError, "internal", "failed to submit request")
		return
	}

	state := models.JobStateCreated
	if st, err := a.Service.Status(handle.Key); err == nil {
		state = st.State
	}
	w.Header().Set("Location", "/v1/books/"+handle.Key)
	a.json(w, http.StatusAccepted, SubmitResponse{
		Handle:    handle,
		State:     state,
		StatusURL: "/v1/books/" + handle.Key,
	})
}

// ListBooks returns a summary of every known job, newest first
func (a *App) ListBooks(w http.ResponseWriter, r *http.Request) {
	jobs := a.Service.Jobs()
	for i := range jobs {
		jobs[i].Pages = nil
	}
	a.json(w, http.StatusOK, map[string]any{"books": jobs})
}

// BookStatus returns the status of a job
func (a *App) BookStatus(w http.ResponseWriter, r *http.Request) {
	st, err := a.Service.Status(chi.URLParam(r, "key"))
	if errors.Is(err, orchestrator.ErrJobNotFound) {
		a.error(w, http.StatusNotFound, "not_found", "no book for this key")
		return
	}
	if err != nil {
		a.error(w, http.StatusInternalServerError, "internal", "failed to load status")
		return
	}
	a.json(w, http.StatusOK, st)
}

// CancelBook cancels a running job
func (a *App) CancelBook(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")
	if err := a.Service.Cancel(key); err != nil {
		if errors.Is(err, orchestrator.ErrJobNotFound) {
			a.error(w, http.StatusNotFound, "not_found", "no book for this key")
			return
		}
		a.error(w, http.StatusInternalServerError, "internal", "failed to cancel")
		return
	}
	st, err := a.Service.Status(key)
	if err != nil {
		a.error(w, http.StatusInternalServerError, "internal", "failed to load status")
		return
	}
	a.json(w, http.StatusAccepted, st)
}

// DownloadArtifact streams a stored book or page image
func (a *App) DownloadArtifact(w http.ResponseWriter, r *http.Request) {
	ref := models.ArtifactRef(chi.URLParam(r, "ref"))
	if !ref.Valid() {
		a.error(w, http.StatusBadRequest, "invalid_ref", "artifact references look like sha256:<hex>")
		return
	}
	data, err := a.Artifacts.Get(r.Context(), ref)
	if errors.Is(err, storage.ErrNotFound) {
		a.error(w, http.StatusNotFound, "not_found", "artifact not found")
		return
	}
	if err != nil {
		a.Logger.Error("Artifact read failed", "artifact", ref, "error", err)
		a.error(w, http.StatusInternalServerError, "internal", "failed to read artifact")
		return
	}

	contentType := http.DetectContentType(data)
	if bytes.HasPrefix(data, []byte("%PDF")) {
		contentType = "application/pdf"
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("ETag", `"`+ref.Digest()+`"`)
	w.Header().Set("Cache-Control", "public, max-age=31536000, immutable")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}
