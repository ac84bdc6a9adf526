// Package assembler validates generated content and folds it into per-page
// records. Each page slot has its own lock so pages progress independently.
package assembler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/lamim/storyforge/internal/gateway"
	"github.com/lamim/storyforge/internal/storage"
	"github.com/lamim/storyforge/pkg/models"
)

// Reason explains why a result was not accepted
type Reason string

const (
	ReasonAlreadyComplete     Reason = "already_complete"
	ReasonDependencyViolation Reason = "dependency_violation"
	ReasonPageFailed          Reason = "page_failed"
	ReasonEmptyText           Reason = "empty_text"
	ReasonTextTooLong         Reason = "text_too_long"
	ReasonEmptyImage          Reason = "empty_image"
	ReasonUnrecognizedImage   Reason = "unrecognized_image"
	ReasonWrongKind           Reason = "wrong_kind"
	ReasonIndexOutOfRange     Reason = "index_out_of_range"
)

// Rejection is returned when a result fails validation. The page is unchanged.
type Rejection struct {
	Index  int
	Kind   models.PromptKind
	Reason Reason
	Detail string
}

func (r *Rejection) Error() string {
	if r.Detail != "" {
		return fmt.Sprintf("page %d %s rejected: %s (%s)", r.Index, r.Kind, r.Reason, r.Detail)
	}
	return fmt.Sprintf("page %d %s rejected: %s", r.Index, r.Kind, r.Reason)
}

// Retryable reports whether regenerating the content could be accepted
func (r *Rejection) Retryable() bool {
	switch r.Reason {
	case ReasonEmptyText, ReasonTextTooLong, ReasonEmptyImage, ReasonUnrecognizedImage:
		return true
	}
	return false
}

// IsRetryableRejection reports whether err is a content rejection worth regenerating
func IsRetryableRejection(err error) bool {
	var rej *Rejection
	return errors.As(err, &rej) && rej.Retryable()
}

// Options bounds accepted content
type Options struct {
	MaxTextRunes int
}

type slot struct {
	mu  sync.Mutex
	rec models.PageRecord
}

// Pages is the page table of one job
type Pages struct {
	slots []*slot
	store storage.Store
	opts  Options
}

// NewPages creates n pending pages whose accepted images go to store
func NewPages(n int, store storage.Store, opts Options) *Pages {
	slots := make([]*slot, n)
	for i := range slots {
		slots[i] = &slot{rec: models.PageRecord{Index: i, Status: models.PageStatusPending}}
	}
	return &Pages{slots: slots, store: store, opts: opts}
}

// Len returns the page count
func (p *Pages) Len() int { return len(p.slots) }

// Accept validates a result for page index and records it.
// Text moves a page from pending to text_ready; an image moves it to complete.
func (p *Pages) Accept(ctx context.Context, index int, kind models.PromptKind, res *gateway.Result) (models.PageRecord, error) {
	if index < 0 || index >= len(p.slots) {
		return models.PageRecord{}, &Rejection{Index: index, Kind: kind, Reason: ReasonIndexOutOfRange}
	}
	s := p.slots[index]
	s.mu.Lock()
	defer s.mu.Unlock()

	reject := func(reason Reason, detail string) (models.PageRecord, error) {
		return copyRecord(s.rec), &Rejection{Index: index, Kind: kind, Reason: reason, Detail: detail}
	}

	switch s.rec.Status {
	case models.PageStatusFailed:
		return reject(ReasonPageFailed, "")
	case models.PageStatusComplete:
		return reject(ReasonAlreadyComplete, "")
	}

	switch kind {
	case models.KindPageText:
		if s.rec.Status != models.PageStatusPending {
			return reject(ReasonAlreadyComplete, "text already accepted")
		}
		text := normalizeText(resultText(res))
		if text == "" {
			return reject(ReasonEmptyText, "")
		}
		if n := utf8.RuneCountInString(text); p.opts.MaxTextRunes > 0 && n > p.opts.MaxTextRunes {
			return reject(ReasonTextTooLong, fmt.Sprintf("%d runes, limit %d", n, p.opts.MaxTextRunes))
		}
		s.rec.Text = text
		s.rec.Status = models.PageStatusTextReady
		setAttempts(&s.rec, kind, res)

	case models.KindPageImage:
		if s.rec.Status != models.PageStatusTextReady {
			return reject(ReasonDependencyViolation, "image arrived before accepted text")
		}
		var data []byte
		if res != nil {
			data = res.Image
		}
		format, _, err := DecodeImageHeader(data)
		if errors.Is(err, errEmptyImage) {
			return reject(ReasonEmptyImage, "")
		}
		if err != nil {
			return reject(ReasonUnrecognizedImage, err.Error())
		}
		ref, err := storage.PutContent(ctx, p.store, data)
		if err != nil {
			return copyRecord(s.rec), fmt.Errorf("failed to store page %d image: %w", index, err)
		}
		s.rec.ImageRef = ref
		s.rec.ImageFormat = format
		s.rec.Status = models.PageStatusComplete
		setAttempts(&s.rec, kind, res)

	default:
		return reject(ReasonWrongKind, string(kind))
	}

	return copyRecord(s.rec), nil
}

// MarkFailed marks a page that will not complete. Complete pages are left as is.
func (p *Pages) MarkFailed(index int) bool {
	if index < 0 || index >= len(p.slots) {
		return false
	}
	s := p.slots[index]
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.rec.Status == models.PageStatusComplete {
		return false
	}
	s.rec.Status = models.PageStatusFailed
	return true
}

// Get returns a copy of one page
func (p *Pages) Get(index int) (models.PageRecord, bool) {
	if index < 0 || index >= len(p.slots) {
		return models.PageRecord{}, false
	}
	s := p.slots[index]
	s.mu.Lock()
	defer s.mu.Unlock()
	return copyRecord(s.rec), true
}

// Snapshot returns copies of every page in index order
func (p *Pages) Snapshot() []models.PageRecord {
	out := make([]models.PageRecord, len(p.slots))
	for i := range p.slots {
		out[i], _ = p.Get(i)
	}
	return out
}

func resultText(res *gateway.Result) string {
	if res == nil {
		return ""
	}
	return res.Text
}

// normalizeText trims whitespace and a single pair of wrapping quotes
func normalizeText(s string) string {
	s = strings.TrimSpace(s)
	for _, q := range [][2]string{{`"`, `"`}, {"“", "”"}} {
		if len(s) >= len(q[0])+len(q[1]) && strings.HasPrefix(s, q[0]) && strings.HasSuffix(s, q[1]) {
			return strings.TrimSpace(s[len(q[0]) : len(s)-len(q[1])])
		}
	}
	return s
}

func setAttempts(rec *models.PageRecord, kind models.PromptKind, res *gateway.Result) {
	if res == nil {
		return
	}
	if rec.Attempts == nil {
		rec.Attempts = make(map[models.PromptKind]int)
	}
	rec.Attempts[kind] += res.Attempts
}

func copyRecord(rec models.PageRecord) models.PageRecord {
	out := rec
	if rec.Attempts != nil {
		out.Attempts = make(map[models.PromptKind]int, len(rec.Attempts))
		for k, v := range rec.Attempts {
			out.Attempts[k] = v
		}
	}
	return out
}
