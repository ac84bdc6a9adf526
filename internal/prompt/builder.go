// Package prompt turns generation requests into the ordered prompts of a book.
package prompt

import (
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"golang.org/x/text/unicode/norm"

	"github.com/lamim/storyforge/internal/config"
	"github.com/lamim/storyforge/internal/util"
	"github.com/lamim/storyforge/pkg/models"
)

const (
	MaxNameRunes  = 40
	MinAge        = 1
	MaxAge        = 12
	MaxTraits     = 8
	MaxTraitRunes = 40
)

// ErrInvalidRequest marks requests rejected before any AI call is made
var ErrInvalidRequest = errors.New("invalid request")

// ValidationError names the offending request field
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid request: %s %s", e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error { return ErrInvalidRequest }

// Prompt is one unit of AI work. Values are immutable; Resolve returns a copy.
type Prompt struct {
	ID        string
	Kind      models.PromptKind
	Page      int // -1 for the outline
	Text      string
	System    string // Optional system prompt for text kinds
	DependsOn string // ID of the prompt whose accepted output this one needs

	template string
	data     map[string]interface{}
	resolved bool
}

// Dispatchable reports whether every dependency of the prompt has been bound
func (p Prompt) Dispatchable() bool {
	return p.DependsOn == "" || p.resolved
}

// Resolve binds the accepted page text into an illustration prompt
func (p Prompt) Resolve(pageText string) (Prompt, error) {
	if p.DependsOn == "" {
		return p, nil
	}
	if strings.TrimSpace(pageText) == "" {
		return Prompt{}, fmt.Errorf("cannot resolve %s: dependency %s has no accepted text", p.ID, p.DependsOn)
	}

	data := make(map[string]interface{}, len(p.data)+1)
	for k, v := range p.data {
		data[k] = v
	}
	data["PageText"] = strings.TrimSpace(pageText)

	text, err := util.RenderTemplate(p.template, data)
	if err != nil {
		return Prompt{}, fmt.Errorf("failed to render %s: %w", p.ID, err)
	}

	out := p
	out.Text = strings.TrimSpace(text)
	out.data = data
	out.resolved = true
	return out, nil
}

// OutlineID is the ID of the single outline prompt
const OutlineID = "outline"

// PageTextID returns the ID of the text prompt for page index i
func PageTextID(i int) string { return fmt.Sprintf("page-text-%d", i) }

// PageImageID returns the ID of the illustration prompt for page index i
func PageImageID(i int) string { return fmt.Sprintf("page-image-%d", i) }

// Builder renders prompts from configured templates
type Builder struct {
	cfg *config.Config
}

// NewBuilder creates a prompt builder
func NewBuilder(cfg *config.Config) *Builder {
	return &Builder{cfg: cfg}
}

// Normalize returns a copy of req with NFC-normalized, trimmed strings and a canonical theme key
func (b *Builder) Normalize(req models.GenerationRequest) models.GenerationRequest {
	out := req
	out.IdempotencyKey = strings.TrimSpace(req.IdempotencyKey)
	out.ChildName = norm.NFC.String(strings.TrimSpace(req.ChildName))
	out.Theme = strings.ToLower(norm.NFC.String(strings.TrimSpace(req.Theme)))
	out.Traits = nil
	for _, t := range req.Traits {
		t = norm.NFC.String(strings.TrimSpace(t))
		if t != "" {
			out.Traits = append(out.Traits, t)
		}
	}
	return out
}

// Validate checks a request against configured bounds and the theme catalog
func (b *Builder) Validate(req models.GenerationRequest) error {
	req = b.Normalize(req)
	g := b.cfg.Generation

	if req.ChildName == "" {
		return &ValidationError{Field: "child_name", Reason: "is required"}
	}
	if utf8.RuneCountInString(req.ChildName) > MaxNameRunes {
		return &ValidationError{Field: "child_name", Reason: fmt.Sprintf("exceeds %d characters", MaxNameRunes)}
	}
	if util.ContainsControlChars(req.ChildName) || strings.ContainsAny(req.ChildName, "\n\r\t") {
		return &ValidationError{Field: "child_name", Reason: "contains control characters"}
	}
	if req.Age < MinAge || req.Age > MaxAge {
		return &ValidationError{Field: "age", Reason: fmt.Sprintf("must be between %d and %d (got %d)", MinAge, MaxAge, req.Age)}
	}
	if _, ok := b.cfg.ThemeDescription(req.Theme); !ok {
		return &ValidationError{Field: "theme", Reason: fmt.Sprintf("%q is not a recognized theme", req.Theme)}
	}
	if len(req.Traits) > MaxTraits {
		return &ValidationError{Field: "traits", Reason: fmt.Sprintf("at most %d traits are allowed (got %d)", MaxTraits, len(req.Traits))}
	}
	for _, t := range req.Traits {
		if utf8.RuneCountInString(t) > MaxTraitRunes {
			return &ValidationError{Field: "traits", Reason: fmt.Sprintf("trait %q exceeds %d characters", util.TruncateString(t, 20), MaxTraitRunes)}
		}
		if util.ContainsControlChars(t) {
			return &ValidationError{Field: "traits", Reason: "contains control characters"}
		}
	}
	if req.PageCount < g.MinPages || req.PageCount > g.MaxPages {
		return &ValidationError{Field: "page_count", Reason: fmt.Sprintf("must be between %d and %d (got %d)", g.MinPages, g.MaxPages, req.PageCount)}
	}
	return nil
}

// Build returns the 1+2p prompts of a request: the outline, then the text and
// illustration prompt of each page in index order. Illustration prompts depend on
// the text prompt of the same page and must be resolved before dispatch.
func (b *Builder) Build(req models.GenerationRequest) ([]Prompt, error) {
	if err := b.Validate(req); err != nil {
		return nil, err
	}
	req = b.Normalize(req)

	outline, err := b.outlinePrompt(req)
	if err != nil {
		return nil, err
	}
	pages, err := b.pagePrompts(req, nil)
	if err != nil {
		return nil, err
	}

	return append([]Prompt{outline}, pages...), nil
}

// BuildPages re-renders the 2p page prompts using an accepted outline
func (b *Builder) BuildPages(req models.GenerationRequest, outline *Outline) ([]Prompt, error) {
	if err := b.Validate(req); err != nil {
		return nil, err
	}
	if outline == nil {
		return nil, fmt.Errorf("outline is required")
	}
	if len(outline.Pages) < req.PageCount {
		return nil, fmt.Errorf("%w: outline has %d pages, need %d", ErrMalformedOutline, len(outline.Pages), req.PageCount)
	}
	return b.pagePrompts(b.Normalize(req), outline)
}

func (b *Builder) outlinePrompt(req models.GenerationRequest) (Prompt, error) {
	text, err := util.RenderTemplate(b.cfg.PromptTemplates.Outline, b.baseData(req))
	if err != nil {
		return Prompt{}, fmt.Errorf("failed to render outline prompt: %w", err)
	}
	return Prompt{
		ID:     OutlineID,
		Kind:   models.KindOutline,
		Page:   -1,
		Text:   strings.TrimSpace(text),
		System: b.cfg.PromptTemplates.SystemPrompt,
	}, nil
}

func (b *Builder) pagePrompts(req models.GenerationRequest, outline *Outline) ([]Prompt, error) {
	if err := util.ValidateTemplate(b.cfg.PromptTemplates.PageImage); err != nil {
		return nil, fmt.Errorf("invalid page image template: %w", err)
	}

	prompts := make([]Prompt, 0, 2*req.PageCount)
	for i := 0; i < req.PageCount; i++ {
		data := b.pageData(req, outline, i)

		text, err := util.RenderTemplate(b.cfg.PromptTemplates.PageText, data)
		if err != nil {
			return nil, fmt.Errorf("failed to render page %d text prompt: %w", i, err)
		}
		prompts = append(prompts, Prompt{
			ID:     PageTextID(i),
			Kind:   models.KindPageText,
			Page:   i,
			Text:   strings.TrimSpace(text),
			System: b.cfg.PromptTemplates.SystemPrompt,
		})

		prompts = append(prompts, Prompt{
			ID:        PageImageID(i),
			Kind:      models.KindPageImage,
			Page:      i,
			DependsOn: PageTextID(i),
			template:  b.cfg.PromptTemplates.PageImage,
			data:      data,
		})
	}
	return prompts, nil
}

func (b *Builder) baseData(req models.GenerationRequest) map[string]interface{} {
	desc, _ := b.cfg.ThemeDescription(req.Theme)
	traits := "curious and kind"
	if len(req.Traits) > 0 {
		traits = strings.Join(req.Traits, ", ")
	}
	return map[string]interface{}{
		"ChildName":        req.ChildName,
		"Age":              req.Age,
		"Theme":            req.Theme,
		"ThemeDescription": desc,
		"Traits":           traits,
		"PageCount":        req.PageCount,
	}
}

func (b *Builder) pageData(req models.GenerationRequest, outline *Outline, i int) map[string]interface{} {
	data := b.baseData(req)
	data["PageNumber"] = i + 1
	data["HasOutline"] = outline != nil
	data["Title"] = ""
	data["Summary"] = ""
	data["World"] = ""
	data["Protagonist"] = ""
	data["Beat"] = ""
	data["Scene"] = ""
	data["PreviousBeat"] = ""
	data["PageText"] = ""

	if outline != nil {
		data["Title"] = outline.Title
		data["Summary"] = outline.Summary
		data["World"] = outline.World
		data["Protagonist"] = outline.Protagonist
		data["Beat"] = outline.Pages[i].Beat
		data["Scene"] = outline.Pages[i].Scene
		if i > 0 {
			data["PreviousBeat"] = outline.Pages[i-1].Beat
		}
	}
	return data
}
