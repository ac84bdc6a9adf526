package prompt

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/lamim/storyforge/internal/util"
)

// ErrMalformedOutline is returned when model output cannot be used as an outline
var ErrMalformedOutline = errors.New("malformed outline")

// Outline is the story plan produced by the outline prompt
type Outline struct {
	Title       string        `json:"title"`
	Summary     string        `json:"summary"`
	World       string        `json:"world"`
	Protagonist string        `json:"protagonist"`
	Lesson      string        `json:"lesson"`
	Pages       []OutlinePage `json:"pages"`
}

// OutlinePage is the plan for one page
type OutlinePage struct {
	Beat  string `json:"beat"`
	Scene string `json:"scene"`
}

// ParseOutline extracts an outline from raw model output.
// Extra page beats are dropped; missing beats make the outline malformed.
func ParseOutline(raw string, pageCount int) (*Outline, error) {
	extracted := util.ExtractJSON(raw)
	if extracted == "" {
		return nil, fmt.Errorf("%w: empty response", ErrMalformedOutline)
	}

	var outline Outline
	if err := json.Unmarshal([]byte(extracted), &outline); err != nil {
		outline = Outline{}
		if err2 := json.Unmarshal([]byte(util.RepairJSON(extracted)), &outline); err2 != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedOutline, err)
		}
	}

	outline.Title = strings.TrimSpace(outline.Title)
	if outline.Title == "" {
		return nil, fmt.Errorf("%w: missing title", ErrMalformedOutline)
	}
	if len(outline.Pages) < pageCount {
		return nil, fmt.Errorf("%w: expected %d pages, got %d", ErrMalformedOutline, pageCount, len(outline.Pages))
	}
	outline.Pages = outline.Pages[:pageCount]

	for i := range outline.Pages {
		p := &outline.Pages[i]
		p.Beat = strings.TrimSpace(p.Beat)
		p.Scene = strings.TrimSpace(p.Scene)
		if p.Beat == "" {
			return nil, fmt.Errorf("%w: page %d has no beat", ErrMalformedOutline, i)
		}
		if p.Scene == "" {
			p.Scene = p.Beat
		}
	}
	outline.Summary = strings.TrimSpace(outline.Summary)
	outline.World = strings.TrimSpace(outline.World)
	outline.Protagonist = strings.TrimSpace(outline.Protagonist)

	return &outline, nil
}
