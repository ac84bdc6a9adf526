package models

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"
)

// PromptKind identifies the kind of AI work a prompt represents
type PromptKind string

const (
	KindOutline   PromptKind = "outline"
	KindPageText  PromptKind = "page_text"
	KindPageImage PromptKind = "page_image"
)

// PromptKinds lists every prompt kind in dispatch order
var PromptKinds = []PromptKind{KindOutline, KindPageText, KindPageImage}

// ArtifactRef is an opaque content-addressed handle into artifact storage
type ArtifactRef string

// RefPrefix is the scheme prefix carried by every ArtifactRef
const RefPrefix = "sha256:"

// NewArtifactRef builds a reference from a hex-encoded sha256 digest
func NewArtifactRef(hexDigest string) ArtifactRef {
	return ArtifactRef(RefPrefix + hexDigest)
}

// Digest returns the hex digest part of the reference
func (r ArtifactRef) Digest() string {
	return strings.TrimPrefix(string(r), RefPrefix)
}

// Valid reports whether the reference has the sha256:<64 hex> shape
func (r ArtifactRef) Valid() bool {
	s := string(r)
	if !strings.HasPrefix(s, RefPrefix) {
		return false
	}
	d := s[len(RefPrefix):]
	if len(d) != sha256.Size*2 {
		return false
	}
	_, err := hex.DecodeString(d)
	return err == nil
}

func (r ArtifactRef) String() string { return string(r) }

// GenerationRequest is the immutable input of one book generation
type GenerationRequest struct {
	IdempotencyKey string   `json:"idempotency_key"`
	ChildName      string   `json:"child_name"`
	Age            int      `json:"age"`
	Theme          string   `json:"theme"`
	Traits         []string `json:"traits,omitempty"`
	PageCount      int      `json:"page_count"`
}

// Fingerprint hashes every field except the idempotency key.
// Two requests with equal fingerprints describe the same book.
func (r GenerationRequest) Fingerprint() string {
	h := sha256.New()
	fmt.Fprintf(h, "name=%s\x00age=%d\x00theme=%s\x00pages=%d\x00",
		strings.TrimSpace(r.ChildName), r.Age, strings.ToLower(strings.TrimSpace(r.Theme)), r.PageCount)
	for _, t := range r.Traits {
		fmt.Fprintf(h, "trait=%s\x00", strings.TrimSpace(t))
	}
	return hex.EncodeToString(h.Sum(nil))
}

// PageStatus tracks a single page through text and image acceptance
type PageStatus string

const (
	PageStatusPending   PageStatus = "pending"
	PageStatusTextReady PageStatus = "text_ready"
	PageStatusComplete  PageStatus = "complete"
	PageStatusFailed    PageStatus = "failed"
)

// PageRecord is one page of a book being generated
type PageRecord struct {
	Index       int                `json:"index"`
	Text        string             `json:"text,omitempty"`
	ImageRef    ArtifactRef        `json:"image_ref,omitempty"`
	ImageFormat string             `json:"image_format,omitempty"`
	Status      PageStatus         `json:"status"`
	Attempts    map[PromptKind]int `json:"attempts,omitempty"` // Provider attempts behind each accepted part
}

// JobState is the overall state of a generation job
type JobState string

const (
	JobStateCreated           JobState = "created"
	JobStateOutlineInProgress JobState = "outline_in_progress"
	JobStatePagesInProgress   JobState = "pages_in_progress"
	JobStateAssembling        JobState = "assembling"
	JobStateComplete          JobState = "complete"
	JobStateFailed            JobState = "failed"
)

var jobTransitions = map[JobState][]JobState{
	JobStateCreated:           {JobStateOutlineInProgress, JobStateFailed},
	JobStateOutlineInProgress: {JobStatePagesInProgress, JobStateFailed},
	JobStatePagesInProgress:   {JobStateAssembling, JobStateFailed},
	JobStateAssembling:        {JobStateComplete, JobStateFailed},
}

// IsTerminal reports whether no further transitions are allowed
func (s JobState) IsTerminal() bool {
	return s == JobStateComplete || s == JobStateFailed
}

// CanTransitionTo reports whether next is a legal successor of s
func (s JobState) CanTransitionTo(next JobState) bool {
	for _, allowed := range jobTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// FailureReason is the single terminal reason carried by a failed job
type FailureReason string

const (
	ReasonOutlineRejected      FailureReason = "outline_rejected"
	ReasonProviderUnavailable  FailureReason = "provider_unavailable"
	ReasonPageGenerationFailed FailureReason = "page_generation_failed"
	ReasonAssemblyFailed       FailureReason = "assembly_failed"
	ReasonCancelled            FailureReason = "cancelled"
)

// Failure describes why a job failed
type Failure struct {
	Reason    FailureReason `json:"reason"`
	PageIndex *int          `json:"page_index,omitempty"`
	Message   string        `json:"message,omitempty"`
}

// String renders the failure in a user-facing form such as PageGenerationFailed(1)
func (f Failure) String() string {
	switch f.Reason {
	case ReasonOutlineRejected:
		return "OutlineRejected"
	case ReasonProviderUnavailable:
		return "ProviderUnavailable"
	case ReasonPageGenerationFailed:
		if f.PageIndex != nil {
			return fmt.Sprintf("PageGenerationFailed(%d)", *f.PageIndex)
		}
		return "PageGenerationFailed"
	case ReasonAssemblyFailed:
		return "AssemblyFailed"
	case ReasonCancelled:
		return "Cancelled"
	}
	return string(f.Reason)
}

// JobHandle identifies one accepted run of a request
type JobHandle struct {
	Key   string `json:"key"`
	RunID string `json:"run_id"`
}

// ArtifactInfo describes a finished book
type ArtifactInfo struct {
	Ref   ArtifactRef `json:"ref"`
	Size  int64       `json:"size"`
	Pages int         `json:"pages"`
	Title string      `json:"title,omitempty"`
}

// JobStatus is a point-in-time snapshot of a job
type JobStatus struct {
	Handle         JobHandle          `json:"handle"`
	State          JobState           `json:"state"`
	Step           string             `json:"step,omitempty"`
	Progress       int                `json:"progress"`
	TotalPages     int                `json:"total_pages"`
	CompletedPages int                `json:"completed_pages"`
	Pages          []PageRecord       `json:"pages,omitempty"`
	Retries        map[PromptKind]int `json:"retries,omitempty"`
	Artifact       *ArtifactInfo      `json:"artifact,omitempty"`
	Failure        *Failure           `json:"failure,omitempty"`
	CreatedAt      time.Time          `json:"created_at"`
	UpdatedAt      time.Time          `json:"updated_at"`
}

// Terminal reports whether the snapshot is of a finished job
func (s JobStatus) Terminal() bool {
	return s.State.IsTerminal()
}
