package models

import "time"

// JobRecord is one terminal job as written to the journal
type JobRecord struct {
	// Identification
	Key         string    `json:"key"`
	RunID       string    `json:"run_id"`
	Fingerprint string    `json:"fingerprint"` // GenerationRequest.Fingerprint at submit time
	RecordedAt  time.Time `json:"recorded_at"`

	Request GenerationRequest `json:"request"`

	// Terminal outcome
	State    JobState           `json:"state"`
	Artifact *ArtifactInfo      `json:"artifact,omitempty"`
	Failure  *Failure           `json:"failure,omitempty"`
	Retries  map[PromptKind]int `json:"retries,omitempty"`

	CreatedAt time.Time     `json:"created_at"`
	Duration  time.Duration `json:"duration"`
}

// NewJobRecord builds a journal record from a terminal status snapshot
func NewJobRecord(req GenerationRequest, status JobStatus) JobRecord {
	return JobRecord{
		Key:         status.Handle.Key,
		RunID:       status.Handle.RunID,
		Fingerprint: req.Fingerprint(),
		RecordedAt:  time.Now(),
		Request:     req,
		State:       status.State,
		Artifact:    status.Artifact,
		Failure:     status.Failure,
		Retries:     status.Retries,
		CreatedAt:   status.CreatedAt,
		Duration:    status.UpdatedAt.Sub(status.CreatedAt),
	}
}
