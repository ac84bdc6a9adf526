package models

import (
	"strings"
	"testing"
)

func TestJobStateTransitions(t *testing.T) {
	tests := []struct {
		from JobState
		to   JobState
		want bool
	}{
		{JobStateCreated, JobStateOutlineInProgress, true},
		{JobStateCreated, JobStateFailed, true},
		{JobStateCreated, JobStatePagesInProgress, false},
		{JobStateOutlineInProgress, JobStatePagesInProgress, true},
		{JobStatePagesInProgress, JobStateAssembling, true},
		{JobStatePagesInProgress, JobStateComplete, false},
		{JobStateAssembling, JobStateComplete, true},
		{JobStateAssembling, JobStateFailed, true},
		{JobStateComplete, JobStateFailed, false},
		{JobStateFailed, JobStateCreated, false},
	}

	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			if got := tt.from.CanTransitionTo(tt.to); got != tt.want {
				t.Errorf("CanTransitionTo() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestFailureString(t *testing.T) {
	idx := 1
	f := Failure{Reason: ReasonPageGenerationFailed, PageIndex: &idx}
	if got := f.String(); got != "PageGenerationFailed(1)" {
		t.Errorf("Failure.String() = %q", got)
	}
	if got := (Failure{Reason: ReasonCancelled}).String(); got != "Cancelled" {
		t.Errorf("Failure.String() = %q", got)
	}
}

func TestFingerprintIgnoresKey(t *testing.T) {
	a := GenerationRequest{IdempotencyKey: "a", ChildName: "Ava", Age: 5, Theme: "space", PageCount: 3}
	b := a
	b.IdempotencyKey = "b"
	b.Theme = "Space"
	if a.Fingerprint() != b.Fingerprint() {
		t.Error("expected equal fingerprints for requests differing only by key and theme case")
	}

	c := a
	c.Traits = []string{"brave"}
	if a.Fingerprint() == c.Fingerprint() {
		t.Error("expected traits to change the fingerprint")
	}
}

func TestArtifactRefValid(t *testing.T) {
	good := NewArtifactRef(strings.Repeat("ab", 32))
	if !good.Valid() {
		t.Errorf("expected %s to be valid", good)
	}
	for _, bad := range []ArtifactRef{"", "sha256:", "md5:abcd", ArtifactRef("sha256:" + strings.Repeat("zz", 32))} {
		if bad.Valid() {
			t.Errorf("expected %q to be invalid", bad)
		}
	}
}
