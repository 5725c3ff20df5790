package models

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// JobKind enumerates supported generation job categories.
type JobKind string

const (
	JobKindImageGenerate JobKind = "image_generate"
	JobKindImageEnhance  JobKind = "image_enhance"
	JobKindVideoGenerate JobKind = "video_generate"
)

// JobKinds lists every known kind.
var JobKinds = []JobKind{JobKindImageGenerate, JobKindImageEnhance, JobKindVideoGenerate}

func (k JobKind) Valid() bool {
	switch k {
	case JobKindImageGenerate, JobKindImageEnhance, JobKindVideoGenerate:
		return true
	}
	return false
}

// JobState is the closed set of job lifecycle states.
type JobState string

const (
	JobStatePending    JobState = "pending"
	JobStateProcessing JobState = "processing"
	JobStateDraft      JobState = "draft"
	JobStatePublished  JobState = "published"
	JobStateFailed     JobState = "failed"
	JobStateDeleted    JobState = "deleted"
)

// transitions is the complete job state machine. Anything absent is illegal.
var transitions = map[JobState][]JobState{
	JobStatePending:    {JobStateProcessing, JobStateDraft, JobStateFailed},
	JobStateProcessing: {JobStateDraft, JobStateFailed},
	JobStateDraft:      {JobStatePublished, JobStateDeleted},
	JobStateFailed:     {JobStateDeleted},
}

func (s JobState) Valid() bool {
	switch s {
	case JobStatePending, JobStateProcessing, JobStateDraft, JobStatePublished, JobStateFailed, JobStateDeleted:
		return true
	}
	return false
}

// CanTransition reports whether s -> to is an edge of the state machine.
func (s JobState) CanTransition(to JobState) bool {
	for _, next := range transitions[s] {
		if next == to {
			return true
		}
	}
	return false
}

// InFlight reports whether a worker may still be producing a result.
func (s JobState) InFlight() bool {
	return s == JobStatePending || s == JobStateProcessing
}

// LedgerTerminal reports whether the job's cost can no longer change.
func (s JobState) LedgerTerminal() bool {
	return s == JobStatePublished || s == JobStateDeleted
}

// ValidateTransition returns ErrInvalidTransition wrapped with the edge.
func ValidateTransition(from, to JobState) error {
	if !from.CanTransition(to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	return nil
}

// Job is one asynchronous generation request. Rows are never hard-deleted;
// JobStateDeleted is a soft terminal marker.
type Job struct {
	ID              uuid.UUID       `json:"job_id"`
	UserID          uuid.UUID       `json:"user_id"`
	Kind            JobKind         `json:"kind"`
	InputPayload    json.RawMessage `json:"input_payload"`
	State           JobState        `json:"state"`
	Cost            int64           `json:"cost"`
	ArtifactRef     *string         `json:"artifact_ref,omitempty"`
	ContainerID     *uuid.UUID      `json:"container_id,omitempty"`
	Metadata        json.RawMessage `json:"metadata,omitempty"`
	ErrorMessage    *string         `json:"error_message,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
	LastHeartbeatAt *time.Time      `json:"last_heartbeat_at,omitempty"`
	PublishedAt     *time.Time      `json:"published_at,omitempty"`
	DeletedAt       *time.Time      `json:"deleted_at,omitempty"`
}

// LastActivity is the newer of UpdatedAt and LastHeartbeatAt; the stale
// sweep measures age from it.
func (j *Job) LastActivity() time.Time {
	if j.LastHeartbeatAt != nil && j.LastHeartbeatAt.After(j.UpdatedAt) {
		return *j.LastHeartbeatAt
	}
	return j.UpdatedAt
}
