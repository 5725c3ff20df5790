package models

import (
	"time"

	"github.com/google/uuid"
)

// ContainerStatus is the derived readiness of a batch of artifacts.
type ContainerStatus string

const (
	ContainerGenerating ContainerStatus = "generating"
	ContainerReady      ContainerStatus = "ready"
	ContainerError      ContainerStatus = "error"
)

// Container groups the artifacts produced by one or more jobs under a common
// object-store prefix. ClaimedArtifacts is the locally claimed state that the
// reconciler corrects against the object store.
type Container struct {
	ID               uuid.UUID       `json:"container_id"`
	UserID           uuid.UUID       `json:"user_id"`
	Prefix           string          `json:"prefix"`
	ExpectedCount    int             `json:"expected_count"`
	ClaimedArtifacts []string        `json:"claimed_artifacts"`
	Status           ContainerStatus `json:"status"`
	CreatedAt        time.Time       `json:"created_at"`
	UpdatedAt        time.Time       `json:"updated_at"`
	ReconciledAt     *time.Time      `json:"reconciled_at,omitempty"`
}
