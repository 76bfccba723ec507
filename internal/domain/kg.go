package domain

import (
	"time"

	"github.com/google/uuid"
)

// KgNode is a knowledge-graph node scoped to one user.
type KgNode struct {
	ID        uuid.UUID      `json:"id"`
	UserID    string         `json:"user_id"`
	Kind      string         `json:"kind"`
	Name      string         `json:"name"`
	Props     map[string]any `json:"props,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// KgEdge links two nodes with a weighted relation.
type KgEdge struct {
	ID        uuid.UUID `json:"id"`
	UserID    string    `json:"user_id"`
	FromID    uuid.UUID `json:"from_id"`
	ToID      uuid.UUID `json:"to_id"`
	Relation  string    `json:"relation"`
	Weight    float64   `json:"weight"`
	CreatedAt time.Time `json:"created_at"`
}

// ReindexCheckpoint is saved after every reindex batch so a job can
// resume where it stopped.
type ReindexCheckpoint struct {
	ID        uuid.UUID  `json:"id"`
	JobID     uuid.UUID  `json:"job_id"`
	UserID    string     `json:"user_id,omitempty"`
	Tier      Tier       `json:"tier,omitempty"`
	Cursor    *time.Time `json:"cursor,omitempty"` // updated_at of last processed item
	LastID    *uuid.UUID `json:"last_id,omitempty"`
	Processed int        `json:"processed"`
	Failed    int        `json:"failed"`
	UpdatedAt time.Time  `json:"updated_at"`
}

// ConsistencyLog records a single drift detection or repair action.
type ConsistencyLog struct {
	ID        uuid.UUID `json:"id"`
	Type      string    `json:"type"`
	MemoryID  uuid.UUID `json:"memory_id"`
	Details   string    `json:"details,omitempty"`
	Repaired  bool      `json:"repaired"`
	CreatedAt time.Time `json:"created_at"`
}

// GhostEntry is one soft-deleted id for a user.
type GhostEntry struct {
	UserID    string    `json:"user_id"`
	MemoryID  uuid.UUID `json:"memory_id"`
	Tier      Tier      `json:"tier,omitempty"`
	GhostedAt time.Time `json:"ghosted_at"`
}

// UserProfile carries per-user goals and values consumed by context
// assembly, plus arbitrary data the chat layer wants to persist.
type UserProfile struct {
	UserID       string         `json:"user_id"`
	Goals        []string       `json:"goals,omitempty"`
	Values       []string       `json:"values,omitempty"`
	Data         map[string]any `json:"data,omitempty"`
	MessageCount int            `json:"message_count"`
	UpdatedAt    time.Time      `json:"updated_at"`
}
