package storage

import (
	"errors"
	"time"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// User owns notes. All retrieval is scoped to a single user.
type User struct {
	ID        int64
	Name      string
	CreatedAt time.Time
}

// Note is a user's source document. Its chunks are derived rows that are
// cascade-deleted with it and refreshed whenever the content changes.
type Note struct {
	ID        int64
	UserID    int64
	Title     string
	Content   string
	Source    string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Job is one queued unit of background work (note embedding).
type Job struct {
	ID          string
	Type        string
	PayloadJSON string
	Status      string // "pending", "running", "completed", "failed"
	Attempts    int
	MaxAttempts int
	RunAfter    time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
	LastError   string
}

// Interaction records one answered (or refused) question for history.
type Interaction struct {
	ID          string
	UserID      int64
	Query       string
	Answer      string
	Refusal     string // refusal reason when no answer was generated
	SourcesJSON string // JSON array of cited sources
	CreatedAt   time.Time
}
