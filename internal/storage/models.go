package storage

import (
	"errors"
	"time"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// JobReindex is the job type that rescans the document folder and rebuilds the index.
const JobReindex = "reindex"

// Document is one row of the document manifest written after every scan.
type Document struct {
	Path       string
	Method     string // "structured", "ocr" or "" when nothing was extracted
	Pages      int
	Chunks     int
	Error      string
	Generation string
	IndexedAt  time.Time
}

// Interaction is one completed question/answer exchange.
type Interaction struct {
	ID        string
	CreatedAt time.Time
	SessionID string
	UserText  string
	BotText   string
}

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
