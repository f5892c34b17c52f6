// Package chatlog records completed question/answer exchanges.
package chatlog

import (
	"fmt"
	"time"
)

// Entry is one completed exchange.
type Entry struct {
	User      string    `json:"user"`
	Bot       string    `json:"bot"`
	Timestamp time.Time `json:"timestamp"`
	SessionID string    `json:"session_id,omitempty"`
}

// Log is an append-only history of exchanges.
type Log interface {
	Append(e Entry) error
	ReadAll() ([]Entry, error)
	Clear() error
}

// Backend names accepted by the chatlog.backend setting.
const (
	BackendFile   = "file"
	BackendSQLite = "sqlite"
)

// ValidBackend reports whether name is a known backend.
func ValidBackend(name string) error {
	switch name {
	case BackendFile, BackendSQLite:
		return nil
	}
	return fmt.Errorf("unknown chat log backend %q (want %q or %q)", name, BackendFile, BackendSQLite)
}
