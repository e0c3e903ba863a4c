package storage

import (
	"errors"
	"time"
)

var ErrDisabled = errors.New("storage disabled")

// Config configures storage.
//
// Driver values:
//   - "file": dependency-free file backend (jsonl + snapshot)
//   - "sqlite": SQLite database file
//
// If Driver is empty or "none", storage is disabled.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// SuppressedEntry records one suppressed notification for the audit trail.
// Only the app id, category and reason are kept; never notification text.
type SuppressedEntry struct {
	At       time.Time `json:"at"`
	App      string    `json:"app"`
	Category string    `json:"category"`
	Reason   string    `json:"reason"`
}
