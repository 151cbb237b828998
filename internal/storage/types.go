package storage

import (
	"context"
	"errors"
	"time"
)

var (
	ErrDisabled = errors.New("storage disabled")
	ErrClosed   = errors.New("storage closed")
)

// Config configures storage.
//
// If Driver is empty or "none", storage is disabled.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// Record is one journal line. Keep it compact and schema-stable.
type Record struct {
	At             time.Time `json:"at"`
	Event          string    `json:"event"`
	NotificationID string    `json:"notification_id,omitempty"`
	Title          string    `json:"title,omitempty"`
	Target         string    `json:"target,omitempty"`
	Action         string    `json:"action,omitempty"`
	Outcome        string    `json:"outcome,omitempty"`
	Error          string    `json:"error,omitempty"`
}

// Store is the journal API used by the app.
type Store interface {
	Append(ctx context.Context, r Record) error
	// Recent returns up to limit records, newest first.
	Recent(ctx context.Context, limit int) ([]Record, error)
	// Prune deletes records older than before and reports how many were removed.
	Prune(ctx context.Context, before time.Time) (int, error)
	Close() error
}

const defaultRecentLimit = 50

func normalizeLimit(limit int) int {
	if limit <= 0 {
		return defaultRecentLimit
	}
	return limit
}
