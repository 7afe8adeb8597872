// Package storage provides durable room persistence behind two
// interchangeable backends and a failover-aware manager.
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/veilsync/veilsync/internal/room"
)

// MaxLogEntries caps the per-room operation log; oldest entries are trimmed
// on append.
const MaxLogEntries = 1000

// DefaultRetention is how long an inactive room is kept before cleanup.
const DefaultRetention = 7 * 24 * time.Hour

var (
	// ErrBackendUnavailable indicates the backend cannot serve requests.
	ErrBackendUnavailable = errors.New("storage: backend unavailable")
	// ErrUnknownBackend indicates a backend name outside the configured set.
	ErrUnknownBackend = errors.New("storage: unknown backend")
)

// Stats describes a backend's current footprint.
type Stats struct {
	Backend    string `json:"backend"`
	Rooms      int64  `json:"rooms"`
	LogEntries int64  `json:"logEntries"`
}

// Backend is the contract every storage adapter satisfies.
//
// Inputs are validated at the manager boundary; adapters may assume
// well-formed records and entries.
type Backend interface {
	SaveRoom(ctx context.Context, record room.Record) error
	GetRoom(ctx context.Context, roomID string) (*room.Record, error)
	AppendLog(ctx context.Context, entry room.LogEntry) error
	GetLog(ctx context.Context, roomID string, since int64) ([]room.LogEntry, error)
	CleanupExpired(ctx context.Context, olderThan time.Time) (int, error)
	IsHealthy(ctx context.Context) bool
	Stats(ctx context.Context) (Stats, error)
	Close() error
}
