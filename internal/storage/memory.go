package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/veilsync/veilsync/internal/room"
)

// BackendNameMemory selects the in-process backend.
const BackendNameMemory = "memory"

type memoryRoom struct {
	record     room.Record
	lastActive time.Time
}

// Memory is an in-process Backend keyed by room id, with per-room activity
// tracking for expiry and a bounded ring buffer per operation log.
type Memory struct {
	mu    sync.RWMutex
	rooms map[string]*memoryRoom
	logs  map[string]*logRing
	clock func() time.Time
}

// NewMemory constructs an empty in-memory backend.
func NewMemory() *Memory {
	return &Memory{
		rooms: make(map[string]*memoryRoom),
		logs:  make(map[string]*logRing),
		clock: time.Now,
	}
}

// SaveRoom stores the record, overwriting any previous one for the room.
func (m *Memory) SaveRoom(_ context.Context, record room.Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rooms[record.RoomID] = &memoryRoom{record: record, lastActive: m.clock()}
	return nil
}

// GetRoom returns the stored record, or nil when the room is unknown.
func (m *Memory) GetRoom(_ context.Context, roomID string) (*room.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.rooms[roomID]
	if !ok {
		return nil, nil
	}
	entry.lastActive = m.clock()
	record := entry.record
	return &record, nil
}

// AppendLog appends the entry to the room's ring, evicting the oldest entry
// once the ring is full.
func (m *Memory) AppendLog(_ context.Context, entry room.LogEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	ring, ok := m.logs[entry.RoomID]
	if !ok {
		ring = newLogRing(MaxLogEntries)
		m.logs[entry.RoomID] = ring
	}
	ring.push(entry)
	if roomEntry, ok := m.rooms[entry.RoomID]; ok {
		roomEntry.lastActive = m.clock()
	}
	return nil
}

// GetLog returns entries with version greater than since, oldest first.
func (m *Memory) GetLog(_ context.Context, roomID string, since int64) ([]room.LogEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ring, ok := m.logs[roomID]
	if !ok {
		return nil, nil
	}

	var entries []room.LogEntry
	ring.each(func(e room.LogEntry) {
		if e.Version > since {
			entries = append(entries, e)
		}
	})
	// Concurrent appends can land out of version order; the contract is
	// ascending by (version, timestamp).
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].Version != entries[j].Version {
			return entries[i].Version < entries[j].Version
		}
		return entries[i].Timestamp < entries[j].Timestamp
	})
	return entries, nil
}

// CleanupExpired removes rooms (and their logs) inactive since olderThan.
func (m *Memory) CleanupExpired(_ context.Context, olderThan time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	removed := 0
	for id, entry := range m.rooms {
		if entry.lastActive.Before(olderThan) {
			delete(m.rooms, id)
			delete(m.logs, id)
			removed++
		}
	}
	return removed, nil
}

// IsHealthy always reports true; the process owning the map is the backend.
func (m *Memory) IsHealthy(context.Context) bool {
	return true
}

// Stats reports room and log entry counts.
func (m *Memory) Stats(context.Context) (Stats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var logEntries int64
	for _, ring := range m.logs {
		logEntries += int64(ring.len())
	}
	return Stats{Backend: BackendNameMemory, Rooms: int64(len(m.rooms)), LogEntries: logEntries}, nil
}

// Close releases all state.
func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rooms = make(map[string]*memoryRoom)
	m.logs = make(map[string]*logRing)
	return nil
}

// logRing is a fixed-capacity ring buffer of log entries. Appending to a full
// ring overwrites the oldest entry in place, so trimming never rewrites the
// whole log.
type logRing struct {
	entries []room.LogEntry
	head    int
	count   int
}

func newLogRing(capacity int) *logRing {
	return &logRing{entries: make([]room.LogEntry, capacity)}
}

func (r *logRing) push(entry room.LogEntry) {
	tail := (r.head + r.count) % len(r.entries)
	r.entries[tail] = entry
	if r.count < len(r.entries) {
		r.count++
	} else {
		r.head = (r.head + 1) % len(r.entries)
	}
}

func (r *logRing) each(fn func(room.LogEntry)) {
	for i := 0; i < r.count; i++ {
		fn(r.entries[(r.head+i)%len(r.entries)])
	}
}

func (r *logRing) len() int {
	return r.count
}
