// Package chunk splits oversized payloads into ordered fragments and
// reassembles them from out-of-order arrivals.
package chunk

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

// DefaultChunkSize is applied when a caller passes a non-positive chunk size.
const DefaultChunkSize = 64 * 1024

// DefaultSessionTTL bounds how long an incomplete transfer is retained.
//
// The server relay prunes aggressively; clients reassembling over flaky
// links use a longer window.
const DefaultSessionTTL = 30 * time.Second

var (
	// ErrChunkOutOfRange indicates an index outside [0, total).
	ErrChunkOutOfRange = errors.New("chunk: index out of range")
	// ErrTotalMismatch indicates a chunk whose total disagrees with the session.
	ErrTotalMismatch = errors.New("chunk: total mismatch for session")
	// ErrEmptySession indicates a missing session identifier.
	ErrEmptySession = errors.New("chunk: session id is required")
)

// Chunk is one fragment of a split payload.
type Chunk struct {
	Index int    `json:"index"`
	Total int    `json:"total"`
	Data  string `json:"data"`
}

// Split divides payload into ordered chunks of at most chunkSize bytes.
// A payload at or under chunkSize yields exactly one chunk with Total=1.
func Split(payload string, chunkSize int) []Chunk {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	if len(payload) <= chunkSize {
		return []Chunk{{Index: 0, Total: 1, Data: payload}}
	}

	total := (len(payload) + chunkSize - 1) / chunkSize
	chunks := make([]Chunk, 0, total)
	for index := 0; index < total; index++ {
		start := index * chunkSize
		end := start + chunkSize
		if end > len(payload) {
			end = len(payload)
		}
		chunks = append(chunks, Chunk{Index: index, Total: total, Data: payload[start:end]})
	}
	return chunks
}

type session struct {
	parts    map[int]string
	total    int
	lastSeen time.Time
}

// Reassembler accumulates chunks per session and yields each payload once.
//
// Incomplete sessions are discarded after the TTL; the transfer is lost, not
// retried. Retrying is the caller's responsibility.
type Reassembler struct {
	mu       sync.Mutex
	sessions map[string]*session
	ttl      time.Duration
	clock    func() time.Time
}

// ReassemblerOption customizes a Reassembler.
type ReassemblerOption func(*Reassembler)

// WithTTL overrides the session retention window.
func WithTTL(ttl time.Duration) ReassemblerOption {
	return func(r *Reassembler) {
		if ttl > 0 {
			r.ttl = ttl
		}
	}
}

// WithClock overrides the time source, for tests.
func WithClock(clock func() time.Time) ReassemblerOption {
	return func(r *Reassembler) {
		if clock != nil {
			r.clock = clock
		}
	}
}

// NewReassembler constructs a Reassembler with the default TTL.
func NewReassembler(options ...ReassemblerOption) *Reassembler {
	r := &Reassembler{
		sessions: make(map[string]*session),
		ttl:      DefaultSessionTTL,
		clock:    time.Now,
	}
	for _, option := range options {
		option(r)
	}
	return r
}

// Add records one chunk for the session. It returns the joined payload and
// true exactly once, when every index in [0, total) has been seen. Duplicate
// indices are ignored.
func (r *Reassembler) Add(sessionID string, c Chunk) (string, bool, error) {
	if sessionID == "" {
		return "", false, ErrEmptySession
	}
	if c.Total <= 0 {
		return "", false, fmt.Errorf("%w: total %d", ErrChunkOutOfRange, c.Total)
	}
	if c.Index < 0 || c.Index >= c.Total {
		return "", false, fmt.Errorf("%w: index %d of %d", ErrChunkOutOfRange, c.Index, c.Total)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	current, ok := r.sessions[sessionID]
	if !ok {
		current = &session{parts: make(map[int]string, c.Total), total: c.Total}
		r.sessions[sessionID] = current
	}
	if current.total != c.Total {
		return "", false, fmt.Errorf("%w: got %d, session expects %d", ErrTotalMismatch, c.Total, current.total)
	}

	current.lastSeen = r.clock()
	if _, seen := current.parts[c.Index]; seen {
		return "", false, nil
	}
	current.parts[c.Index] = c.Data

	if len(current.parts) < current.total {
		return "", false, nil
	}

	joined := make([]byte, 0)
	for index := 0; index < current.total; index++ {
		joined = append(joined, current.parts[index]...)
	}
	delete(r.sessions, sessionID)
	return string(joined), true, nil
}

// Prune discards sessions idle past the TTL and returns how many were dropped.
func (r *Reassembler) Prune(now time.Time) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	dropped := 0
	for id, s := range r.sessions {
		if now.Sub(s.lastSeen) > r.ttl {
			delete(r.sessions, id)
			dropped++
		}
	}
	return dropped
}

// PendingSessions reports how many incomplete transfers are buffered.
func (r *Reassembler) PendingSessions() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}
