package room

import (
	"errors"
	"fmt"
	"strings"
)

// OperationType enumerates supported edit operations in the room log.
type OperationType string

const (
	// OperationTypeInsert inserts content at a position.
	OperationTypeInsert OperationType = "insert"
	// OperationTypeDelete removes a span of content.
	OperationTypeDelete OperationType = "delete"
	// OperationTypeReplace replaces a span of content.
	OperationTypeReplace OperationType = "replace"
)

const (
	minRoomIDLength = 10
	maxRoomIDLength = 100
)

var (
	// ErrInvalidRoomID indicates that a room identifier violates the length or charset rules.
	ErrInvalidRoomID = errors.New("room: invalid room id")
	// ErrInvalidRecord indicates that a room record is missing required fields.
	ErrInvalidRecord = errors.New("room: invalid room record")
	// ErrInvalidLogEntry indicates that an operation log entry is malformed.
	ErrInvalidLogEntry = errors.New("room: invalid log entry")
)

// ID represents a validated room identifier derived from a shared secret.
type ID string

// String returns the identifier as a plain string.
func (i ID) String() string {
	return string(i)
}

// ParseID validates raw input and returns an ID.
//
// Room identifiers are opaque hashes: 10 to 100 characters drawn from
// [A-Za-z0-9_-]. Anything else is rejected before it reaches storage.
func ParseID(rawInput string) (ID, error) {
	trimmed := strings.TrimSpace(rawInput)
	if len(trimmed) < minRoomIDLength {
		return "", fmt.Errorf("%w: shorter than %d characters", ErrInvalidRoomID, minRoomIDLength)
	}
	if len(trimmed) > maxRoomIDLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidRoomID, maxRoomIDLength)
	}
	for _, r := range trimmed {
		if !isRoomIDRune(r) {
			return "", fmt.Errorf("%w: character %q not allowed", ErrInvalidRoomID, r)
		}
	}
	return ID(trimmed), nil
}

func isRoomIDRune(r rune) bool {
	switch {
	case r >= 'a' && r <= 'z':
		return true
	case r >= 'A' && r <= 'Z':
		return true
	case r >= '0' && r <= '9':
		return true
	case r == '_' || r == '-':
		return true
	default:
		return false
	}
}

// Record is the single latest ciphertext blob stored per room.
//
// The server never sees plaintext; Ciphertext is opaque and IntegrityHash is
// computed client-side over the plaintext before encryption.
type Record struct {
	RoomID        string `json:"roomId"`
	Ciphertext    string `json:"ciphertext"`
	Timestamp     int64  `json:"timestamp"`
	DeviceName    string `json:"deviceName"`
	Version       int64  `json:"version"`
	IntegrityHash string `json:"integrityHash,omitempty"`
}

// Validate checks the record against the storage boundary rules.
func (r Record) Validate() error {
	if _, err := ParseID(r.RoomID); err != nil {
		return err
	}
	if r.Ciphertext == "" {
		return fmt.Errorf("%w: empty ciphertext", ErrInvalidRecord)
	}
	if r.Timestamp <= 0 {
		return fmt.Errorf("%w: timestamp must be positive", ErrInvalidRecord)
	}
	return nil
}

// LogEntry is one discrete edit operation in a room's bounded append-only log.
type LogEntry struct {
	ID        string        `json:"id"`
	RoomID    string        `json:"roomId"`
	Type      OperationType `json:"type"`
	Position  int           `json:"position"`
	Content   string        `json:"content,omitempty"`
	Length    int           `json:"length,omitempty"`
	Timestamp int64         `json:"timestamp"`
	DeviceID  string        `json:"deviceId"`
	Version   int64         `json:"version"`
}

// Validate checks the entry against the storage boundary rules.
func (e LogEntry) Validate() error {
	if _, err := ParseID(e.RoomID); err != nil {
		return err
	}
	switch e.Type {
	case OperationTypeInsert, OperationTypeDelete, OperationTypeReplace:
	default:
		return fmt.Errorf("%w: unknown operation type %q", ErrInvalidLogEntry, e.Type)
	}
	if e.Position < 0 {
		return fmt.Errorf("%w: negative position", ErrInvalidLogEntry)
	}
	if e.Timestamp <= 0 {
		return fmt.Errorf("%w: timestamp must be positive", ErrInvalidLogEntry)
	}
	if e.Version < 0 {
		return fmt.Errorf("%w: negative version", ErrInvalidLogEntry)
	}
	return nil
}
