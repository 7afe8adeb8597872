// Package localstore is the client's versioned durable store for notebooks,
// notes, history, and the pending-operation queue. Two interchangeable
// backends satisfy one contract: an indexed binary store (badger) and a flat
// key-value file fallback.
package localstore

import "errors"

// DefaultHistoryCap bounds how many history entries are kept per note.
const DefaultHistoryCap = 100

var (
	// ErrValidation indicates a record missing required fields.
	ErrValidation = errors.New("localstore: validation failed")
	// ErrNotFound indicates the requested record does not exist.
	ErrNotFound = errors.New("localstore: not found")
	// ErrQuotaExceeded indicates local storage is full; the caller should
	// surface this to the user rather than retry.
	ErrQuotaExceeded = errors.New("localstore: storage quota exceeded")
)

// Notebook is an independent unit of sharing and encryption.
type Notebook struct {
	ID            string `json:"id"`
	Name          string `json:"name"`
	Mnemonic      string `json:"mnemonic,omitempty"`
	EncryptionKey string `json:"encryptionKey,omitempty"`
	RoomID        string `json:"roomId,omitempty"`
	CreatedAt     int64  `json:"createdAt"`
	UpdatedAt     int64  `json:"updatedAt"`
}

// Note is one note inside a notebook. Version increases by exactly one on
// every successful save of an existing note.
type Note struct {
	ID         string   `json:"id"`
	NotebookID string   `json:"notebookId"`
	Title      string   `json:"title,omitempty"`
	Content    string   `json:"content,omitempty"`
	Tags       []string `json:"tags,omitempty"`
	Version    int64    `json:"version"`
	CreatedAt  int64    `json:"createdAt"`
	UpdatedAt  int64    `json:"updatedAt"`
}

// HistoryEntry is one saved revision of a note, bounded per note.
type HistoryEntry struct {
	ID         string `json:"id"`
	NoteID     string `json:"noteId"`
	Content    string `json:"content"`
	Version    int64  `json:"version"`
	Timestamp  int64  `json:"timestamp"`
	DeviceName string `json:"deviceName,omitempty"`
}

// PendingOperationType enumerates queued offline operations.
type PendingOperationType string

const (
	// PendingCreate queues a note creation.
	PendingCreate PendingOperationType = "create"
	// PendingUpdate queues a note update.
	PendingUpdate PendingOperationType = "update"
	// PendingDelete queues a note deletion.
	PendingDelete PendingOperationType = "delete"
)

// PendingOperation lives only in the offline queue; it is removed on success
// or once retries reach the configured ceiling.
type PendingOperation struct {
	ID         string               `json:"id"`
	Type       PendingOperationType `json:"type"`
	NoteID     string               `json:"noteId,omitempty"`
	NotebookID string               `json:"notebookId,omitempty"`
	Data       string               `json:"data,omitempty"`
	Timestamp  int64                `json:"timestamp"`
	Retries    int                  `json:"retries"`
}

// Store is the contract both backends satisfy.
type Store interface {
	SaveNotebook(notebook Notebook) (Notebook, error)
	GetNotebook(id string) (Notebook, error)
	ListNotebooks() ([]Notebook, error)
	// DeleteNotebook cascades: the notebook, its notes, their history, and
	// any pending operations referencing it are all removed.
	DeleteNotebook(id string) error

	SaveNote(notebookID string, note Note) (Note, error)
	GetNote(id string) (Note, error)
	// ListNotes returns the notebook's notes sorted by UpdatedAt descending.
	ListNotes(notebookID string) ([]Note, error)
	DeleteNote(id string) error

	SaveHistory(entry HistoryEntry) error
	// GetHistory returns at most the configured cap of entries, most recent
	// first.
	GetHistory(noteID string) ([]HistoryEntry, error)

	EnqueuePending(op PendingOperation) (PendingOperation, error)
	// ListPending returns queued operations in enqueue order.
	ListPending() ([]PendingOperation, error)
	UpdatePending(op PendingOperation) error
	DeletePending(id string) error

	Close() error
}
