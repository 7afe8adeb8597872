package localstore

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	keyNotebook      = "nb/"
	keyNote          = "note/"
	keyNotebookNotes = "nbnotes/"
	keyHistory       = "hist/"
	keyPending       = "pend/"
	keyPendingByID   = "pendid/"
	keyPendingSeq    = "meta/pendseq"
)

// Options tunes a store; zero values select defaults.
type Options struct {
	HistoryCap int
	Clock      func() time.Time
	NewID      func() string
}

// newUUIDv7 returns a time-sortable id.
func newUUIDv7() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

func (o Options) withDefaults() Options {
	if o.HistoryCap <= 0 {
		o.HistoryCap = DefaultHistoryCap
	}
	if o.Clock == nil {
		o.Clock = time.Now
	}
	if o.NewID == nil {
		o.NewID = newUUIDv7
	}
	return o
}

// kvStore implements the Store contract over any ordered key-value backend,
// so badger and the file fallback produce identical data outcomes.
type kvStore struct {
	mu   sync.Mutex
	kv   keyValue
	opts Options
}

func newKVStore(kv keyValue, opts Options) *kvStore {
	return &kvStore{kv: kv, opts: opts.withDefaults()}
}

// SaveNotebook stamps timestamps and persists the notebook.
func (s *kvStore) SaveNotebook(notebook Notebook) (Notebook, error) {
	if strings.TrimSpace(notebook.ID) == "" {
		return Notebook{}, fmt.Errorf("%w: notebook id is required", ErrValidation)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.opts.Clock().UnixMilli()
	existing, found, err := getJSON[Notebook](s.kv, keyNotebook+notebook.ID)
	if err != nil {
		return Notebook{}, err
	}
	if found {
		notebook.CreatedAt = existing.CreatedAt
	} else if notebook.CreatedAt == 0 {
		notebook.CreatedAt = now
	}
	notebook.UpdatedAt = now

	if err := setJSON(s.kv, keyNotebook+notebook.ID, notebook); err != nil {
		return Notebook{}, err
	}
	return notebook, nil
}

// GetNotebook returns the notebook or ErrNotFound.
func (s *kvStore) GetNotebook(id string) (Notebook, error) {
	notebook, found, err := getJSON[Notebook](s.kv, keyNotebook+id)
	if err != nil {
		return Notebook{}, err
	}
	if !found {
		return Notebook{}, fmt.Errorf("%w: notebook %s", ErrNotFound, id)
	}
	return notebook, nil
}

// ListNotebooks returns every notebook, newest activity first.
func (s *kvStore) ListNotebooks() ([]Notebook, error) {
	var notebooks []Notebook
	err := s.kv.scan(keyNotebook, func(_ string, value []byte) error {
		var notebook Notebook
		if err := json.Unmarshal(value, &notebook); err != nil {
			return err
		}
		notebooks = append(notebooks, notebook)
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(notebooks, func(i, j int) bool {
		return notebooks[i].UpdatedAt > notebooks[j].UpdatedAt
	})
	return notebooks, nil
}

// DeleteNotebook removes the notebook, its notes, their history, and any
// pending operations referencing it.
func (s *kvStore) DeleteNotebook(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var noteIDs []string
	indexPrefix := keyNotebookNotes + id + "/"
	err := s.kv.scan(indexPrefix, func(key string, _ []byte) error {
		noteIDs = append(noteIDs, strings.TrimPrefix(key, indexPrefix))
		return nil
	})
	if err != nil {
		return err
	}

	for _, noteID := range noteIDs {
		if err := s.kv.delete(keyNote + noteID); err != nil {
			return err
		}
		if err := s.kv.delete(keyHistory + noteID); err != nil {
			return err
		}
		if err := s.kv.delete(indexPrefix + noteID); err != nil {
			return err
		}
	}

	var stale []PendingOperation
	err = s.kv.scan(keyPending, func(_ string, value []byte) error {
		var op PendingOperation
		if err := json.Unmarshal(value, &op); err != nil {
			return err
		}
		if op.NotebookID == id {
			stale = append(stale, op)
		}
		return nil
	})
	if err != nil {
		return err
	}
	for _, op := range stale {
		if err := s.deletePendingLocked(op.ID); err != nil {
			return err
		}
	}

	return s.kv.delete(keyNotebook + id)
}

// SaveNote validates the note, bumps its version, and persists it.
func (s *kvStore) SaveNote(notebookID string, note Note) (Note, error) {
	if strings.TrimSpace(note.ID) == "" {
		return Note{}, fmt.Errorf("%w: note id is required", ErrValidation)
	}
	if strings.TrimSpace(notebookID) == "" {
		return Note{}, fmt.Errorf("%w: notebook id is required", ErrValidation)
	}
	if note.Content == "" && note.Title == "" {
		return Note{}, fmt.Errorf("%w: note needs content or title", ErrValidation)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.opts.Clock().UnixMilli()
	existing, found, err := getJSON[Note](s.kv, keyNote+note.ID)
	if err != nil {
		return Note{}, err
	}
	if found {
		note.Version = existing.Version + 1
		note.CreatedAt = existing.CreatedAt
		if existing.NotebookID != notebookID {
			// The note moved; drop the stale index entry.
			if err := s.kv.delete(keyNotebookNotes + existing.NotebookID + "/" + note.ID); err != nil {
				return Note{}, err
			}
		}
	} else {
		if note.Version <= 0 {
			note.Version = 1
		}
		if note.CreatedAt == 0 {
			note.CreatedAt = now
		}
	}
	note.NotebookID = notebookID
	note.UpdatedAt = now

	if err := setJSON(s.kv, keyNote+note.ID, note); err != nil {
		return Note{}, err
	}
	if err := s.kv.set(keyNotebookNotes+notebookID+"/"+note.ID, []byte{}); err != nil {
		return Note{}, err
	}
	return note, nil
}

// GetNote returns the note or ErrNotFound.
func (s *kvStore) GetNote(id string) (Note, error) {
	note, found, err := getJSON[Note](s.kv, keyNote+id)
	if err != nil {
		return Note{}, err
	}
	if !found {
		return Note{}, fmt.Errorf("%w: note %s", ErrNotFound, id)
	}
	return note, nil
}

// ListNotes returns the notebook's notes sorted by UpdatedAt descending.
func (s *kvStore) ListNotes(notebookID string) ([]Note, error) {
	indexPrefix := keyNotebookNotes + notebookID + "/"
	var notes []Note
	err := s.kv.scan(indexPrefix, func(key string, _ []byte) error {
		noteID := strings.TrimPrefix(key, indexPrefix)
		note, found, err := getJSON[Note](s.kv, keyNote+noteID)
		if err != nil {
			return err
		}
		if found {
			notes = append(notes, note)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(notes, func(i, j int) bool {
		return notes[i].UpdatedAt > notes[j].UpdatedAt
	})
	return notes, nil
}

// DeleteNote removes the note, its history, and its notebook index entry.
func (s *kvStore) DeleteNote(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	note, found, err := getJSON[Note](s.kv, keyNote+id)
	if err != nil {
		return err
	}
	if !found {
		return nil
	}
	if err := s.kv.delete(keyNotebookNotes + note.NotebookID + "/" + id); err != nil {
		return err
	}
	if err := s.kv.delete(keyHistory + id); err != nil {
		return err
	}
	return s.kv.delete(keyNote + id)
}

// SaveHistory prepends the entry and trims the note's history to the cap.
func (s *kvStore) SaveHistory(entry HistoryEntry) error {
	if strings.TrimSpace(entry.NoteID) == "" {
		return fmt.Errorf("%w: history entry needs a note id", ErrValidation)
	}
	if entry.ID == "" {
		entry.ID = s.opts.NewID()
	}
	if entry.Timestamp == 0 {
		entry.Timestamp = s.opts.Clock().UnixMilli()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	entries, _, err := getJSON[[]HistoryEntry](s.kv, keyHistory+entry.NoteID)
	if err != nil {
		return err
	}
	entries = append([]HistoryEntry{entry}, entries...)
	if len(entries) > s.opts.HistoryCap {
		entries = entries[:s.opts.HistoryCap]
	}
	return setJSON(s.kv, keyHistory+entry.NoteID, entries)
}

// GetHistory returns at most HistoryCap entries, most recent first.
func (s *kvStore) GetHistory(noteID string) ([]HistoryEntry, error) {
	entries, _, err := getJSON[[]HistoryEntry](s.kv, keyHistory+noteID)
	if err != nil {
		return nil, err
	}
	return entries, nil
}

// EnqueuePending assigns an id and timestamp if absent and appends the
// operation to the queue.
func (s *kvStore) EnqueuePending(op PendingOperation) (PendingOperation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if op.ID == "" {
		op.ID = s.opts.NewID()
	}
	if op.Timestamp == 0 {
		op.Timestamp = s.opts.Clock().UnixMilli()
	}
	op.Retries = 0

	seq, err := s.nextPendingSeqLocked()
	if err != nil {
		return PendingOperation{}, err
	}
	seqKey := fmt.Sprintf("%s%020d", keyPending, seq)
	if err := setJSON(s.kv, seqKey, op); err != nil {
		return PendingOperation{}, err
	}
	if err := s.kv.set(keyPendingByID+op.ID, []byte(seqKey)); err != nil {
		return PendingOperation{}, err
	}
	return op, nil
}

// ListPending returns queued operations in enqueue order.
func (s *kvStore) ListPending() ([]PendingOperation, error) {
	var ops []PendingOperation
	err := s.kv.scan(keyPending, func(_ string, value []byte) error {
		var op PendingOperation
		if err := json.Unmarshal(value, &op); err != nil {
			return err
		}
		ops = append(ops, op)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return ops, nil
}

// UpdatePending re-persists an operation in place, keeping its queue slot.
func (s *kvStore) UpdatePending(op PendingOperation) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	seqKey, found, err := s.kv.get(keyPendingByID + op.ID)
	if err != nil {
		return err
	}
	if !found {
		return fmt.Errorf("%w: pending operation %s", ErrNotFound, op.ID)
	}
	return setJSON(s.kv, string(seqKey), op)
}

// DeletePending removes an operation from the queue by id.
func (s *kvStore) DeletePending(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.deletePendingLocked(id)
}

func (s *kvStore) deletePendingLocked(id string) error {
	seqKey, found, err := s.kv.get(keyPendingByID + id)
	if err != nil {
		return err
	}
	if !found {
		return nil
	}
	if err := s.kv.delete(string(seqKey)); err != nil {
		return err
	}
	return s.kv.delete(keyPendingByID + id)
}

// Close flushes and releases the backing store.
func (s *kvStore) Close() error {
	return s.kv.close()
}

func (s *kvStore) nextPendingSeqLocked() (uint64, error) {
	raw, found, err := s.kv.get(keyPendingSeq)
	if err != nil {
		return 0, err
	}
	var seq uint64
	if found {
		seq, err = strconv.ParseUint(string(raw), 10, 64)
		if err != nil {
			return 0, fmt.Errorf("localstore: corrupt pending sequence: %w", err)
		}
	}
	seq++
	if err := s.kv.set(keyPendingSeq, []byte(strconv.FormatUint(seq, 10))); err != nil {
		return 0, err
	}
	return seq, nil
}

func getJSON[T any](kv keyValue, key string) (T, bool, error) {
	var zero T
	raw, found, err := kv.get(key)
	if err != nil || !found {
		return zero, found, err
	}
	var value T
	if err := json.Unmarshal(raw, &value); err != nil {
		return zero, false, err
	}
	return value, true, nil
}

func setJSON(kv keyValue, key string, value any) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return err
	}
	return kv.set(key, raw)
}
