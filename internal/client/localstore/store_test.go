package localstore

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// The same contract suite runs against both backends; callers must not be
// able to tell them apart by data outcomes.
func runBackends(t *testing.T, test func(t *testing.T, store *kvStore)) {
	t.Helper()

	backends := map[string]func(t *testing.T) keyValue{
		"badger": func(t *testing.T) keyValue {
			kv, err := openBadgerKV(t.TempDir())
			require.NoError(t, err)
			return kv
		},
		"file": func(t *testing.T) keyValue {
			kv, err := openFileKV(t.TempDir())
			require.NoError(t, err)
			return kv
		},
	}

	for name, open := range backends {
		t.Run(name, func(t *testing.T) {
			now := time.Unix(1700000000, 0)
			clock := func() time.Time {
				now = now.Add(time.Second)
				return now
			}
			store := newKVStore(open(t), Options{HistoryCap: 5, Clock: clock})
			t.Cleanup(func() { _ = store.Close() })
			test(t, store)
		})
	}
}

func TestNoteRoundTrip(t *testing.T) {
	runBackends(t, func(t *testing.T, store *kvStore) {
		saved, err := store.SaveNote("nb-1", Note{
			ID:      "note-1",
			Title:   "groceries",
			Content: "eggs, milk",
			Tags:    []string{"home", "todo"},
		})
		require.NoError(t, err)
		assert.Equal(t, int64(1), saved.Version)

		got, err := store.GetNote("note-1")
		require.NoError(t, err)
		assert.Equal(t, "note-1", got.ID)
		assert.Equal(t, "nb-1", got.NotebookID)
		assert.Equal(t, "groceries", got.Title)
		assert.Equal(t, "eggs, milk", got.Content)
		assert.Equal(t, []string{"home", "todo"}, got.Tags)
	})
}

func TestNoteVersionMonotonicity(t *testing.T) {
	runBackends(t, func(t *testing.T, store *kvStore) {
		for i := 1; i <= 7; i++ {
			saved, err := store.SaveNote("nb-1", Note{
				ID:      "note-1",
				Content: fmt.Sprintf("revision %d", i),
			})
			require.NoError(t, err)
			assert.Equal(t, int64(i), saved.Version, "save %d", i)
		}
	})
}

func TestSaveNoteValidation(t *testing.T) {
	runBackends(t, func(t *testing.T, store *kvStore) {
		_, err := store.SaveNote("nb-1", Note{Content: "no id"})
		assert.ErrorIs(t, err, ErrValidation)

		_, err = store.SaveNote("", Note{ID: "note-1", Content: "x"})
		assert.ErrorIs(t, err, ErrValidation)

		_, err = store.SaveNote("nb-1", Note{ID: "note-1"})
		assert.ErrorIs(t, err, ErrValidation)

		// Title alone is enough.
		_, err = store.SaveNote("nb-1", Note{ID: "note-1", Title: "only a title"})
		assert.NoError(t, err)
	})
}

func TestListNotesSortedByUpdatedAtDescending(t *testing.T) {
	runBackends(t, func(t *testing.T, store *kvStore) {
		for _, id := range []string{"note-a", "note-b", "note-c"} {
			_, err := store.SaveNote("nb-1", Note{ID: id, Content: id})
			require.NoError(t, err)
		}
		// Touch note-a so it becomes the most recent.
		_, err := store.SaveNote("nb-1", Note{ID: "note-a", Content: "touched"})
		require.NoError(t, err)

		notes, err := store.ListNotes("nb-1")
		require.NoError(t, err)
		require.Len(t, notes, 3)
		assert.Equal(t, "note-a", notes[0].ID)
		assert.Equal(t, "note-c", notes[1].ID)
		assert.Equal(t, "note-b", notes[2].ID)
	})
}

func TestHistoryBound(t *testing.T) {
	runBackends(t, func(t *testing.T, store *kvStore) {
		for i := 1; i <= 12; i++ {
			err := store.SaveHistory(HistoryEntry{
				NoteID:  "note-1",
				Content: fmt.Sprintf("revision %d", i),
				Version: int64(i),
			})
			require.NoError(t, err)
		}

		entries, err := store.GetHistory("note-1")
		require.NoError(t, err)
		require.Len(t, entries, 5)
		// Most recent first, and only the newest survive.
		for i, entry := range entries {
			assert.Equal(t, int64(12-i), entry.Version)
		}
	})
}

func TestDeleteNotebookCascades(t *testing.T) {
	runBackends(t, func(t *testing.T, store *kvStore) {
		_, err := store.SaveNotebook(Notebook{ID: "nb-1", Name: "work"})
		require.NoError(t, err)
		_, err = store.SaveNotebook(Notebook{ID: "nb-2", Name: "home"})
		require.NoError(t, err)

		for _, id := range []string{"note-1", "note-2"} {
			_, err = store.SaveNote("nb-1", Note{ID: id, Content: "x"})
			require.NoError(t, err)
			require.NoError(t, store.SaveHistory(HistoryEntry{NoteID: id, Content: "x", Version: 1}))
		}
		_, err = store.SaveNote("nb-2", Note{ID: "note-3", Content: "survives"})
		require.NoError(t, err)

		_, err = store.EnqueuePending(PendingOperation{Type: PendingUpdate, NoteID: "note-1", NotebookID: "nb-1"})
		require.NoError(t, err)
		_, err = store.EnqueuePending(PendingOperation{Type: PendingUpdate, NoteID: "note-3", NotebookID: "nb-2"})
		require.NoError(t, err)

		require.NoError(t, store.DeleteNotebook("nb-1"))

		_, err = store.GetNotebook("nb-1")
		assert.ErrorIs(t, err, ErrNotFound)
		for _, id := range []string{"note-1", "note-2"} {
			_, err = store.GetNote(id)
			assert.ErrorIs(t, err, ErrNotFound, "note %s should be gone", id)
			history, err := store.GetHistory(id)
			require.NoError(t, err)
			assert.Empty(t, history)
		}
		notes, err := store.ListNotes("nb-1")
		require.NoError(t, err)
		assert.Empty(t, notes)

		pending, err := store.ListPending()
		require.NoError(t, err)
		require.Len(t, pending, 1)
		assert.Equal(t, "nb-2", pending[0].NotebookID)

		// The other notebook is untouched.
		_, err = store.GetNote("note-3")
		assert.NoError(t, err)
	})
}

func TestPendingQueueOrderAndLifecycle(t *testing.T) {
	runBackends(t, func(t *testing.T, store *kvStore) {
		var ids []string
		for i := 0; i < 5; i++ {
			op, err := store.EnqueuePending(PendingOperation{
				Type:   PendingCreate,
				NoteID: fmt.Sprintf("note-%d", i),
			})
			require.NoError(t, err)
			require.NotEmpty(t, op.ID)
			assert.Zero(t, op.Retries)
			assert.NotZero(t, op.Timestamp)
			ids = append(ids, op.ID)
		}

		listed, err := store.ListPending()
		require.NoError(t, err)
		require.Len(t, listed, 5)
		for i, op := range listed {
			assert.Equal(t, ids[i], op.ID, "enqueue order must be preserved")
		}

		// Retry accounting keeps the queue slot.
		listed[0].Retries = 2
		require.NoError(t, store.UpdatePending(listed[0]))
		relisted, err := store.ListPending()
		require.NoError(t, err)
		assert.Equal(t, ids[0], relisted[0].ID)
		assert.Equal(t, 2, relisted[0].Retries)

		require.NoError(t, store.DeletePending(ids[0]))
		require.NoError(t, store.DeletePending(ids[0])) // idempotent
		final, err := store.ListPending()
		require.NoError(t, err)
		require.Len(t, final, 4)
		assert.Equal(t, ids[1], final[0].ID)
	})
}

func TestNotebookTimestamps(t *testing.T) {
	runBackends(t, func(t *testing.T, store *kvStore) {
		first, err := store.SaveNotebook(Notebook{ID: "nb-1", Name: "work"})
		require.NoError(t, err)
		second, err := store.SaveNotebook(Notebook{ID: "nb-1", Name: "renamed"})
		require.NoError(t, err)

		assert.Equal(t, first.CreatedAt, second.CreatedAt)
		assert.Greater(t, second.UpdatedAt, first.UpdatedAt)

		_, err = store.SaveNotebook(Notebook{Name: "missing id"})
		assert.ErrorIs(t, err, ErrValidation)
	})
}

func TestFileStoreSurvivesReopen(t *testing.T) {
	dir := t.TempDir()

	kv, err := openFileKV(dir)
	require.NoError(t, err)
	store := newKVStore(kv, Options{})
	_, err = store.SaveNote("nb-1", Note{ID: "note-1", Content: "persisted"})
	require.NoError(t, err)
	require.NoError(t, store.Close())

	reopened, err := openFileKV(dir)
	require.NoError(t, err)
	store = newKVStore(reopened, Options{})
	defer store.Close()

	note, err := store.GetNote("note-1")
	require.NoError(t, err)
	assert.Equal(t, "persisted", note.Content)
	assert.Equal(t, int64(1), note.Version)
}

func TestOpenPrefersBadger(t *testing.T) {
	store, err := Open(t.TempDir(), Options{}, nil)
	require.NoError(t, err)
	defer store.Close()

	if _, ok := store.(*kvStore); !ok {
		t.Fatalf("unexpected store type %T", store)
	}
	_, err = store.SaveNote("nb-1", Note{ID: "note-1", Content: "x"})
	require.NoError(t, err)
}
