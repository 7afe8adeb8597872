package relay

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/veilsync/veilsync/internal/chunk"
	"github.com/veilsync/veilsync/internal/room"
)

type memoryPersistence struct {
	mu      sync.Mutex
	records map[string]room.Record
	log     []room.LogEntry
	saveErr error
	getErr  error
}

func newMemoryPersistence() *memoryPersistence {
	return &memoryPersistence{records: make(map[string]room.Record)}
}

func (p *memoryPersistence) SaveRoom(_ context.Context, record room.Record) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.saveErr != nil {
		return p.saveErr
	}
	p.records[record.RoomID] = record
	return nil
}

func (p *memoryPersistence) GetRoom(_ context.Context, roomID string) (*room.Record, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.getErr != nil {
		return nil, p.getErr
	}
	record, ok := p.records[roomID]
	if !ok {
		return nil, nil
	}
	return &record, nil
}

func (p *memoryPersistence) AppendLog(_ context.Context, entry room.LogEntry) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.saveErr != nil {
		return p.saveErr
	}
	p.log = append(p.log, entry)
	return nil
}

func (p *memoryPersistence) logEntries() []room.LogEntry {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]room.LogEntry(nil), p.log...)
}

func newTestHub(t *testing.T, persistence Persistence) *Hub {
	t.Helper()
	hub := NewHub(HubConfig{Persistence: persistence})
	t.Cleanup(hub.Close)
	return hub
}

func receiveEnvelope(t *testing.T, session *Session, messageType string) Envelope {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case envelope := <-session.Out:
			if envelope.Type == messageType {
				return envelope
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s", messageType)
		}
	}
}

func expectNoEnvelope(t *testing.T, session *Session, messageType string) {
	t.Helper()
	for {
		select {
		case envelope := <-session.Out:
			if envelope.Type == messageType {
				t.Fatalf("unexpected %s frame: %+v", messageType, envelope)
			}
		default:
			return
		}
	}
}

func TestJoinRejectsInvalidRoomID(t *testing.T) {
	hub := newTestHub(t, nil)
	session := hub.Register("laptop")

	if err := hub.HandleJoin(session, "short", "laptop"); !errors.Is(err, room.ErrInvalidRoomID) {
		t.Fatalf("expected ErrInvalidRoomID, got %v", err)
	}
	envelope := receiveEnvelope(t, session, MessageError)
	if envelope.Message == "" {
		t.Fatalf("expected error message")
	}
	if hub.ConnectionCount() != 0 {
		t.Fatalf("rejected join must not create membership")
	}
}

func TestJoinDeliversPersistedRecordAndRoomInfo(t *testing.T) {
	persistence := newMemoryPersistence()
	persistence.records["abcdefghij"] = room.Record{
		RoomID:     "abcdefghij",
		Ciphertext: "stored-blob",
		Timestamp:  1700000000000,
		DeviceName: "phone",
		Version:    4,
	}
	hub := newTestHub(t, persistence)

	session := hub.Register("laptop")
	if err := hub.HandleJoin(session, "abcdefghij", "laptop"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	sync := receiveEnvelope(t, session, MessageSyncUpdate)
	if sync.Ciphertext != "stored-blob" || sync.DeviceName != "phone" || sync.Version != 4 {
		t.Fatalf("unexpected sync-update: %+v", sync)
	}

	info := receiveEnvelope(t, session, MessageRoomInfo)
	if info.RoomSize != 1 || len(info.Members) != 1 {
		t.Fatalf("unexpected room-info: %+v", info)
	}
	if info.Members[0].Name != "laptop" || info.Members[0].Status != "active" {
		t.Fatalf("unexpected member entry: %+v", info.Members[0])
	}
}

func TestJoinFallsBackToCacheWhenPersistenceFails(t *testing.T) {
	persistence := newMemoryPersistence()
	hub := newTestHub(t, persistence)

	// Seed the cache through a push from another device.
	pusher := hub.Register("phone")
	if err := hub.HandleJoin(pusher, "abcdefghij", "phone"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := hub.HandlePush(pusher, Envelope{
		Type:          MessagePushUpdate,
		RoomID:        "abcdefghij",
		EncryptedData: "cached-blob",
		Timestamp:     1700000000000,
	}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	persistence.mu.Lock()
	persistence.getErr = errors.New("backend down")
	persistence.mu.Unlock()

	joiner := hub.Register("tablet")
	if err := hub.HandleJoin(joiner, "abcdefghij", "tablet"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	sync := receiveEnvelope(t, joiner, MessageSyncUpdate)
	if sync.Ciphertext != "cached-blob" {
		t.Fatalf("expected cache fallback, got %+v", sync)
	}
}

func TestRejoinLeavesOldRoom(t *testing.T) {
	hub := newTestHub(t, nil)

	stayer := hub.Register("stayer")
	mover := hub.Register("mover")
	if err := hub.HandleJoin(stayer, "first-room-1", "stayer"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := hub.HandleJoin(mover, "first-room-1", "mover"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	receiveEnvelope(t, stayer, MessageRoomInfo)

	if err := hub.HandleJoin(mover, "second-room-1", "mover"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// The old room's member list shrinks back to one.
	info := receiveEnvelope(t, stayer, MessageRoomInfo)
	for info.RoomSize != 1 {
		info = receiveEnvelope(t, stayer, MessageRoomInfo)
	}
	if mover.Room() != "second-room-1" {
		t.Fatalf("mover in room %q", mover.Room())
	}
	if hub.RoomCount() != 2 {
		t.Fatalf("expected 2 rooms, got %d", hub.RoomCount())
	}
}

func TestPushRequiresMembership(t *testing.T) {
	hub := newTestHub(t, nil)
	outsider := hub.Register("outsider")

	err := hub.HandlePush(outsider, Envelope{
		Type:          MessagePushUpdate,
		RoomID:        "abcdefghij",
		EncryptedData: "blob",
		Timestamp:     1700000000000,
	})
	if !errors.Is(err, ErrNotAMember) {
		t.Fatalf("expected ErrNotAMember, got %v", err)
	}
	receiveEnvelope(t, outsider, MessageError)

	// Joined to a different room than the one claimed.
	if err := hub.HandleJoin(outsider, "other-room-1", "outsider"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	err = hub.HandlePush(outsider, Envelope{
		Type:          MessagePushUpdate,
		RoomID:        "abcdefghij",
		EncryptedData: "blob",
		Timestamp:     1700000000000,
	})
	if !errors.Is(err, ErrNotAMember) {
		t.Fatalf("expected ErrNotAMember, got %v", err)
	}
}

func TestPushBroadcastsToPeersAndAcksSender(t *testing.T) {
	persistence := newMemoryPersistence()
	hub := newTestHub(t, persistence)

	deviceA := hub.Register("A")
	deviceB := hub.Register("B")
	if err := hub.HandleJoin(deviceA, "abcdefghij", "A"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := hub.HandleJoin(deviceB, "abcdefghij", "B"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if err := hub.HandlePush(deviceA, Envelope{
		Type:          MessagePushUpdate,
		RoomID:        "abcdefghij",
		EncryptedData: "hello-cipher",
		Timestamp:     1700000000000,
	}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	update := receiveEnvelope(t, deviceB, MessageSyncUpdate)
	if update.Ciphertext != "hello-cipher" || update.DeviceName != "A" {
		t.Fatalf("unexpected broadcast: %+v", update)
	}

	ack := receiveEnvelope(t, deviceA, MessageUpdateAck)
	if ack.Success == nil || !*ack.Success || ack.Timestamp != 1700000000000 {
		t.Fatalf("unexpected ack: %+v", ack)
	}
	expectNoEnvelope(t, deviceA, MessageSyncUpdate)

	// Late joiner C receives the same update from persisted state even if A
	// is gone.
	hub.HandleDisconnect(deviceA)
	waitForPersist(t, persistence, "abcdefghij")

	deviceC := hub.Register("C")
	if err := hub.HandleJoin(deviceC, "abcdefghij", "C"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	late := receiveEnvelope(t, deviceC, MessageSyncUpdate)
	if late.Ciphertext != "hello-cipher" || late.DeviceName != "A" {
		t.Fatalf("unexpected late sync: %+v", late)
	}

	var entries []room.LogEntry
	deadline := time.Now().Add(2 * time.Second)
	for len(entries) == 0 && time.Now().Before(deadline) {
		entries = persistence.logEntries()
		time.Sleep(10 * time.Millisecond)
	}
	if len(entries) != 1 {
		t.Fatalf("expected one log entry, got %d", len(entries))
	}
	if entries[0].Type != room.OperationTypeReplace || entries[0].Content != "hello-cipher" || entries[0].Version != 1 {
		t.Fatalf("unexpected log entry: %+v", entries[0])
	}
}

func TestPushVersionContinuesFromPersistedRecord(t *testing.T) {
	persistence := newMemoryPersistence()
	persistence.records["abcdefghij"] = room.Record{
		RoomID:     "abcdefghij",
		Ciphertext: "old-cipher",
		Timestamp:  1700000000000,
		DeviceName: "A",
		Version:    5,
	}

	// A fresh hub has an empty cache, as after a relay restart.
	hub := newTestHub(t, persistence)

	deviceA := hub.Register("A")
	deviceB := hub.Register("B")
	if err := hub.HandleJoin(deviceA, "abcdefghij", "A"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := hub.HandleJoin(deviceB, "abcdefghij", "B"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// Both joiners receive the persisted record first.
	initialA := receiveEnvelope(t, deviceA, MessageSyncUpdate)
	initialB := receiveEnvelope(t, deviceB, MessageSyncUpdate)
	if initialA.Version != 5 || initialB.Version != 5 {
		t.Fatalf("expected version 5 on join, got %d and %d", initialA.Version, initialB.Version)
	}

	if err := hub.HandlePush(deviceA, Envelope{
		Type:          MessagePushUpdate,
		RoomID:        "abcdefghij",
		EncryptedData: "new-cipher",
		Timestamp:     1700000001000,
	}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	update := receiveEnvelope(t, deviceB, MessageSyncUpdate)
	if update.Ciphertext != "new-cipher" || update.Version != 6 {
		t.Fatalf("expected version 6 broadcast, got %+v", update)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if record, _ := persistence.GetRoom(context.Background(), "abcdefghij"); record != nil && record.Version == 6 {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("persisted record never reached version 6")
}

func TestPushPersistFailureStillBroadcasts(t *testing.T) {
	persistence := newMemoryPersistence()
	persistence.saveErr = errors.New("disk gone")

	var wg sync.WaitGroup
	wg.Add(1)
	var failedRoom string
	hub := NewHub(HubConfig{
		Persistence: persistence,
		OnPersistError: func(roomID string, _ error) {
			failedRoom = roomID
			wg.Done()
		},
	})
	t.Cleanup(hub.Close)

	deviceA := hub.Register("A")
	deviceB := hub.Register("B")
	_ = hub.HandleJoin(deviceA, "abcdefghij", "A")
	_ = hub.HandleJoin(deviceB, "abcdefghij", "B")

	if err := hub.HandlePush(deviceA, Envelope{
		Type:          MessagePushUpdate,
		RoomID:        "abcdefghij",
		EncryptedData: "blob",
		Timestamp:     1700000000000,
	}); err != nil {
		t.Fatalf("push must not fail on persistence error: %v", err)
	}

	receiveEnvelope(t, deviceB, MessageSyncUpdate)
	wg.Wait()
	if failedRoom != "abcdefghij" {
		t.Fatalf("unexpected failed room %q", failedRoom)
	}
}

func TestChunkedPushReassemblesBeforeBroadcast(t *testing.T) {
	hub := newTestHub(t, nil)

	deviceA := hub.Register("A")
	deviceB := hub.Register("B")
	_ = hub.HandleJoin(deviceA, "abcdefghij", "A")
	_ = hub.HandleJoin(deviceB, "abcdefghij", "B")

	payload := "0123456789abcdef0123456789abcdef"
	chunks := chunk.Split(payload, 10)
	for _, c := range chunks {
		index := c.Index
		total := c.Total
		if err := hub.HandlePush(deviceA, Envelope{
			Type:          MessagePushUpdate,
			RoomID:        "abcdefghij",
			EncryptedData: c.Data,
			Timestamp:     1700000000000,
			ChunkIndex:    &index,
			TotalChunks:   &total,
		}); err != nil {
			t.Fatalf("unexpected error on chunk %d: %v", c.Index, err)
		}
	}

	update := receiveEnvelope(t, deviceB, MessageSyncUpdate)
	if update.Ciphertext != payload {
		t.Fatalf("reassembled payload mismatch: %q", update.Ciphertext)
	}
	expectNoEnvelope(t, deviceB, MessageSyncUpdate)
}

func TestRequestSyncRepliesWithCurrentRecord(t *testing.T) {
	persistence := newMemoryPersistence()
	persistence.records["abcdefghij"] = room.Record{
		RoomID:     "abcdefghij",
		Ciphertext: "current",
		Timestamp:  1700000000000,
		DeviceName: "phone",
		Version:    1,
	}
	hub := newTestHub(t, persistence)

	session := hub.Register("laptop")
	_ = hub.HandleJoin(session, "abcdefghij", "laptop")
	receiveEnvelope(t, session, MessageSyncUpdate)

	if err := hub.HandleRequestSync(session, "abcdefghij"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	sync := receiveEnvelope(t, session, MessageSyncUpdate)
	if sync.Ciphertext != "current" {
		t.Fatalf("unexpected sync reply: %+v", sync)
	}

	if err := hub.HandleRequestSync(session, "other-room-1"); !errors.Is(err, ErrNotAMember) {
		t.Fatalf("expected ErrNotAMember, got %v", err)
	}
}

func TestDisconnectRemovesMembershipAndRebroadcasts(t *testing.T) {
	hub := newTestHub(t, nil)

	deviceA := hub.Register("A")
	deviceB := hub.Register("B")
	_ = hub.HandleJoin(deviceA, "abcdefghij", "A")
	_ = hub.HandleJoin(deviceB, "abcdefghij", "B")
	receiveEnvelope(t, deviceA, MessageRoomInfo)

	hub.HandleDisconnect(deviceB)

	info := receiveEnvelope(t, deviceA, MessageRoomInfo)
	for info.RoomSize != 1 {
		info = receiveEnvelope(t, deviceA, MessageRoomInfo)
	}
	if hub.ConnectionCount() != 1 {
		t.Fatalf("expected one connection, got %d", hub.ConnectionCount())
	}
}

func waitForPersist(t *testing.T, persistence *memoryPersistence, roomID string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		persistence.mu.Lock()
		_, ok := persistence.records[roomID]
		persistence.mu.Unlock()
		if ok {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("record for %s never persisted", roomID)
}
