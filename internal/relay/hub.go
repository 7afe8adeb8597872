package relay

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/veilsync/veilsync/internal/chunk"
	"github.com/veilsync/veilsync/internal/room"
)

const (
	sessionBufferSize = 32
	persistTimeout    = 10 * time.Second
	// ServerReassemblyTTL bounds how long the relay buffers an incomplete
	// chunked transfer before dropping it.
	ServerReassemblyTTL = 30 * time.Second
)

var (
	// ErrNotAMember indicates a push or sync request from a socket that is
	// not currently joined to the claimed room.
	ErrNotAMember = errors.New("relay: not a member of room")

	noOpLogger = zap.NewNop()
)

// Persistence is the slice of the storage manager the relay depends on.
type Persistence interface {
	SaveRoom(ctx context.Context, record room.Record) error
	GetRoom(ctx context.Context, roomID string) (*room.Record, error)
	AppendLog(ctx context.Context, entry room.LogEntry) error
}

// HubConfig configures a Hub.
type HubConfig struct {
	Persistence Persistence
	Logger      *zap.Logger
	Metrics     *Metrics
	Clock       func() time.Time
	// OnPersistError observes failed fire-and-forget writes; the broadcast
	// has already happened when it fires.
	OnPersistError func(roomID string, err error)
}

// Hub tracks which device sessions belong to which room and rebroadcasts
// pushed updates. All state is owned by the hub instance, so multiple hubs
// can run side by side in tests.
type Hub struct {
	mu      sync.RWMutex
	members map[string]map[int64]*Session
	cache   map[string]room.Record
	nextID  int64

	reassembler *chunk.Reassembler
	persistence Persistence
	logger      *zap.Logger
	metrics     *Metrics
	clock       func() time.Time
	onPersist   func(roomID string, err error)

	stopOnce sync.Once
	stopCh   chan struct{}
}

// Session is one connected device socket. Frames for the device are queued
// on Out; a full queue drops frames rather than blocking the hub.
type Session struct {
	ID         int64
	DeviceName string
	Out        chan Envelope

	mu       sync.Mutex
	roomID   string
	joinedAt int64
}

// Room returns the room this session is currently joined to, if any.
func (s *Session) Room() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.roomID
}

func (s *Session) setRoom(roomID string, joinedAt int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.roomID = roomID
	s.joinedAt = joinedAt
}

func (s *Session) send(envelope Envelope) {
	select {
	case s.Out <- envelope:
	default:
	}
}

// NewHub constructs a Hub and starts its reassembly janitor.
func NewHub(cfg HubConfig) *Hub {
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}

	h := &Hub{
		members:     make(map[string]map[int64]*Session),
		cache:       make(map[string]room.Record),
		reassembler: chunk.NewReassembler(chunk.WithTTL(ServerReassemblyTTL)),
		persistence: cfg.Persistence,
		logger:      logger,
		metrics:     cfg.Metrics,
		clock:       clock,
		onPersist:   cfg.OnPersistError,
		stopCh:      make(chan struct{}),
	}
	go h.janitor()
	return h
}

// Register creates a session for a newly accepted connection.
func (h *Hub) Register(deviceName string) *Session {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.nextID++
	return &Session{
		ID:         h.nextID,
		DeviceName: deviceName,
		Out:        make(chan Envelope, sessionBufferSize),
	}
}

// HandleJoin moves the session into the requested room. A session already in
// another room leaves it first, and that room's member list is rebroadcast.
// The joiner receives the current room record, when one exists.
func (h *Hub) HandleJoin(session *Session, rawRoomID, deviceName string) error {
	roomID, err := room.ParseID(rawRoomID)
	if err != nil {
		h.reject(session, err)
		return err
	}
	if deviceName != "" {
		session.DeviceName = deviceName
	}

	previous := session.Room()
	if previous != "" && previous != roomID.String() {
		h.leaveRoom(session, previous)
	}

	now := h.clock().UnixMilli()
	h.mu.Lock()
	roomMembers, ok := h.members[roomID.String()]
	if !ok {
		roomMembers = make(map[int64]*Session)
		h.members[roomID.String()] = roomMembers
	}
	roomMembers[session.ID] = session
	h.mu.Unlock()
	session.setRoom(roomID.String(), now)

	if record := h.currentRecord(roomID.String()); record != nil {
		session.send(syncUpdateEnvelope(*record))
	}
	h.broadcastRoomInfo(roomID.String())
	return nil
}

// HandlePush validates membership, reassembles chunked payloads, stores the
// update, and rebroadcasts it to the other members of the room.
func (h *Hub) HandlePush(session *Session, envelope Envelope) error {
	roomID := session.Room()
	if roomID == "" || roomID != envelope.RoomID {
		err := fmt.Errorf("%w: %s", ErrNotAMember, envelope.RoomID)
		h.reject(session, err)
		return err
	}

	payload := envelope.EncryptedData
	if envelope.TotalChunks != nil && *envelope.TotalChunks > 1 {
		index := 0
		if envelope.ChunkIndex != nil {
			index = *envelope.ChunkIndex
		}
		transferID := fmt.Sprintf("%s:%d", roomID, session.ID)
		joined, done, err := h.reassembler.Add(transferID, chunk.Chunk{
			Index: index,
			Total: *envelope.TotalChunks,
			Data:  envelope.EncryptedData,
		})
		if err != nil {
			h.reject(session, err)
			return err
		}
		if !done {
			session.send(ackEnvelope(envelope.Timestamp, true))
			return nil
		}
		payload = joined
	}

	timestamp := envelope.Timestamp
	if timestamp <= 0 {
		timestamp = h.clock().UnixMilli()
	}

	h.warmCache(roomID)

	h.mu.Lock()
	version := h.cache[roomID].Version + 1
	record := room.Record{
		RoomID:        roomID,
		Ciphertext:    payload,
		Timestamp:     timestamp,
		DeviceName:    session.DeviceName,
		Version:       version,
		IntegrityHash: envelope.IntegrityHash,
	}
	h.cache[roomID] = record
	h.mu.Unlock()

	// Persistence is fire-and-forget: a slow or failing backend must not
	// hold up the broadcast. Failures stay observable through the callback
	// and the counter.
	go h.persist(record)

	h.broadcast(roomID, session.ID, syncUpdateEnvelope(record))
	session.send(ackEnvelope(timestamp, true))
	if h.metrics != nil {
		h.metrics.Pushes.Inc()
	}
	return nil
}

// HandleRequestSync replies with the current room record, if any.
func (h *Hub) HandleRequestSync(session *Session, rawRoomID string) error {
	roomID := session.Room()
	if roomID == "" || roomID != rawRoomID {
		err := fmt.Errorf("%w: %s", ErrNotAMember, rawRoomID)
		h.reject(session, err)
		return err
	}
	if record := h.currentRecord(roomID); record != nil {
		session.send(syncUpdateEnvelope(*record))
	}
	return nil
}

// HandleDisconnect removes the session from its room and rebroadcasts the
// member list.
func (h *Hub) HandleDisconnect(session *Session) {
	roomID := session.Room()
	if roomID == "" {
		return
	}
	h.leaveRoom(session, roomID)
	session.setRoom("", 0)
}

// ConnectionCount reports how many sessions are joined to any room.
func (h *Hub) ConnectionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	count := 0
	for _, roomMembers := range h.members {
		count += len(roomMembers)
	}
	return count
}

// RoomCount reports how many rooms have at least one member.
func (h *Hub) RoomCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.members)
}

// Close stops the reassembly janitor.
func (h *Hub) Close() {
	h.stopOnce.Do(func() { close(h.stopCh) })
}

func (h *Hub) leaveRoom(session *Session, roomID string) {
	h.mu.Lock()
	if roomMembers, ok := h.members[roomID]; ok {
		delete(roomMembers, session.ID)
		if len(roomMembers) == 0 {
			delete(h.members, roomID)
		}
	}
	h.mu.Unlock()
	h.broadcastRoomInfo(roomID)
}

// warmCache seeds the in-process cache from persisted state so that version
// numbering continues across relay restarts instead of resetting to 1.
func (h *Hub) warmCache(roomID string) {
	h.mu.RLock()
	_, cached := h.cache[roomID]
	h.mu.RUnlock()
	if cached || h.persistence == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	record, err := h.persistence.GetRoom(ctx, roomID)
	cancel()
	if err != nil {
		h.logger.Warn("cache warm lookup failed", zap.String("room_id", roomID), zap.Error(err))
		return
	}
	if record == nil {
		return
	}

	h.mu.Lock()
	if _, ok := h.cache[roomID]; !ok {
		h.cache[roomID] = *record
	}
	h.mu.Unlock()
}

// currentRecord prefers persisted state and falls back to the in-process
// cache when persistence is unavailable or has nothing.
func (h *Hub) currentRecord(roomID string) *room.Record {
	if h.persistence != nil {
		ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
		record, err := h.persistence.GetRoom(ctx, roomID)
		cancel()
		if err != nil {
			h.logger.Warn("persisted record lookup failed", zap.String("room_id", roomID), zap.Error(err))
		} else if record != nil {
			return record
		}
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	if cached, ok := h.cache[roomID]; ok {
		return &cached
	}
	return nil
}

func (h *Hub) persist(record room.Record) {
	if h.persistence == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()
	if err := h.persistence.SaveRoom(ctx, record); err != nil {
		h.logger.Warn("async persist failed", zap.String("room_id", record.RoomID), zap.Error(err))
		if h.metrics != nil {
			h.metrics.PersistFailures.Inc()
		}
		if h.onPersist != nil {
			h.onPersist(record.RoomID, err)
		}
		return
	}
	entry := room.LogEntry{
		ID:        uuid.NewString(),
		RoomID:    record.RoomID,
		Type:      room.OperationTypeReplace,
		Position:  0,
		Content:   record.Ciphertext,
		Length:    len(record.Ciphertext),
		Timestamp: record.Timestamp,
		DeviceID:  record.DeviceName,
		Version:   record.Version,
	}
	if err := h.persistence.AppendLog(ctx, entry); err != nil {
		h.logger.Warn("op log append failed", zap.String("room_id", record.RoomID), zap.Error(err))
	}
}

func (h *Hub) broadcast(roomID string, excludeID int64, envelope Envelope) {
	h.mu.RLock()
	recipients := make([]*Session, 0, len(h.members[roomID]))
	for id, member := range h.members[roomID] {
		if id == excludeID {
			continue
		}
		recipients = append(recipients, member)
	}
	h.mu.RUnlock()

	for _, member := range recipients {
		member.send(envelope)
	}
	if h.metrics != nil && len(recipients) > 0 {
		h.metrics.Broadcasts.Add(float64(len(recipients)))
	}
}

func (h *Hub) broadcastRoomInfo(roomID string) {
	h.mu.RLock()
	roomMembers := h.members[roomID]
	members := make([]MemberInfo, 0, len(roomMembers))
	recipients := make([]*Session, 0, len(roomMembers))
	for _, member := range roomMembers {
		member.mu.Lock()
		members = append(members, MemberInfo{
			ID:       fmt.Sprintf("%d", member.ID),
			Name:     member.DeviceName,
			Status:   "active",
			JoinedAt: member.joinedAt,
		})
		member.mu.Unlock()
		recipients = append(recipients, member)
	}
	h.mu.RUnlock()

	envelope := Envelope{
		Type:      MessageRoomInfo,
		RoomID:    roomID,
		Members:   members,
		RoomSize:  len(members),
		Timestamp: h.clock().UnixMilli(),
	}
	for _, member := range recipients {
		member.send(envelope)
	}
}

func (h *Hub) reject(session *Session, err error) {
	session.send(Envelope{Type: MessageError, Message: err.Error()})
	if h.metrics != nil {
		h.metrics.Rejections.Inc()
	}
}

func (h *Hub) janitor() {
	ticker := time.NewTicker(ServerReassemblyTTL)
	defer ticker.Stop()
	for {
		select {
		case <-h.stopCh:
			return
		case now := <-ticker.C:
			if dropped := h.reassembler.Prune(now); dropped > 0 {
				h.logger.Debug("incomplete transfers dropped", zap.Int("count", dropped))
			}
		}
	}
}

func syncUpdateEnvelope(record room.Record) Envelope {
	return Envelope{
		Type:          MessageSyncUpdate,
		RoomID:        record.RoomID,
		Ciphertext:    record.Ciphertext,
		Timestamp:     record.Timestamp,
		DeviceName:    record.DeviceName,
		Version:       record.Version,
		IntegrityHash: record.IntegrityHash,
	}
}

func ackEnvelope(timestamp int64, success bool) Envelope {
	return Envelope{Type: MessageUpdateAck, Timestamp: timestamp, Success: boolPtr(success)}
}
