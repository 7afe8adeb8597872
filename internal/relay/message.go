// Package relay brokers opaque ciphertext between the devices joined to a
// room and keeps the latest payload durable through the persistence manager.
package relay

// Message types exchanged over the websocket, both directions.
const (
	MessageJoinChain   = "join-chain"
	MessagePushUpdate  = "push-update"
	MessageRequestSync = "request-sync"
	MessageSyncUpdate  = "sync-update"
	MessageRoomInfo    = "room-info"
	MessageUpdateAck   = "update-ack"
	MessageError       = "error"
)

// MemberInfo describes one connected device in a room-info broadcast.
type MemberInfo struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Status   string `json:"status"`
	JoinedAt int64  `json:"joinedAt"`
}

// Envelope is the single JSON frame shape used on the wire. Fields are
// populated per message type; unused ones are omitted.
type Envelope struct {
	Type          string       `json:"type"`
	RoomID        string       `json:"roomId,omitempty"`
	DeviceName    string       `json:"deviceName,omitempty"`
	EncryptedData string       `json:"encryptedData,omitempty"`
	Ciphertext    string       `json:"ciphertext,omitempty"`
	Timestamp     int64        `json:"timestamp,omitempty"`
	Version       int64        `json:"version,omitempty"`
	IntegrityHash string       `json:"integrityHash,omitempty"`
	ChunkIndex    *int         `json:"chunkIndex,omitempty"`
	TotalChunks   *int         `json:"totalChunks,omitempty"`
	Members       []MemberInfo `json:"members,omitempty"`
	RoomSize      int          `json:"roomSize,omitempty"`
	Success       *bool        `json:"success,omitempty"`
	Message       string       `json:"message,omitempty"`
}

func boolPtr(value bool) *bool {
	return &value
}
