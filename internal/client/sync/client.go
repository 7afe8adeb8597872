// Package sync connects a device to the relay, pushes encrypted payloads
// (chunking large ones), and resumes cleanly after reconnects by re-joining
// and draining the offline queue.
package sync

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/veilsync/veilsync/internal/chunk"
	"github.com/veilsync/veilsync/internal/client/localstore"
	"github.com/veilsync/veilsync/internal/client/offline"
	"github.com/veilsync/veilsync/internal/relay"
	"github.com/veilsync/veilsync/internal/room"
)

const (
	// ClientReassemblyTTL is the client-side window for incomplete chunked
	// transfers, deliberately longer than the server's.
	ClientReassemblyTTL = 5 * time.Minute

	// DefaultRetryInterval is the fixed delay between reconnect attempts
	// in Run.
	DefaultRetryInterval = 5 * time.Second

	defaultChunkSize = 64 * 1024
	writeTimeout     = 10 * time.Second
)

var (
	// ErrNotConnected indicates an operation attempted before Connect.
	ErrNotConnected = errors.New("sync: not connected")

	errMissingURL    = errors.New("sync: server url is required")
	errMissingDevice = errors.New("sync: device name is required")
)

// Update is delivered to the update handler for every sync-update received.
type Update struct {
	Ciphertext    string
	Timestamp     int64
	DeviceName    string
	Version       int64
	IntegrityHash string
}

// Config configures a Client.
type Config struct {
	// URL is the websocket endpoint, e.g. ws://host:8080/ws.
	URL        string
	RoomID     string
	DeviceName string
	ChunkSize  int
	// Queue, when set, is drained through Push after every successful join.
	Queue    *offline.Queue
	Logger   *zap.Logger
	OnUpdate func(Update)
	OnError  func(message string)
	Dialer   *websocket.Dialer
}

// Client is one device's connection to the relay.
type Client struct {
	url        string
	roomID     room.ID
	deviceName string
	chunkSize  int
	queue      *offline.Queue
	logger     *zap.Logger
	onUpdate   func(Update)
	onError    func(string)
	dialer     *websocket.Dialer

	reassembler *chunk.Reassembler

	mu     sync.Mutex
	conn   *websocket.Conn
	doneCh chan struct{}
	lostCh chan struct{}
}

// New validates the configuration and constructs a Client.
func New(cfg Config) (*Client, error) {
	if cfg.URL == "" {
		return nil, errMissingURL
	}
	if cfg.DeviceName == "" {
		return nil, errMissingDevice
	}
	roomID, err := room.ParseID(cfg.RoomID)
	if err != nil {
		return nil, err
	}

	chunkSize := cfg.ChunkSize
	if chunkSize <= 0 {
		chunkSize = defaultChunkSize
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	dialer := cfg.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}

	return &Client{
		url:         cfg.URL,
		roomID:      roomID,
		deviceName:  cfg.DeviceName,
		chunkSize:   chunkSize,
		queue:       cfg.Queue,
		logger:      logger,
		onUpdate:    cfg.OnUpdate,
		onError:     cfg.OnError,
		dialer:      dialer,
		reassembler: chunk.NewReassembler(chunk.WithTTL(ClientReassemblyTTL)),
	}, nil
}

// Connect dials the relay, joins the room, starts the read loop, and drains
// the offline queue. Calling Connect on a live client reconnects.
func (c *Client) Connect(ctx context.Context) error {
	c.closeConn()

	conn, resp, err := c.dialer.DialContext(ctx, c.url, nil)
	if err != nil {
		return fmt.Errorf("sync: dial failed: %w", err)
	}
	if resp != nil {
		resp.Body.Close()
	}

	c.mu.Lock()
	c.conn = conn
	c.doneCh = make(chan struct{})
	c.lostCh = make(chan struct{})
	done := c.doneCh
	lost := c.lostCh
	c.mu.Unlock()

	go c.readLoop(conn, done, lost)

	if err := c.writeEnvelope(relay.Envelope{
		Type:       relay.MessageJoinChain,
		RoomID:     c.roomID.String(),
		DeviceName: c.deviceName,
	}); err != nil {
		return err
	}
	c.logger.Debug("joined room", zap.String("room_id", c.roomID.String()))

	c.drainQueue(ctx)
	return nil
}

// Push encrypts nothing: payload is already ciphertext. Large payloads are
// split into chunked frames.
func (c *Client) Push(payload string) error {
	return c.PushRecord(payload, "")
}

// PushRecord pushes ciphertext together with its client-computed integrity
// hash. The relay stores and rebroadcasts the hash without inspecting it.
func (c *Client) PushRecord(payload, integrityHash string) error {
	timestamp := time.Now().UnixMilli()
	chunks := chunk.Split(payload, c.chunkSize)
	for _, fragment := range chunks {
		envelope := relay.Envelope{
			Type:          relay.MessagePushUpdate,
			RoomID:        c.roomID.String(),
			EncryptedData: fragment.Data,
			Timestamp:     timestamp,
			IntegrityHash: integrityHash,
		}
		if fragment.Total > 1 {
			index := fragment.Index
			total := fragment.Total
			envelope.ChunkIndex = &index
			envelope.TotalChunks = &total
		}
		if err := c.writeEnvelope(envelope); err != nil {
			return err
		}
	}
	return nil
}

// RequestSync asks the relay for the current room record without pushing.
func (c *Client) RequestSync() error {
	return c.writeEnvelope(relay.Envelope{
		Type:   relay.MessageRequestSync,
		RoomID: c.roomID.String(),
	})
}

// Run keeps the client connected until ctx is cancelled, reconnecting on a
// fixed interval after drops. Each successful reconnect re-joins the room
// and drains the offline queue through Connect.
func (c *Client) Run(ctx context.Context, retryInterval time.Duration) error {
	if retryInterval <= 0 {
		retryInterval = DefaultRetryInterval
	}
	for {
		if err := c.Connect(ctx); err != nil {
			c.logger.Warn("connect failed", zap.Error(err))
		} else {
			c.mu.Lock()
			lost := c.lostCh
			c.mu.Unlock()
			select {
			case <-ctx.Done():
				c.closeConn()
				return ctx.Err()
			case <-lost:
				c.logger.Info("connection lost, reconnecting",
					zap.Duration("retry_interval", retryInterval))
			}
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(retryInterval):
		}
	}
}

// Close tears down the connection.
func (c *Client) Close() error {
	c.closeConn()
	return nil
}

func (c *Client) closeConn() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		_ = c.conn.Close()
		c.conn = nil
	}
	if c.doneCh != nil {
		select {
		case <-c.doneCh:
		default:
			close(c.doneCh)
		}
		c.doneCh = nil
	}
}

func (c *Client) writeEnvelope(envelope relay.Envelope) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return ErrNotConnected
	}
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.conn.WriteJSON(envelope)
}

func (c *Client) readLoop(conn *websocket.Conn, done <-chan struct{}, lost chan<- struct{}) {
	defer close(lost)
	for {
		select {
		case <-done:
			return
		default:
		}

		var envelope relay.Envelope
		if err := conn.ReadJSON(&envelope); err != nil {
			c.logger.Debug("read loop ended", zap.Error(err))
			return
		}
		c.handleEnvelope(envelope)
	}
}

func (c *Client) handleEnvelope(envelope relay.Envelope) {
	switch envelope.Type {
	case relay.MessageSyncUpdate:
		ciphertext := envelope.Ciphertext
		if envelope.TotalChunks != nil && *envelope.TotalChunks > 1 {
			index := 0
			if envelope.ChunkIndex != nil {
				index = *envelope.ChunkIndex
			}
			transferID := fmt.Sprintf("%s:%d", envelope.RoomID, envelope.Timestamp)
			joined, complete, err := c.reassembler.Add(transferID, chunk.Chunk{
				Index: index,
				Total: *envelope.TotalChunks,
				Data:  envelope.Ciphertext,
			})
			if err != nil {
				c.logger.Warn("chunked update rejected", zap.Error(err))
				return
			}
			if !complete {
				return
			}
			ciphertext = joined
		}
		if c.onUpdate != nil {
			c.onUpdate(Update{
				Ciphertext:    ciphertext,
				Timestamp:     envelope.Timestamp,
				DeviceName:    envelope.DeviceName,
				Version:       envelope.Version,
				IntegrityHash: envelope.IntegrityHash,
			})
		}
	case relay.MessageError:
		c.logger.Warn("relay error", zap.String("message", envelope.Message))
		if c.onError != nil {
			c.onError(envelope.Message)
		}
	case relay.MessageRoomInfo, relay.MessageUpdateAck:
		// Informational; nothing to do here yet.
	}
}

// drainQueue replays offline operations through the push path.
func (c *Client) drainQueue(ctx context.Context) {
	if c.queue == nil {
		return
	}
	result, err := c.queue.ProcessQueue(ctx, func(op localstore.PendingOperation) bool {
		if err := c.Push(op.Data); err != nil {
			c.logger.Warn("queued push failed", zap.String("op_id", op.ID), zap.Error(err))
			return false
		}
		return true
	})
	if err != nil {
		c.logger.Warn("offline queue drain failed", zap.Error(err))
		return
	}
	if result.Processed > 0 || result.Failed > 0 {
		c.logger.Info("offline queue drained",
			zap.Int("processed", result.Processed),
			zap.Int("failed", result.Failed))
	}
}
