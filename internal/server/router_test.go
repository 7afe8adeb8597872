package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/veilsync/veilsync/internal/relay"
	"github.com/veilsync/veilsync/internal/storage"
)

func newTestServer(t *testing.T) (*httptest.Server, *relay.Hub, *storage.Manager) {
	t.Helper()

	manager, err := storage.NewManager(storage.ManagerConfig{
		Primary:        storage.BackendNameMemory,
		Open:           func(string) (storage.Backend, error) { return storage.NewMemory(), nil },
		HealthInterval: time.Hour,
	})
	if err != nil {
		t.Fatalf("unexpected manager error: %v", err)
	}
	if err := manager.Initialize(context.Background()); err != nil {
		t.Fatalf("unexpected initialize error: %v", err)
	}
	t.Cleanup(func() { _ = manager.Close() })

	registry := prometheus.NewRegistry()
	hub := relay.NewHub(relay.HubConfig{
		Persistence: manager,
		Metrics:     relay.NewMetrics(registry),
	})
	t.Cleanup(hub.Close)

	handler, err := NewHTTPHandler(Dependencies{Hub: hub, Manager: manager})
	if err != nil {
		t.Fatalf("unexpected handler error: %v", err)
	}

	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	return server, hub, manager
}

func dialWS(t *testing.T, server *httptest.Server) *websocket.Conn {
	t.Helper()
	wsURL := strings.Replace(server.URL, "http", "ws", 1) + "/ws"
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("failed to dial websocket: %v", err)
	}
	if resp != nil {
		resp.Body.Close()
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn, messageType string) relay.Envelope {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		_ = conn.SetReadDeadline(deadline)
		var envelope relay.Envelope
		if err := conn.ReadJSON(&envelope); err != nil {
			t.Fatalf("websocket read failed waiting for %s: %v", messageType, err)
		}
		if envelope.Type == messageType {
			return envelope
		}
	}
	t.Fatalf("timed out waiting for %s", messageType)
	return relay.Envelope{}
}

func TestHealthEndpoint(t *testing.T) {
	server, _, _ := newTestServer(t)

	resp, err := http.Get(server.URL + "/healthz")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("unexpected status %d", resp.StatusCode)
	}

	var health healthResponse
	if err := json.NewDecoder(resp.Body).Decode(&health); err != nil {
		t.Fatalf("failed to decode health: %v", err)
	}
	if health.Status != "ok" || health.Backend != storage.BackendNameMemory {
		t.Fatalf("unexpected health payload: %+v", health)
	}
}

func TestStatsEndpoint(t *testing.T) {
	server, _, _ := newTestServer(t)

	resp, err := http.Get(server.URL + "/stats")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("unexpected status %d", resp.StatusCode)
	}

	var stats statsResponse
	if err := json.NewDecoder(resp.Body).Decode(&stats); err != nil {
		t.Fatalf("failed to decode stats: %v", err)
	}
	if stats.Goroutines <= 0 || stats.SysBytes == 0 {
		t.Fatalf("unexpected stats payload: %+v", stats)
	}
	if stats.Persistence.Backend != storage.BackendNameMemory {
		t.Fatalf("unexpected persistence stats: %+v", stats.Persistence)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	server, _, _ := newTestServer(t)

	resp, err := http.Get(server.URL + "/metrics")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("unexpected status %d", resp.StatusCode)
	}
}

func TestWebSocketRelayEndToEnd(t *testing.T) {
	server, _, _ := newTestServer(t)

	deviceA := dialWS(t, server)
	deviceB := dialWS(t, server)

	join := func(conn *websocket.Conn, device string) {
		if err := conn.WriteJSON(relay.Envelope{
			Type:       relay.MessageJoinChain,
			RoomID:     "abcdefghij",
			DeviceName: device,
		}); err != nil {
			t.Fatalf("join write failed: %v", err)
		}
		readFrame(t, conn, relay.MessageRoomInfo)
	}
	join(deviceA, "A")
	join(deviceB, "B")

	if err := deviceA.WriteJSON(relay.Envelope{
		Type:          relay.MessagePushUpdate,
		RoomID:        "abcdefghij",
		EncryptedData: "hello-cipher",
		Timestamp:     1700000000000,
	}); err != nil {
		t.Fatalf("push write failed: %v", err)
	}

	ack := readFrame(t, deviceA, relay.MessageUpdateAck)
	if ack.Success == nil || !*ack.Success {
		t.Fatalf("unexpected ack: %+v", ack)
	}

	update := readFrame(t, deviceB, relay.MessageSyncUpdate)
	if update.Ciphertext != "hello-cipher" || update.DeviceName != "A" {
		t.Fatalf("unexpected sync-update: %+v", update)
	}

	// A disconnects; C joining later still receives the persisted record.
	_ = deviceA.Close()

	deviceC := dialWS(t, server)
	if err := deviceC.WriteJSON(relay.Envelope{
		Type:       relay.MessageJoinChain,
		RoomID:     "abcdefghij",
		DeviceName: "C",
	}); err != nil {
		t.Fatalf("join write failed: %v", err)
	}
	late := readFrame(t, deviceC, relay.MessageSyncUpdate)
	if late.Ciphertext != "hello-cipher" || late.DeviceName != "A" {
		t.Fatalf("unexpected late sync-update: %+v", late)
	}
}

func TestWebSocketPushWithoutJoinIsRejected(t *testing.T) {
	server, _, _ := newTestServer(t)

	conn := dialWS(t, server)
	if err := conn.WriteJSON(relay.Envelope{
		Type:          relay.MessagePushUpdate,
		RoomID:        "abcdefghij",
		EncryptedData: "blob",
		Timestamp:     1700000000000,
	}); err != nil {
		t.Fatalf("push write failed: %v", err)
	}

	frame := readFrame(t, conn, relay.MessageError)
	if frame.Message == "" {
		t.Fatalf("expected error message")
	}
}
