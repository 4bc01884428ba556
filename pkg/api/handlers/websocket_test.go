package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sagaflow/sagaflow/pkg/eventbus"
)

func TestConnectionManagerLimit(t *testing.T) {
	manager := NewConnectionManager(2)

	first := newWSClient(nil)
	second := newWSClient(nil)
	third := newWSClient(nil)

	require.NoError(t, manager.Register(first))
	require.NoError(t, manager.Register(second))
	assert.False(t, manager.CanAccept())
	assert.Error(t, manager.Register(third))
	assert.Equal(t, 2, manager.Count())

	manager.Unregister(first)
	assert.True(t, manager.CanAccept())
	assert.Equal(t, 1, manager.Count())
}

func TestBroadcastFiltersBySubscription(t *testing.T) {
	manager := NewConnectionManager(10)

	all := newWSClient(nil)
	onlyA := newWSClient(nil)
	onlyA.subscribe("saga-a")

	require.NoError(t, manager.Register(all))
	require.NoError(t, manager.Register(onlyA))

	err := manager.Broadcast(EventMessage{
		Type:      "saga.completed",
		Timestamp: time.Now().UTC(),
		Payload:   map[string]any{"saga_id": "saga-b"},
	})
	require.NoError(t, err)

	select {
	case <-all.send:
	default:
		t.Fatal("unfiltered client should receive every event")
	}
	select {
	case <-onlyA.send:
		t.Fatal("subscribed client should not receive events for other sagas")
	default:
	}
}

func TestBroadcastDropsSlowClients(t *testing.T) {
	manager := NewConnectionManager(10)

	slow := newWSClient(nil)
	require.NoError(t, manager.Register(slow))

	// Fill the send buffer, then one more broadcast must evict the client
	// instead of blocking the fanout.
	for range defaultSendBuffer + 1 {
		require.NoError(t, manager.Broadcast(EventMessage{Type: "saga.started"}))
	}
	assert.Equal(t, 0, manager.Count())
}

func TestWebSocketOriginAllowed(t *testing.T) {
	tests := []struct {
		name    string
		origin  string
		host    string
		allowed []string
		want    bool
	}{
		{name: "no origin header", origin: "", want: true},
		{name: "wildcard", origin: "http://evil.example", allowed: []string{"*"}, want: true},
		{name: "exact match", origin: "https://app.example.com", allowed: []string{"https://app.example.com"}, want: true},
		{name: "same host fallback", origin: "http://api.example.com", host: "api.example.com", want: true},
		{name: "rejected", origin: "http://evil.example", host: "api.example.com", allowed: []string{"https://app.example.com"}, want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/api/v1/events/ws", nil)
			if tt.origin != "" {
				req.Header.Set("Origin", tt.origin)
			}
			if tt.host != "" {
				req.Host = tt.host
			}
			assert.Equal(t, tt.want, isWebSocketOriginAllowed(req, tt.allowed))
		})
	}
}

func TestServeHTTPRejectsNonUpgrade(t *testing.T) {
	handler := NewWebSocketHandler(testLogger(), WebSocketConfig{})

	req := httptest.NewRequest(http.MethodGet, "/api/v1/events/ws", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func dialWebSocket(t *testing.T, server *httptest.Server) *websocket.Conn {
	t.Helper()

	wsURL := "ws" + strings.TrimPrefix(server.URL, "http") + "/api/v1/events/ws"
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	if resp != nil {
		_ = resp.Body.Close()
	}
	return conn
}

func waitForClients(t *testing.T, handler *WebSocketHandler, want int) {
	t.Helper()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if handler.manager.Count() == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("expected %d websocket clients, have %d", want, handler.manager.Count())
}

func TestWebSocketBroadcastEndToEnd(t *testing.T) {
	handler := NewWebSocketHandler(testLogger(), WebSocketConfig{})
	defer handler.Close()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		handler.ServeHTTP(w, r)
	}))
	defer server.Close()

	conn := dialWebSocket(t, server)
	defer conn.Close()
	waitForClients(t, handler, 1)

	require.NoError(t, handler.Broadcast(EventMessage{
		Type:    "saga.completed",
		Payload: map[string]any{"saga_id": "s-1"},
	}))

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)

	var event EventMessage
	require.NoError(t, json.Unmarshal(data, &event))
	assert.Equal(t, "saga.completed", event.Type)
	assert.False(t, event.Timestamp.IsZero())
}

func TestForwardBridgesBusEnvelopes(t *testing.T) {
	handler := NewWebSocketHandler(testLogger(), WebSocketConfig{})
	defer handler.Close()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		handler.ServeHTTP(w, r)
	}))
	defer server.Close()

	conn := dialWebSocket(t, server)
	defer conn.Close()
	waitForClients(t, handler, 1)

	bus := eventbus.NewMemoryBus()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	forwardDone := make(chan error, 1)
	go func() { forwardDone <- handler.Forward(ctx, bus) }()

	envelope, err := eventbus.BuildEnvelope(eventbus.BuildEnvelopeInput{
		EventType:  "saga.step.committed",
		SagaID:     "s-42",
		Definition: "order-fulfillment",
		Step:       "charge",
		Status:     "running",
	})
	require.NoError(t, err)
	payload, err := json.Marshal(envelope)
	require.NoError(t, err)

	subject := eventbus.SagaSubject(envelope.Definition, envelope.EventType)

	// The Forward goroutine subscribes asynchronously; retry until the
	// published envelope makes it through.
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	received := make(chan []byte, 1)
	go func() {
		_, data, readErr := conn.ReadMessage()
		if readErr == nil {
			received <- data
		}
	}()

	var data []byte
	publish := time.NewTicker(25 * time.Millisecond)
	defer publish.Stop()
	timeout := time.After(3 * time.Second)
waitLoop:
	for {
		select {
		case data = <-received:
			break waitLoop
		case <-publish.C:
			require.NoError(t, bus.Publish(ctx, subject, payload))
		case <-timeout:
			t.Fatal("envelope never reached the websocket client")
		}
	}

	var event EventMessage
	require.NoError(t, json.Unmarshal(data, &event))
	assert.Equal(t, "saga.step.committed", event.Type)

	forwarded, err := json.Marshal(event.Payload)
	require.NoError(t, err)
	var got eventbus.Envelope
	require.NoError(t, json.Unmarshal(forwarded, &got))
	assert.Equal(t, "s-42", got.SagaID)
	assert.Equal(t, "charge", got.Step)

	cancel()
	select {
	case <-forwardDone:
	case <-time.After(2 * time.Second):
		t.Fatal("Forward did not stop on context cancellation")
	}
}
