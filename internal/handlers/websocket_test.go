package handlers

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/drover/internal/common"
	"github.com/ternarybob/drover/internal/interfaces"
	"github.com/ternarybob/drover/internal/services/events"
)

func dialWebSocket(t *testing.T, handler *WebSocketHandler) *websocket.Conn {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(handler.HandleWebSocket))
	t.Cleanup(server.Close)

	wsURL := "ws" + strings.TrimPrefix(server.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	var hello WSMessage
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	require.NoError(t, conn.ReadJSON(&hello))
	require.Equal(t, "connected", hello.Type)

	require.Eventually(t, func() bool { return handler.ClientCount() == 1 }, time.Second, 10*time.Millisecond)
	return conn
}

func TestWebSocketForwardsEvents(t *testing.T) {
	logger := arbor.NewLogger()
	eventService := events.NewService(logger)
	defer eventService.Close()

	handler := NewWebSocketHandler(eventService, logger, &common.WebSocketConfig{})
	defer handler.Close()
	conn := dialWebSocket(t, handler)

	err := eventService.PublishSync(context.Background(), interfaces.Event{
		Type:    interfaces.EventJobCompleted,
		Payload: map[string]interface{}{"job_id": "job_1", "status": "succeeded"},
	})
	require.NoError(t, err)

	var msg WSMessage
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	require.NoError(t, conn.ReadJSON(&msg))
	assert.Equal(t, string(interfaces.EventJobCompleted), msg.Type)
	payload, ok := msg.Payload.(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "job_1", payload["job_id"])
}

func TestWebSocketAllowedEvents(t *testing.T) {
	logger := arbor.NewLogger()
	eventService := events.NewService(logger)
	defer eventService.Close()

	handler := NewWebSocketHandler(eventService, logger, &common.WebSocketConfig{
		AllowedEvents: []string{string(interfaces.EventJobCompleted)},
	})
	defer handler.Close()
	conn := dialWebSocket(t, handler)

	ctx := context.Background()
	require.NoError(t, eventService.PublishSync(ctx, interfaces.Event{Type: interfaces.EventJobQueued, Payload: "dropped"}))
	require.NoError(t, eventService.PublishSync(ctx, interfaces.Event{Type: interfaces.EventJobCompleted, Payload: "kept"}))

	var msg WSMessage
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	require.NoError(t, conn.ReadJSON(&msg))
	assert.Equal(t, string(interfaces.EventJobCompleted), msg.Type)
	assert.Equal(t, "kept", msg.Payload)
}

func TestWebSocketThrottlesSlotState(t *testing.T) {
	logger := arbor.NewLogger()
	eventService := events.NewService(logger)
	defer eventService.Close()

	handler := NewWebSocketHandler(eventService, logger, &common.WebSocketConfig{Throttle: "1h"})
	defer handler.Close()
	conn := dialWebSocket(t, handler)

	ctx := context.Background()
	for i := 0; i < 5; i++ {
		require.NoError(t, eventService.PublishSync(ctx, interfaces.Event{Type: interfaces.EventSlotState, Payload: i}))
	}
	require.NoError(t, eventService.PublishSync(ctx, interfaces.Event{Type: interfaces.EventJobStarted, Payload: "job_1"}))

	var types []string
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	for len(types) < 2 {
		var msg WSMessage
		require.NoError(t, conn.ReadJSON(&msg))
		types = append(types, msg.Type)
	}
	assert.Equal(t, []string{string(interfaces.EventSlotState), string(interfaces.EventJobStarted)}, types)
}

func TestWebSocketClientDisconnect(t *testing.T) {
	handler := NewWebSocketHandler(nil, arbor.NewLogger(), nil)
	conn := dialWebSocket(t, handler)

	require.NoError(t, conn.Close())
	assert.Eventually(t, func() bool { return handler.ClientCount() == 0 }, 2*time.Second, 10*time.Millisecond)
}
