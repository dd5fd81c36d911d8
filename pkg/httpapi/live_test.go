package httpapi

import (
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
)

func TestServeWSDeliversBroadcastOnRegisteredClient(t *testing.T) {
	reg := newFakeRegistry()
	reg.records["bilge-alarm"] = testRecord("bilge-alarm")

	broadcaster := NewBroadcaster(reg, logrus.New())

	e := echo.New()
	e.GET("/admin/ws/plugins", broadcaster.ServeWS)
	server := httptest.NewServer(e)
	defer server.Close()

	wsURL := "ws" + strings.TrimPrefix(server.URL, "http") + "/admin/ws/plugins"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool {
		broadcaster.mu.Lock()
		n := len(broadcaster.clients)
		broadcaster.mu.Unlock()
		return n == 1
	}, time.Second, 10*time.Millisecond)

	broadcaster.broadcast()

	conn.SetReadDeadline(time.Now().Add(time.Second))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)

	var summaries []pluginSummary
	require.NoError(t, json.Unmarshal(data, &summaries))
	require.Len(t, summaries, 1)
	require.Equal(t, "bilge-alarm", summaries[0].ID)
}

func TestStopClosesAllClients(t *testing.T) {
	reg := newFakeRegistry()
	broadcaster := NewBroadcaster(reg, logrus.New())

	e := echo.New()
	e.GET("/admin/ws/plugins", broadcaster.ServeWS)
	server := httptest.NewServer(e)
	defer server.Close()

	wsURL := "ws" + strings.TrimPrefix(server.URL, "http") + "/admin/ws/plugins"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool {
		broadcaster.mu.Lock()
		n := len(broadcaster.clients)
		broadcaster.mu.Unlock()
		return n == 1
	}, time.Second, 10*time.Millisecond)

	broadcaster.Stop()

	conn.SetReadDeadline(time.Now().Add(time.Second))
	_, _, err = conn.ReadMessage()
	require.Error(t, err)
}
