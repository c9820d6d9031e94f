package signal

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/voicerelay/voicerelay/internal/app"
	"github.com/voicerelay/voicerelay/internal/config"
)

func newSignalServer(t *testing.T) *httptest.Server {
	t.Helper()
	gin.SetMode(gin.TestMode)

	manager := app.NewManager(&stubProvider{ready: true}, 0)
	ctl := NewController(manager, &config.Config{SendBuffer: 64, ReadLimit: 32768})

	r := gin.New()
	r.Use(func(c *gin.Context) {
		c.Set("client_token", "test-token")
		c.Next()
	})
	r.GET("/ws", func(c *gin.Context) {
		ctl.HandleSignal(context.Background(), c)
	})

	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv
}

func dialSignal(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { ws.Close() })
	return ws
}

// awaitResponse reads frames until the response with the given
// correlation id arrives, skipping unsolicited events.
func awaitResponse(t *testing.T, ws *websocket.Conn, id string) response {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	require.NoError(t, ws.SetReadDeadline(deadline))
	for {
		_, frame, err := ws.ReadMessage()
		require.NoError(t, err)
		var probe map[string]json.RawMessage
		require.NoError(t, json.Unmarshal(frame, &probe))
		if _, isEvent := probe["event"]; isEvent {
			continue
		}
		var resp response
		require.NoError(t, json.Unmarshal(frame, &resp))
		if resp.ID == id {
			return resp
		}
	}
}

func TestWebSocketJoinAndPing(t *testing.T) {
	srv := newSignalServer(t)
	ws := dialSignal(t, srv)

	require.NoError(t, ws.WriteMessage(websocket.TextMessage,
		[]byte(`{"action":"join","id":"1","data":{"roomId":"r1","username":"alice"}}`)))
	resp := awaitResponse(t, ws, "1")
	require.True(t, resp.OK)

	data, err := json.Marshal(resp.Data)
	require.NoError(t, err)
	var join struct {
		RoomID    string `json:"roomId"`
		Producers []any  `json:"producers"`
	}
	require.NoError(t, json.Unmarshal(data, &join))
	assert.Equal(t, "r1", join.RoomID)
	assert.Empty(t, join.Producers)

	require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte(`{"action":"ping","id":"2"}`)))
	assert.True(t, awaitResponse(t, ws, "2").OK)
}

func TestWebSocketUnknownActionKeepsConnectionAlive(t *testing.T) {
	srv := newSignalServer(t)
	ws := dialSignal(t, srv)

	require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte(`{"action":"warp","id":"1"}`)))
	resp := awaitResponse(t, ws, "1")
	assert.False(t, resp.OK)
	assert.Equal(t, errUnsupportedAction, resp.Error)

	// Same connection still serves requests.
	require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte(`{"action":"ping","id":"2"}`)))
	assert.True(t, awaitResponse(t, ws, "2").OK)
}

func TestWebSocketPeerSeesJoinOfOther(t *testing.T) {
	srv := newSignalServer(t)
	wsA := dialSignal(t, srv)

	require.NoError(t, wsA.WriteMessage(websocket.TextMessage,
		[]byte(`{"action":"join","id":"1","data":{"roomId":"r1","username":"alice"}}`)))
	require.True(t, awaitResponse(t, wsA, "1").OK)

	wsB := dialSignal(t, srv)
	require.NoError(t, wsB.WriteMessage(websocket.TextMessage,
		[]byte(`{"action":"join","id":"1","data":{"roomId":"r1","username":"bob"}}`)))
	require.True(t, awaitResponse(t, wsB, "1").OK)

	// A receives a presence event naming both participants.
	deadline := time.Now().Add(5 * time.Second)
	require.NoError(t, wsA.SetReadDeadline(deadline))
	for {
		_, frame, err := wsA.ReadMessage()
		require.NoError(t, err)
		var ev struct {
			Event string `json:"event"`
			Data  struct {
				RoomID       string `json:"roomId"`
				Participants []struct {
					Username string `json:"username"`
				} `json:"participants"`
			} `json:"data"`
		}
		if json.Unmarshal(frame, &ev) != nil || ev.Event != "presence" {
			continue
		}
		if len(ev.Data.Participants) == 2 {
			names := []string{ev.Data.Participants[0].Username, ev.Data.Participants[1].Username}
			assert.ElementsMatch(t, []string{"alice", "bob"}, names)
			return
		}
	}
}
