package websocket

import (
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/akarpov/chatrelay/fanout"
	"github.com/akarpov/chatrelay/model"
	"github.com/akarpov/chatrelay/registry"
	"github.com/akarpov/chatrelay/relay"
	"github.com/akarpov/chatrelay/storage/memory"
)

func newTestStack(t *testing.T) *httptest.Server {
	t.Helper()

	logger := zerolog.Nop()
	rly := relay.New(relay.Config{
		Logger:   &logger,
		Registry: registry.New(),
		Store:    memory.NewStore(),
		Table:    fanout.NewTable(&logger),
	})
	srv := NewServer(Config{
		Logger:       &logger,
		RelayService: rly,
		ListenAddr:   ":0",
	})

	ts := httptest.NewServer(srv.Handler)
	t.Cleanup(ts.Close)
	return ts
}

func dial(t *testing.T, ts *httptest.Server) *websocket.Conn {
	t.Helper()

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func emit(t *testing.T, conn *websocket.Conn, name string, data any) {
	t.Helper()
	require.NoError(t, conn.WriteJSON(model.Event{Name: name, Data: data}))
}

type rawEvent struct {
	Name string          `json:"event"`
	Data json.RawMessage `json:"data"`
}

func readEvent(t *testing.T, conn *websocket.Conn) rawEvent {
	t.Helper()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, b, err := conn.ReadMessage()
	require.NoError(t, err)

	var ev rawEvent
	require.NoError(t, json.Unmarshal(b, &ev))
	return ev
}

func joinRoom(t *testing.T, conn *websocket.Conn, room, username string) {
	t.Helper()

	emit(t, conn, model.EventJoin, model.JoinPayload{Room: room, Username: username})

	ev := readEvent(t, conn)
	require.Equal(t, model.EventJoinSuccess, ev.Name)

	ev = readEvent(t, conn)
	require.Equal(t, model.EventRoomHistory, ev.Name)
}

func TestJoinReceivesConfirmationAndHistory(t *testing.T) {
	ts := newTestStack(t)
	conn := dial(t, ts)

	emit(t, conn, model.EventJoin, model.JoinPayload{Room: "lobby", Username: "alice"})

	ev := readEvent(t, conn)
	assert.Equal(t, model.EventJoinSuccess, ev.Name)

	var confirm model.JoinSuccessPayload
	require.NoError(t, json.Unmarshal(ev.Data, &confirm))
	assert.Equal(t, "lobby", confirm.Room)

	ev = readEvent(t, conn)
	assert.Equal(t, model.EventRoomHistory, ev.Name)

	var history []model.Message
	require.NoError(t, json.Unmarshal(ev.Data, &history))
	assert.Empty(t, history)
}

func TestMessageFanout(t *testing.T) {
	ts := newTestStack(t)

	alice := dial(t, ts)
	bob := dial(t, ts)

	joinRoom(t, alice, "lobby", "alice")
	joinRoom(t, bob, "lobby", "bob")

	// Alice is announced bob's arrival before any chat flows.
	ev := readEvent(t, alice)
	require.Equal(t, model.EventUserJoined, ev.Name)

	var joined model.PresencePayload
	require.NoError(t, json.Unmarshal(ev.Data, &joined))
	assert.Equal(t, "bob", joined.Username)
	assert.Equal(t, 2, joined.MemberCount)

	emit(t, alice, model.EventMessage, model.MessagePayload{Room: "lobby", Message: "hi"})

	for _, conn := range []*websocket.Conn{alice, bob} {
		ev = readEvent(t, conn)
		require.Equal(t, model.EventMessage, ev.Name)

		var msg model.Message
		require.NoError(t, json.Unmarshal(ev.Data, &msg))
		assert.Equal(t, "alice", msg.Username)
		assert.Equal(t, "hi", msg.Content)
		assert.Equal(t, "lobby", msg.Room)
		assert.NotEmpty(t, msg.Timestamp)
	}
}

func TestHistoryReplayOnRejoin(t *testing.T) {
	ts := newTestStack(t)

	alice := dial(t, ts)
	joinRoom(t, alice, "lobby", "alice")

	emit(t, alice, model.EventMessage, model.MessagePayload{Room: "lobby", Message: "hello"})
	ev := readEvent(t, alice)
	require.Equal(t, model.EventMessage, ev.Name)

	bob := dial(t, ts)
	emit(t, bob, model.EventJoin, model.JoinPayload{Room: "lobby", Username: "bob"})

	ev = readEvent(t, bob)
	require.Equal(t, model.EventJoinSuccess, ev.Name)

	ev = readEvent(t, bob)
	require.Equal(t, model.EventRoomHistory, ev.Name)

	var history []model.Message
	require.NoError(t, json.Unmarshal(ev.Data, &history))
	require.Len(t, history, 1)
	assert.Equal(t, "hello", history[0].Content)
	assert.Equal(t, "alice", history[0].Username)
}

func TestDisconnectAnnounced(t *testing.T) {
	ts := newTestStack(t)

	alice := dial(t, ts)
	bob := dial(t, ts)

	joinRoom(t, alice, "lobby", "alice")
	joinRoom(t, bob, "lobby", "bob")

	ev := readEvent(t, alice)
	require.Equal(t, model.EventUserJoined, ev.Name)

	require.NoError(t, bob.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")))
	require.NoError(t, bob.Close())

	ev = readEvent(t, alice)
	require.Equal(t, model.EventUserLeft, ev.Name)

	var left model.PresencePayload
	require.NoError(t, json.Unmarshal(ev.Data, &left))
	assert.Equal(t, "bob", left.Username)
	assert.Equal(t, 1, left.MemberCount)
}
