package server

import (
	"context"
	"fmt"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dracxi/chatapp/pkg/config"
)

func wsURL(srv *httptest.Server, path string) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http") + path
}

func dialWS(t *testing.T, srv *httptest.Server, path string) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	c, _, err := websocket.Dial(ctx, wsURL(srv, path), nil)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = c.Close(websocket.StatusNormalClosure, "")
	})
	return c
}

func writeEvent(t *testing.T, c *websocket.Conn, v any) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, wsjson.Write(ctx, c, v))
}

func writeRaw(t *testing.T, c *websocket.Conn, payload string) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, c.Write(ctx, websocket.MessageText, []byte(payload)))
}

func readEvent(t *testing.T, c *websocket.Conn) (map[string]any, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	var ev map[string]any
	err := wsjson.Read(ctx, c, &ev)
	return ev, err
}

// readUntilType skips unrelated events (presence and status notifications can
// interleave with the one under test) until the wanted type arrives.
func readUntilType(t *testing.T, c *websocket.Conn, typ string) map[string]any {
	t.Helper()
	for i := 0; i < 20; i++ {
		ev, err := readEvent(t, c)
		require.NoError(t, err, "connection closed while waiting for %q", typ)
		if ev["type"] == typ {
			return ev
		}
	}
	t.Fatalf("event %q never arrived", typ)
	return nil
}

// expectClosed drains the connection until the server tears it down. A final
// error event may or may not arrive first depending on flush timing.
func expectClosed(t *testing.T, c *websocket.Conn) {
	t.Helper()
	for i := 0; i < 10; i++ {
		ev, err := readEvent(t, c)
		if err != nil {
			return
		}
		assert.Equal(t, "error", ev["type"])
	}
	t.Fatal("server never closed the connection")
}

func token(t *testing.T, app *App, userID int64) string {
	t.Helper()
	tok, err := app.tokens.Issue(userID)
	require.NoError(t, err)
	return tok
}

// dialUser opens and authenticates a user-channel connection.
func dialUser(t *testing.T, app *App, srv *httptest.Server, userID int64) *websocket.Conn {
	t.Helper()
	c := dialWS(t, srv, fmt.Sprintf("/ws/%d", userID))
	writeEvent(t, c, map[string]string{"token": token(t, app, userID)})
	ev := readUntilType(t, c, "connection_established")
	assert.Equal(t, float64(userID), ev["user_id"])
	return c
}

func TestUserChannelHandshake(t *testing.T) {
	app, srv := newTestApp(t, nil)
	c := dialUser(t, app, srv, 10)

	online := readUntilType(t, c, "online_users")
	users, ok := online["users"].([]any)
	require.True(t, ok)
	assert.Contains(t, users, float64(10))

	writeEvent(t, c, map[string]string{"type": "ping"})
	readUntilType(t, c, "pong")

	// the registry now reports the user online
	assert.True(t, app.Registry().IsUserOnline(10))
}

func TestUserChannelTokenMismatch(t *testing.T) {
	app, srv := newTestApp(t, nil)

	c := dialWS(t, srv, "/ws/10")
	writeEvent(t, c, map[string]string{"token": token(t, app, 20)})
	expectClosed(t, c)
	assert.False(t, app.Registry().IsUserOnline(20))
}

func TestUserChannelBadToken(t *testing.T) {
	_, srv := newTestApp(t, nil)

	c := dialWS(t, srv, "/ws/10")
	writeEvent(t, c, map[string]string{"token": "garbage"})
	expectClosed(t, c)
}

func TestHandshakeTimeout(t *testing.T) {
	_, srv := newTestApp(t, func(cfg *config.Config) {
		cfg.Auth.HandshakeTimeout = 100 * time.Millisecond
	})

	c := dialWS(t, srv, "/ws/10")
	// never authenticate; the server must hang up on its own
	_, err := readEvent(t, c)
	assert.Error(t, err)
}

func TestPresenceTransitions(t *testing.T) {
	app, srv := newTestApp(t, nil)

	bob := dialUser(t, app, srv, 20)

	alice := dialUser(t, app, srv, 10)
	ev := readUntilType(t, bob, "user_status")
	assert.Equal(t, float64(10), ev["user_id"])
	assert.Equal(t, true, ev["is_online"])

	require.NoError(t, alice.Close(websocket.StatusNormalClosure, ""))
	for {
		ev = readUntilType(t, bob, "user_status")
		if ev["user_id"] == float64(10) && ev["is_online"] == false {
			break
		}
	}
	assert.False(t, app.Registry().IsUserOnline(10))
}

func TestDMChannelMessageFlow(t *testing.T) {
	app, srv := newTestApp(t, nil)

	// user channels double as admission signals: a DM peer coming online is
	// announced to the other side's user scope
	aliceUser := dialUser(t, app, srv, 10)
	bobUser := dialUser(t, app, srv, 20)

	aliceDM := dialWS(t, srv, "/ws/dm/20")
	writeRaw(t, aliceDM, token(t, app, 10))
	ev := readUntilType(t, bobUser, "user_online")
	assert.Equal(t, float64(10), ev["user"].(map[string]any)["id"])

	bobDM := dialWS(t, srv, "/ws/dm/10")
	writeRaw(t, bobDM, token(t, app, 20))
	readUntilType(t, aliceUser, "user_online")

	// alice sends; both room handles receive the persisted message
	writeEvent(t, aliceDM, map[string]any{"type": "chat_message", "content": "hi bob"})

	got := readUntilType(t, aliceDM, "new_message")
	assert.Equal(t, "hi bob", got["content"])
	assert.Equal(t, float64(10), got["sender"].(map[string]any)["id"])
	assert.Equal(t, float64(20), got["receiver"].(map[string]any)["id"])
	messageID := int64(got["id"].(float64))

	got = readUntilType(t, bobDM, "new_message")
	assert.Equal(t, "hi bob", got["content"])

	// only the sender may edit
	writeEvent(t, bobDM, map[string]any{"type": "edit_message", "message_id": messageID, "content": "hijack"})
	errEv := readUntilType(t, bobDM, "error")
	assert.Contains(t, errEv["error"], "your own messages")

	writeEvent(t, aliceDM, map[string]any{"type": "edit_message", "message_id": messageID, "content": "hi bob!"})
	got = readUntilType(t, bobDM, "message_edited")
	assert.Equal(t, "hi bob!", got["content"])
	assert.Equal(t, true, got["is_edited"])
	assert.NotNil(t, got["edited_at"])

	writeEvent(t, aliceDM, map[string]any{"type": "delete_message", "message_id": messageID})
	got = readUntilType(t, bobDM, "message_deleted")
	assert.Equal(t, float64(messageID), got["id"])
	assert.NotEmpty(t, got["deleted_at"])
}

func TestDMChannelToSelfRejected(t *testing.T) {
	app, srv := newTestApp(t, nil)

	c := dialWS(t, srv, "/ws/dm/10")
	writeRaw(t, c, token(t, app, 10))
	expectClosed(t, c)
}

func TestGroupChannelFlow(t *testing.T) {
	app, srv := newTestApp(t, nil)

	alice := dialWS(t, srv, "/ws/group/1")
	writeRaw(t, alice, token(t, app, 10))
	// admission is observable through the join broadcast, which includes the
	// joining handle itself
	ev := readUntilType(t, alice, "user_joined")
	assert.Equal(t, float64(10), ev["user"].(map[string]any)["id"])

	bob := dialWS(t, srv, "/ws/group/1")
	writeRaw(t, bob, token(t, app, 20))
	ev = readUntilType(t, alice, "user_joined")
	assert.Equal(t, float64(20), ev["user"].(map[string]any)["id"])
	readUntilType(t, bob, "user_joined")

	writeEvent(t, bob, map[string]any{"type": "typing_start"})
	ev = readUntilType(t, alice, "typing_start")
	assert.Equal(t, float64(20), ev["user_id"])

	writeEvent(t, bob, map[string]any{"type": "chat_message", "content": "hello room"})
	got := readUntilType(t, alice, "new_message")
	assert.Equal(t, "hello room", got["content"])
	assert.Equal(t, float64(1), got["group_id"])
	readUntilType(t, bob, "new_message")

	require.NoError(t, bob.Close(websocket.StatusNormalClosure, ""))
	ev = readUntilType(t, alice, "user_left")
	assert.Equal(t, float64(20), ev["user"].(map[string]any)["id"])
}

func TestGroupChannelRejectsNonMember(t *testing.T) {
	app, srv := newTestApp(t, nil)

	c := dialWS(t, srv, "/ws/group/1")
	writeRaw(t, c, token(t, app, 30))
	expectClosed(t, c)
}

func TestUserChannelJoinGroupRelay(t *testing.T) {
	app, srv := newTestApp(t, nil)

	alice := dialUser(t, app, srv, 10)
	writeEvent(t, alice, map[string]any{"type": "join_group", "group_id": 1})
	// ping acts as a sequencing barrier: once pong arrives the join has been
	// processed
	writeEvent(t, alice, map[string]string{"type": "ping"})
	readUntilType(t, alice, "pong")

	bob := dialWS(t, srv, "/ws/group/1")
	writeRaw(t, bob, token(t, app, 20))
	readUntilType(t, alice, "user_joined")

	writeEvent(t, bob, map[string]any{"type": "chat_message", "content": "cross-channel"})
	got := readUntilType(t, alice, "new_message")
	assert.Equal(t, "cross-channel", got["content"])
}

func TestUserChannelTypingRelay(t *testing.T) {
	app, srv := newTestApp(t, nil)

	alice := dialUser(t, app, srv, 10)
	bob := dialUser(t, app, srv, 20)

	room := "10_20"
	for _, c := range []*websocket.Conn{alice, bob} {
		writeEvent(t, c, map[string]any{"type": "join_dm", "chat_room_id": room})
		writeEvent(t, c, map[string]string{"type": "ping"})
		readUntilType(t, c, "pong")
	}

	writeEvent(t, alice, map[string]any{
		"type": "typing", "chat_type": "dm", "chat_room_id": room, "is_typing": true,
	})
	ev := readUntilType(t, bob, "typing")
	assert.Equal(t, float64(10), ev["user_id"])
	assert.Equal(t, true, ev["is_typing"])
	assert.Equal(t, room, ev["chat_room_id"])
}

func TestUnknownEventType(t *testing.T) {
	app, srv := newTestApp(t, nil)

	alice := dialUser(t, app, srv, 10)
	writeEvent(t, alice, map[string]string{"type": "frobnicate"})
	ev := readUntilType(t, alice, "error")
	assert.Contains(t, ev["error"], "unknown event type")
}
