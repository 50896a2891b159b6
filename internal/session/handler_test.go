package session

import (
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"

	"github.com/MiamiMetro/jukebox/internal/clock"
	"github.com/MiamiMetro/jukebox/internal/protocol"
	"github.com/MiamiMetro/jukebox/internal/room"
)

func startTestServer(t *testing.T) string {
	t.Helper()
	reg := room.NewRegistry(clock.NewFake(time.Unix(0, 0)))
	e := echo.New()
	NewHandler(reg, nil, nil, nil).Register(e)
	srv := httptest.NewServer(e)
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func connectClient(t *testing.T, baseURL, slug, name string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(baseURL+"/ws/"+slug+"?name="+name, nil)
	if err != nil {
		t.Fatalf("dial ws: %v", err)
	}
	return conn
}

func readUntil(t *testing.T, conn *websocket.Conn, want string) protocol.Envelope {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		var env protocol.Envelope
		if err := conn.ReadJSON(&env); err != nil {
			t.Fatalf("read json waiting for %q: %v", want, err)
		}
		if env.Type == want {
			return env
		}
	}
}

func TestJoinReceivesInitialSyncTrio(t *testing.T) {
	base := startTestServer(t)
	conn := connectClient(t, base, "room1", "alice")
	defer conn.Close()

	readUntil(t, conn, protocol.TypeStateSync)
	readUntil(t, conn, protocol.TypeQueueSync)
	readUntil(t, conn, protocol.TypeUsersSync)
}

func TestAddToQueueBroadcastsToAllConnections(t *testing.T) {
	base := startTestServer(t)
	alice := connectClient(t, base, "room1", "alice")
	defer alice.Close()
	readUntil(t, alice, protocol.TypeUsersSync)

	bob := connectClient(t, base, "room1", "bob")
	defer bob.Close()
	readUntil(t, bob, protocol.TypeUsersSync)
	// Drain bob's initial (empty) queue_sync so the next one is the broadcast.
	readUntil(t, bob, protocol.TypeQueueSync)

	payload, _ := json.Marshal(protocol.QueueItemPayload{Item: protocol.QueueItem{Title: "Song", URL: "http://x.mp3"}})
	env := protocol.Envelope{Type: protocol.TypeAddToQueue, Payload: payload}
	if err := alice.WriteJSON(env); err != nil {
		t.Fatalf("write add_to_queue: %v", err)
	}

	got := readUntil(t, bob, protocol.TypeQueueSync)
	var qp room.QueueSyncPayload
	if err := json.Unmarshal(got.Payload, &qp); err != nil {
		t.Fatalf("decode queue_sync: %v", err)
	}
	if len(qp.Queue) != 1 || qp.Queue[0].Title != "Song" {
		t.Fatalf("unexpected queue contents: %#v", qp.Queue)
	}
}

func TestNonHostPlayIsRejected(t *testing.T) {
	base := startTestServer(t)
	alice := connectClient(t, base, "room1", "alice") // host
	defer alice.Close()
	readUntil(t, alice, protocol.TypeUsersSync)

	bob := connectClient(t, base, "room1", "bob") // listener
	defer bob.Close()
	readUntil(t, bob, protocol.TypeUsersSync)

	if err := bob.WriteJSON(protocol.Envelope{Type: protocol.TypePlay}); err != nil {
		t.Fatalf("write play: %v", err)
	}

	got := readUntil(t, bob, protocol.TypeError)
	var ep protocol.ErrorPayload
	if err := json.Unmarshal(got.Payload, &ep); err != nil {
		t.Fatalf("decode error payload: %v", err)
	}
	if ep.Message == "" {
		t.Fatal("expected a non-empty error message")
	}
}

func TestPingReceivesPong(t *testing.T) {
	base := startTestServer(t)
	conn := connectClient(t, base, "room1", "alice")
	defer conn.Close()
	readUntil(t, conn, protocol.TypeUsersSync)

	if err := conn.WriteJSON(protocol.Envelope{Type: protocol.TypePing}); err != nil {
		t.Fatalf("write ping: %v", err)
	}
	readUntil(t, conn, protocol.TypePong)
}
