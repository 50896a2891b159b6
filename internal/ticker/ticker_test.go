package ticker

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/MiamiMetro/jukebox/internal/clock"
	"github.com/MiamiMetro/jukebox/internal/protocol"
	"github.com/MiamiMetro/jukebox/internal/room"
)

type fakeConn struct {
	open bool
	sent []protocol.Envelope
}

func (c *fakeConn) TrySend(env protocol.Envelope) bool {
	if !c.open {
		return false
	}
	c.sent = append(c.sent, env)
	return true
}
func (c *fakeConn) IsOpen() bool { return c.open }

func (c *fakeConn) lastStateSync(t *testing.T) room.StateSyncPayload {
	t.Helper()
	for i := len(c.sent) - 1; i >= 0; i-- {
		if c.sent[i].Type == protocol.TypeStateSync {
			var p room.StateSyncPayload
			if err := json.Unmarshal(c.sent[i].Payload, &p); err != nil {
				t.Fatalf("decode state_sync payload: %v", err)
			}
			return p
		}
	}
	t.Fatal("no state_sync envelope observed")
	return room.StateSyncPayload{}
}

func TestTickAdvancesEndedTrack(t *testing.T) {
	c := clock.NewFake(time.Unix(1000, 0))
	reg := room.NewRegistry(c)
	rm := reg.GetOrCreate("room1")

	conn := &fakeConn{open: true}
	hostID, err := rm.Join(conn, "alice", "10.0.0.1", 1)
	if err != nil {
		t.Fatalf("Join: %v", err)
	}
	if err := rm.AddToQueue(hostID, protocol.QueueItem{Title: "next", URL: "http://next.mp3"}); err != nil {
		t.Fatalf("AddToQueue: %v", err)
	}

	raw := []byte(`{"title":"current","url":"http://current.mp3","duration":10}`)
	if err := rm.SetTrack(hostID, raw, boolPtr(true)); err != nil {
		t.Fatalf("SetTrack: %v", err)
	}

	if rm.CheckEnded(c.Now()) {
		t.Fatal("expected not ended immediately after SetTrack")
	}

	c.Advance(11 * time.Second)
	tick(reg, c)

	got := conn.lastStateSync(t)
	if got.Track == nil || got.Track.Title != "next" {
		t.Fatalf("expected ticker to advance to the next track, got %#v", got.Track)
	}
}

func TestRunStopsOnContextCancel(t *testing.T) {
	c := clock.NewFake(time.Unix(0, 0))
	reg := room.NewRegistry(c)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		Run(ctx, reg, c, time.Millisecond)
		close(done)
	}()

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after context cancellation")
	}
}

func boolPtr(b bool) *bool { return &b }
