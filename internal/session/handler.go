// Package session wires one websocket connection per room participant,
// dispatching protocol.Envelope commands onto the room layer and fanning
// room broadcasts back out over a per-connection channel.
//
// Grounded directly on the teacher's internal/ws.Handler: gorilla/websocket
// upgrade inside an Echo handler, a dedicated writer goroutine draining a
// buffered channel into conn.WriteJSON, and a read loop dispatching on the
// envelope's Type field in a switch, one case per command.
package session

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"net"
	"net/http"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"

	"github.com/MiamiMetro/jukebox/internal/ingest"
	"github.com/MiamiMetro/jukebox/internal/protocol"
	"github.com/MiamiMetro/jukebox/internal/ratelimit"
	"github.com/MiamiMetro/jukebox/internal/room"
	"github.com/MiamiMetro/jukebox/internal/track"
)

const (
	writeTimeout = 5 * time.Second
	sendTimeout  = 2 * time.Second
	sendBuffer   = 64
	readLimit    = 1 << 20

	ingestAwaitTimeout = 10 * time.Minute
)

// Handler owns websocket transport for every room.
type Handler struct {
	registry    *room.Registry
	ingestQueue *ingest.Queue
	inFlight    *ingest.InFlight
	limiter     *ratelimit.Limiter
	upgrader    websocket.Upgrader
}

// NewHandler builds a session handler bound to reg. ingestQueue/inFlight
// may be nil, in which case add_pending_download always fails with an
// error envelope (spec.md §9: ingest is an optional collaborator).
func NewHandler(reg *room.Registry, ingestQueue *ingest.Queue, inFlight *ingest.InFlight, limiter *ratelimit.Limiter) *Handler {
	return &Handler{
		registry:    reg,
		ingestQueue: ingestQueue,
		inFlight:    inFlight,
		limiter:     limiter,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(_ *http.Request) bool { return true },
		},
	}
}

// Register binds the websocket route on an Echo router.
func (h *Handler) Register(e *echo.Echo) {
	e.GET("/ws/:slug", h.HandleWebSocket)
}

// HandleWebSocket upgrades one request and serves it until disconnect.
func (h *Handler) HandleWebSocket(c echo.Context) error {
	slug := c.Param("slug")
	if slug == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "slug is required")
	}
	name := c.QueryParam("name")
	remoteAddr := c.RealIP()

	conn, err := h.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		slog.Error("ws upgrade failed", "remote", remoteAddr, "slug", slug, "err", err)
		return fmt.Errorf("upgrade websocket: %w", err)
	}
	h.serveConn(conn, slug, name, remoteAddr)
	return nil
}

func (h *Handler) serveConn(conn *websocket.Conn, slug, name, remoteAddr string) {
	defer conn.Close()
	conn.SetReadLimit(readLimit)

	host, port := splitHostPort(remoteAddr)
	rm := h.registry.GetOrCreate(slug)

	ws := &wsConn{conn: conn, send: make(chan protocol.Envelope, sendBuffer)}
	id, err := rm.Join(ws, name, host, port)
	if err != nil {
		slog.Debug("ws join rejected", "slug", slug, "remote", remoteAddr, "err", err)
		return
	}
	slog.Info("ws connected", "slug", slug, "conn_id", id, "remote", remoteAddr)

	defer func() {
		rm.Leave(id)
		if h.inFlight != nil {
			h.inFlight.Release(remoteAddr)
		}
		slog.Info("ws disconnected", "slug", slug, "conn_id", id)
	}()

	go ws.writeLoop()

	rm.GetState(id)
	rm.GetQueue(id)
	rm.GetUsers(id, 0, 0)

	for {
		var env protocol.Envelope
		if err := conn.ReadJSON(&env); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				slog.Debug("ws unexpected close", "conn_id", id, "err", err)
			}
			return
		}
		h.handleInbound(rm, id, remoteAddr, env)
	}
}

func (h *Handler) handleInbound(rm *room.Room, id room.ConnID, remoteAddr string, env protocol.Envelope) {
	switch env.Type {
	case protocol.TypePlay:
		h.reply(rm, id, rm.Play(id))

	case protocol.TypePause:
		h.reply(rm, id, rm.Pause(id))

	case protocol.TypeSeek:
		var p protocol.SeekPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			h.sendError(rm, id, "invalid seek payload")
			return
		}
		h.reply(rm, id, rm.Seek(id, p.Position))

	case protocol.TypeSetTrack:
		var p protocol.SetTrackPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			h.sendError(rm, id, "invalid set_track payload")
			return
		}
		h.reply(rm, id, rm.SetTrack(id, p.Track, p.IsPlaying))

	case protocol.TypeNextTrack:
		h.reply(rm, id, rm.NextTrack(id))

	case protocol.TypePreviousTrack:
		h.reply(rm, id, rm.PreviousTrack(id))

	case protocol.TypeShuffleQueue:
		h.reply(rm, id, rm.ShuffleQueue(id))

	case protocol.TypeRepeatTrack:
		h.reply(rm, id, rm.RepeatTrack(id))

	case protocol.TypeDeleteItem:
		var p protocol.ItemIDPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			h.sendError(rm, id, "invalid delete_item payload")
			return
		}
		h.reply(rm, id, rm.DeleteItem(id, p.ItemID))

	case protocol.TypeReorderItem:
		var p protocol.ReorderPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			h.sendError(rm, id, "invalid reorder_item payload")
			return
		}
		h.reply(rm, id, rm.ReorderItem(id, p.ItemID, p.Direction))

	case protocol.TypeApproveItem:
		var p protocol.ItemIDPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			h.sendError(rm, id, "invalid approve_item payload")
			return
		}
		h.reply(rm, id, rm.ApproveItem(id, p.ItemID))

	case protocol.TypeAddToQueue:
		var p protocol.QueueItemPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			h.sendError(rm, id, "invalid add_to_queue payload")
			return
		}
		h.reply(rm, id, rm.AddToQueue(id, p.Item))

	case protocol.TypeAddPendingDownload:
		var p protocol.PendingDownloadPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			h.sendError(rm, id, "invalid add_pending_download payload")
			return
		}
		h.handleAddPendingDownload(rm, id, remoteAddr, p)

	case protocol.TypeSetModerator:
		var p protocol.SetModeratorPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			h.sendError(rm, id, "invalid set_moderator payload")
			return
		}
		h.reply(rm, id, rm.SetModerator(id, p.ClientIP, p.ClientPort, p.IsModerator))

	case protocol.TypeGetState:
		rm.GetState(id)

	case protocol.TypeGetQueue:
		rm.GetQueue(id)

	case protocol.TypeGetUsers:
		var p protocol.GetUsersPayload
		_ = json.Unmarshal(env.Payload, &p)
		rm.GetUsers(id, p.Page, p.Limit)

	case protocol.TypePing:
		rm.Ping(id)

	case protocol.TypeDance:
		rm.Dance(id)

	case protocol.TypeCheckRoomExists:
		var p protocol.CheckRoomExistsPayload
		_ = json.Unmarshal(env.Payload, &p)
		h.sendRoomExists(rm, id, p.Slug)

	default:
		slog.Warn("ws unknown message type", "conn_id", id, "type", env.Type)
		h.sendError(rm, id, "unsupported message type")
	}
}

// handleAddPendingDownload admits one ingest submission per client address
// at a time (spec.md §4.9), submits it to the background ingest queue, and
// patches the queue placeholder in place once the result is known.
func (h *Handler) handleAddPendingDownload(rm *room.Room, id room.ConnID, remoteAddr string, p protocol.PendingDownloadPayload) {
	if h.ingestQueue == nil || h.inFlight == nil {
		h.sendError(rm, id, "downloads are not available")
		return
	}
	if h.limiter != nil && !h.limiter.Allow(ratelimit.DefaultIdentity) {
		h.sendError(rm, id, fmt.Sprintf("rate limit exceeded, retry in %s", h.limiter.RetryAfter(ratelimit.DefaultIdentity)))
		return
	}

	taskID := h.ingestQueue.Submit(p.Item.VideoID, "bestaudio")
	trackID, ok, err := rm.AddPendingDownload(id, p, remoteAddr, h.inFlight, taskID)
	if err != nil || !ok {
		if err == nil {
			err = room.ErrBusy
		}
		h.sendError(rm, id, err.Error())
		return
	}

	go h.awaitIngest(rm, remoteAddr, taskID, trackID)
}

func (h *Handler) awaitIngest(rm *room.Room, remoteAddr, taskID, trackID string) {
	defer h.inFlight.Release(remoteAddr)

	result, err := h.ingestQueue.Await(context.Background(), taskID, ingestAwaitTimeout)
	if err != nil {
		slog.Warn("ingest failed", "task_id", taskID, "err", err)
		// Leave the placeholder in the queue as a visible failure marker
		// (spec.md §4.9 step 4) rather than removing it.
		rm.PatchItem(trackID, func(t *track.Track) bool {
			t.IsPending = false
			t.URL = ""
			return true
		})
		return
	}

	rm.PatchItem(trackID, func(t *track.Track) bool {
		t.IsPending = false
		t.URL = result.URL
		// Trim a tail-silence buffer off the reported duration (spec.md §4.9 step 3).
		t.Duration = math.Max(1, result.Duration-1.25)
		if result.Title != "" {
			t.Title = result.Title
		}
		if result.Artist != "" {
			t.Artist = result.Artist
		}
		if result.Artwork != "" {
			t.Artwork = result.Artwork
		}
		t.VideoID = ""
		return true
	})
	rm.SetFirstAvailable()
}

func (h *Handler) reply(rm *room.Room, id room.ConnID, err error) {
	if err != nil {
		h.sendError(rm, id, err.Error())
	}
}

func (h *Handler) sendError(rm *room.Room, id room.ConnID, message string) {
	rm.SendError(id, message)
}

func (h *Handler) sendRoomExists(rm *room.Room, id room.ConnID, slug string) {
	if slug == "" {
		slug = rm.Slug()
	}
	rm.SendRoomExists(id, slug, h.registry.Exists(slug))
}

func splitHostPort(addr string) (string, int) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return addr, 0
	}
	port, _ := strconv.Atoi(portStr)
	return host, port
}

// wsConn adapts a gorilla/websocket connection to room.Conn: a bounded,
// best-effort send over a buffered channel drained by writeLoop, exactly as
// the teacher's per-session Send channel decouples broadcast from transport.
type wsConn struct {
	conn   *websocket.Conn
	send   chan protocol.Envelope
	closed atomic.Bool
}

func (c *wsConn) TrySend(env protocol.Envelope) bool {
	if c.closed.Load() {
		return false
	}
	select {
	case c.send <- env:
		return true
	case <-time.After(sendTimeout):
		return false
	}
}

func (c *wsConn) IsOpen() bool {
	return !c.closed.Load()
}

func (c *wsConn) writeLoop() {
	defer c.closed.Store(true)
	for env := range c.send {
		_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		if err := c.conn.WriteJSON(env); err != nil {
			slog.Debug("ws write error", "type", env.Type, "err", err)
			return
		}
	}
}
