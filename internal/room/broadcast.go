package room

import (
	"encoding/json"
	"time"

	"github.com/MiamiMetro/jukebox/internal/playback"
	"github.com/MiamiMetro/jukebox/internal/protocol"
	"github.com/MiamiMetro/jukebox/internal/track"
)

// usersPageSize is the fixed roster page size used by unsolicited roster
// broadcasts (spec.md §4.5 broadcast_users).
const usersPageSize = 10

// StateSyncPayload is the wire shape of a "state_sync" envelope.
type StateSyncPayload struct {
	Track     *track.Track `json:"track"`
	IsPlaying bool         `json:"is_playing"`
	Position  float64      `json:"position"`
	Duration  float64      `json:"duration"`
}

// QueueSyncPayload is the wire shape of a "queue_sync" envelope.
type QueueSyncPayload struct {
	Queue []track.Track `json:"queue"`
}

// UserDTO is one roster entry on the wire.
type UserDTO struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Role string `json:"role"`
}

// UsersSyncPayload is the wire shape of a "users_sync" envelope.
type UsersSyncPayload struct {
	Users   []UserDTO `json:"users"`
	Total   int       `json:"total"`
	Page    int       `json:"page"`
	Limit   int       `json:"limit"`
	HasMore bool      `json:"has_more"`
}

// UserInfoPayload is sent to one user whose role has just changed.
type UserInfoPayload struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Role string `json:"role"`
}

// RoomExistsPayload answers "check_room_exists".
type RoomExistsPayload struct {
	Slug   string `json:"slug"`
	Exists bool   `json:"exists"`
}

func mustPayload(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		// Every payload type here is a plain struct of marshalable fields.
		panic(err)
	}
	return b
}

func envelope(now time.Time, typ string, payload any) protocol.Envelope {
	return protocol.Envelope{Type: typ, Payload: mustPayload(payload), ServerTime: serverTime(now)}
}

func stateSyncPayload(snap playback.Snapshot) StateSyncPayload {
	return StateSyncPayload{Track: snap.Track, IsPlaying: snap.IsPlaying, Position: snap.Position, Duration: snap.Duration}
}

type target struct {
	id   ConnID
	conn Conn
}

// targetsLocked must be called with r.mu held. It returns every connected
// user except excludeID.
func (r *Room) targetsLocked(excludeID ConnID) []target {
	out := make([]target, 0, len(r.users))
	for _, id := range r.order {
		if id == excludeID {
			continue
		}
		u := r.users[id]
		if u == nil {
			continue
		}
		out = append(out, target{id: id, conn: u.Conn})
	}
	return out
}

// fanout sends env to every target outside the room lock, then reaps any
// connection that is closed or refuses the send (spec.md §4.5 broadcast).
func (r *Room) fanout(targets []target, env protocol.Envelope) {
	var dead []ConnID
	for _, t := range targets {
		if !t.conn.IsOpen() || !t.conn.TrySend(env) {
			dead = append(dead, t.id)
		}
	}
	for _, id := range dead {
		r.Leave(id)
	}
}

// broadcastState sends "state_sync" to every connected user.
func (r *Room) broadcastState() {
	r.mu.Lock()
	now := r.clock.Now()
	snap := r.state.Snapshot(now)
	targets := r.targetsLocked("")
	r.mu.Unlock()

	r.fanout(targets, envelope(now, protocol.TypeStateSync, stateSyncPayload(snap)))
}

// broadcastQueue sends "queue_sync" to every connected user.
func (r *Room) broadcastQueue() {
	r.mu.Lock()
	now := r.clock.Now()
	q := make([]track.Track, len(r.queue))
	copy(q, r.queue)
	targets := r.targetsLocked("")
	r.mu.Unlock()

	r.fanout(targets, envelope(now, protocol.TypeQueueSync, QueueSyncPayload{Queue: q}))
}

// broadcastUsers sends page 0 of the roster, fixed at usersPageSize, to
// every connected user (spec.md §4.5 broadcast_users).
func (r *Room) broadcastUsers() {
	r.mu.Lock()
	now := r.clock.Now()
	page, total, hasMore := r.rosterPageLocked(0, usersPageSize)
	targets := r.targetsLocked("")
	r.mu.Unlock()

	payload := UsersSyncPayload{Users: page, Total: total, Page: 0, Limit: usersPageSize, HasMore: hasMore}
	r.fanout(targets, envelope(now, protocol.TypeUsersSync, payload))
}

// sendUsersPage answers one connection's explicit "get_users" request.
func (r *Room) sendUsersPage(id ConnID, page, limit int) {
	if limit <= 0 {
		limit = usersPageSize
	}
	r.mu.Lock()
	now := r.clock.Now()
	rows, total, hasMore := r.rosterPageLocked(page, limit)
	u := r.users[id]
	r.mu.Unlock()
	if u == nil {
		return
	}
	payload := UsersSyncPayload{Users: rows, Total: total, Page: page, Limit: limit, HasMore: hasMore}
	u.Conn.TrySend(envelope(now, protocol.TypeUsersSync, payload))
}

// RosterPage returns one page of the roster without requiring a live
// connection, for the REST users listing (spec.md §6).
func (r *Room) RosterPage(page, limit int) ([]UserDTO, int, bool) {
	if limit <= 0 {
		limit = usersPageSize
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rosterPageLocked(page, limit)
}

// rosterPageLocked must be called with r.mu held.
func (r *Room) rosterPageLocked(page, limit int) ([]UserDTO, int, bool) {
	total := len(r.order)
	start := page * limit
	if start > total {
		start = total
	}
	end := start + limit
	if end > total {
		end = total
	}
	rows := make([]UserDTO, 0, end-start)
	for _, id := range r.order[start:end] {
		u := r.users[id]
		if u == nil {
			continue
		}
		rows = append(rows, UserDTO{ID: string(u.ID), Name: u.Name, Role: string(u.Role)})
	}
	return rows, total, end < total
}

// sendUserInfo sends "user_info" to id alone, used after a role change.
func (r *Room) sendUserInfo(id ConnID) {
	r.mu.Lock()
	now := r.clock.Now()
	u := r.users[id]
	r.mu.Unlock()
	if u == nil {
		return
	}
	payload := UserInfoPayload{ID: string(u.ID), Name: u.Name, Role: string(u.Role)}
	u.Conn.TrySend(envelope(now, protocol.TypeUserInfo, payload))
}
