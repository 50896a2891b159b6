// Package room implements the per-room state machine (spec.md §4.5): queue
// mutation, playback timeline, role-based authorization, host succession,
// roster pagination, and fan-out broadcast with per-connection liveness.
//
// Grounded on the teacher's internal/core.ChannelState and room.Room: a
// single mutex guards a small set of maps/fields, every cross-goroutine
// mutation goes through an exported method, and broadcast fans out over a
// per-connection outbound channel so one slow client cannot stall the room.
package room

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/MiamiMetro/jukebox/internal/clock"
	"github.com/MiamiMetro/jukebox/internal/playback"
	"github.com/MiamiMetro/jukebox/internal/protocol"
	"github.com/MiamiMetro/jukebox/internal/track"
)

// Role is a user's authorization level within a room.
type Role string

const (
	RoleHost      Role = "host"
	RoleModerator Role = "moderator"
	RoleListener  Role = "listener"
)

// Operation names an authorization-gated action (spec.md §4.5).
type Operation string

const (
	OpPlaybackControl Operation = "playback-control"
	OpQueueEdit        Operation = "queue-edit"
	OpSetModerator     Operation = "set-moderator"
)

// Sentinel errors surfaced to the session layer as "error" envelopes.
var (
	ErrAuthorization = errors.New("only hosts and moderators may do that")
	ErrSetModeratorRequiresHost = errors.New("only the host may change moderators")
	ErrNotConnected  = errors.New("transport is not connected")
	ErrUnknownConn   = errors.New("unknown connection")
	ErrBusy          = errors.New("an ingest is already in progress for this connection")
	ErrCannotTargetHost = errors.New("cannot change the host's role")
	ErrNoCurrentTrack = errors.New("no track is currently playing")
)

// ConnID identifies one joined connection within a room.
type ConnID string

// Conn is the minimal transport capability the room needs: a best-effort
// send that waits at most a bounded time, and a liveness check. The session layer's websocket
// connection implements this by draining a buffered channel into
// conn.WriteJSON, exactly as the teacher's per-session Send channel does.
type Conn interface {
	TrySend(env protocol.Envelope) bool
	IsOpen() bool
}

// User is one connected participant (spec.md §3).
type User struct {
	ID       ConnID
	Conn     Conn
	Name     string
	Role     Role
	AddrHost string
	AddrPort int
}

// Addr renders the user's client address as host:port for logging/matching.
func (u *User) Addr() string {
	if u.AddrPort == 0 {
		return u.AddrHost
	}
	return fmt.Sprintf("%s:%d", u.AddrHost, u.AddrPort)
}

// Room is one slug's authoritative playback state, queue, and roster.
type Room struct {
	mu    sync.Mutex
	clock clock.Clock

	slug      string
	createdAt time.Time

	queue []track.Track
	state playback.State

	users map[ConnID]*User
	order []ConnID // insertion order, for deterministic roster pagination
	host  ConnID   // "" = none
}

// New constructs an empty room with the default PlaybackState.
func New(slug string, c clock.Clock) *Room {
	if c == nil {
		c = clock.Real{}
	}
	return &Room{
		clock:     c,
		slug:      slug,
		createdAt: c.Now(),
		users:     make(map[ConnID]*User),
	}
}

// Slug returns the room's slug.
func (r *Room) Slug() string { return r.slug }

// CreatedAt returns the room's creation instant.
func (r *Room) CreatedAt() time.Time { return r.createdAt }

// UserCount returns the number of joined users (connected or not yet reaped).
func (r *Room) UserCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.users)
}

// QueueLength returns the current queue length.
func (r *Room) QueueLength() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.queue)
}

// HasHost reports whether a connected host is currently assigned.
func (r *Room) HasHost() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.host != "" && r.users[r.host] != nil
}

// Join registers a new connection, promoting it to host if no connected
// host currently exists (spec.md §4.5 join).
func (r *Room) Join(conn Conn, name string, addrHost string, addrPort int) (ConnID, error) {
	if !conn.IsOpen() {
		return "", ErrNotConnected
	}
	if name == "" {
		name = "No name"
	}

	r.mu.Lock()
	id := ConnID(uuid.NewString())
	u := &User{ID: id, Conn: conn, Name: name, Role: RoleListener, AddrHost: addrHost, AddrPort: addrPort}

	if r.host == "" || r.users[r.host] == nil || !r.users[r.host].Conn.IsOpen() {
		u.Role = RoleHost
		r.host = id
	}
	r.users[id] = u
	r.order = append(r.order, id)
	r.mu.Unlock()

	r.broadcastUsers()
	return id, nil
}

// Leave removes conn's user, idempotently, firing host succession and a
// roster broadcast if the user was actually present (spec.md §4.5 leave).
func (r *Room) Leave(id ConnID) {
	r.mu.Lock()
	u, ok := r.users[id]
	if !ok {
		r.mu.Unlock()
		return
	}
	delete(r.users, id)
	r.removeFromOrderLocked(id)

	wasHost := r.host == id
	var newHost *User
	if wasHost {
		r.host = ""
		// First connected moderator, else first connected arbitrary user.
		for _, otherID := range r.order {
			if other := r.users[otherID]; other != nil && other.Role == RoleModerator && other.Conn.IsOpen() {
				newHost = other
				break
			}
		}
		if newHost == nil {
			for _, otherID := range r.order {
				if other := r.users[otherID]; other != nil && other.Conn.IsOpen() {
					newHost = other
					break
				}
			}
		}
		if newHost != nil {
			newHost.Role = RoleHost
			r.host = newHost.ID
		}
	}
	r.mu.Unlock()

	_ = u
	if newHost != nil {
		r.sendUserInfo(newHost.ID)
	}
	r.broadcastUsers()
}

func (r *Room) removeFromOrderLocked(id ConnID) {
	for i, other := range r.order {
		if other == id {
			r.order = append(r.order[:i], r.order[i+1:]...)
			return
		}
	}
}

// Authorize reports whether id's role permits op (spec.md §4.5 authorize).
func (r *Room) Authorize(id ConnID, op Operation) error {
	r.mu.Lock()
	u, ok := r.users[id]
	r.mu.Unlock()
	if !ok {
		return ErrUnknownConn
	}

	switch op {
	case OpSetModerator:
		if u.Role != RoleHost {
			return ErrSetModeratorRequiresHost
		}
	case OpPlaybackControl, OpQueueEdit:
		if u.Role != RoleHost && u.Role != RoleModerator {
			return ErrAuthorization
		}
	}
	return nil
}

// CheckEnded reports whether the room's current track has reached its
// natural end as of now, for the playback ticker (spec.md §4.7).
func (r *Room) CheckEnded(now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state.HasEnded(now)
}

// now is a small convenience wrapper around r.clock.Now().
func (r *Room) now() time.Time { return r.clock.Now() }

func serverTime(t time.Time) float64 {
	return float64(t.UnixNano()) / float64(time.Second)
}
