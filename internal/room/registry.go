package room

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/MiamiMetro/jukebox/internal/clock"
)

// bootstrapRoomCount is the number of named rooms pre-created at startup
// (spec.md §4.6), mirroring the original deployment's fixed room1..room13
// slugs rather than fully dynamic room creation.
const bootstrapRoomCount = 13

// Registry owns every live Room, keyed by slug (spec.md §4.6 RoomRegistry).
// Grounded on the teacher's server-level connection map: one RWMutex guards
// a map of independently-locked children, so registry lookups never block
// on a single room's work.
type Registry struct {
	mu    sync.RWMutex
	clock clock.Clock
	rooms map[string]*Room
}

// NewRegistry builds a Registry with the default bootstrap rooms room1..roomN
// already present, matching the original deployment's fixed slug set.
func NewRegistry(c clock.Clock) *Registry {
	if c == nil {
		c = clock.Real{}
	}
	reg := &Registry{clock: c, rooms: make(map[string]*Room)}
	for i := 1; i <= bootstrapRoomCount; i++ {
		slug := fmt.Sprintf("room%d", i)
		reg.rooms[slug] = New(slug, c)
	}
	return reg
}

// GetOrCreate returns the room for slug, creating it on first reference
// (spec.md §4.6: any slug is joinable, not only the bootstrap set).
func (reg *Registry) GetOrCreate(slug string) *Room {
	reg.mu.RLock()
	rm, ok := reg.rooms[slug]
	reg.mu.RUnlock()
	if ok {
		return rm
	}

	reg.mu.Lock()
	defer reg.mu.Unlock()
	if rm, ok = reg.rooms[slug]; ok {
		return rm
	}
	rm = New(slug, reg.clock)
	reg.rooms[slug] = rm
	return rm
}

// Exists reports whether slug currently names a room, without creating one.
func (reg *Registry) Exists(slug string) bool {
	reg.mu.RLock()
	defer reg.mu.RUnlock()
	_, ok := reg.rooms[slug]
	return ok
}

// Snapshot is a read-only summary of one room, for the REST listing API.
type Snapshot struct {
	Slug      string
	UserCount int
	QueueLen  int
	CreatedAt time.Time
	HasHost   bool
}

// List returns a deterministic snapshot of every room matching search (a
// case-insensitive substring of the slug; empty matches all), newest rooms
// first (spec.md §6: sorted by created_at descending).
func (reg *Registry) List(search string) []Snapshot {
	reg.mu.RLock()
	rooms := make([]*Room, 0, len(reg.rooms))
	for _, rm := range reg.rooms {
		rooms = append(rooms, rm)
	}
	reg.mu.RUnlock()

	out := make([]Snapshot, 0, len(rooms))
	for _, rm := range rooms {
		if search != "" && !strings.Contains(strings.ToLower(rm.Slug()), strings.ToLower(search)) {
			continue
		}
		out = append(out, Snapshot{
			Slug:      rm.Slug(),
			UserCount: rm.UserCount(),
			QueueLen:  rm.QueueLength(),
			CreatedAt: rm.CreatedAt(),
			HasHost:   rm.HasHost(),
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].Slug < out[j].Slug
	})
	return out
}

// Each calls fn for every room currently registered. Used by the playback
// ticker, which must not hold the registry lock while mutating a room.
func (reg *Registry) Each(fn func(*Room)) {
	reg.mu.RLock()
	rooms := make([]*Room, 0, len(reg.rooms))
	for _, rm := range reg.rooms {
		rooms = append(rooms, rm)
	}
	reg.mu.RUnlock()

	for _, rm := range rooms {
		fn(rm)
	}
}
