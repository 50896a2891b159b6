package room

import (
	"encoding/json"
	"fmt"
	"math/rand"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/MiamiMetro/jukebox/internal/ingest"
	"github.com/MiamiMetro/jukebox/internal/protocol"
	"github.com/MiamiMetro/jukebox/internal/track"
)

// Play starts (or resumes) playback of the current track.
func (r *Room) Play(id ConnID) error {
	if err := r.Authorize(id, OpPlaybackControl); err != nil {
		return err
	}
	r.mu.Lock()
	now := r.clock.Now()
	r.state.Play(now)
	r.mu.Unlock()
	r.broadcastState()
	return nil
}

// Pause freezes playback at the current offset.
func (r *Room) Pause(id ConnID) error {
	if err := r.Authorize(id, OpPlaybackControl); err != nil {
		return err
	}
	r.mu.Lock()
	now := r.clock.Now()
	r.state.Pause(now)
	r.mu.Unlock()
	r.broadcastState()
	return nil
}

// Seek moves the playback offset to position seconds.
func (r *Room) Seek(id ConnID, position float64) error {
	if err := r.Authorize(id, OpPlaybackControl); err != nil {
		return err
	}
	r.mu.Lock()
	now := r.clock.Now()
	r.state.Seek(now, position)
	r.mu.Unlock()
	r.broadcastState()
	return nil
}

// SetTrack installs a track directly, either a full track-like payload or a
// bare URL string, normalizing provenance to a fresh queue-local id (R3).
func (r *Room) SetTrack(id ConnID, raw json.RawMessage, isPlaying *bool) error {
	if err := r.Authorize(id, OpPlaybackControl); err != nil {
		return err
	}
	t, err := parseIncomingTrack(raw)
	if err != nil {
		return fmt.Errorf("set_track: %w", err)
	}

	playing := true
	if isPlaying != nil {
		playing = *isPlaying
	}

	r.mu.Lock()
	now := r.clock.Now()
	r.state.SetTrack(now, t, playing)
	r.mu.Unlock()
	r.broadcastState()
	return nil
}

// NextTrack advances to the next Available track after the current one,
// wrapping around the queue. Unlike PreviousTrack, unavailable entries
// (pending or awaiting approval) are skipped (spec.md §9).
func (r *Room) NextTrack(id ConnID) error {
	if err := r.Authorize(id, OpPlaybackControl); err != nil {
		return err
	}
	r.advance(true)
	return nil
}

// Advance performs the same selection as NextTrack without an
// authorization check, for use by the playback ticker.
func (r *Room) Advance() {
	r.advance(true)
}

// PreviousTrack moves to the previous queue entry, wrapping around, without
// filtering by availability (spec.md §9 asymmetry).
func (r *Room) PreviousTrack(id ConnID) error {
	if err := r.Authorize(id, OpPlaybackControl); err != nil {
		return err
	}
	r.advance(false)
	return nil
}

// advance implements the shared selection/playback-install logic for next
// and previous. forward=true filters by Available() scanning from
// (current+1) mod len; forward=false simply wraps to current-1 mod len with
// no filtering.
func (r *Room) advance(forward bool) {
	r.mu.Lock()
	now := r.clock.Now()
	n := len(r.queue)
	if n == 0 {
		r.mu.Unlock()
		return
	}

	cur := r.currentIndexLocked()
	var next int
	found := true
	if forward {
		next, found = r.firstAvailableFromLocked(cur)
	} else {
		if cur < 0 {
			cur = 0
		}
		next = ((cur-1)%n + n) % n
	}

	if found {
		t := r.queue[next].Clone()
		r.state.SetTrack(now, &t, true)
	}
	r.mu.Unlock()
	r.broadcastState()
}

// currentIndexLocked returns the queue index of the currently playing track,
// or -1 if none or not found.
func (r *Room) currentIndexLocked() int {
	if r.state.Track == nil {
		return -1
	}
	for i, t := range r.queue {
		if t.ID == r.state.Track.ID {
			return i
		}
	}
	return -1
}

// firstAvailableFromLocked scans forward from (cur+1) mod len, wrapping at
// most once, for the first Available() track.
func (r *Room) firstAvailableFromLocked(cur int) (int, bool) {
	n := len(r.queue)
	start := ((cur+1)%n + n) % n
	for i := 0; i < n; i++ {
		idx := (start + i) % n
		if r.queue[idx].Available() {
			return idx, true
		}
	}
	return 0, false
}

// ShuffleQueue randomizes queue order, pinning the currently playing track
// at the front and shuffling only the remainder (spec.md §4.5 shuffle_queue).
func (r *Room) ShuffleQueue(id ConnID) error {
	if err := r.Authorize(id, OpQueueEdit); err != nil {
		return err
	}
	r.mu.Lock()
	cur := r.currentIndexLocked()
	if cur < 0 {
		rand.Shuffle(len(r.queue), func(i, j int) {
			r.queue[i], r.queue[j] = r.queue[j], r.queue[i]
		})
	} else {
		current := r.queue[cur]
		rest := make([]track.Track, 0, len(r.queue)-1)
		rest = append(rest, r.queue[:cur]...)
		rest = append(rest, r.queue[cur+1:]...)
		rand.Shuffle(len(rest), func(i, j int) {
			rest[i], rest[j] = rest[j], rest[i]
		})
		r.queue = append([]track.Track{current}, rest...)
	}
	r.mu.Unlock()
	r.broadcastQueue()
	return nil
}

// RepeatTrack clones the currently playing track under a fresh id and
// inserts it immediately after the current track's queue position,
// broadcasting the updated queue (spec.md §4.5 repeat_track).
func (r *Room) RepeatTrack(id ConnID) error {
	if err := r.Authorize(id, OpPlaybackControl); err != nil {
		return err
	}
	r.mu.Lock()
	if r.state.Track == nil {
		r.mu.Unlock()
		return ErrNoCurrentTrack
	}
	clone := r.state.Track.Clone()
	clone.ID = uuid.NewString()
	clone.IsSuggested = false

	idx := r.currentIndexLocked()
	if idx < 0 {
		r.queue = append(r.queue, clone)
	} else {
		next := make([]track.Track, 0, len(r.queue)+1)
		next = append(next, r.queue[:idx+1]...)
		next = append(next, clone)
		next = append(next, r.queue[idx+1:]...)
		r.queue = next
	}
	r.mu.Unlock()
	r.broadcastQueue()
	return nil
}

// DeleteItem removes a queue entry by id. If the removed entry was the
// current track, a new current track is selected by the same rule NextTrack
// uses, or playback is cleared to none if nothing else is available
// (spec.md §4.5 delete_item).
func (r *Room) DeleteItem(id ConnID, itemID string) error {
	if err := r.Authorize(id, OpQueueEdit); err != nil {
		return err
	}
	r.mu.Lock()
	wasCurrent := r.state.Track != nil && r.state.Track.ID == itemID
	for i, t := range r.queue {
		if t.ID == itemID {
			r.queue = append(r.queue[:i], r.queue[i+1:]...)
			break
		}
	}
	hasAvailable := false
	if wasCurrent {
		for _, t := range r.queue {
			if t.Available() {
				hasAvailable = true
				break
			}
		}
	}
	r.mu.Unlock()
	r.broadcastQueue()

	if !wasCurrent {
		return nil
	}
	if hasAvailable {
		r.advance(true)
		return nil
	}
	r.mu.Lock()
	now := r.clock.Now()
	r.state.SetTrack(now, nil, false)
	r.mu.Unlock()
	r.broadcastState()
	return nil
}

// ReorderItem moves itemID one slot up or down within the queue.
func (r *Room) ReorderItem(id ConnID, itemID, direction string) error {
	if err := r.Authorize(id, OpQueueEdit); err != nil {
		return err
	}
	r.mu.Lock()
	idx := -1
	for i, t := range r.queue {
		if t.ID == itemID {
			idx = i
			break
		}
	}
	if idx >= 0 {
		swapWith := idx
		switch direction {
		case protocol.DirectionUp:
			swapWith = idx - 1
		case protocol.DirectionDown:
			swapWith = idx + 1
		}
		if swapWith >= 0 && swapWith < len(r.queue) {
			r.queue[idx], r.queue[swapWith] = r.queue[swapWith], r.queue[idx]
		}
	}
	r.mu.Unlock()
	r.broadcastQueue()
	return nil
}

// ApproveItem clears a suggested queue entry's pending-approval flag.
func (r *Room) ApproveItem(id ConnID, itemID string) error {
	if err := r.Authorize(id, OpQueueEdit); err != nil {
		return err
	}
	r.mu.Lock()
	for i := range r.queue {
		if r.queue[i].ID == itemID {
			r.queue[i].IsSuggested = false
			break
		}
	}
	r.mu.Unlock()
	r.broadcastQueue()
	return nil
}

// AddToQueue appends a client-supplied track-like item, assigning it a
// fresh id independent of any client-supplied id (invariant R2/R3).
func (r *Room) AddToQueue(id ConnID, item protocol.QueueItem) error {
	if err := r.Authorize(id, OpQueueEdit); err != nil {
		return err
	}
	t := track.Track{
		ID:          uuid.NewString(),
		Title:       item.Title,
		Artist:      item.Artist,
		URL:         item.URL,
		Artwork:     item.Artwork,
		Source:      item.Source,
		Duration:    item.Duration,
		IsSuggested: item.IsSuggested,
	}
	if t.Source == "" {
		t.Source = track.SourceHTML5
	}
	r.mu.Lock()
	r.queue = append(r.queue, t)
	r.mu.Unlock()
	r.broadcastQueue()
	if t.Available() {
		r.SetFirstAvailable()
	}
	return nil
}

// setFirstAvailableLocked must be called with r.mu held. If no track is
// currently selected, it installs the first Available() queue entry as
// current without starting playback, reporting whether it changed anything.
func (r *Room) setFirstAvailableLocked(now time.Time) bool {
	if r.state.Track != nil || len(r.queue) == 0 {
		return false
	}
	idx, found := r.firstAvailableFromLocked(-1)
	if !found {
		return false
	}
	t := r.queue[idx].Clone()
	r.state.SetTrack(now, &t, false)
	return true
}

// SetFirstAvailable installs the first Available() queue entry as the
// current track, without starting playback, when the room has no current
// track (spec.md §4.9: triggered after add_to_queue and ingest completion).
func (r *Room) SetFirstAvailable() {
	r.mu.Lock()
	now := r.clock.Now()
	changed := r.setFirstAvailableLocked(now)
	r.mu.Unlock()
	if changed {
		r.broadcastState()
	}
}

// AddPendingDownload appends a placeholder queue entry (IsPending=true) for
// a video being ingested, gated by addr's per-connection in-flight slot
// (spec.md §4.9). It returns the fresh queue-local track id so the caller
// can later PatchItem it once the ingest completes.
func (r *Room) AddPendingDownload(id ConnID, payload protocol.PendingDownloadPayload, addr string, inFlight *ingest.InFlight, taskID string) (trackID string, ok bool, err error) {
	if err := r.Authorize(id, OpQueueEdit); err != nil {
		return "", false, err
	}
	if !inFlight.TryAcquire(addr, taskID) {
		return "", false, ErrBusy
	}

	t := track.Track{
		ID:        uuid.NewString(),
		Title:     payload.Item.Title,
		Artist:    payload.Item.Artist,
		Artwork:   payload.Item.Artwork,
		Duration:  payload.Item.Duration,
		Source:    track.SourceYouTube,
		IsPending: true,
		VideoID:   payload.Item.VideoID,
	}

	r.mu.Lock()
	r.queue = append(r.queue, t)
	r.mu.Unlock()
	r.broadcastQueue()
	return t.ID, true, nil
}

// PatchItem applies fn to the queue entry with the given id while holding
// the room lock, broadcasting the updated queue on success. fn returns
// false if no mutation should be applied (e.g. the item is gone).
func (r *Room) PatchItem(itemID string, fn func(t *track.Track) bool) bool {
	r.mu.Lock()
	changed := false
	for i := range r.queue {
		if r.queue[i].ID == itemID {
			changed = fn(&r.queue[i])
			break
		}
	}
	r.mu.Unlock()
	if changed {
		r.broadcastQueue()
	}
	return changed
}

// RemoveItem deletes itemID from the queue regardless of caller identity and
// broadcasts the updated queue. A failed ingest does not use it: its
// placeholder stays in the queue as a failure marker.
func (r *Room) RemoveItem(itemID string) {
	r.mu.Lock()
	for i, t := range r.queue {
		if t.ID == itemID {
			r.queue = append(r.queue[:i], r.queue[i+1:]...)
			break
		}
	}
	r.mu.Unlock()
	r.broadcastQueue()
}

// SetModerator grants or revokes moderator status for the user whose
// address matches clientIP[:clientPort]. Only the host may call this.
func (r *Room) SetModerator(id ConnID, clientIP string, clientPort int, isModerator bool) error {
	if err := r.Authorize(id, OpSetModerator); err != nil {
		return err
	}
	r.mu.Lock()
	var target *User
	for _, other := range r.users {
		if other.AddrHost == clientIP && (clientPort == 0 || other.AddrPort == clientPort) {
			target = other
			break
		}
	}
	if target == nil {
		r.mu.Unlock()
		return ErrUnknownConn
	}
	if target.ID == r.host {
		r.mu.Unlock()
		return ErrCannotTargetHost
	}
	if isModerator {
		target.Role = RoleModerator
	} else {
		target.Role = RoleListener
	}
	targetID := target.ID
	r.mu.Unlock()

	r.sendUserInfo(targetID)
	r.broadcastUsers()
	return nil
}

// Dance is a no-op celebratory broadcast with no authorization requirement.
func (r *Room) Dance(id ConnID) {
	r.mu.Lock()
	now := r.clock.Now()
	u := r.users[id]
	targets := r.targetsLocked(id)
	r.mu.Unlock()
	if u == nil {
		return
	}
	r.fanout(targets, envelope(now, protocol.TypeDance, UserInfoPayload{ID: string(u.ID), Name: u.Name, Role: string(u.Role)}))
}

// Ping answers with a "pong" echo; the sender uses the round trip for
// client-side clock skew estimation against ServerTime.
func (r *Room) Ping(id ConnID) {
	r.mu.Lock()
	now := r.clock.Now()
	u := r.users[id]
	r.mu.Unlock()
	if u == nil {
		return
	}
	u.Conn.TrySend(envelope(now, protocol.TypePong, struct{}{}))
}

// GetState answers id's explicit "get_state" request with a fresh snapshot.
func (r *Room) GetState(id ConnID) {
	r.mu.Lock()
	now := r.clock.Now()
	snap := r.state.Snapshot(now)
	u := r.users[id]
	r.mu.Unlock()
	if u == nil {
		return
	}
	u.Conn.TrySend(envelope(now, protocol.TypeStateSync, stateSyncPayload(snap)))
}

// GetQueue answers id's explicit "get_queue" request.
func (r *Room) GetQueue(id ConnID) {
	r.mu.Lock()
	now := r.clock.Now()
	q := make([]track.Track, len(r.queue))
	copy(q, r.queue)
	u := r.users[id]
	r.mu.Unlock()
	if u == nil {
		return
	}
	u.Conn.TrySend(envelope(now, protocol.TypeQueueSync, QueueSyncPayload{Queue: q}))
}

// GetUsers answers id's explicit paginated "get_users" request.
func (r *Room) GetUsers(id ConnID, page, limit int) {
	r.sendUsersPage(id, page, limit)
}

// SendError sends an "error" envelope to id alone (spec.md §6).
func (r *Room) SendError(id ConnID, message string) {
	r.mu.Lock()
	now := r.clock.Now()
	u := r.users[id]
	r.mu.Unlock()
	if u == nil {
		return
	}
	u.Conn.TrySend(envelope(now, protocol.TypeError, protocol.ErrorPayload{Message: message}))
}

// SendRoomExists answers id's "check_room_exists" request.
func (r *Room) SendRoomExists(id ConnID, slug string, exists bool) {
	r.mu.Lock()
	now := r.clock.Now()
	u := r.users[id]
	r.mu.Unlock()
	if u == nil {
		return
	}
	u.Conn.TrySend(envelope(now, protocol.TypeRoomExists, RoomExistsPayload{Slug: slug, Exists: exists}))
}

// parseIncomingTrack normalizes a set_track payload, which may
// be a bare URL string or a track-like JSON object, into a fresh Track with
// a queue-local id independent of any client- or provider-supplied id
// (invariant R3). YouTube URLs are detected by host and tagged accordingly.
func parseIncomingTrack(raw json.RawMessage) (*track.Track, error) {
	trimmed := strings.TrimSpace(string(raw))
	if len(trimmed) == 0 || trimmed == "null" {
		return nil, fmt.Errorf("empty track payload")
	}

	if trimmed[0] == '"' {
		var rawURL string
		if err := json.Unmarshal(raw, &rawURL); err != nil {
			return nil, fmt.Errorf("decode url string: %w", err)
		}
		return &track.Track{
			ID:     uuid.NewString(),
			Title:  rawURL,
			URL:    rawURL,
			Source: sourceForURL(rawURL),
		}, nil
	}

	var item protocol.QueueItem
	if err := json.Unmarshal(raw, &item); err != nil {
		return nil, fmt.Errorf("decode track object: %w", err)
	}
	src := item.Source
	if src == "" {
		src = sourceForURL(item.URL)
	}
	return &track.Track{
		ID:          uuid.NewString(),
		Title:       item.Title,
		Artist:      item.Artist,
		URL:         item.URL,
		Artwork:     item.Artwork,
		Source:      src,
		Duration:    item.Duration,
		IsSuggested: item.IsSuggested,
	}, nil
}

// sourceForURL classifies a playable URL as YouTube or plain HTML5 media by
// host inspection alone; no network call is made.
func sourceForURL(rawURL string) track.Source {
	u, err := url.Parse(rawURL)
	if err != nil {
		return track.SourceHTML5
	}
	host := strings.ToLower(u.Hostname())
	if host == "youtube.com" || host == "www.youtube.com" || host == "youtu.be" || host == "m.youtube.com" {
		return track.SourceYouTube
	}
	return track.SourceHTML5
}
