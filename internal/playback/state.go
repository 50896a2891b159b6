// Package playback implements the per-room authoritative PlaybackState
// (spec.md §3) and its invariant-preserving transitions (spec.md §4.5).
package playback

import (
	"time"

	"github.com/MiamiMetro/jukebox/internal/track"
)

// State is one room's playback timeline. A zero State represents "no track,
// paused" and already satisfies invariants I1-I4.
type State struct {
	Track     *track.Track
	IsPlaying bool
	StartTime *time.Time // non-nil iff IsPlaying (invariant I1)
	Position  float64    // seconds; authoritative only while paused
	Duration  float64    // mirrors Track.Duration (invariant I4)
}

// Snapshot is the wire-ready view of State with Position resolved against now.
type Snapshot struct {
	Track     *track.Track
	IsPlaying bool
	StartTime *time.Time
	Position  float64
	Duration  float64
}

// SetTrack installs t (or clears the current track when t is nil), resetting
// position to zero and setting play state per invariant I3.
func (s *State) SetTrack(now time.Time, t *track.Track, playing bool) {
	s.Track = t
	s.Position = 0
	s.IsPlaying = playing
	if t != nil {
		s.Duration = t.Duration
	} else {
		s.Duration = 0
	}
	if playing {
		st := now
		s.StartTime = &st
	} else {
		s.StartTime = nil
	}
}

// Play transitions to playing, deriving StartTime from the current position
// so elapsed time continues seamlessly.
func (s *State) Play(now time.Time) {
	if s.IsPlaying {
		return
	}
	st := now.Add(-time.Duration(s.Position * float64(time.Second)))
	s.StartTime = &st
	s.IsPlaying = true
}

// Pause freezes Position at the current elapsed offset. Calling Pause while
// already paused is a documented no-op on the stored state (StartTime stays
// nil, Position unchanged) — callers still broadcast the envelope for UI
// reconciliation (spec.md §9).
func (s *State) Pause(now time.Time) {
	if s.IsPlaying {
		s.Position = s.elapsed(now)
		s.IsPlaying = false
		s.StartTime = nil
	}
}

// Seek sets Position directly, re-deriving StartTime if currently playing.
func (s *State) Seek(now time.Time, pos float64) {
	s.Position = pos
	if s.IsPlaying {
		st := now.Add(-time.Duration(pos * float64(time.Second)))
		s.StartTime = &st
	}
}

// elapsed returns the current playback offset in seconds, whether playing or paused.
func (s *State) elapsed(now time.Time) float64 {
	if s.IsPlaying && s.StartTime != nil {
		return now.Sub(*s.StartTime).Seconds()
	}
	return s.Position
}

// Elapsed exposes elapsed for callers outside the package (ticker, get_state).
func (s *State) Elapsed(now time.Time) float64 {
	return s.elapsed(now)
}

// HasEnded reports whether a playing track with known duration has reached
// its end at now (spec.md §4.7).
func (s *State) HasEnded(now time.Time) bool {
	if !s.IsPlaying || s.StartTime == nil || s.Duration <= 0 {
		return false
	}
	return now.Sub(*s.StartTime).Seconds() >= s.Duration
}

// Snapshot captures a consistent view of the state for broadcast.
func (s *State) Snapshot(now time.Time) Snapshot {
	pos := s.elapsed(now)
	return Snapshot{
		Track:     s.Track,
		IsPlaying: s.IsPlaying,
		StartTime: s.StartTime,
		Position:  pos,
		Duration:  s.Duration,
	}
}
