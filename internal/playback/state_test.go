package playback

import (
	"testing"
	"time"

	"github.com/MiamiMetro/jukebox/internal/track"
)

func TestSetTrackResetsPositionAndPlayState(t *testing.T) {
	var s State
	now := time.Unix(1000, 0)
	tr := &track.Track{ID: "t1", Duration: 180}

	s.SetTrack(now, tr, true)

	if s.Position != 0 {
		t.Fatalf("Position = %v, want 0", s.Position)
	}
	if !s.IsPlaying {
		t.Fatal("expected IsPlaying true")
	}
	if s.StartTime == nil || !s.StartTime.Equal(now) {
		t.Fatalf("StartTime = %v, want %v", s.StartTime, now)
	}
	if s.Duration != 180 {
		t.Fatalf("Duration = %v, want 180", s.Duration)
	}
}

func TestSetTrackPausedHasNilStartTime(t *testing.T) {
	var s State
	now := time.Unix(1000, 0)
	s.SetTrack(now, &track.Track{ID: "t1"}, false)

	if s.IsPlaying {
		t.Fatal("expected IsPlaying false")
	}
	if s.StartTime != nil {
		t.Fatalf("StartTime = %v, want nil", s.StartTime)
	}
}

func TestPauseFreezesElapsedPosition(t *testing.T) {
	var s State
	start := time.Unix(1000, 0)
	s.SetTrack(start, &track.Track{ID: "t1", Duration: 180}, true)

	s.Pause(start.Add(30 * time.Second))

	if s.IsPlaying {
		t.Fatal("expected IsPlaying false after pause")
	}
	if s.StartTime != nil {
		t.Fatal("expected StartTime nil after pause")
	}
	if s.Position != 30 {
		t.Fatalf("Position = %v, want 30", s.Position)
	}
}

func TestPauseWhileAlreadyPausedIsNoOp(t *testing.T) {
	var s State
	now := time.Unix(1000, 0)
	s.SetTrack(now, &track.Track{ID: "t1"}, false)
	s.Position = 42

	s.Pause(now.Add(time.Minute))

	if s.Position != 42 {
		t.Fatalf("Position = %v, want unchanged 42", s.Position)
	}
	if s.StartTime != nil {
		t.Fatal("expected StartTime to remain nil")
	}
}

func TestPlayResumesFromStoredPosition(t *testing.T) {
	var s State
	now := time.Unix(1000, 0)
	s.SetTrack(now, &track.Track{ID: "t1", Duration: 180}, true)
	s.Pause(now.Add(45 * time.Second))

	resumeAt := now.Add(60 * time.Second)
	s.Play(resumeAt)

	if !s.IsPlaying {
		t.Fatal("expected IsPlaying true after Play")
	}
	if got := s.Elapsed(resumeAt); got != 45 {
		t.Fatalf("Elapsed at resume = %v, want 45", got)
	}
	if got := s.Elapsed(resumeAt.Add(5 * time.Second)); got != 50 {
		t.Fatalf("Elapsed 5s later = %v, want 50", got)
	}
}

func TestSeekWhilePlayingRederivesStartTime(t *testing.T) {
	var s State
	now := time.Unix(1000, 0)
	s.SetTrack(now, &track.Track{ID: "t1", Duration: 180}, true)

	s.Seek(now.Add(10*time.Second), 90)

	if got := s.Elapsed(now.Add(10 * time.Second)); got != 90 {
		t.Fatalf("Elapsed right after seek = %v, want 90", got)
	}
	if got := s.Elapsed(now.Add(20 * time.Second)); got != 100 {
		t.Fatalf("Elapsed 10s after seek = %v, want 100", got)
	}
}

func TestHasEndedAtDurationBoundary(t *testing.T) {
	var s State
	start := time.Unix(1000, 0)
	s.SetTrack(start, &track.Track{ID: "t1", Duration: 180}, true)

	if s.HasEnded(start.Add(179 * time.Second)) {
		t.Fatal("expected not ended before duration")
	}
	if !s.HasEnded(start.Add(180 * time.Second)) {
		t.Fatal("expected ended at duration boundary")
	}
}

func TestHasEndedFalseWhenPausedOrUnknownDuration(t *testing.T) {
	var s State
	start := time.Unix(1000, 0)

	s.SetTrack(start, &track.Track{ID: "t1", Duration: 0}, true)
	if s.HasEnded(start.Add(time.Hour)) {
		t.Fatal("expected HasEnded false when duration unknown")
	}

	s.SetTrack(start, &track.Track{ID: "t2", Duration: 10}, false)
	if s.HasEnded(start.Add(time.Hour)) {
		t.Fatal("expected HasEnded false while paused")
	}
}
