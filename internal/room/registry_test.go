package room

import (
	"testing"
	"time"

	"github.com/MiamiMetro/jukebox/internal/clock"
)

func TestNewRegistryBootstrapsDefaultRooms(t *testing.T) {
	reg := NewRegistry(clock.NewFake(time.Unix(0, 0)))

	if !reg.Exists("room1") || !reg.Exists("room13") {
		t.Fatal("expected room1..room13 to be pre-created")
	}
	if reg.Exists("room14") {
		t.Fatal("did not expect room14 to exist before first reference")
	}
}

func TestGetOrCreateCreatesOnDemand(t *testing.T) {
	reg := NewRegistry(clock.NewFake(time.Unix(0, 0)))

	if reg.Exists("lobby") {
		t.Fatal("lobby should not exist yet")
	}
	rm := reg.GetOrCreate("lobby")
	if rm.Slug() != "lobby" {
		t.Fatalf("Slug() = %q, want lobby", rm.Slug())
	}
	if !reg.Exists("lobby") {
		t.Fatal("expected lobby to exist after GetOrCreate")
	}
	if again := reg.GetOrCreate("lobby"); again != rm {
		t.Fatal("expected GetOrCreate to return the same room on repeat calls")
	}
}

func TestListFiltersBySubstringAndSorts(t *testing.T) {
	reg := NewRegistry(clock.NewFake(time.Unix(0, 0)))
	reg.GetOrCreate("jazz-lounge")
	reg.GetOrCreate("Jazz-Annex")

	snaps := reg.List("jazz")
	if len(snaps) != 2 {
		t.Fatalf("expected 2 matches for 'jazz', got %d: %#v", len(snaps), snaps)
	}
	if snaps[0].Slug > snaps[1].Slug {
		t.Fatalf("expected slug-sorted output, got %q then %q", snaps[0].Slug, snaps[1].Slug)
	}

	all := reg.List("")
	if len(all) != bootstrapRoomCount+2 {
		t.Fatalf("expected %d rooms total, got %d", bootstrapRoomCount+2, len(all))
	}
}

func TestEachVisitsEveryRoomOutsideTheLock(t *testing.T) {
	reg := NewRegistry(clock.NewFake(time.Unix(0, 0)))

	visited := 0
	reg.Each(func(rm *Room) {
		visited++
		reg.Exists(rm.Slug())
	})
	if visited != bootstrapRoomCount {
		t.Fatalf("visited = %d, want %d", visited, bootstrapRoomCount)
	}
}
