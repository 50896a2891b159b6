// Package ticker runs the server-wide playback clock: a single goroutine
// that periodically checks every room's track for natural end-of-track and
// advances it, without holding any room's lock across the check
// (spec.md §4.7).
//
// Grounded directly on the teacher's metrics.go RunMetrics: a
// time.NewTicker loop selecting on ctx.Done() versus ticker.C, generalized
// from read-only stats logging to a registry-wide snapshot-then-act pass.
package ticker

import (
	"context"
	"log/slog"
	"time"

	"github.com/MiamiMetro/jukebox/internal/clock"
	"github.com/MiamiMetro/jukebox/internal/room"
)

// DefaultInterval is the tick period used in production (spec.md §4.7).
const DefaultInterval = 1 * time.Second

// Run advances every room in reg whose current track has ended, once per
// interval, until ctx is canceled. It never holds reg's lock or a room's
// lock while evaluating another room, matching the concurrency model's
// requirement that cross-room fan-out never serialize on a single mutex.
func Run(ctx context.Context, reg *room.Registry, c clock.Clock, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultInterval
	}
	t := time.NewTicker(interval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			tick(reg, c)
		}
	}
}

func tick(reg *room.Registry, c clock.Clock) {
	now := c.Now()
	reg.Each(func(rm *room.Room) {
		if rm.CheckEnded(now) {
			rm.Advance()
			slog.Info("track advanced", "room", rm.Slug())
		}
	})
}
