// Package httpapi implements the REST surface alongside the websocket
// transport: room/user listings for dashboards and the supplemented song
// catalog browse endpoint (spec.md §6, §7).
//
// Grounded directly on the teacher's internal/httpapi.Server: an Echo app
// wrapped with middleware.Recover() and a slog-based request logger,
// registering routes in one place and mounting the websocket handler
// alongside them.
package httpapi

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/MiamiMetro/jukebox/internal/blob"
	"github.com/MiamiMetro/jukebox/internal/ratelimit"
	"github.com/MiamiMetro/jukebox/internal/room"
	"github.com/MiamiMetro/jukebox/internal/session"
)

// Server is the Echo application exposing REST endpoints plus the
// websocket upgrade route.
type Server struct {
	echo     *echo.Echo
	registry *room.Registry
	blobs    *blob.Store
	limiter  *ratelimit.Limiter
}

// New constructs an Echo app with REST and websocket routes. blobs may be
// nil, in which case /api/songs responds 503 (spec.md §9: song catalog
// browsing depends on an optional blob store collaborator). limiter may be
// nil, in which case the REST surface is unthrottled.
func New(registry *room.Registry, ws *session.Handler, blobs *blob.Store, limiter *ratelimit.Limiter) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())
	e.Use(requestLogger())

	s := &Server{echo: e, registry: registry, blobs: blobs, limiter: limiter}
	s.registerRoutes(ws)
	return s
}

// requestLogger returns Echo middleware that logs each HTTP request via slog.
func requestLogger() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)
			if err != nil {
				c.Error(err)
			}

			req := c.Request()
			path := req.URL.Path
			if path == "/health" {
				slog.Debug("http request", "method", req.Method, "path", path,
					"status", c.Response().Status, "duration_ms", time.Since(start).Milliseconds())
			} else {
				slog.Info("http request", "method", req.Method, "path", path,
					"status", c.Response().Status, "duration_ms", time.Since(start).Milliseconds(),
					"remote", c.RealIP())
			}
			return nil
		}
	}
}

// Echo exposes the underlying Echo instance for tests.
func (s *Server) Echo() *echo.Echo {
	return s.echo
}

func (s *Server) registerRoutes(ws *session.Handler) {
	s.echo.GET("/health", s.handleHealth)

	// Rate limiting applies to the REST surface only; the websocket upgrade
	// route and its commands are gated separately (spec.md §7).
	api := s.echo.Group("/api", rateLimitMiddleware(s.limiter))
	api.GET("/rooms", s.handleListRooms)
	api.GET("/rooms/:slug/users", s.handleRoomUsers)
	api.GET("/songs", s.handleListSongs)

	ws.Register(s.echo)
}

// rateLimitMiddleware returns Echo middleware that answers HTTP 429 with a
// Retry-After header once identity (the client's real IP) exceeds limiter's
// sliding window. A nil limiter disables throttling.
func rateLimitMiddleware(limiter *ratelimit.Limiter) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if limiter == nil {
				return next(c)
			}
			identity := c.RealIP()
			if !limiter.Allow(identity) {
				retry := limiter.RetryAfter(identity)
				c.Response().Header().Set("Retry-After", strconv.Itoa(int(retry.Seconds()+0.5)))
				return echo.NewHTTPError(http.StatusTooManyRequests, "rate limit exceeded")
			}
			return next(c)
		}
	}
}

// Run starts Echo and blocks until ctx cancellation or startup failure.
func (s *Server) Run(ctx context.Context, addr string) error {
	errCh := make(chan error, 1)
	go func() {
		err := s.echo.Start(addr)
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		slog.Info("shutting down http server")
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.echo.Shutdown(shutCtx)
		slog.Info("http server stopped")
		return nil
	}
}

type healthResponse struct {
	Status string `json:"status"`
	Rooms  int    `json:"rooms"`
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, healthResponse{Status: "ok", Rooms: len(s.registry.List(""))})
}

type roomSummary struct {
	Slug      string    `json:"slug"`
	UserCount int       `json:"user_count"`
	QueueLen  int       `json:"queue_length"`
	CreatedAt time.Time `json:"created_at"`
	HasHost   bool      `json:"has_host"`
}

type roomsResponse struct {
	Rooms   []roomSummary `json:"rooms"`
	Total   int           `json:"total"`
	Page    int           `json:"page"`
	Limit   int           `json:"limit"`
	HasMore bool          `json:"has_more"`
}

// handleListRooms answers GET /api/rooms?page&limit&search with a paginated,
// optionally slug-filtered room listing.
func (s *Server) handleListRooms(c echo.Context) error {
	page := queryInt(c, "page", 0)
	limit := queryInt(c, "limit", 20)
	search := c.QueryParam("search")

	all := s.registry.List(search)
	start, end, hasMore := paginate(len(all), page, limit)

	rows := make([]roomSummary, 0, end-start)
	for _, rm := range all[start:end] {
		rows = append(rows, roomSummary{
			Slug:      rm.Slug,
			UserCount: rm.UserCount,
			QueueLen:  rm.QueueLen,
			CreatedAt: rm.CreatedAt,
			HasHost:   rm.HasHost,
		})
	}

	return c.JSON(http.StatusOK, roomsResponse{Rooms: rows, Total: len(all), Page: page, Limit: limit, HasMore: hasMore})
}

type roomUsersResponse struct {
	Slug      string        `json:"slug"`
	UserCount int           `json:"user_count"`
	QueueLen  int           `json:"queue_length"`
	Users     []room.UserDTO `json:"users"`
	Page      int           `json:"page"`
	Limit     int           `json:"limit"`
	HasMore   bool          `json:"has_more"`
	Total     int           `json:"total"`
}

// handleRoomUsers answers GET /api/rooms/:slug/users?page&limit with a
// single room's paginated active-user roster (spec.md §6).
func (s *Server) handleRoomUsers(c echo.Context) error {
	slug := c.Param("slug")
	if !s.registry.Exists(slug) {
		return echo.NewHTTPError(http.StatusNotFound, "room not found")
	}
	rm := s.registry.GetOrCreate(slug)

	page := queryInt(c, "page", 0)
	limit := queryInt(c, "limit", 20)
	users, total, hasMore := rm.RosterPage(page, limit)

	return c.JSON(http.StatusOK, roomUsersResponse{
		Slug:      slug,
		UserCount: rm.UserCount(),
		QueueLen:  rm.QueueLength(),
		Users:     users,
		Page:      page,
		Limit:     limit,
		HasMore:   hasMore,
		Total:     total,
	})
}

type songEntry struct {
	Key         string `json:"key"`
	URL         string `json:"url"`
	SizeBytes   int64  `json:"size_bytes"`
	ContentType string `json:"content_type"`
}

type songsResponse struct {
	Songs   []songEntry `json:"songs"`
	HasMore bool        `json:"has_more"`
}

// handleListSongs answers GET /api/songs?page&limit, listing previously
// ingested tracks from the blob store (spec.md's supplemented feature,
// grounded on original_source/backend/songs_api.py).
func (s *Server) handleListSongs(c echo.Context) error {
	if s.blobs == nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "song catalog is not configured")
	}
	page := queryInt(c, "page", 0)
	limit := queryInt(c, "limit", 50)

	infos, err := s.blobs.List(c.Request().Context(), limit, page*limit)
	if err != nil {
		slog.Error("list songs failed", "err", err)
		return echo.NewHTTPError(http.StatusInternalServerError, "list songs")
	}

	rows := make([]songEntry, 0, len(infos))
	for _, info := range infos {
		rows = append(rows, songEntry{
			Key:         info.Key,
			URL:         s.blobs.PublicURL(info.Key),
			SizeBytes:   info.SizeBytes,
			ContentType: info.ContentType,
		})
	}
	return c.JSON(http.StatusOK, songsResponse{Songs: rows, HasMore: len(rows) == limit})
}

func queryInt(c echo.Context, name string, def int) int {
	raw := c.QueryParam(name)
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return def
	}
	return n
}

func paginate(total, page, limit int) (start, end int, hasMore bool) {
	if limit <= 0 {
		limit = total
	}
	start = page * limit
	if start > total {
		start = total
	}
	end = start + limit
	if end > total {
		end = total
	}
	return start, end, end < total
}
