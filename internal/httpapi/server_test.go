package httpapi

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/MiamiMetro/jukebox/internal/blob"
	"github.com/MiamiMetro/jukebox/internal/clock"
	"github.com/MiamiMetro/jukebox/internal/room"
	"github.com/MiamiMetro/jukebox/internal/session"
)

func newTestServer(t *testing.T, blobs *blob.Store) *Server {
	t.Helper()
	reg := room.NewRegistry(clock.NewFake(time.Unix(0, 0)))
	ws := session.NewHandler(reg, nil, nil, nil)
	return New(reg, ws, blobs, nil)
}

func doGet(t *testing.T, srv *Server, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	rec := httptest.NewRecorder()
	srv.Echo().ServeHTTP(rec, req)
	return rec
}

func TestHandleHealthReportsBootstrapRoomCount(t *testing.T) {
	srv := newTestServer(t, nil)
	rec := doGet(t, srv, "/health")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var body healthResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Status != "ok" || body.Rooms != 13 {
		t.Fatalf("unexpected health body: %#v", body)
	}
}

func TestHandleListRoomsFiltersBySearch(t *testing.T) {
	srv := newTestServer(t, nil)
	rec := doGet(t, srv, "/api/rooms?search=room1&limit=50")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var body roomsResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	for _, r := range body.Rooms {
		if r.Slug != "room1" && r.Slug != "room10" && r.Slug != "room11" && r.Slug != "room12" && r.Slug != "room13" {
			t.Fatalf("unexpected room in filtered listing: %q", r.Slug)
		}
	}
	if len(body.Rooms) == 0 {
		t.Fatal("expected at least room1 to match search=room1")
	}
}

func TestHandleRoomUsersNotFoundForUnknownSlug(t *testing.T) {
	srv := newTestServer(t, nil)
	rec := doGet(t, srv, "/api/rooms/does-not-exist/users")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}

func TestHandleRoomUsersReturnsCounts(t *testing.T) {
	srv := newTestServer(t, nil)
	rec := doGet(t, srv, "/api/rooms/room1/users")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var body roomUsersResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Slug != "room1" || body.UserCount != 0 {
		t.Fatalf("unexpected body: %#v", body)
	}
}

func TestHandleListSongsReturns503WithoutBlobStore(t *testing.T) {
	srv := newTestServer(t, nil)
	rec := doGet(t, srv, "/api/songs")
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", rec.Code)
	}
}

func TestHandleListSongsListsBlobEntries(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/storage/v1/object/list/tracks", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`[{"name":"yt-abc.mp3","metadata":{"size":123,"mimetype":"audio/mpeg"}}]`))
	})
	blobSrv := httptest.NewServer(mux)
	defer blobSrv.Close()

	store, err := blob.NewStore(blob.Config{URL: blobSrv.URL, Key: "k", Bucket: "tracks"}, blobSrv.Client())
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}

	srv := newTestServer(t, store)
	rec := doGet(t, srv, "/api/songs")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200, body=%s", rec.Code, rec.Body.String())
	}
	var body songsResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(body.Songs) != 1 || body.Songs[0].Key != "yt-abc.mp3" {
		t.Fatalf("unexpected songs response: %#v", body)
	}
}

func TestPaginateComputesHasMore(t *testing.T) {
	start, end, hasMore := paginate(25, 0, 10)
	if start != 0 || end != 10 || !hasMore {
		t.Fatalf("page 0: got (%d,%d,%v)", start, end, hasMore)
	}
	start, end, hasMore = paginate(25, 2, 10)
	if start != 20 || end != 25 || hasMore {
		t.Fatalf("page 2: got (%d,%d,%v)", start, end, hasMore)
	}
}
