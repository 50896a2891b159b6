// Package media adapts the ingest pipeline to the external media provider —
// an assumed collaborator (spec.md §1) exposing metadata lookup, size
// estimation, and audio extraction-to-file. HTTPProvider talks to a
// metadata API over HTTP and shells out to an extraction executable,
// grounded on the request/response shapes used by the YouTube-facing
// downloader examples in the retrieved pack (e.g. the Manager/Client split
// in the down-kingo downloader manager).
package media

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os/exec"
	"path/filepath"
	"strings"
	"time"
)

// audioBitrateKbps is the fixed MP3 encode bitrate used by extraction and by
// the fallback size estimate (spec.md §4.3).
const audioBitrateKbps = 192

// SearchResult is one hit from Search. Thumbnails are always reconstructable
// from ID via ThumbnailURL, so callers must not depend on the provider
// returning one.
type SearchResult struct {
	ID        string
	Title     string
	Duration  float64
	Thumbnail string
	Channel   string
	URL       string
}

// VideoInfo is the metadata returned by Info.
type VideoInfo struct {
	ID            string
	Title         string
	Artist        string
	Duration      float64
	Thumbnail     string
	AudioBytes    int64 // reported audio-only filesize, 0 if unknown
	FormatsOmitted bool
}

// ExtractResult is the outcome of ExtractAudio.
type ExtractResult struct {
	LocalPath string
	Title     string
	Artist    string
	Duration  float64
	Artwork   string
}

// Provider is the narrow interface the ingest pipeline depends on.
type Provider interface {
	Search(ctx context.Context, query string, max int) ([]SearchResult, error)
	Info(ctx context.Context, id string, brief bool) (VideoInfo, error)
	SizeEstimate(ctx context.Context, id string, maxMB float64) (bytes int64, overLimit bool, duration float64, err error)
	ExtractAudio(ctx context.Context, id, format, destDir string) (ExtractResult, error)
}

// ThumbnailURL deterministically reconstructs a thumbnail URL from a video id.
func ThumbnailURL(id string) string {
	return fmt.Sprintf("https://i.ytimg.com/vi/%s/hqdefault.jpg", url.PathEscape(id))
}

// HTTPProvider is a Provider backed by an HTTP metadata API plus a local
// extraction executable (e.g. a yt-dlp-compatible binary).
type HTTPProvider struct {
	httpClient *http.Client
	baseURL    string
	extractBin string
}

// NewHTTPProvider builds a provider. extractBin is the path to the audio
// extraction executable invoked by ExtractAudio.
func NewHTTPProvider(baseURL, extractBin string, httpClient *http.Client) *HTTPProvider {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &HTTPProvider{
		httpClient: httpClient,
		baseURL:    strings.TrimRight(baseURL, "/"),
		extractBin: extractBin,
	}
}

// Search performs a metadata-only lookup; no network fetch of media bytes.
func (p *HTTPProvider) Search(ctx context.Context, query string, max int) ([]SearchResult, error) {
	reqURL := fmt.Sprintf("%s/search?q=%s&max=%d", p.baseURL, url.QueryEscape(query), max)
	var rows []SearchResult
	if err := p.getJSON(ctx, reqURL, &rows); err != nil {
		return nil, fmt.Errorf("media: search %q: %w", query, err)
	}
	for i := range rows {
		if rows[i].Thumbnail == "" {
			rows[i].Thumbnail = ThumbnailURL(rows[i].ID)
		}
	}
	return rows, nil
}

// Info fetches video metadata. brief omits format enumeration on the wire.
func (p *HTTPProvider) Info(ctx context.Context, id string, brief bool) (VideoInfo, error) {
	reqURL := fmt.Sprintf("%s/info/%s?brief=%t", p.baseURL, url.PathEscape(id), brief)
	var info VideoInfo
	if err := p.getJSON(ctx, reqURL, &info); err != nil {
		return VideoInfo{}, fmt.Errorf("media: info %s: %w", id, err)
	}
	if info.Thumbnail == "" {
		info.Thumbnail = ThumbnailURL(id)
	}
	return info, nil
}

// SizeEstimate implements spec.md §4.3 exactly: prefer a reported
// audio-only filesize (20% buffer); otherwise derive from duration at
// 192kbps (30% buffer). Fail-closed: unknown duration returns
// (0, true, 0, nil) and callers must block.
func (p *HTTPProvider) SizeEstimate(ctx context.Context, id string, maxMB float64) (int64, bool, float64, error) {
	info, err := p.Info(ctx, id, true)
	if err != nil {
		return 0, true, 0, err
	}

	maxBytes := int64(maxMB * 1024 * 1024)

	if info.AudioBytes > 0 {
		estimate := int64(float64(info.AudioBytes) * 1.20)
		return estimate, estimate > maxBytes, info.Duration, nil
	}

	if info.Duration <= 0 {
		return 0, true, 0, nil
	}

	raw := info.Duration * (audioBitrateKbps * 1000) / 8
	estimate := int64(raw * 1.30)
	return estimate, estimate > maxBytes, info.Duration, nil
}

// ExtractAudio downloads id and transcodes it to a single 192kbps MP3 file
// inside destDir, which the caller owns and is responsible for removing.
func (p *HTTPProvider) ExtractAudio(ctx context.Context, id, format, destDir string) (ExtractResult, error) {
	if p.extractBin == "" {
		return ExtractResult{}, fmt.Errorf("media: no extraction executable configured")
	}

	outTemplate := filepath.Join(destDir, "%(id)s.%(ext)s")
	cmd := exec.CommandContext(ctx, p.extractBin,
		"--format", format,
		"--extract-audio",
		"--audio-format", "mp3",
		"--audio-quality", fmt.Sprintf("%dK", audioBitrateKbps),
		"--output", outTemplate,
		"--print-json",
		id,
	)

	out, err := cmd.Output()
	if err != nil {
		return ExtractResult{}, fmt.Errorf("media: extract audio %s: %w", id, err)
	}

	var meta struct {
		Title     string  `json:"title"`
		Artist    string  `json:"artist"`
		Duration  float64 `json:"duration"`
		Thumbnail string  `json:"thumbnail"`
		Filename  string  `json:"_filename"`
	}
	if err := json.Unmarshal(lastJSONLine(out), &meta); err != nil {
		return ExtractResult{}, fmt.Errorf("media: parse extraction output for %s: %w", id, err)
	}

	localPath := meta.Filename
	if localPath == "" {
		localPath = filepath.Join(destDir, id+".mp3")
	}

	return ExtractResult{
		LocalPath: localPath,
		Title:     meta.Title,
		Artist:    meta.Artist,
		Duration:  meta.Duration,
		Artwork:   meta.Thumbnail,
	}, nil
}

func (p *HTTPProvider) getJSON(ctx context.Context, reqURL string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return err
	}
	resp, err := p.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return fmt.Errorf("unexpected status %d: %s", resp.StatusCode, body)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func lastJSONLine(out []byte) []byte {
	lines := strings.Split(strings.TrimSpace(string(out)), "\n")
	if len(lines) == 0 {
		return out
	}
	return []byte(lines[len(lines)-1])
}
