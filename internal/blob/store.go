// Package blob adapts the room and ingest subsystems to Supabase Storage,
// the narrow external object-store collaborator named in the specification:
// exists, upload, info, and public_url.
package blob

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

const defaultContentType = "application/octet-stream"

// ErrNotFound is returned by Info and Exists-adjacent lookups when the key
// has no corresponding object in the bucket.
var ErrNotFound = errors.New("blob: object not found")

// Info describes one stored object.
type Info struct {
	Key         string
	SizeBytes   int64
	ContentType string
}

// Store is an HTTP client bound to one Supabase Storage bucket.
//
// The CDN domain, when set, replaces the public URL host while preserving
// the bucket/key path, matching the optional Cloudflare proxy the original
// service supports (see original_source/backend/songs_api.py's
// cloudflare_url field).
type Store struct {
	httpClient *http.Client
	baseURL    string // e.g. https://<project>.supabase.co/storage/v1
	apiKey     string
	bucket     string
	cdnDomain  string
}

// Config holds the environment-derived settings for a Store.
type Config struct {
	URL       string // SUPABASE_URL
	Key       string // SUPABASE_KEY
	Bucket    string // SUPABASE_BUCKET
	CDNDomain string // CLOUDFLARE_DOMAIN, optional
}

// NewStore builds a Store from cfg. The bucket defaults to "jukebox-tracks"
// per spec.md §6 if unset.
func NewStore(cfg Config, httpClient *http.Client) (*Store, error) {
	base := strings.TrimRight(strings.TrimSpace(cfg.URL), "/")
	if base == "" {
		return nil, fmt.Errorf("blob store: SUPABASE_URL is required")
	}
	if strings.TrimSpace(cfg.Key) == "" {
		return nil, fmt.Errorf("blob store: SUPABASE_KEY is required")
	}
	bucket := strings.TrimSpace(cfg.Bucket)
	if bucket == "" {
		bucket = "jukebox-tracks"
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 60 * time.Second}
	}

	s := &Store{
		httpClient: httpClient,
		baseURL:    base + "/storage/v1",
		apiKey:     cfg.Key,
		bucket:     bucket,
		cdnDomain:  strings.TrimSpace(cfg.CDNDomain),
	}
	slog.Info("blob store initialized", "bucket", bucket, "cdn", s.cdnDomain != "")
	return s, nil
}

// Exists reports whether key is present in the bucket.
func (s *Store) Exists(ctx context.Context, key string) (bool, error) {
	_, err := s.Info(ctx, key)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// Info fetches object metadata, returning ErrNotFound when absent.
func (s *Store) Info(ctx context.Context, key string) (Info, error) {
	reqURL := fmt.Sprintf("%s/object/info/%s/%s", s.baseURL, s.bucket, url.PathEscape(key))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return Info{}, fmt.Errorf("blob store: build info request: %w", err)
	}
	s.authorize(req)

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return Info{}, fmt.Errorf("blob store: info request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return Info{}, ErrNotFound
	}
	if resp.StatusCode != http.StatusOK {
		return Info{}, fmt.Errorf("blob store: info %s: unexpected status %d", key, resp.StatusCode)
	}

	size, _ := strconv.ParseInt(resp.Header.Get("Content-Length"), 10, 64)
	return Info{
		Key:         key,
		SizeBytes:   size,
		ContentType: resp.Header.Get("Content-Type"),
	}, nil
}

// Upload uploads bytes under key. When upsert is false and the object
// already exists, that is treated as success — the uploaded artifact is
// byte-equivalent for a given provider id (spec.md §4.2).
func (s *Store) Upload(ctx context.Context, key string, data []byte, contentType string, upsert bool) error {
	if strings.TrimSpace(contentType) == "" {
		contentType = defaultContentType
	}

	reqURL := fmt.Sprintf("%s/object/%s/%s", s.baseURL, s.bucket, url.PathEscape(key))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, reqURL, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("blob store: build upload request: %w", err)
	}
	s.authorize(req)
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("x-upsert", strconv.FormatBool(upsert))

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("blob store: upload %s: %w", key, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		slog.Info("blob uploaded", "key", key, "size", len(data))
		return nil
	case resp.StatusCode == http.StatusConflict || resp.StatusCode == http.StatusBadRequest:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		if !upsert && looksLikeDuplicate(string(body)) {
			slog.Debug("blob already exists, treating as success", "key", key)
			return nil
		}
		return fmt.Errorf("blob store: upload %s: status %d: %s", key, resp.StatusCode, body)
	default:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("blob store: upload %s: status %d: %s", key, resp.StatusCode, body)
	}
}

func looksLikeDuplicate(body string) bool {
	lower := strings.ToLower(body)
	return strings.Contains(lower, "already exists") || strings.Contains(lower, "duplicate")
}

// PublicURL returns the public URL for key, rewritten to the CDN domain
// when one is configured, preserving the bucket/key path.
func (s *Store) PublicURL(key string) string {
	path := fmt.Sprintf("/storage/v1/object/public/%s/%s", s.bucket, url.PathEscape(key))
	if s.cdnDomain == "" {
		base, err := url.Parse(s.baseURL)
		if err != nil {
			return path
		}
		return fmt.Sprintf("%s://%s%s", base.Scheme, base.Host, path)
	}
	domain := strings.TrimRight(s.cdnDomain, "/")
	if !strings.Contains(domain, "://") {
		domain = "https://" + domain
	}
	return domain + path
}

// List enumerates objects in the bucket, supplementing the original
// service's GET /api/songs listing (original_source/backend/songs_api.py).
func (s *Store) List(ctx context.Context, limit, offset int) ([]Info, error) {
	reqURL := fmt.Sprintf("%s/object/list/%s", s.baseURL, s.bucket)
	payload := fmt.Sprintf(`{"limit":%d,"offset":%d}`, limit, offset)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, reqURL, strings.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("blob store: build list request: %w", err)
	}
	s.authorize(req)
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("blob store: list request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("blob store: list: unexpected status %d", resp.StatusCode)
	}

	var rows []struct {
		Name string `json:"name"`
		Metadata struct {
			Size        int64  `json:"size"`
			ContentType string `json:"mimetype"`
		} `json:"metadata"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&rows); err != nil {
		return nil, fmt.Errorf("blob store: decode list response: %w", err)
	}

	out := make([]Info, 0, len(rows))
	for _, r := range rows {
		out = append(out, Info{Key: r.Name, SizeBytes: r.Metadata.Size, ContentType: r.Metadata.ContentType})
	}
	return out, nil
}

func (s *Store) authorize(req *http.Request) {
	req.Header.Set("Authorization", "Bearer "+s.apiKey)
	req.Header.Set("apikey", s.apiKey)
}
