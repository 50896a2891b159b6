// Package ingest implements the bounded download-and-upload pipeline
// (spec.md §4.4): a fixed-size worker pool fed by a job channel buffered to
// 4096 tasks, producing idempotent blob-store uploads keyed by provider id.
// The job channel is bounded: Submit blocks while it is full.
//
// The worker pool shape — a buffered job channel drained by a fixed number
// of worker goroutines, started lazily — is grounded on the
// retrieved pack's YouTube download manager
// (other_examples/19238375_down-kingo-downkingo__internal-downloader-manager.go.go),
// adapted from its wails-event progress model to this service's
// task-id/await/status contract.
package ingest

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/MiamiMetro/jukebox/internal/blob"
	"github.com/MiamiMetro/jukebox/internal/clock"
	"github.com/MiamiMetro/jukebox/internal/media"
)

// Status is a DownloadTask's lifecycle state.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// ErrTimedOut is returned by Await when the deadline elapses before the
// task reaches a terminal state.
var ErrTimedOut = errors.New("ingest: await timed out")

// Result is the record composed on a successful download.
type Result struct {
	Success  bool
	VideoID  string
	Title    string
	Artist   string
	Duration float64
	Artwork  string
	Filename string
	URL      string
	Size     int64
	Message  string
}

// Task is one download job's full lifecycle record.
type Task struct {
	TaskID    string
	VideoID   string
	Format    string
	CreatedAt time.Time

	mu     sync.Mutex
	status Status
	result *Result
	err    string
	done   chan struct{}
}

// Snapshot is the read-only view returned by Status.
type Snapshot struct {
	Status    Status
	CreatedAt time.Time
	Result    *Result
	Error     string
}

func newTask(videoID, format string, now time.Time) *Task {
	return &Task{
		TaskID:    newID(),
		VideoID:   videoID,
		Format:    format,
		CreatedAt: now,
		status:    StatusPending,
		done:      make(chan struct{}),
	}
}

func (t *Task) snapshot() Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()
	return Snapshot{Status: t.status, CreatedAt: t.CreatedAt, Result: t.result, Error: t.err}
}

func (t *Task) complete(result Result) {
	t.mu.Lock()
	if t.status == StatusCompleted || t.status == StatusFailed {
		t.mu.Unlock()
		return
	}
	t.status = StatusCompleted
	t.result = &result
	t.mu.Unlock()
	close(t.done)
}

func (t *Task) fail(err error) {
	t.mu.Lock()
	if t.status == StatusCompleted || t.status == StatusFailed {
		t.mu.Unlock()
		return
	}
	t.status = StatusFailed
	t.err = err.Error()
	t.mu.Unlock()
	close(t.done)
}

func (t *Task) setProcessing() {
	t.mu.Lock()
	t.status = StatusProcessing
	t.mu.Unlock()
}

// Queue is the bounded worker pool. W workers process tasks FIFO; a task's
// idempotency rests on its deterministic blob key plus the blob store
// treating a duplicate upload as a no-op.
type Queue struct {
	workers   int
	provider  media.Provider
	store     *blob.Store
	clock     clock.Clock
	scratch   string // base directory for per-task scratch dirs
	maxSizeMB float64

	mu       sync.Mutex
	jobs     chan *Task
	order    []*Task // FIFO order for queue_position accounting
	byID     map[string]*Task
	started  bool
}

// NewQueue builds a Queue. Workers start lazily on the first Submit.
// maxSizeMB bounds the estimated extracted-audio size admitted for
// processing (spec.md §1/§4.3/§7.6); values <= 0 default to 50MB.
func NewQueue(workers int, provider media.Provider, store *blob.Store, c clock.Clock, scratchDir string, maxSizeMB float64) *Queue {
	if workers < 1 {
		workers = 3
	}
	if c == nil {
		c = clock.Real{}
	}
	if scratchDir == "" {
		scratchDir = os.TempDir()
	}
	if maxSizeMB <= 0 {
		maxSizeMB = 50
	}
	return &Queue{
		workers:   workers,
		provider:  provider,
		store:     store,
		clock:     c,
		scratch:   scratchDir,
		maxSizeMB: maxSizeMB,
		jobs:      make(chan *Task, 4096),
		byID:      make(map[string]*Task),
	}
}

// Submit enqueues a new download job and returns its task id. It returns
// without waiting for the job to run, but blocks while the job channel is
// full.
func (q *Queue) Submit(videoID, format string) string {
	t := newTask(videoID, format, q.clock.Now())

	q.mu.Lock()
	q.byID[t.TaskID] = t
	q.order = append(q.order, t)
	q.ensureStartedLocked()
	q.mu.Unlock()

	q.jobs <- t
	slog.Info("ingest task submitted", "task_id", t.TaskID, "video_id", videoID)
	return t.TaskID
}

func (q *Queue) ensureStartedLocked() {
	if q.started {
		return
	}
	q.started = true
	for i := 0; i < q.workers; i++ {
		go q.worker(i)
	}
}

// Await blocks until taskID reaches a terminal state or timeout elapses.
func (q *Queue) Await(ctx context.Context, taskID string, timeout time.Duration) (Result, error) {
	q.mu.Lock()
	t, ok := q.byID[taskID]
	q.mu.Unlock()
	if !ok {
		return Result{}, fmt.Errorf("ingest: unknown task %s", taskID)
	}

	select {
	case <-t.done:
		snap := t.snapshot()
		if snap.Status == StatusFailed {
			return Result{}, fmt.Errorf("ingest: task %s failed: %s", taskID, snap.Error)
		}
		return *snap.Result, nil
	case <-time.After(timeout):
		return Result{}, ErrTimedOut
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

// Status returns taskID's current snapshot plus its best-effort queue
// position (count of still-pending tasks ahead of it).
func (q *Queue) Status(taskID string) (Snapshot, int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	t, ok := q.byID[taskID]
	if !ok {
		return Snapshot{}, 0, fmt.Errorf("ingest: unknown task %s", taskID)
	}

	position := 0
	for _, other := range q.order {
		if other == t {
			break
		}
		if other.snapshot().Status == StatusPending {
			position++
		}
	}
	return t.snapshot(), position, nil
}

func (q *Queue) worker(id int) {
	for t := range q.jobs {
		q.process(t)
	}
	_ = id
}

// process implements the worker protocol of spec.md §4.4 steps 1-5.
func (q *Queue) process(t *Task) {
	t.setProcessing()
	ctx := context.Background()
	key := blobKey(t.VideoID)

	if exists, err := q.store.Exists(ctx, key); err == nil && exists {
		info, infoErr := q.provider.Info(ctx, t.VideoID, false)
		if infoErr != nil {
			t.fail(fmt.Errorf("fetch metadata for existing upload: %w", infoErr))
			return
		}
		t.complete(Result{
			Success:  true,
			VideoID:  t.VideoID,
			Title:    info.Title,
			Artist:   info.Artist,
			Duration: info.Duration,
			Artwork:  info.Thumbnail,
			Filename: key,
			URL:      q.store.PublicURL(key),
			Message:  "File already exists in storage",
		})
		return
	}

	estBytes, overLimit, _, err := q.provider.SizeEstimate(ctx, t.VideoID, q.maxSizeMB)
	if err != nil {
		t.fail(fmt.Errorf("estimate size: %w", err))
		return
	}
	if overLimit {
		t.fail(fmt.Errorf("estimated size exceeds the %.0fMB limit", q.maxSizeMB))
		return
	}
	slog.Debug("ingest size estimate admitted", "task_id", t.TaskID, "video_id", t.VideoID, "bytes", estBytes)

	scratchDir, err := os.MkdirTemp(q.scratch, "ingest-*")
	if err != nil {
		t.fail(fmt.Errorf("create scratch directory: %w", err))
		return
	}
	defer os.RemoveAll(scratchDir)

	extracted, err := q.provider.ExtractAudio(ctx, t.VideoID, t.Format, scratchDir)
	if err != nil {
		t.fail(fmt.Errorf("extract audio: %w", err))
		return
	}

	data, err := os.ReadFile(extracted.LocalPath)
	if err != nil {
		t.fail(fmt.Errorf("read extracted audio: %w", err))
		return
	}

	if err := q.store.Upload(ctx, key, data, "audio/mpeg", true); err != nil {
		t.fail(fmt.Errorf("upload to blob store: %w", err))
		return
	}

	t.complete(Result{
		Success:  true,
		VideoID:  t.VideoID,
		Title:    extracted.Title,
		Artist:   extracted.Artist,
		Duration: extracted.Duration,
		Artwork:  extracted.Artwork,
		Filename: key,
		URL:      q.store.PublicURL(key),
		Size:     int64(len(data)),
	})
	slog.Info("ingest task completed", "task_id", t.TaskID, "video_id", t.VideoID, "size", len(data))
}

func blobKey(videoID string) string {
	return "yt-" + videoID + ".mp3"
}

func newID() string {
	var raw [8]byte
	_, _ = rand.Read(raw[:])
	return hex.EncodeToString(raw[:])
}
