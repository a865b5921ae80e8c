// Package upload runs the upload queue: it picks a strategy per file,
// drives the direct or multipart transfer, keeps live throughput telemetry,
// and cleans up remote multipart sessions on failure or removal.
package upload

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tonimelisma/crdrive/internal/api"
)

// Defaults applied when Options leaves a field zero.
const (
	DefaultMultipartThreshold  int64 = 500 << 20
	DefaultChunkSize           int64 = 500 << 20
	DefaultSpeedSampleInterval       = 500 * time.Millisecond
	defaultAbortTimeout              = 30 * time.Second
)

// ErrTaskNotFound is returned for an unknown or removed task id.
var ErrTaskNotFound = errors.New("upload: task not found")

// FilesAPI is the slice of the backend client the engine drives.
// *api.Client satisfies it.
type FilesAPI interface {
	UploadFile(ctx context.Context, up api.DirectUpload, progress api.ProgressFunc) (*api.FileItem, error)
	MultipartInit(ctx context.Context, req api.MultipartInitRequest) (*api.MultipartSession, error)
	MultipartSign(ctx context.Context, req api.SignRequest) (*api.PartAuthorization, error)
	PutPart(
		ctx context.Context, auth *api.PartAuthorization, body io.Reader, size int64, progress api.ProgressFunc,
	) (string, error)
	MultipartComplete(ctx context.Context, req api.CompleteRequest) error
	MultipartAbort(ctx context.Context, req api.AbortRequest) error
}

// Listing is the folder view that receives finished uploads.
type Listing interface {
	// Folder returns the id of the folder on display ("" for the root).
	Folder() string
	// PathString returns the displayed folder's names joined with "/".
	PathString() string
	Merge(item api.FileItem)
	Reload(ctx context.Context) error
}

// Recorder persists finished tasks.
type Recorder interface {
	Record(ctx context.Context, t Task) error
}

// Observer receives upload metrics. Optional.
type Observer interface {
	ObserveTaskFinished(strategy, status string, bytes int64, elapsed time.Duration)
	ObservePart(err error)
	ObserveAbort(err error)
}

// Options configures an Engine. Zero values select the defaults.
type Options struct {
	MultipartThreshold  int64
	DefaultChunkSize    int64
	PartConcurrency     int
	SpeedSampleInterval time.Duration
	Limiter             *BandwidthLimiter
	Listing             Listing
	Recorder            Recorder
	Observer            Observer
	Logger              *slog.Logger
}

// task is the engine-private record behind a Task snapshot. All fields
// are guarded by Engine.mu.
type task struct {
	Task

	file   File
	meter  meter
	cancel context.CancelFunc
	done   chan struct{}

	removed       bool
	sessionOpen   bool
	abortReleased bool

	// notified is the sequence number of the task's latest queued
	// notification.
	notified uint64
}

// claimAbortLocked hands out the right to abort the open multipart session
// exactly once, whether to the failing runner or to Remove.
func (t *task) claimAbortLocked() *MultipartState {
	if !t.sessionOpen || t.abortReleased || t.Multipart == nil {
		return nil
	}

	t.abortReleased = true
	m := *t.Multipart

	return &m
}

// Engine is the upload queue. Safe for concurrent use.
type Engine struct {
	files  FilesAPI
	opts   Options
	logger *slog.Logger

	nowFunc func() time.Time

	baseCtx    context.Context
	baseCancel context.CancelFunc
	wg         sync.WaitGroup

	mu      sync.Mutex
	tasks   map[string]*task
	order   []string
	subs    map[int]func(Task)
	nextSub int

	// Notifications wait in pending, in the order the changes were made,
	// until the one goroutine marked draining delivers them.
	pending   []Task
	draining  bool
	queued    uint64
	delivered uint64
	drained   *sync.Cond
}

// NewEngine creates an engine over files.
func NewEngine(files FilesAPI, opts Options) *Engine {
	if opts.MultipartThreshold <= 0 {
		opts.MultipartThreshold = DefaultMultipartThreshold
	}

	if opts.DefaultChunkSize <= 0 {
		opts.DefaultChunkSize = DefaultChunkSize
	}

	if opts.PartConcurrency <= 0 {
		opts.PartConcurrency = 1
	}

	if opts.SpeedSampleInterval <= 0 {
		opts.SpeedSampleInterval = DefaultSpeedSampleInterval
	}

	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())

	e := &Engine{
		files:      files,
		opts:       opts,
		logger:     opts.Logger,
		nowFunc:    time.Now,
		baseCtx:    ctx,
		baseCancel: cancel,
		tasks:      make(map[string]*task),
		subs:       make(map[int]func(Task)),
	}
	e.drained = sync.NewCond(&e.mu)

	return e
}

// StrategyFor returns the strategy used for a file of size bytes: multipart
// at or above the threshold, direct below it.
func (e *Engine) StrategyFor(size int64) Strategy {
	if size >= e.opts.MultipartThreshold {
		return StrategyMultipart
	}

	return StrategyDirect
}

// Submit queues file for upload into parentID under policyID and returns the
// task id at once. The transfer runs in the background; its failure shows up
// in the task's status, never here.
func (e *Engine) Submit(file File, parentID, policyID string) string {
	file.Name = normalizeName(file.Name)

	ctx, cancel := context.WithCancel(e.baseCtx)
	now := e.nowFunc()

	t := &task{
		Task: Task{
			ID:        uuid.NewString(),
			Name:      file.Name,
			Size:      file.Size,
			MimeType:  file.MimeType,
			ParentID:  parentID,
			PolicyID:  policyID,
			Strategy:  e.StrategyFor(file.Size),
			Status:    StatusPending,
			Total:     file.Size,
			StartedAt: now,
			UpdatedAt: now,
		},
		file:   file,
		meter:  meter{interval: e.opts.SpeedSampleInterval},
		cancel: cancel,
		done:   make(chan struct{}),
	}

	e.mu.Lock()
	e.tasks[t.ID] = t
	e.order = append(e.order, t.ID)
	e.enqueueLocked(t)
	e.mu.Unlock()
	e.deliver()

	e.logger.Info("upload queued",
		slog.String("task_id", t.ID),
		slog.String("name", file.Name),
		slog.Int64("size", file.Size),
		slog.String("strategy", string(t.Strategy)),
	)

	e.wg.Add(1)

	go func() {
		defer e.wg.Done()
		defer close(t.done)
		defer cancel()

		e.run(ctx, t)
		e.awaitNotified(t)
	}()

	return t.ID
}

// run drives one task to a terminal status.
func (e *Engine) run(ctx context.Context, t *task) {
	e.update(t, func(t *task) {
		t.Status = StatusUploading
		t.meter.start(e.nowFunc())
	})

	var (
		item *api.FileItem
		err  error
	)

	if t.Strategy == StrategyMultipart {
		item, err = e.runMultipart(ctx, t)
	} else {
		item, err = e.runDirect(ctx, t)
	}

	if err != nil {
		e.fail(ctx, t, err)
		return
	}

	e.complete(ctx, t, item)
}

func (e *Engine) complete(ctx context.Context, t *task, item *api.FileItem) {
	snap, ok := e.update(t, func(t *task) {
		t.Status = StatusCompleted
		t.Progress = 100
		t.Loaded = t.Total
		t.ETA = 0
		t.Message = msgCompleted
		t.sessionOpen = false

		if item != nil {
			t.FileID = item.ID
		}
	})
	if !ok {
		return
	}

	e.logger.Info("upload completed",
		slog.String("task_id", snap.ID),
		slog.String("name", snap.Name),
		slog.Int64("size", snap.Size),
	)

	e.finished(ctx, snap)
}

func (e *Engine) fail(ctx context.Context, t *task, cause error) {
	e.mu.Lock()
	removed := t.removed
	claim := t.claimAbortLocked()
	e.mu.Unlock()

	if claim != nil {
		e.abort(context.WithoutCancel(ctx), claim)
	}

	if removed {
		e.logger.Info("upload canceled", slog.String("task_id", t.ID))
		return
	}

	msg := humanMessage(cause)
	if ctx.Err() != nil {
		msg = "upload canceled"
	}

	snap, ok := e.update(t, func(t *task) {
		t.Status = StatusError
		t.Error = msg
		t.Message = msg
		t.Speed = 0
		t.ETA = 0
	})
	if !ok {
		return
	}

	e.logger.Warn("upload failed",
		slog.String("task_id", snap.ID),
		slog.String("name", snap.Name),
		slog.String("error", cause.Error()),
	)

	e.finished(ctx, snap)
}

func (e *Engine) finished(ctx context.Context, snap Task) {
	if e.opts.Observer != nil {
		e.opts.Observer.ObserveTaskFinished(string(snap.Strategy), string(snap.Status), snap.Loaded, snap.UpdatedAt.Sub(snap.StartedAt))
	}

	if e.opts.Recorder != nil {
		if err := e.opts.Recorder.Record(context.WithoutCancel(ctx), snap); err != nil {
			e.logger.Warn("recording upload history failed",
				slog.String("task_id", snap.ID),
				slog.String("error", err.Error()),
			)
		}
	}
}

// abort releases a remote multipart session, best effort.
func (e *Engine) abort(ctx context.Context, m *MultipartState) api.Outcome {
	ctx, cancel := context.WithTimeout(ctx, defaultAbortTimeout)
	defer cancel()

	err := e.files.MultipartAbort(ctx, api.AbortRequest{Key: m.Key, UploadID: m.UploadID, PolicyID: m.PolicyID})
	if err != nil {
		e.logger.Warn("multipart abort failed",
			slog.String("key", m.Key),
			slog.String("error", err.Error()),
		)
	}

	if e.opts.Observer != nil {
		e.opts.Observer.ObserveAbort(err)
	}

	return api.Outcome{Op: "abort", Err: err}
}

// humanMessage picks the most useful text for the user out of err.
func humanMessage(err error) string {
	var apiErr *api.APIError
	if errors.As(err, &apiErr) && apiErr.Message != "" {
		return apiErr.Message
	}

	return err.Error()
}

// Remove cancels the task, aborts its open multipart session if any, and
// drops it from the queue. The abort is best effort: its result is in the
// Outcome, and it happens at most once per session.
func (e *Engine) Remove(ctx context.Context, id string) api.Outcome {
	e.mu.Lock()

	t, ok := e.tasks[id]
	if !ok {
		e.mu.Unlock()
		return api.Outcome{Op: "remove", Err: ErrTaskNotFound}
	}

	delete(e.tasks, id)
	e.order = slices.DeleteFunc(e.order, func(v string) bool { return v == id })
	t.removed = true
	claim := t.claimAbortLocked()
	e.mu.Unlock()

	t.cancel()

	e.logger.Info("upload removed", slog.String("task_id", id))

	if claim != nil {
		return e.abort(ctx, claim)
	}

	return api.Outcome{Op: "remove"}
}

// ClearCompleted drops completed tasks and returns how many. Failed tasks
// stay so the user can read the error.
func (e *Engine) ClearCompleted() int {
	e.mu.Lock()
	defer e.mu.Unlock()

	n := 0

	e.order = slices.DeleteFunc(e.order, func(id string) bool {
		if e.tasks[id].Status != StatusCompleted {
			return false
		}

		delete(e.tasks, id)
		n++

		return true
	})

	return n
}

// Tasks returns snapshots of all tasks in submission order.
func (e *Engine) Tasks() []Task {
	e.mu.Lock()
	defer e.mu.Unlock()

	out := make([]Task, 0, len(e.order))
	for _, id := range e.order {
		out = append(out, e.tasks[id].Task.clone())
	}

	return out
}

// Task returns a snapshot of one task.
func (e *Engine) Task(id string) (Task, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	t, ok := e.tasks[id]
	if !ok {
		return Task{}, ErrTaskNotFound
	}

	return t.Task.clone(), nil
}

// Wait blocks until the task finishes or ctx ends, and returns its final
// snapshot. A task removed while waiting gives ErrTaskNotFound.
func (e *Engine) Wait(ctx context.Context, id string) (Task, error) {
	e.mu.Lock()
	t, ok := e.tasks[id]
	e.mu.Unlock()

	if !ok {
		return Task{}, ErrTaskNotFound
	}

	select {
	case <-t.done:
	case <-ctx.Done():
		return Task{}, fmt.Errorf("upload: waiting for %s: %w", id, ctx.Err())
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if t.removed {
		return Task{}, ErrTaskNotFound
	}

	return t.Task.clone(), nil
}

// WaitAll blocks until every submitted task has finished.
func (e *Engine) WaitAll() {
	e.wg.Wait()
}

// Close cancels every running task and waits for them. Open multipart
// sessions of canceled tasks are aborted.
func (e *Engine) Close() {
	e.baseCancel()
	e.wg.Wait()
}

// Subscribe registers fn for every task change, delivered in order and
// never concurrently. fn may call Submit, Remove or Subscribe; it must not
// wait for a task to finish. The returned func unsubscribes.
func (e *Engine) Subscribe(fn func(Task)) func() {
	e.mu.Lock()
	id := e.nextSub
	e.nextSub++
	e.subs[id] = fn
	e.mu.Unlock()

	return func() {
		e.mu.Lock()
		delete(e.subs, id)
		e.mu.Unlock()
	}
}

// update applies fn to t under the lock and notifies subscribers. Updates
// to a removed task are dropped; ok reports whether fn ran.
func (e *Engine) update(t *task, fn func(t *task)) (Task, bool) {
	e.mu.Lock()

	if t.removed {
		e.mu.Unlock()
		return Task{}, false
	}

	fn(t)
	t.UpdatedAt = e.nowFunc()
	snap := e.enqueueLocked(t)
	e.mu.Unlock()

	e.deliver()

	return snap, true
}

// enqueueLocked queues a snapshot of t for subscribers and returns it.
func (e *Engine) enqueueLocked(t *task) Task {
	snap := t.Task.clone()

	e.pending = append(e.pending, snap)
	e.queued++
	t.notified = e.queued

	return snap
}

// deliver hands queued snapshots to subscribers unless another goroutine
// already is, in which case that goroutine delivers them too. Callbacks
// run without any engine lock held.
func (e *Engine) deliver() {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.draining {
		return
	}

	e.draining = true

	for len(e.pending) > 0 {
		snap := e.pending[0]
		e.pending[0] = Task{}
		e.pending = e.pending[1:]

		fns := make([]func(Task), 0, len(e.subs))
		for _, fn := range e.subs {
			fns = append(fns, fn)
		}

		e.mu.Unlock()

		for _, fn := range fns {
			fn(snap)
		}

		e.mu.Lock()
		e.delivered++
		e.drained.Broadcast()
	}

	e.pending = nil
	e.draining = false
}

// awaitNotified blocks until every notification queued for t has been
// delivered, so subscribers have seen the final status once Wait returns.
func (e *Engine) awaitNotified(t *task) {
	e.mu.Lock()
	defer e.mu.Unlock()

	for e.delivered < t.notified {
		e.drained.Wait()
	}
}

// progress folds a cumulative byte count into the task's telemetry.
func (e *Engine) progress(t *task, loaded int64) {
	e.update(t, func(t *task) {
		t.meter.observe(&t.Task, loaded, e.nowFunc())
	})
}

func (e *Engine) setMessage(t *task, msg string) {
	e.update(t, func(t *task) { t.Message = msg })
}
