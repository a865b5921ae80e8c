package upload

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/cookiejar"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tonimelisma/crdrive/internal/api"
	"github.com/tonimelisma/crdrive/internal/session"
	"github.com/tonimelisma/crdrive/testutil"
)

var _ FilesAPI = (*api.Client)(nil)

// fakeListing records merges and reloads.
type fakeListing struct {
	mu      sync.Mutex
	folder  string
	path    string
	merged  []api.FileItem
	reloads int
}

func (f *fakeListing) Folder() string     { return f.folder }
func (f *fakeListing) PathString() string { return f.path }

func (f *fakeListing) Merge(item api.FileItem) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.merged = append(f.merged, item)
}

func (f *fakeListing) Reload(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.reloads++

	return nil
}

type recordingRecorder struct {
	mu    sync.Mutex
	tasks []Task
}

func (r *recordingRecorder) Record(_ context.Context, t Task) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.tasks = append(r.tasks, t)

	return nil
}

// loggedInClient returns an API client with a live session on backend.
func loggedInClient(t *testing.T, backend *testutil.Backend) *api.Client {
	t.Helper()

	jar, err := cookiejar.New(nil)
	require.NoError(t, err)

	hc := &http.Client{Jar: jar}
	store := session.NewStore(api.NewAuthClient(backend.URL(), hc, nil, ""), session.Options{})

	_, err = store.Login(context.Background(), api.Credentials{Email: backend.Email, Password: backend.Password})
	require.NoError(t, err)

	return api.NewClient(backend.URL(), hc, store, nil, "")
}

func waitDone(t *testing.T, e *Engine, id string) Task {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	task, err := e.Wait(ctx, id)
	require.NoError(t, err)

	return task
}

func payload(n int) []byte {
	return bytes.Repeat([]byte("0123456789abcdef"), n/16+1)[:n]
}

func TestStrategyFor_Threshold(t *testing.T) {
	e := NewEngine(nil, Options{MultipartThreshold: 1000})

	assert.Equal(t, StrategyDirect, e.StrategyFor(999))
	assert.Equal(t, StrategyMultipart, e.StrategyFor(1000), "at the threshold goes multipart")
	assert.Equal(t, StrategyMultipart, e.StrategyFor(1001))

	def := NewEngine(nil, Options{})
	assert.Equal(t, StrategyDirect, def.StrategyFor(DefaultMultipartThreshold-1))
	assert.Equal(t, StrategyMultipart, def.StrategyFor(DefaultMultipartThreshold))
}

func TestDirect_SuccessMergesIntoVisibleFolder(t *testing.T) {
	backend := testutil.NewBackend(t)
	listing := &fakeListing{folder: "d1"}
	rec := &recordingRecorder{}

	e := NewEngine(loggedInClient(t, backend), Options{Listing: listing, Recorder: rec})

	id := e.Submit(BytesFile("notes.txt", payload(5000)), "d1", "")
	task := waitDone(t, e, id)

	assert.Equal(t, StatusCompleted, task.Status)
	assert.Equal(t, 100, task.Progress)
	assert.Equal(t, int64(5000), task.Loaded)
	assert.Equal(t, StrategyDirect, task.Strategy)
	assert.NotEmpty(t, task.FileID)
	assert.Equal(t, int64(5000), backend.UploadedBytes())

	require.Len(t, listing.merged, 1)
	assert.Equal(t, "notes.txt", listing.merged[0].Name)

	require.Len(t, rec.tasks, 1)
	assert.Equal(t, StatusCompleted, rec.tasks[0].Status)
}

func TestDirect_OtherFolderNotMerged(t *testing.T) {
	backend := testutil.NewBackend(t)
	listing := &fakeListing{folder: "elsewhere"}

	e := NewEngine(loggedInClient(t, backend), Options{Listing: listing})

	task := waitDone(t, e, e.Submit(BytesFile("a.bin", payload(10)), "d1", ""))

	assert.Equal(t, StatusCompleted, task.Status)
	assert.Empty(t, listing.merged)
}

func TestDirect_FailureSetsError(t *testing.T) {
	backend := testutil.NewBackend(t)
	backend.FailUpload = true
	rec := &recordingRecorder{}

	e := NewEngine(loggedInClient(t, backend), Options{Recorder: rec})

	task := waitDone(t, e, e.Submit(BytesFile("a.bin", payload(10)), "", ""))

	assert.Equal(t, StatusError, task.Status)
	assert.Equal(t, "storage unavailable", task.Error)
	assert.Less(t, task.Progress, 100)

	require.Len(t, rec.tasks, 1)
	assert.Equal(t, StatusError, rec.tasks[0].Status)
}

func TestMultipart_SequentialPartsInOrder(t *testing.T) {
	backend := testutil.NewBackend(t)
	backend.ChunkSize = 1024
	backend.PolicyOverride = "p-cos"
	listing := &fakeListing{folder: "d1", path: "docs/reports"}

	e := NewEngine(loggedInClient(t, backend), Options{MultipartThreshold: 2000, Listing: listing})

	id := e.Submit(BytesFile("big.bin", payload(3000)), "d1", "p-local")
	task := waitDone(t, e, id)

	require.Equal(t, StatusCompleted, task.Status, task.Error)
	assert.Equal(t, StrategyMultipart, task.Strategy)
	assert.Equal(t, "completed", task.Message)

	inits := backend.Inits()
	require.Len(t, inits, 1)
	assert.Equal(t, "docs/reports", inits[0].Path)
	assert.Equal(t, "big.bin", inits[0].Filename)
	assert.Equal(t, int64(3000), inits[0].Size)
	assert.Equal(t, "p-local", inits[0].PolicyID)

	assert.Equal(t, []int{1, 2, 3}, backend.SignedParts())
	assert.Equal(t, int64(1024), backend.PartBytes(1))
	assert.Equal(t, int64(1024), backend.PartBytes(2))
	assert.Equal(t, int64(952), backend.PartBytes(3))

	completes := backend.Completes()
	require.Len(t, completes, 1)
	assert.Equal(t, []testutil.CompletedPart{
		{PartNumber: 1, ETag: "etag-1"},
		{PartNumber: 2, ETag: "etag-2"},
		{PartNumber: 3, ETag: "etag-3"},
	}, completes[0].Parts)
	assert.Equal(t, "p-cos", completes[0].PolicyID, "complete uses the effective policy from init")
	assert.Equal(t, "d1", completes[0].ParentID)

	assert.Empty(t, backend.Aborts())
	assert.Equal(t, 1, listing.reloads)

	for _, h := range backend.AuthHeaders() {
		assert.Contains(t, h, "q-sign-")
	}
}

func TestMultipart_DefaultChunkFallback(t *testing.T) {
	backend := testutil.NewBackend(t) // ChunkSize 0

	e := NewEngine(loggedInClient(t, backend), Options{MultipartThreshold: 100, DefaultChunkSize: 400})

	task := waitDone(t, e, e.Submit(BytesFile("x.bin", payload(1000)), "", ""))

	require.Equal(t, StatusCompleted, task.Status, task.Error)
	assert.Equal(t, []int{1, 2, 3}, backend.SignedParts())
	assert.Equal(t, int64(200), backend.PartBytes(3))
}

func TestMultipart_PartFailureAbortsOnce(t *testing.T) {
	backend := testutil.NewBackend(t)
	backend.ChunkSize = 100
	backend.FailPart = 2
	rec := &recordingRecorder{}

	e := NewEngine(loggedInClient(t, backend), Options{MultipartThreshold: 100, Recorder: rec})

	task := waitDone(t, e, e.Submit(BytesFile("x.bin", payload(500)), "", ""))

	assert.Equal(t, StatusError, task.Status)
	assert.Equal(t, "upload failed: HTTP 403 Forbidden (AccessDenied: Request has expired)", task.Error)
	assert.Equal(t, []int{1, 2}, backend.SignedParts(), "no part after the failed one")
	assert.Empty(t, backend.Completes())

	aborts := backend.Aborts()
	require.Len(t, aborts, 1)
	assert.Equal(t, "obj-1", aborts[0].Key)
	assert.Equal(t, "upload-1", aborts[0].UploadID)

	// Removing the failed task does not abort again.
	assert.True(t, e.Remove(context.Background(), task.ID).OK())
	assert.Len(t, backend.Aborts(), 1)
}

func TestMultipart_AbortFailureKeepsOriginalError(t *testing.T) {
	backend := testutil.NewBackend(t)
	backend.ChunkSize = 100
	backend.FailPart = 1
	backend.FailAbort = true

	e := NewEngine(loggedInClient(t, backend), Options{MultipartThreshold: 100})

	task := waitDone(t, e, e.Submit(BytesFile("x.bin", payload(300)), "", ""))

	assert.Equal(t, StatusError, task.Status)
	assert.Contains(t, task.Error, "AccessDenied")
	assert.Len(t, backend.Aborts(), 1)
}

func TestMultipart_MissingETagFails(t *testing.T) {
	backend := testutil.NewBackend(t)
	backend.ChunkSize = 100
	backend.OmitETag = true

	e := NewEngine(loggedInClient(t, backend), Options{MultipartThreshold: 100})

	task := waitDone(t, e, e.Submit(BytesFile("x.bin", payload(300)), "", ""))

	assert.Equal(t, StatusError, task.Status)
	assert.Contains(t, task.Error, "ETag")
	assert.Empty(t, backend.Completes())
	assert.Len(t, backend.Aborts(), 1)
}

func TestMultipart_ParallelPartsKeepOrder(t *testing.T) {
	backend := testutil.NewBackend(t)
	backend.ChunkSize = 100

	e := NewEngine(loggedInClient(t, backend), Options{MultipartThreshold: 100, PartConcurrency: 3})

	task := waitDone(t, e, e.Submit(BytesFile("x.bin", payload(450)), "", ""))

	require.Equal(t, StatusCompleted, task.Status, task.Error)
	assert.ElementsMatch(t, []int{1, 2, 3, 4, 5}, backend.SignedParts())

	completes := backend.Completes()
	require.Len(t, completes, 1)

	for i, p := range completes[0].Parts {
		assert.Equal(t, i+1, p.PartNumber)
	}
}

func TestRemove_DuringMultipartAbortsExactlyOnce(t *testing.T) {
	backend := testutil.NewBackend(t)
	backend.ChunkSize = 100

	entered := make(chan struct{})
	release := make(chan struct{})

	var once sync.Once

	backend.PartHook = func(part int) {
		if part == 1 {
			once.Do(func() { close(entered) })
			<-release
		}
	}

	defer close(release)

	e := NewEngine(loggedInClient(t, backend), Options{MultipartThreshold: 100})

	id := e.Submit(BytesFile("x.bin", payload(300)), "", "")

	select {
	case <-entered:
	case <-time.After(5 * time.Second):
		t.Fatal("part 1 never reached the storage endpoint")
	}

	out := e.Remove(context.Background(), id)
	assert.True(t, out.OK())
	assert.Equal(t, "abort", out.Op)

	e.WaitAll()

	assert.Len(t, backend.Aborts(), 1)
	assert.Empty(t, backend.Completes())
	assert.Empty(t, e.Tasks())

	_, err := e.Task(id)
	assert.ErrorIs(t, err, ErrTaskNotFound)
}

func TestRemove_Unknown(t *testing.T) {
	e := NewEngine(nil, Options{})

	out := e.Remove(context.Background(), "nope")
	assert.ErrorIs(t, out.Err, ErrTaskNotFound)
}

func TestClearCompleted_KeepsErrors(t *testing.T) {
	backend := testutil.NewBackend(t)

	e := NewEngine(loggedInClient(t, backend), Options{})

	ok := e.Submit(BytesFile("ok.bin", payload(10)), "", "")
	waitDone(t, e, ok)

	backend.FailUpload = true
	bad := e.Submit(BytesFile("bad.bin", payload(10)), "", "")
	waitDone(t, e, bad)

	assert.Equal(t, 1, e.ClearCompleted())

	tasks := e.Tasks()
	require.Len(t, tasks, 1)
	assert.Equal(t, bad, tasks[0].ID)
	assert.Equal(t, StatusError, tasks[0].Status)
}

func TestProgress_MonotonicAndCapped(t *testing.T) {
	backend := testutil.NewBackend(t)
	backend.ChunkSize = 64

	e := NewEngine(loggedInClient(t, backend), Options{MultipartThreshold: 100})

	var (
		mu    sync.Mutex
		snaps []Task
	)

	unsubscribe := e.Subscribe(func(t Task) {
		mu.Lock()
		defer mu.Unlock()

		snaps = append(snaps, t)
	})
	defer unsubscribe()

	id := e.Submit(BytesFile("x.bin", payload(1000)), "", "")
	final := waitDone(t, e, id)
	require.Equal(t, StatusCompleted, final.Status, final.Error)

	mu.Lock()
	defer mu.Unlock()

	var last int64

	for _, s := range snaps {
		assert.GreaterOrEqual(t, s.Loaded, last, "loaded never decreases")
		last = s.Loaded

		if s.Status != StatusCompleted {
			assert.Less(t, s.Loaded, s.Total)
			assert.LessOrEqual(t, s.Progress, 99)
		}
	}

	assert.Equal(t, int64(1000), last)
}

func TestSubscribe_CallbackMaySubmit(t *testing.T) {
	backend := testutil.NewBackend(t)
	e := NewEngine(loggedInClient(t, backend), Options{})

	followUp := make(chan string, 1)

	var once sync.Once

	unsubscribe := e.Subscribe(func(task Task) {
		if task.Name != "first.txt" || task.Status != StatusCompleted {
			return
		}

		once.Do(func() {
			followUp <- e.Submit(BytesFile("second.txt", []byte("two")), "", "")
		})
	})
	defer unsubscribe()

	first := e.Submit(BytesFile("first.txt", []byte("one")), "", "")
	require.Equal(t, StatusCompleted, waitDone(t, e, first).Status)

	var second string

	select {
	case second = <-followUp:
	case <-time.After(5 * time.Second):
		t.Fatal("subscriber never got to submit")
	}

	task := waitDone(t, e, second)
	assert.Equal(t, StatusCompleted, task.Status, task.Error)
	assert.Len(t, e.Tasks(), 2)
}

func TestSubscribe_SeesFinalStatusBeforeWaitReturns(t *testing.T) {
	backend := testutil.NewBackend(t)
	e := NewEngine(loggedInClient(t, backend), Options{})

	var (
		mu   sync.Mutex
		seen = map[string]Status{}
	)

	unsubscribe := e.Subscribe(func(task Task) {
		mu.Lock()
		defer mu.Unlock()

		seen[task.ID] = task.Status
	})
	defer unsubscribe()

	ids := make([]string, 0, 5)
	for i := range 5 {
		ids = append(ids, e.Submit(BytesFile(fmt.Sprintf("f%d.txt", i), payload(32)), "", ""))
	}

	for _, id := range ids {
		waitDone(t, e, id)

		mu.Lock()
		assert.Equal(t, StatusCompleted, seen[id])
		mu.Unlock()
	}
}

func TestSubmit_NormalizesName(t *testing.T) {
	backend := testutil.NewBackend(t)
	e := NewEngine(loggedInClient(t, backend), Options{})

	// "é" as e + combining acute accent (NFD).
	id := e.Submit(File{Name: "cafe\u0301.txt", Size: 1, Content: bytes.NewReader([]byte("x"))}, "", "")
	task := waitDone(t, e, id)

	assert.Equal(t, "caf\u00e9.txt", task.Name)
}

func TestClose_CancelsRunningTasks(t *testing.T) {
	backend := testutil.NewBackend(t)
	backend.ChunkSize = 100

	entered := make(chan struct{})
	release := make(chan struct{})

	var once sync.Once

	backend.PartHook = func(int) {
		once.Do(func() { close(entered) })
		<-release
	}

	defer close(release)

	e := NewEngine(loggedInClient(t, backend), Options{MultipartThreshold: 100})
	id := e.Submit(BytesFile("x.bin", payload(300)), "", "")

	<-entered
	e.Close()

	task, err := e.Task(id)
	require.NoError(t, err)
	assert.Equal(t, StatusError, task.Status)
	assert.Equal(t, "upload canceled", task.Error)
	assert.Len(t, backend.Aborts(), 1)
}

// countingObserver tallies engine metrics callbacks.
type countingObserver struct {
	finished atomic.Int32
	parts    atomic.Int32
	aborts   atomic.Int32
}

func (o *countingObserver) ObserveTaskFinished(string, string, int64, time.Duration) { o.finished.Add(1) }
func (o *countingObserver) ObservePart(error)                                        { o.parts.Add(1) }
func (o *countingObserver) ObserveAbort(error)                                       { o.aborts.Add(1) }

func TestObserver(t *testing.T) {
	backend := testutil.NewBackend(t)
	backend.ChunkSize = 100
	obs := &countingObserver{}

	e := NewEngine(loggedInClient(t, backend), Options{MultipartThreshold: 100, Observer: obs})
	waitDone(t, e, e.Submit(BytesFile("x.bin", payload(250)), "", ""))

	assert.Equal(t, int32(1), obs.finished.Load())
	assert.Equal(t, int32(3), obs.parts.Load())
	assert.Zero(t, obs.aborts.Load())
}

func TestHumanMessage(t *testing.T) {
	assert.Equal(t, "quota", humanMessage(&api.APIError{StatusCode: 400, Message: "quota"}))
	assert.Equal(t, "boom", humanMessage(errors.New("boom")))
}
