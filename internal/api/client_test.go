package api

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/singleflight"
)

// fakeSession is a minimal Session whose refresh mints "tok-N" tokens and
// counts network-equivalent refreshes.
type fakeSession struct {
	mu        sync.Mutex
	token     string
	seq       int
	refreshes atomic.Int32
	cleared   atomic.Int32
	fail      bool
	delay     time.Duration
	group     singleflight.Group

	// refreshFn, when set, replaces token minting (e.g. a real AuthClient).
	refreshFn func(ctx context.Context) (string, error)
}

func newFakeSession(token string) *fakeSession {
	return &fakeSession{token: token}
}

func (f *fakeSession) AccessToken() string {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.token
}

func (f *fakeSession) RefreshToken(ctx context.Context, stale string) (string, error) {
	ch := f.group.DoChan("refresh", func() (any, error) {
		f.mu.Lock()
		if f.token != "" && f.token != stale {
			tok := f.token
			f.mu.Unlock()

			return tok, nil
		}
		f.mu.Unlock()

		f.refreshes.Add(1)

		if f.delay > 0 {
			time.Sleep(f.delay)
		}

		if f.refreshFn != nil {
			tok, err := f.refreshFn(context.Background())

			f.mu.Lock()
			f.token = tok
			f.mu.Unlock()

			return tok, err
		}

		f.mu.Lock()
		defer f.mu.Unlock()

		if f.fail {
			f.token = ""
			return "", errors.New("refresh rejected")
		}

		f.seq++
		f.token = "tok-" + string(rune('0'+f.seq))

		return f.token, nil
	})

	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return "", res.Err
		}

		return res.Val.(string), nil
	}
}

func (f *fakeSession) ClearAuth() {
	f.cleared.Add(1)

	f.mu.Lock()
	f.token = ""
	f.mu.Unlock()
}

type countingObserver struct {
	replays       atomic.Int32
	loginRequired atomic.Int32
}

func (o *countingObserver) ObserveReplay(string) { o.replays.Add(1) }
func (o *countingObserver) ObserveLoginRequired() { o.loginRequired.Add(1) }

// tokenServer accepts only the bearer token returned by valid().
func tokenServer(t *testing.T, valid func() string) *httptest.Server {
	t.Helper()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer "+valid() {
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = w.Write([]byte(`{"code":40102,"message":"token expired","data":null}`))

			return
		}

		body, _ := io.ReadAll(r.Body)
		w.Header().Set("Content-Type", "application/json")
		_, _ = fmt.Fprintf(w, `{"code":0,"message":"ok","data":{"len":%d}}`, len(body))
	}))
	t.Cleanup(srv.Close)

	return srv
}

func TestDo_AttachesBearerToken(t *testing.T) {
	var gotAuth, gotUA string

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotUA = r.Header.Get("User-Agent")
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, http.DefaultClient, newFakeSession("abc"), slog.Default(), "test-agent")

	resp, err := c.Do(context.Background(), &Request{Method: http.MethodGet, Path: "/ping"})
	require.NoError(t, err)
	resp.Body.Close()

	assert.Equal(t, "Bearer abc", gotAuth)
	assert.Equal(t, "test-agent", gotUA)
}

func TestDo_NoTokenNoHeader(t *testing.T) {
	var hadAuth bool

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, hadAuth = r.Header["Authorization"]
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, nil, newFakeSession(""), nil, "")

	resp, err := c.Do(context.Background(), &Request{Method: http.MethodGet, Path: "/ping"})
	require.NoError(t, err)
	resp.Body.Close()

	assert.False(t, hadAuth)
}

func TestDo_ErrorClassification(t *testing.T) {
	tests := []struct {
		name     string
		status   int
		sentinel error
	}{
		{"bad request", http.StatusBadRequest, ErrBadRequest},
		{"forbidden", http.StatusForbidden, ErrForbidden},
		{"not found", http.StatusNotFound, ErrNotFound},
		{"conflict", http.StatusConflict, ErrConflict},
		{"too large", http.StatusRequestEntityTooLarge, ErrTooLarge},
		{"throttled", http.StatusTooManyRequests, ErrThrottled},
		{"server error", http.StatusInternalServerError, ErrServerError},
		{"unavailable", http.StatusServiceUnavailable, ErrServerError},
		{"teapot", http.StatusTeapot, ErrRejected},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(`{"code":12345,"message":"nope","data":null}`))
			}))
			defer srv.Close()

			sess := newFakeSession("abc")
			c := NewClient(srv.URL, http.DefaultClient, sess, slog.Default(), "")

			_, err := c.Do(context.Background(), &Request{Method: http.MethodGet, Path: "/x"})
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.sentinel)

			var apiErr *APIError
			require.ErrorAs(t, err, &apiErr)
			assert.Equal(t, tt.status, apiErr.StatusCode)
			assert.Equal(t, 12345, apiErr.Code)
			assert.Equal(t, "nope", apiErr.Message)
			assert.Equal(t, int32(0), sess.refreshes.Load(), "non-401 must not refresh")
			assert.Equal(t, int32(0), sess.cleared.Load(), "non-401 must not clear the session")
		})
	}
}

func TestDo_PlainTextErrorBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		_, _ = w.Write([]byte("upstream down\n"))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, http.DefaultClient, newFakeSession("abc"), slog.Default(), "")

	_, err := c.Do(context.Background(), &Request{Method: http.MethodGet, Path: "/x"})

	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, "upstream down", apiErr.Message)
	assert.ErrorIs(t, err, ErrServerError)
}

func TestDo_RefreshAndReplay(t *testing.T) {
	sess := newFakeSession("stale")
	srv := tokenServer(t, func() string { return "tok-1" })

	obs := &countingObserver{}
	c := NewClient(srv.URL, http.DefaultClient, sess, slog.Default(), "")
	c.SetObserver(obs)

	body, err := jsonBody(map[string]string{"k": "v"})
	require.NoError(t, err)

	resp, err := c.Do(context.Background(), &Request{
		Method: http.MethodPost, Path: "/files/x", Body: body, ContentType: "application/json",
	})
	require.NoError(t, err)
	defer resp.Body.Close()

	data, err := decodeData[map[string]int](resp)
	require.NoError(t, err)
	assert.Equal(t, len(`{"k":"v"}`), data["len"], "replay must resend the full body")
	assert.Equal(t, int32(1), sess.refreshes.Load())
	assert.Equal(t, int32(1), obs.replays.Load())
	assert.Equal(t, int32(0), obs.loginRequired.Load())
}

func TestDo_ConcurrentUnauthorizedSingleRefresh(t *testing.T) {
	sess := newFakeSession("stale")
	sess.delay = 50 * time.Millisecond
	srv := tokenServer(t, func() string { return "tok-1" })

	c := NewClient(srv.URL, http.DefaultClient, sess, slog.Default(), "")

	const n = 10

	var (
		wg   sync.WaitGroup
		errs = make([]error, n)
	)

	for i := range n {
		wg.Add(1)

		go func(i int) {
			defer wg.Done()

			resp, err := c.Do(context.Background(), &Request{Method: http.MethodGet, Path: "/files"})
			if err == nil {
				resp.Body.Close()
			}

			errs[i] = err
		}(i)
	}

	wg.Wait()

	for i, err := range errs {
		assert.NoError(t, err, "request %d", i)
	}

	assert.Equal(t, int32(1), sess.refreshes.Load(), "exactly one refresh for all concurrent 401s")
	assert.Equal(t, "tok-1", sess.AccessToken())
}

func TestDo_TokenChangedSinceSendSkipsRefresh(t *testing.T) {
	sess := newFakeSession("stale")

	var first atomic.Bool

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if first.CompareAndSwap(false, true) {
			// Another request refreshed while this one was in flight.
			sess.mu.Lock()
			sess.token = "fresh"
			sess.mu.Unlock()

			w.WriteHeader(http.StatusUnauthorized)

			return
		}

		assert.Equal(t, "Bearer fresh", r.Header.Get("Authorization"))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, http.DefaultClient, sess, slog.Default(), "")

	resp, err := c.Do(context.Background(), &Request{Method: http.MethodGet, Path: "/files"})
	require.NoError(t, err)
	resp.Body.Close()

	assert.Equal(t, int32(0), sess.refreshes.Load())
}

func TestDo_AuthEndpoint401IsTerminal(t *testing.T) {
	var hits atomic.Int32

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"code":40103,"message":"refresh token invalid","data":null}`))
	}))
	defer srv.Close()

	sess := newFakeSession("abc")
	c := NewClient(srv.URL, http.DefaultClient, sess, slog.Default(), "")

	var fired atomic.Int32
	c.OnLoginRequired(func() { fired.Add(1) })

	_, err := c.Do(context.Background(), &Request{Method: http.MethodPost, Path: "/auth/refresh"})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnauthorized)
	assert.True(t, IsLoginRequired(err))

	assert.Equal(t, int32(1), hits.Load(), "auth endpoint must not be replayed")
	assert.Equal(t, int32(0), sess.refreshes.Load())
	assert.Equal(t, int32(1), sess.cleared.Load())
	assert.Equal(t, int32(1), fired.Load())
}

func TestDo_ReplayedRequest401IsTerminal(t *testing.T) {
	var hits atomic.Int32

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	sess := newFakeSession("abc")
	c := NewClient(srv.URL, http.DefaultClient, sess, slog.Default(), "")

	_, err := c.Do(context.Background(), &Request{Method: http.MethodGet, Path: "/files"})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrLoginRequired)

	assert.Equal(t, int32(2), hits.Load(), "one original attempt and one replay")
	assert.Equal(t, int32(1), sess.refreshes.Load())
	assert.Empty(t, sess.AccessToken())
}

func TestDo_RefreshFailureFiresLoginHookOnce(t *testing.T) {
	sess := newFakeSession("stale")
	sess.fail = true
	sess.delay = 20 * time.Millisecond
	srv := tokenServer(t, func() string { return "never" })

	obs := &countingObserver{}
	c := NewClient(srv.URL, http.DefaultClient, sess, slog.Default(), "")
	c.SetObserver(obs)

	var fired atomic.Int32
	c.OnLoginRequired(func() { fired.Add(1) })

	const n = 5

	var wg sync.WaitGroup

	for range n {
		wg.Add(1)

		go func() {
			defer wg.Done()

			_, err := c.Do(context.Background(), &Request{Method: http.MethodGet, Path: "/files"})
			assert.ErrorIs(t, err, ErrLoginRequired)
		}()
	}

	wg.Wait()

	assert.Equal(t, int32(1), fired.Load(), "login hook fires once per outage")
	assert.Equal(t, int32(1), obs.loginRequired.Load())
	assert.Empty(t, sess.AccessToken())
}

func TestDo_LoginHookRearmsAfterSuccess(t *testing.T) {
	var valid atomic.Value
	valid.Store("")

	srv := tokenServer(t, func() string { return valid.Load().(string) })

	sess := newFakeSession("abc")
	sess.fail = true

	c := NewClient(srv.URL, http.DefaultClient, sess, slog.Default(), "")

	var fired atomic.Int32
	c.OnLoginRequired(func() { fired.Add(1) })

	_, err := c.Do(context.Background(), &Request{Method: http.MethodGet, Path: "/files"})
	require.Error(t, err)
	assert.Equal(t, int32(1), fired.Load())

	// User signs in again.
	sess.mu.Lock()
	sess.token = "relogged"
	sess.mu.Unlock()
	valid.Store("relogged")

	resp, err := c.Do(context.Background(), &Request{Method: http.MethodGet, Path: "/files"})
	require.NoError(t, err)
	resp.Body.Close()

	valid.Store("gone")

	_, err = c.Do(context.Background(), &Request{Method: http.MethodGet, Path: "/files"})
	require.Error(t, err)
	assert.Equal(t, int32(2), fired.Load(), "hook re-arms after an authorized success")
}

func TestDo_CanceledDuringRefresh(t *testing.T) {
	sess := newFakeSession("stale")
	sess.delay = 200 * time.Millisecond
	srv := tokenServer(t, func() string { return "tok-1" })

	c := NewClient(srv.URL, http.DefaultClient, sess, slog.Default(), "")

	var fired atomic.Int32
	c.OnLoginRequired(func() { fired.Add(1) })

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := c.Do(ctx, &Request{Method: http.MethodGet, Path: "/files"})
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, int32(0), fired.Load(), "cancellation is not a lost session")
}

func TestDecodeData_NonZeroCodeOn2xx(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"code":40901,"message":"name taken","data":null}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, http.DefaultClient, newFakeSession("abc"), slog.Default(), "")

	_, err := getJSON[map[string]any](context.Background(), c, "/x")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrRejected)
	assert.Contains(t, err.Error(), "name taken")
}

func TestOutcome_OK(t *testing.T) {
	assert.True(t, Outcome{Op: "abort"}.OK())
	assert.False(t, Outcome{Op: "abort", Err: errors.New("x")}.OK())
}
