// Package session owns the signed-in state: the in-memory access token, the
// user record, and the single-flight refresh that every caller shares.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/oauth2"
	"golang.org/x/sync/singleflight"

	"github.com/tonimelisma/crdrive/internal/api"
)

// ErrNotAuthenticated is returned by Token when no session is held.
var ErrNotAuthenticated = errors.New("session: not authenticated")

// ErrRefreshFailed wraps the cause of a failed refresh.
var ErrRefreshFailed = errors.New("session: refresh failed")

// refreshKey is the single singleflight slot: every kind of refresh shares it.
const refreshKey = "refresh"

// Authenticator is the set of auth endpoints the store drives.
// *api.AuthClient satisfies it.
type Authenticator interface {
	Login(ctx context.Context, creds api.Credentials) (*api.AuthResult, error)
	Register(ctx context.Context, reg api.Registration) error
	Refresh(ctx context.Context) (*api.AuthResult, error)
	Logout(ctx context.Context, accessToken string) error
}

// Observer receives refresh outcomes. Optional.
type Observer interface {
	ObserveRefresh(outcome string)
}

// CredentialStore holds the refresh credential (the cookie jar). It is
// wiped on logout. Optional.
type CredentialStore interface {
	Clear() error
}

// Options configures a Store. Every field is optional.
type Options struct {
	Broadcaster Broadcaster
	Observer    Observer
	Credentials CredentialStore
	Logger      *slog.Logger
}

// RefreshOptions controls one Refresh call.
type RefreshOptions struct {
	// Broadcast announces a successful refresh to other processes. Refreshes
	// triggered by an inbound event turn it off to avoid echo storms.
	Broadcast bool
}

// Snapshot is a read-only copy of the session state.
type Snapshot struct {
	User          *api.User
	Authenticated bool
	Initialized   bool
	Expiry        time.Time // zero when unknown
}

// Store is the session store. Safe for concurrent use. The access token
// lives only in memory.
type Store struct {
	auth        Authenticator
	broadcaster Broadcaster
	observer    Observer
	credentials CredentialStore
	logger      *slog.Logger

	group singleflight.Group

	mu          sync.RWMutex
	token       *oauth2.Token
	user        *api.User
	initialized bool
	subscribers map[int]func(Snapshot)
	nextSub     int

	initOnce sync.Once
	initCh   chan struct{}
}

// NewStore creates an empty, uninitialized store.
func NewStore(auth Authenticator, opts Options) *Store {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	bc := opts.Broadcaster
	if bc == nil {
		bc = nopBroadcaster{}
	}

	return &Store{
		auth:        auth,
		broadcaster: bc,
		observer:    opts.Observer,
		credentials: opts.Credentials,
		logger:      logger,
		subscribers: make(map[int]func(Snapshot)),
		initCh:      make(chan struct{}),
	}
}

// Login exchanges credentials for a session and announces it. On failure
// the session is cleared and the error returned.
func (s *Store) Login(ctx context.Context, creds api.Credentials) (Snapshot, error) {
	res, err := s.auth.Login(ctx, creds)
	if err != nil {
		s.ClearAuth()
		return s.State(), fmt.Errorf("session: login: %w", err)
	}

	s.SetAuth(res.AccessToken, res.User)
	s.MarkInitialized()

	s.logger.Info("logged in", slog.String("user_id", res.User.ID))
	s.broadcaster.Announce(ctx, Event{Type: EventLogin, User: res.User.Clone()})

	return s.State(), nil
}

// Register creates an account and then logs into it.
func (s *Store) Register(ctx context.Context, reg api.Registration) (Snapshot, error) {
	if err := s.auth.Register(ctx, reg); err != nil {
		return s.State(), fmt.Errorf("session: register: %w", err)
	}

	return s.Login(ctx, api.Credentials{Email: reg.Email, Password: reg.Password})
}

// SetAuth installs a token and user. Both are required; a missing one
// clears the session instead, so a token is never held without a user.
func (s *Store) SetAuth(accessToken string, user *api.User) {
	if accessToken == "" || user == nil {
		s.ClearAuth()
		return
	}

	s.mu.Lock()
	s.token = &oauth2.Token{
		AccessToken: accessToken,
		TokenType:   "Bearer",
		Expiry:      tokenExpiry(accessToken),
	}
	s.user = user.Clone()
	s.mu.Unlock()

	s.notify()
}

// ClearAuth drops the token and user. It does not announce anything.
func (s *Store) ClearAuth() {
	s.mu.Lock()
	changed := s.token != nil || s.user != nil
	s.token = nil
	s.user = nil
	s.mu.Unlock()

	if changed {
		s.notify()
	}
}

// Refresh trades the refresh credential for a new token. Concurrent callers
// share one network call and one state write. Success replaces the session;
// failure clears it. Either way the store becomes initialized. A caller whose
// ctx ends first stops waiting and gets false; the shared call carries on.
func (s *Store) Refresh(ctx context.Context, opts RefreshOptions) bool {
	_, err := s.shared(ctx, func(ctx context.Context) (string, error) {
		return s.doRefresh(ctx, opts.Broadcast, true)
	})

	return err == nil
}

// RefreshToken is the request pipeline's entry point. It returns a token
// different from stale: the current one if another caller already replaced
// stale, otherwise the result of the shared refresh.
func (s *Store) RefreshToken(ctx context.Context, stale string) (string, error) {
	if cur := s.AccessToken(); cur != "" && cur != stale {
		s.observe("reused")
		return cur, nil
	}

	return s.shared(ctx, func(ctx context.Context) (string, error) {
		// A flight that finished between the check above and this one
		// may already have moved the session on.
		if cur := s.AccessToken(); cur != "" && cur != stale {
			s.observe("reused")
			return cur, nil
		}

		return s.doRefresh(ctx, true, true)
	})
}

// Revalidate refreshes to confirm the session is still alive. It shares the
// refresh slot but a failure never clears the session.
func (s *Store) Revalidate(ctx context.Context) error {
	_, err := s.shared(ctx, func(ctx context.Context) (string, error) {
		return s.doRefresh(ctx, false, false)
	})

	return err
}

// shared runs fn in the single refresh slot. fn runs only if no flight is
// in progress; otherwise the caller joins the running one. fn gets a context
// detached from the caller's cancellation, so one impatient caller cannot
// fail the others.
func (s *Store) shared(ctx context.Context, fn func(context.Context) (string, error)) (string, error) {
	detached := context.WithoutCancel(ctx)

	ch := s.group.DoChan(refreshKey, func() (any, error) {
		return fn(detached)
	})

	select {
	case <-ctx.Done():
		return "", fmt.Errorf("session: waiting for refresh: %w", ctx.Err())
	case res := <-ch:
		if res.Err != nil {
			return "", res.Err
		}

		tok, _ := res.Val.(string)

		return tok, nil
	}
}

// doRefresh performs the network refresh and the single state write.
func (s *Store) doRefresh(ctx context.Context, broadcast, clearOnFailure bool) (string, error) {
	res, err := s.auth.Refresh(ctx)
	if err != nil {
		s.logger.Info("session refresh failed", slog.String("error", err.Error()))
		s.observe("failure")

		if clearOnFailure {
			s.ClearAuth()
		}

		s.MarkInitialized()

		return "", fmt.Errorf("%w: %w", ErrRefreshFailed, err)
	}

	s.SetAuth(res.AccessToken, res.User)
	s.MarkInitialized()
	s.observe("success")

	s.logger.Debug("session refreshed", slog.String("user_id", res.User.ID))

	if broadcast {
		s.broadcaster.Announce(ctx, Event{Type: EventTokenRefreshed})
	}

	return res.AccessToken, nil
}

// Logout clears the session locally, wipes the refresh credential, and
// announces the logout.
func (s *Store) Logout(ctx context.Context) {
	s.ClearAuth()

	if s.credentials != nil {
		if err := s.credentials.Clear(); err != nil {
			s.logger.Warn("clearing stored credentials failed", slog.String("error", err.Error()))
		}
	}

	s.logger.Info("logged out")
	s.broadcaster.Announce(ctx, Event{Type: EventLogout})
}

// LogoutServer revokes the session on the server, best effort, then always
// logs out locally. A server failure is reported in the Outcome only.
func (s *Store) LogoutServer(ctx context.Context) api.Outcome {
	out := api.Outcome{Op: "logout"}

	if err := s.auth.Logout(ctx, s.AccessToken()); err != nil {
		s.logger.Warn("server logout failed", slog.String("error", err.Error()))
		out.Err = err
	}

	s.Logout(ctx)

	return out
}

// AccessToken returns the current bearer token, or "" when signed out.
func (s *Store) AccessToken() string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.token == nil {
		return ""
	}

	return s.token.AccessToken
}

// Token implements oauth2.TokenSource over the in-memory session.
func (s *Store) Token() (*oauth2.Token, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.token == nil {
		return nil, ErrNotAuthenticated
	}

	tok := *s.token

	return &tok, nil
}

// User returns a copy of the signed-in user, or nil.
func (s *Store) User() *api.User {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.user.Clone()
}

// State returns a snapshot of the session.
func (s *Store) State() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.snapshotLocked()
}

func (s *Store) snapshotLocked() Snapshot {
	snap := Snapshot{
		User:          s.user.Clone(),
		Authenticated: s.user != nil,
		Initialized:   s.initialized,
	}

	if s.token != nil {
		snap.Expiry = s.token.Expiry
	}

	return snap
}

// Initialized reports whether the first refresh attempt or a login has
// completed.
func (s *Store) Initialized() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.initialized
}

// MarkInitialized flips initialized to true. Only the first call has effect.
func (s *Store) MarkInitialized() {
	s.initOnce.Do(func() {
		s.mu.Lock()
		s.initialized = true
		s.mu.Unlock()

		close(s.initCh)
		s.notify()
	})
}

// WaitInitialized blocks until the store is initialized or ctx ends.
func (s *Store) WaitInitialized(ctx context.Context) error {
	select {
	case <-s.initCh:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("session: waiting for initialization: %w", ctx.Err())
	}
}

// Subscribe registers fn for every state change. The returned func
// unsubscribes.
func (s *Store) Subscribe(fn func(Snapshot)) func() {
	s.mu.Lock()
	id := s.nextSub
	s.nextSub++
	s.subscribers[id] = fn
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		delete(s.subscribers, id)
		s.mu.Unlock()
	}
}

func (s *Store) notify() {
	s.mu.RLock()
	snap := s.snapshotLocked()
	fns := make([]func(Snapshot), 0, len(s.subscribers))

	for _, fn := range s.subscribers {
		fns = append(fns, fn)
	}
	s.mu.RUnlock()

	for _, fn := range fns {
		fn(snap)
	}
}

func (s *Store) observe(outcome string) {
	if s.observer != nil {
		s.observer.ObserveRefresh(outcome)
	}
}

// tokenExpiry reads the exp claim of a JWT access token without verifying
// it. The client cannot verify the signature and only uses the value for
// display. Opaque tokens give a zero time.
func tokenExpiry(raw string) time.Time {
	var claims jwt.RegisteredClaims

	if _, _, err := jwt.NewParser().ParseUnverified(raw, &claims); err != nil {
		return time.Time{}
	}

	if claims.ExpiresAt == nil {
		return time.Time{}
	}

	return claims.ExpiresAt.Time
}
