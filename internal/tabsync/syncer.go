package tabsync

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/tonimelisma/crdrive/internal/session"
)

// DefaultLivenessInterval is how often an active, signed-in process checks
// that its session is still alive.
const DefaultLivenessInterval = 30 * time.Second

// Listener is the inbound half of the Bus.
type Listener interface {
	Listen(ctx context.Context, fn func(session.Event)) (io.Closer, error)
}

// CredentialReloader re-reads a refresh credential another process may
// have replaced (the shared cookie jar file). Optional.
type CredentialReloader interface {
	Reload() error
}

// SyncerOptions configures a Syncer. Every field is optional.
type SyncerOptions struct {
	LivenessInterval time.Duration
	// IntervalSource, when set, supplies the liveness interval instead and
	// is read again after every probe, so a config reload takes effect on
	// the next tick.
	IntervalSource func() time.Duration
	// Active reports whether the user-facing surface is in the foreground.
	// The liveness probe is skipped while it returns false. Nil means always.
	Active      func() bool
	Credentials CredentialReloader
	Logger      *slog.Logger
}

// Syncer drives a session store from the outside: the one-time startup
// refresh, reactions to other processes' events, and the liveness probe.
type Syncer struct {
	store    *session.Store
	listener Listener
	interval time.Duration
	source   func() time.Duration
	active   func() bool
	creds    CredentialReloader
	logger   *slog.Logger

	startOnce sync.Once
}

// NewSyncer creates a syncer for store listening on listener.
func NewSyncer(store *session.Store, listener Listener, opts SyncerOptions) *Syncer {
	interval := opts.LivenessInterval
	if interval <= 0 {
		interval = DefaultLivenessInterval
	}

	active := opts.Active
	if active == nil {
		active = func() bool { return true }
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Syncer{
		store:    store,
		listener: listener,
		interval: interval,
		source:   opts.IntervalSource,
		active:   active,
		creds:    opts.Credentials,
		logger:   logger,
	}
}

// Run subscribes to session events, performs the startup refresh, then runs
// the liveness probe until ctx ends. Returns nil on cancellation.
func (s *Syncer) Run(ctx context.Context) error {
	sub, err := s.listener.Listen(ctx, func(ev session.Event) { s.handle(ctx, ev) })
	if err != nil {
		return fmt.Errorf("tabsync: starting syncer: %w", err)
	}
	defer sub.Close()

	s.Start(ctx)

	interval := s.currentInterval()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.probe(ctx)

			if next := s.currentInterval(); next != interval {
				s.logger.Debug("liveness interval changed", slog.Duration("interval", next))
				ticker.Reset(next)
				interval = next
			}
		}
	}
}

func (s *Syncer) currentInterval() time.Duration {
	if s.source == nil {
		return s.interval
	}

	if d := s.source(); d > 0 {
		return d
	}

	return DefaultLivenessInterval
}

// Start performs the startup refresh at most once per Syncer: when no token
// is held it tries the stored refresh credential, then marks the store
// initialized whatever the outcome.
func (s *Syncer) Start(ctx context.Context) {
	s.startOnce.Do(func() {
		if s.store.AccessToken() == "" {
			s.reloadCredentials()

			if s.store.Refresh(ctx, session.RefreshOptions{Broadcast: false}) {
				s.logger.Info("session restored")
			} else {
				s.logger.Info("no session to restore")
			}
		}

		s.store.MarkInitialized()
	})
}

func (s *Syncer) probe(ctx context.Context) {
	if !s.store.State().Authenticated || !s.active() {
		return
	}

	if err := s.store.Revalidate(ctx); err != nil {
		s.logger.Debug("liveness probe failed", slog.String("error", err.Error()))
	}
}

// handle applies another process's event. A login or refresh elsewhere
// only matters here when this process holds no token; a logout elsewhere
// clears the local session without announcing it again.
func (s *Syncer) handle(ctx context.Context, ev session.Event) {
	switch ev.Type {
	case session.EventLogin, session.EventTokenRefreshed:
		if s.store.AccessToken() != "" {
			return
		}

		s.reloadCredentials()

		if s.store.Refresh(ctx, session.RefreshOptions{Broadcast: false}) {
			s.logger.Info("session picked up from another process", slog.String("event", string(ev.Type)))
		}

	case session.EventLogout:
		if s.store.AccessToken() == "" && !s.store.State().Authenticated {
			return
		}

		s.logger.Info("signed out by another process")
		s.store.ClearAuth()

	default:
		s.logger.Debug("ignoring unknown session event", slog.String("event", string(ev.Type)))
	}
}

func (s *Syncer) reloadCredentials() {
	if s.creds == nil {
		return
	}

	if err := s.creds.Reload(); err != nil {
		s.logger.Warn("reloading credentials failed", slog.String("error", err.Error()))
	}
}
