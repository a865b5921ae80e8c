package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"github.com/tonimelisma/crdrive/internal/api"
	"github.com/tonimelisma/crdrive/internal/config"
	"github.com/tonimelisma/crdrive/internal/cookies"
	"github.com/tonimelisma/crdrive/internal/history"
	"github.com/tonimelisma/crdrive/internal/listing"
	"github.com/tonimelisma/crdrive/internal/metrics"
	"github.com/tonimelisma/crdrive/internal/session"
	"github.com/tonimelisma/crdrive/internal/tabsync"
	"github.com/tonimelisma/crdrive/internal/upload"
)

// errNotLoggedIn is returned by commands that need a session when neither
// the process nor the shared cookie jar has one.
var errNotLoggedIn = errors.New("not logged in: run 'crdrive login' first")

// app is one process's wiring: the shared cookie jar, the session store
// and its cross-process bus, and the authorized API client.
type app struct {
	cfg    *config.Resolved
	logger *slog.Logger

	// holder carries config reloaded by a running watch process to the
	// parts that read it live.
	holder *config.Holder

	jar      *cookies.Jar
	auth     *api.AuthClient
	store    *session.Store
	client   *api.Client
	bus      *tabsync.Bus
	syncer   *tabsync.Syncer
	registry *prometheus.Registry
	metrics  *metrics.Collectors

	// loginRequired is closed the first time the pipeline gives up on the
	// session.
	loginRequired chan struct{}

	closers []func() error
}

// newApp wires the session stack for cc.
func newApp(cc *CLIContext) (*app, error) {
	cfg := cc.Cfg
	logger := cc.Logger

	jar, err := cookies.Open(cfg.CookiePath(), logger)
	if err != nil {
		return nil, err
	}

	a := &app{
		cfg:           cfg,
		logger:        logger,
		holder:        config.NewHolder(cfg),
		jar:           jar,
		registry:      prometheus.NewRegistry(),
		loginRequired: make(chan struct{}),
	}

	a.metrics, err = metrics.New(a.registry)
	if err != nil {
		return nil, err
	}

	sources, err := a.broadcastSources()
	if err != nil {
		a.Close()
		return nil, err
	}

	hc := newHTTPClient(cfg, jar)

	a.bus = tabsync.NewBus(logger, sources...)
	a.auth = api.NewAuthClient(cfg.BaseURL, hc, logger, cfg.UserAgent)
	a.store = session.NewStore(a.auth, session.Options{
		Broadcaster: a.bus,
		Observer:    a.metrics,
		Credentials: jar,
		Logger:      logger,
	})

	a.client = api.NewClient(cfg.BaseURL, hc, a.store, logger, cfg.UserAgent)
	a.client.SetObserver(a.metrics)

	var closeOnce sync.Once
	a.client.OnLoginRequired(func() {
		closeOnce.Do(func() { close(a.loginRequired) })
		cc.Statusf("Session expired. Run 'crdrive login' to sign in again.\n")
	})

	a.syncer = tabsync.NewSyncer(a.store, a.bus, tabsync.SyncerOptions{
		LivenessInterval: cfg.LivenessInterval,
		IntervalSource:   func() time.Duration { return a.holder.Config().LivenessInterval },
		Credentials:      jar,
		Logger:           logger,
	})

	return a, nil
}

// newHTTPClient builds the client every backend call goes through. The jar
// carries the refresh cookie; ConnectTimeout bounds only the dial.
func newHTTPClient(cfg *config.Resolved, jar http.CookieJar) *http.Client {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.DialContext = (&net.Dialer{Timeout: cfg.ConnectTimeout}).DialContext

	return &http.Client{
		Transport: transport,
		Jar:       jar,
		Timeout:   cfg.RequestTimeout,
	}
}

// broadcastSources returns the cross-process transports for the configured
// broadcast mode.
func (a *app) broadcastSources() ([]tabsync.Source, error) {
	switch a.cfg.Broadcast {
	case config.BroadcastMemory:
		return []tabsync.Source{tabsync.NewMemoryHub(a.logger)}, nil
	case config.BroadcastFile:
		return []tabsync.Source{tabsync.NewFileSource(a.cfg.EventPath(), a.logger)}, nil
	case config.BroadcastRedis:
		opts, err := redis.ParseURL(a.cfg.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("parsing redis URL: %w", err)
		}

		rc := redis.NewClient(opts)
		a.closers = append(a.closers, rc.Close)

		return []tabsync.Source{tabsync.NewRedisSource(rc, a.cfg.Channel, a.logger)}, nil
	case config.BroadcastNone:
		return nil, nil
	default:
		return nil, fmt.Errorf("unknown broadcast mode %q", a.cfg.Broadcast)
	}
}

// restore runs the startup refresh so a session held by another process
// (through the shared cookie jar) is picked up.
func (a *app) restore(ctx context.Context) session.Snapshot {
	a.syncer.Start(ctx)
	return a.store.State()
}

// requireSession restores and fails when nobody is signed in.
func (a *app) requireSession(ctx context.Context) (session.Snapshot, error) {
	snap := a.restore(ctx)
	if !snap.Authenticated {
		return snap, errNotLoggedIn
	}

	return snap, nil
}

// openHistory opens the upload history database. Failure is not fatal for
// uploads; the caller decides.
func (a *app) openHistory(ctx context.Context) (*history.Store, error) {
	h, err := history.Open(ctx, a.cfg.HistoryPath(), a.logger)
	if err != nil {
		return nil, err
	}

	a.closers = append(a.closers, h.Close)

	return h, nil
}

// newEngine builds the upload queue delivering into view.
func (a *app) newEngine(view *listing.View, recorder upload.Recorder) *upload.Engine {
	return upload.NewEngine(a.client, upload.Options{
		MultipartThreshold:  a.cfg.MultipartThreshold,
		DefaultChunkSize:    a.cfg.DefaultChunkSize,
		PartConcurrency:     a.cfg.PartConcurrency,
		SpeedSampleInterval: a.cfg.SpeedSampleInterval,
		Limiter:             upload.NewBandwidthLimiter(a.cfg.BandwidthLimit, a.logger),
		Listing:             view,
		Recorder:            recorder,
		Observer:            a.metrics,
		Logger:              a.logger,
	})
}

// Close releases everything opened by the app, newest first.
func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.logger.Debug("close failed", slog.String("error", err.Error()))
		}
	}

	a.closers = nil
}
