// Package metrics exports session and upload counters to Prometheus. A nil
// *Collectors is valid and records nothing.
package metrics

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "crdrive"

const shutdownTimeout = 5 * time.Second

// Collectors implements api.Observer, session.Observer and upload.Observer.
type Collectors struct {
	refreshes      *prometheus.CounterVec
	replays        *prometheus.CounterVec
	loginRequired  prometheus.Counter
	tasks          *prometheus.CounterVec
	uploadBytes    *prometheus.CounterVec
	uploadDuration *prometheus.HistogramVec
	parts          *prometheus.CounterVec
	aborts         *prometheus.CounterVec
}

// New creates the collectors and registers them with reg (the default
// registerer when nil). Collectors already registered by an earlier call
// are reused.
func New(reg prometheus.Registerer) (*Collectors, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	c := &Collectors{
		refreshes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "refreshes_total",
			Help:      "Token refresh attempts by outcome.",
		}, []string{"outcome"}),
		replays: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "api",
			Name:      "replays_total",
			Help:      "Requests replayed after a 401, by how the new token was obtained.",
		}, []string{"reason"}),
		loginRequired: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "api",
			Name:      "login_required_total",
			Help:      "Times the session was lost and a new login was requested.",
		}),
		tasks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "upload",
			Name:      "tasks_total",
			Help:      "Finished upload tasks by strategy and status.",
		}, []string{"strategy", "status"}),
		uploadBytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "upload",
			Name:      "bytes_total",
			Help:      "Bytes transferred by finished upload tasks.",
		}, []string{"strategy"}),
		uploadDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "upload",
			Name:      "duration_seconds",
			Help:      "Wall time of finished upload tasks.",
			Buckets:   prometheus.ExponentialBuckets(0.1, 4, 8),
		}, []string{"strategy"}),
		parts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "upload",
			Name:      "parts_total",
			Help:      "Multipart part uploads by result.",
		}, []string{"result"}),
		aborts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "upload",
			Name:      "aborts_total",
			Help:      "Multipart session aborts by result.",
		}, []string{"result"}),
	}

	var err error

	if c.refreshes, err = register(reg, c.refreshes); err != nil {
		return nil, err
	}

	if c.replays, err = register(reg, c.replays); err != nil {
		return nil, err
	}

	if c.loginRequired, err = register(reg, c.loginRequired); err != nil {
		return nil, err
	}

	if c.tasks, err = register(reg, c.tasks); err != nil {
		return nil, err
	}

	if c.uploadBytes, err = register(reg, c.uploadBytes); err != nil {
		return nil, err
	}

	if c.uploadDuration, err = register(reg, c.uploadDuration); err != nil {
		return nil, err
	}

	if c.parts, err = register(reg, c.parts); err != nil {
		return nil, err
	}

	if c.aborts, err = register(reg, c.aborts); err != nil {
		return nil, err
	}

	return c, nil
}

// register adds col to reg, or returns the identical collector a previous
// registration left behind.
func register[C prometheus.Collector](reg prometheus.Registerer, col C) (C, error) {
	err := reg.Register(col)
	if err == nil {
		return col, nil
	}

	var are prometheus.AlreadyRegisteredError
	if errors.As(err, &are) {
		if existing, ok := are.ExistingCollector.(C); ok {
			return existing, nil
		}
	}

	return col, fmt.Errorf("metrics: registering collector: %w", err)
}

// ObserveRefresh counts a refresh outcome ("success", "failure", "reused").
func (c *Collectors) ObserveRefresh(outcome string) {
	if c == nil {
		return
	}

	c.refreshes.WithLabelValues(outcome).Inc()
}

// ObserveReplay counts a request replayed after a 401.
func (c *Collectors) ObserveReplay(reason string) {
	if c == nil {
		return
	}

	c.replays.WithLabelValues(reason).Inc()
}

func (c *Collectors) ObserveLoginRequired() {
	if c == nil {
		return
	}

	c.loginRequired.Inc()
}

// ObserveTaskFinished records one finished upload.
func (c *Collectors) ObserveTaskFinished(strategy, status string, bytes int64, elapsed time.Duration) {
	if c == nil {
		return
	}

	c.tasks.WithLabelValues(strategy, status).Inc()
	c.uploadBytes.WithLabelValues(strategy).Add(float64(bytes))
	c.uploadDuration.WithLabelValues(strategy).Observe(elapsed.Seconds())
}

func (c *Collectors) ObservePart(err error) {
	if c == nil {
		return
	}

	c.parts.WithLabelValues(result(err)).Inc()
}

func (c *Collectors) ObserveAbort(err error) {
	if c == nil {
		return
	}

	c.aborts.WithLabelValues(result(err)).Inc()
}

func result(err error) string {
	if err != nil {
		return "error"
	}

	return "ok"
}

// Handler serves the metrics in g in the Prometheus exposition format.
func Handler(g prometheus.Gatherer) http.Handler {
	if g == nil {
		g = prometheus.DefaultGatherer
	}

	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

// Serve exposes /metrics on addr until ctx is canceled. The listener is
// bound before Serve returns to the caller's goroutine, so a bad address
// fails fast.
func Serve(ctx context.Context, addr string, g prometheus.Gatherer, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("metrics: listening on %s: %w", addr, err)
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler(g))

	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}

	go func() {
		<-ctx.Done()

		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Warn("metrics server shutdown", slog.String("error", err.Error()))
		}
	}()

	logger.Info("metrics server listening", slog.String("addr", ln.Addr().String()))

	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("metrics: serving: %w", err)
	}

	return nil
}
