package tabsync

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/tonimelisma/crdrive/internal/session"
)

// seenCapacity bounds the event-id memory used to drop duplicates that
// arrive over more than one source.
const seenCapacity = 512

// Bus fans session events out to every source and merges what the sources
// deliver into one handler. It implements session.Broadcaster.
type Bus struct {
	origin  string
	sources []Source
	seen    *lru.Cache[string, struct{}]
	logger  *slog.Logger
	nowFunc func() time.Time

	// handleMu serializes the handler across sources.
	handleMu sync.Mutex
}

// NewBus creates a bus with a fresh origin id over the given sources.
func NewBus(logger *slog.Logger, sources ...Source) *Bus {
	if logger == nil {
		logger = slog.Default()
	}

	// lru.New only errors on a non-positive size.
	seen, _ := lru.New[string, struct{}](seenCapacity) //nolint:errcheck // constant positive size

	return &Bus{
		origin:  uuid.NewString(),
		sources: sources,
		seen:    seen,
		logger:  logger,
		nowFunc: time.Now,
	}
}

// Origin identifies this process in the events it announces.
func (b *Bus) Origin() string { return b.origin }

// Announce stamps ev and publishes it to every source. Publish failures are
// logged; one unreachable source does not stop the others.
func (b *Bus) Announce(ctx context.Context, ev session.Event) {
	ev.ID = uuid.NewString()
	ev.Origin = b.origin
	ev.At = b.nowFunc().UTC()

	b.seen.Add(ev.ID, struct{}{})

	for _, src := range b.sources {
		if err := src.Publish(ctx, ev); err != nil {
			b.logger.Warn("announcing session event failed",
				slog.String("source", src.Name()),
				slog.String("event", string(ev.Type)),
				slog.String("error", err.Error()),
			)

			continue
		}

		b.logger.Debug("session event announced",
			slog.String("source", src.Name()),
			slog.String("event", string(ev.Type)),
		)
	}
}

// Listen subscribes to every source and calls fn for each event from
// another origin, once per event id. It returns when all subscriptions are
// live. Close the returned Closer to stop.
func (b *Bus) Listen(ctx context.Context, fn func(session.Event)) (io.Closer, error) {
	subs := make([]io.Closer, 0, len(b.sources))

	closeAll := func() error {
		var errs []error

		for _, s := range subs {
			if err := s.Close(); err != nil {
				errs = append(errs, err)
			}
		}

		return errors.Join(errs...)
	}

	for _, src := range b.sources {
		sub, err := src.Subscribe(ctx, b.filter(src.Name(), fn))
		if err != nil {
			_ = closeAll()
			return nil, fmt.Errorf("tabsync: listening on %s: %w", src.Name(), err)
		}

		subs = append(subs, sub)
	}

	return closerFunc(closeAll), nil
}

func (b *Bus) filter(source string, fn func(session.Event)) func(session.Event) {
	return func(ev session.Event) {
		if ev.Origin == b.origin {
			return
		}

		if found, _ := b.seen.ContainsOrAdd(ev.ID, struct{}{}); found {
			return
		}

		b.logger.Debug("session event received",
			slog.String("source", source),
			slog.String("event", string(ev.Type)),
			slog.String("origin", ev.Origin),
		)

		b.handleMu.Lock()
		defer b.handleMu.Unlock()

		fn(ev)
	}
}
