package tabsync

import (
	"context"
	"io"
	"log/slog"
	"sync"

	"github.com/tonimelisma/crdrive/internal/session"
)

// memoryBuffer bounds each subscriber's backlog. A subscriber that falls
// further behind loses events; the liveness probe heals the gap.
const memoryBuffer = 64

// MemoryHub is an in-process broadcast channel. Several session stores in
// one process (or tests) share one hub.
type MemoryHub struct {
	mu     sync.Mutex
	subs   map[int]chan session.Event
	nextID int
	logger *slog.Logger
}

// NewMemoryHub creates an empty hub.
func NewMemoryHub(logger *slog.Logger) *MemoryHub {
	if logger == nil {
		logger = slog.Default()
	}

	return &MemoryHub{subs: make(map[int]chan session.Event), logger: logger}
}

// Name implements Source.
func (h *MemoryHub) Name() string { return "memory" }

// Publish implements Source. It never blocks.
func (h *MemoryHub) Publish(_ context.Context, ev session.Event) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	for id, ch := range h.subs {
		select {
		case ch <- ev:
		default:
			h.logger.Warn("memory hub subscriber lagging, dropping event",
				slog.Int("subscriber", id),
				slog.String("event", string(ev.Type)),
			)
		}
	}

	return nil
}

// Subscribe implements Source.
func (h *MemoryHub) Subscribe(ctx context.Context, fn func(session.Event)) (io.Closer, error) {
	ch := make(chan session.Event, memoryBuffer)

	h.mu.Lock()
	id := h.nextID
	h.nextID++
	h.subs[id] = ch
	h.mu.Unlock()

	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})

	go func() {
		defer close(done)

		for {
			select {
			case <-ctx.Done():
				return
			case ev := <-ch:
				fn(ev)
			}
		}
	}()

	return closerFunc(func() error {
		h.mu.Lock()
		delete(h.subs, id)
		h.mu.Unlock()

		cancel()
		<-done

		return nil
	}), nil
}
