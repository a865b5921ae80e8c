// Package tabsync keeps the sessions of several crdrive processes in step.
// Each process plays the part of a browser tab: it announces its own login,
// refresh and logout, and reacts to the announcements of the others.
package tabsync

import (
	"context"
	"io"

	"github.com/tonimelisma/crdrive/internal/session"
)

// Source is one same-origin event channel. Publish must not deliver back
// to subscriptions of the same Bus; the Bus filters its own origin anyway.
type Source interface {
	Name() string
	Publish(ctx context.Context, ev session.Event) error
	// Subscribe returns once the subscription is live. fn is called from
	// a goroutine owned by the source until the returned Closer is closed
	// or ctx ends.
	Subscribe(ctx context.Context, fn func(session.Event)) (io.Closer, error)
}

// closerFunc adapts a func to io.Closer.
type closerFunc func() error

func (f closerFunc) Close() error { return f() }
