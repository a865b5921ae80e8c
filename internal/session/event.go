package session

import (
	"context"
	"time"

	"github.com/tonimelisma/crdrive/internal/api"
)

// EventType names a session change announced to other processes.
type EventType string

// Session event types.
const (
	EventLogin          EventType = "login"
	EventLogout         EventType = "logout"
	EventTokenRefreshed EventType = "token-refreshed"
)

// Event is a session change notice. It never carries a token: receivers
// that need one refresh through their own credential.
type Event struct {
	ID     string    `json:"id"`
	Type   EventType `json:"type"`
	User   *api.User `json:"user,omitempty"`
	Origin string    `json:"origin"`
	At     time.Time `json:"at"`
}

// Broadcaster announces session events to other processes sharing the
// session. Implementations stamp ID, Origin and At.
type Broadcaster interface {
	Announce(ctx context.Context, ev Event)
}

type nopBroadcaster struct{}

func (nopBroadcaster) Announce(context.Context, Event) {}
