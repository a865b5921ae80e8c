package tabsync

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tonimelisma/crdrive/internal/api"
	"github.com/tonimelisma/crdrive/internal/session"
)

var _ session.Broadcaster = (*Bus)(nil)

// collector gathers delivered events.
type collector struct {
	mu     sync.Mutex
	events []session.Event
}

func (c *collector) add(ev session.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.events = append(c.events, ev)
}

func (c *collector) snapshot() []session.Event {
	c.mu.Lock()
	defer c.mu.Unlock()

	return append([]session.Event(nil), c.events...)
}

func (c *collector) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	return len(c.events)
}

func subscribe(t *testing.T, src Source, c *collector) {
	t.Helper()

	sub, err := src.Subscribe(context.Background(), c.add)
	require.NoError(t, err)
	t.Cleanup(func() { _ = sub.Close() })
}

func listen(t *testing.T, b *Bus, c *collector) {
	t.Helper()

	sub, err := b.Listen(context.Background(), c.add)
	require.NoError(t, err)
	t.Cleanup(func() { _ = sub.Close() })
}

func TestMemoryHub_Broadcast(t *testing.T) {
	hub := NewMemoryHub(nil)

	a, b := &collector{}, &collector{}
	subscribe(t, hub, a)
	subscribe(t, hub, b)

	require.NoError(t, hub.Publish(context.Background(), session.Event{ID: "e1", Type: session.EventLogout}))

	require.Eventually(t, func() bool { return a.len() == 1 && b.len() == 1 }, time.Second, time.Millisecond)
	assert.Equal(t, session.EventLogout, a.snapshot()[0].Type)
}

func TestMemoryHub_CloseStopsDelivery(t *testing.T) {
	hub := NewMemoryHub(nil)
	c := &collector{}

	sub, err := hub.Subscribe(context.Background(), c.add)
	require.NoError(t, err)
	require.NoError(t, sub.Close())

	require.NoError(t, hub.Publish(context.Background(), session.Event{ID: "e1"}))
	time.Sleep(10 * time.Millisecond)
	assert.Zero(t, c.len())
}

func TestBus_DropsOwnOriginAndStamps(t *testing.T) {
	hub := NewMemoryHub(nil)
	fixed := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	sender := NewBus(nil, hub)
	sender.nowFunc = func() time.Time { return fixed }
	receiver := NewBus(nil, hub)

	own, other := &collector{}, &collector{}
	listen(t, sender, own)
	listen(t, receiver, other)

	sender.Announce(context.Background(), session.Event{Type: session.EventLogin, User: &api.User{ID: "u-1"}})

	require.Eventually(t, func() bool { return other.len() == 1 }, time.Second, time.Millisecond)

	ev := other.snapshot()[0]
	assert.NotEmpty(t, ev.ID)
	assert.Equal(t, sender.Origin(), ev.Origin)
	assert.True(t, ev.At.Equal(fixed))
	assert.Equal(t, "u-1", ev.User.ID)

	time.Sleep(10 * time.Millisecond)
	assert.Zero(t, own.len(), "a bus never hears itself")
}

func TestBus_DeduplicatesAcrossSources(t *testing.T) {
	hub1, hub2 := NewMemoryHub(nil), NewMemoryHub(nil)

	sender := NewBus(nil, hub1, hub2)
	receiver := NewBus(nil, hub1, hub2)

	c := &collector{}
	listen(t, receiver, c)

	sender.Announce(context.Background(), session.Event{Type: session.EventTokenRefreshed})

	require.Eventually(t, func() bool { return c.len() >= 1 }, time.Second, time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 1, c.len(), "the same event over two sources is delivered once")
}

func TestRedisSource_PublishSubscribe(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	src := NewRedisSource(client, "", nil)
	c := &collector{}
	subscribe(t, src, c)

	require.NoError(t, src.Publish(context.Background(), session.Event{
		ID: "e1", Type: session.EventLogin, Origin: "other", User: &api.User{ID: "u-9"},
	}))

	require.Eventually(t, func() bool { return c.len() == 1 }, 2*time.Second, 5*time.Millisecond)

	ev := c.snapshot()[0]
	assert.Equal(t, "e1", ev.ID)
	assert.Equal(t, "u-9", ev.User.ID)
}

func TestRedisSource_SkipsMalformed(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	src := NewRedisSource(client, "custom", nil)
	c := &collector{}
	subscribe(t, src, c)

	require.NoError(t, client.Publish(context.Background(), "custom", "not json").Err())
	require.NoError(t, src.Publish(context.Background(), session.Event{ID: "ok", Type: session.EventLogout}))

	require.Eventually(t, func() bool { return c.len() == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, "ok", c.snapshot()[0].ID)
}

func TestRedisSource_PublishError(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	t.Cleanup(func() { _ = client.Close() })

	mr.Close()

	err := NewRedisSource(client, "", nil).Publish(context.Background(), session.Event{ID: "e"})
	assert.Error(t, err)
}

func TestFileSource_CrossWatcher(t *testing.T) {
	path := filepath.Join(t.TempDir(), "session-event.json")

	writer := NewFileSource(path, nil)
	reader := NewFileSource(path, nil)

	c := &collector{}
	subscribe(t, reader, c)

	require.NoError(t, writer.Publish(context.Background(), session.Event{ID: "f1", Type: session.EventLogout, Origin: "w"}))

	require.Eventually(t, func() bool { return c.len() >= 1 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, "f1", c.snapshot()[0].ID)
}

func TestFileSource_ThroughBusDeduplicates(t *testing.T) {
	path := filepath.Join(t.TempDir(), "session-event.json")

	sender := NewBus(nil, NewFileSource(path, nil))
	receiver := NewBus(nil, NewFileSource(path, nil))

	c := &collector{}
	listen(t, receiver, c)

	sender.Announce(context.Background(), session.Event{Type: session.EventLogin})

	require.Eventually(t, func() bool { return c.len() >= 1 }, 2*time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, c.len())
}
