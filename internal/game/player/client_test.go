package player

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/kidoz/emulinker-sub000/internal/game/session"
)

func testInfo(id int) Info {
	return Info{ID: id, Name: "p", ConnectionType: session.ConnectionLAN, ClientType: "mame", Address: "127.0.0.1:1"}
}

type collector struct {
	mu     sync.Mutex
	events []session.Event
}

func (c *collector) Render(_ context.Context, e session.Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, e)
	return nil
}

func (c *collector) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.events)
}

func TestClient_ImplementsPlayer(t *testing.T) {
	var _ session.Player = NewClient(testInfo(1), Options{})
}

func TestClient_RunRendersInOrder(t *testing.T) {
	c := NewClient(testInfo(1), Options{QueueSize: 8})
	for i := 0; i < 5; i++ {
		c.Deliver(session.AnnouncementEvent{GameID: i})
	}
	c.Close()

	col := &collector{}
	require.NoError(t, c.Run(context.Background(), col))
	require.Len(t, col.events, 5)
	for i, e := range col.events {
		assert.Equal(t, i, e.SessionID())
	}
}

func TestClient_DeliverAfterCloseIsDropped(t *testing.T) {
	c := NewClient(testInfo(1), Options{QueueSize: 2})
	c.Close()
	c.Close()
	assert.True(t, c.Closed())

	c.Deliver(session.AllReadyEvent{})
	assert.Equal(t, 0, c.Pending())
	assert.Equal(t, 0, c.Dropped())
}

func TestClient_FullQueueDropsNonCritical(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	var drops atomic.Int32
	c := NewClient(testInfo(1), Options{
		QueueSize: 1,
		Logger:    zap.New(core),
		OnDrop: func(critical bool) {
			assert.False(t, critical)
			drops.Add(1)
		},
	})

	c.Deliver(session.ChatEvent{Message: "first"})
	start := time.Now()
	for i := 0; i < 15; i++ {
		c.Deliver(session.ChatEvent{Message: "overflow"})
	}
	assert.Less(t, time.Since(start), 50*time.Millisecond, "non-critical events never wait")

	assert.Equal(t, 15, c.Dropped())
	assert.Equal(t, int32(15), drops.Load())
	assert.Equal(t, 9, logs.FilterMessage("inbox full, dropping event").Len())
	assert.Equal(t, 1, logs.FilterMessage("inbox full, suppressing further drop warnings").Len())
}

func TestClient_CriticalEventWaitsForRoom(t *testing.T) {
	c := NewClient(testInfo(1), Options{QueueSize: 1, CriticalGrace: time.Second})
	c.Deliver(session.ChatEvent{})

	go func() {
		time.Sleep(20 * time.Millisecond)
		<-c.events
	}()

	c.Deliver(session.MergedFrameEvent{Data: []byte{1}})
	assert.Equal(t, 0, c.Dropped())
	e := <-c.events
	assert.IsType(t, session.MergedFrameEvent{}, e)
}

func TestClient_CriticalEventDroppedAfterGrace(t *testing.T) {
	core, logs := observer.New(zapcore.ErrorLevel)
	var critical atomic.Bool
	c := NewClient(testInfo(1), Options{
		QueueSize:     1,
		CriticalGrace: 20 * time.Millisecond,
		Logger:        zap.New(core),
		OnDrop:        func(c bool) { critical.Store(c) },
	})
	c.Deliver(session.ChatEvent{})

	start := time.Now()
	c.Deliver(session.GameStartedEvent{})
	assert.GreaterOrEqual(t, time.Since(start), 20*time.Millisecond)
	assert.Equal(t, 1, c.Dropped())
	assert.True(t, critical.Load())
	assert.Equal(t, 1, logs.FilterMessage("inbox full, dropping critical event").Len())
}

func TestClient_BacklogWarningOnce(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	c := NewClient(testInfo(1), Options{QueueSize: 10, Logger: zap.New(core)})
	for i := 0; i < 9; i++ {
		c.Deliver(session.ChatEvent{})
	}
	assert.Equal(t, 1, logs.FilterMessage("inbox backlog").Len())
}

func TestClient_RunStopsOnContext(t *testing.T) {
	c := NewClient(testInfo(1), Options{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, c.Run(ctx, &collector{}), context.Canceled)
}

func TestClient_RenderErrorsDoNotStopLoop(t *testing.T) {
	c := NewClient(testInfo(1), Options{})
	var calls atomic.Int32
	r := RendererFunc(func(context.Context, session.Event) error {
		calls.Add(1)
		return errors.New("socket closed")
	})
	c.Deliver(session.ChatEvent{})
	c.Deliver(session.ChatEvent{})
	c.Close()

	require.NoError(t, c.Run(context.Background(), r))
	assert.Equal(t, int32(2), calls.Load())
}

func TestClient_ReceivesSessionEvents(t *testing.T) {
	m := session.NewManager(session.Options{Policy: session.DefaultPolicy()})
	owner := NewClient(testInfo(1), Options{})
	guest := NewClient(Info{ID: 2, Name: "guest", ConnectionType: session.ConnectionLAN, ClientType: "mame"}, Options{})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ownerCol, guestCol := &collector{}, &collector{}
	go func() { _ = owner.Run(ctx, ownerCol) }()
	go func() { _ = guest.Run(ctx, guestCol) }()

	g, err := m.Create(owner, "rom")
	require.NoError(t, err)
	_, err = g.Join(guest)
	require.NoError(t, err)
	require.NoError(t, g.Start(owner))

	// owner: joined(self), autofire notice, joined(guest), started.
	// guest: joined(guest), started.
	require.Eventually(t, func() bool {
		return ownerCol.len() == 4 && guestCol.len() == 2
	}, time.Second, 5*time.Millisecond)

	guestCol.mu.Lock()
	defer guestCol.mu.Unlock()
	assert.IsType(t, session.PlayerJoinedEvent{}, guestCol.events[0])
	assert.IsType(t, session.GameStartedEvent{}, guestCol.events[1])
}
