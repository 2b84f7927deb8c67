package session

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func TestManager_CreateSeatsOwner(t *testing.T) {
	rec := &countingRecorder{}
	l := &lobby{}
	m := NewManager(Options{Policy: testPolicy(), Sink: DirectSink{Lobby: l.deliver}, Recorder: rec})
	owner := newPlayer(1)

	g, err := m.Create(owner, "Metal Slug")
	require.NoError(t, err)
	assert.Equal(t, "Metal Slug", g.Name())
	assert.Equal(t, StatusWaiting, g.Status())
	assert.Equal(t, 1, g.NumPlayers())
	assert.Same(t, owner, g.Owner())
	assert.False(t, g.CreatedAt().IsZero())
	assert.Equal(t, 1, rec.get("created"))

	assert.Len(t, eventsOf[PlayerJoinedEvent](owner), 1)
	anns := eventsOf[AnnouncementEvent](owner)
	require.Len(t, anns, 1)
	assert.Equal(t, "Autofire detection is disabled.", anns[0].Text)
	assert.Equal(t, []Status{StatusWaiting}, l.statuses())

	got, ok := m.Get(g.ID())
	require.True(t, ok)
	assert.Same(t, g, got)
}

func TestManager_CreateAnnouncesEnabledDetection(t *testing.T) {
	policy := testPolicy()
	policy.AutofireSensitivity = 2
	m := NewManager(Options{Policy: policy})
	owner := newPlayer(1)

	_, err := m.Create(owner, "rom")
	require.NoError(t, err)
	anns := eventsOf[AnnouncementEvent](owner)
	require.Len(t, anns, 1)
	assert.Equal(t, "Autofire detection is enabled at sensitivity 2.", anns[0].Text)
}

func TestManager_CreateRejectsEmptyName(t *testing.T) {
	m := NewManager(Options{})
	_, err := m.Create(newPlayer(1), "")
	assert.ErrorIs(t, err, ErrPolicyViolation)
	assert.Equal(t, 0, m.GameCount())
}

func TestManager_IDsWrap(t *testing.T) {
	m := NewManager(Options{})
	m.lastID = maxGameID - 1

	g1, err := m.Create(newPlayer(1), "a")
	require.NoError(t, err)
	g2, err := m.Create(newPlayer(2), "b")
	require.NoError(t, err)
	assert.Equal(t, maxGameID, g1.ID())
	assert.Equal(t, 1, g2.ID())
}

func TestManager_IDsSkipOpenGames(t *testing.T) {
	m := NewManager(Options{})
	g1, err := m.Create(newPlayer(1), "a")
	require.NoError(t, err)
	m.lastID = maxGameID

	g2, err := m.Create(newPlayer(2), "b")
	require.NoError(t, err)
	assert.Equal(t, 1, g1.ID())
	assert.Equal(t, 2, g2.ID())
}

func TestManager_MaxGames(t *testing.T) {
	m := NewManager(Options{MaxGames: 1})
	owner := newPlayer(1)
	g, err := m.Create(owner, "a")
	require.NoError(t, err)

	_, err = m.Create(newPlayer(2), "b")
	assert.ErrorIs(t, err, ErrTooManyGames)

	require.NoError(t, m.Close(g.ID(), owner))
	_, err = m.Create(newPlayer(2), "b")
	assert.NoError(t, err)
}

func TestManager_Close(t *testing.T) {
	m := NewManager(Options{})
	owner, other := newPlayer(1), newPlayer(2)
	g, err := m.Create(owner, "rom")
	require.NoError(t, err)
	_, err = g.Join(other)
	require.NoError(t, err)

	assert.ErrorIs(t, m.Close(g.ID(), other), ErrPolicyViolation)
	require.NoError(t, m.Close(g.ID(), owner))
	_, ok := m.Get(g.ID())
	assert.False(t, ok)
	assert.Error(t, m.Close(g.ID(), owner))
	assert.ErrorIs(t, g.Close(owner), ErrInvalidState)
}

func TestManager_Leave(t *testing.T) {
	m := NewManager(Options{Policy: testPolicy()})
	a, b := newPlayer(1), newPlayer(2)
	owned, err := m.Create(a, "a")
	require.NoError(t, err)
	joined, err := m.Create(b, "b")
	require.NoError(t, err)
	_, err = joined.Join(a)
	require.NoError(t, err)

	assert.Equal(t, 2, m.Leave(a, "connection lost"))
	_, ok := m.Get(owned.ID())
	assert.False(t, ok, "games owned by the leaving player close")
	assert.Equal(t, []Player{b}, joined.Players())

	quits := eventsOf[PlayerQuitEvent](b)
	require.Len(t, quits, 1)
	assert.Equal(t, "connection lost", quits[0].Message)
	assert.Equal(t, 0, m.Leave(a, "again"))
}

func TestManager_CloseAll(t *testing.T) {
	rec := &countingRecorder{}
	m := NewManager(Options{Recorder: rec})
	for i := 1; i <= 3; i++ {
		_, err := m.Create(newPlayer(i), "rom")
		require.NoError(t, err)
	}
	m.CloseAll()
	assert.Equal(t, 0, m.GameCount())
	assert.Equal(t, 3, rec.get("closed"))
}

func TestManager_GamesOrderedAndCounted(t *testing.T) {
	m := NewManager(Options{Policy: testPolicy()})
	var games []*Game
	for i := 1; i <= 3; i++ {
		g, err := m.Create(newPlayer(i), fmt.Sprintf("rom%d", i))
		require.NoError(t, err)
		games = append(games, g)
	}
	assert.Equal(t, games, m.Games())
	assert.Equal(t, 3, m.GameCount())
	assert.Equal(t, 0, m.PlayingCount())

	require.NoError(t, games[1].Start(games[1].Owner()))
	require.NoError(t, games[1].Ready(games[1].Owner(), 1))
	assert.Equal(t, 1, m.PlayingCount())
}

func TestManager_ConcurrentCreate(t *testing.T) {
	m := NewManager(Options{})
	const n = 50

	var wg sync.WaitGroup
	ids := make(chan int, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			g, err := m.Create(newPlayer(i), "rom")
			if err == nil {
				ids <- g.ID()
			}
		}(i)
	}
	wg.Wait()
	close(ids)

	seen := make(map[int]bool)
	for id := range ids {
		assert.False(t, seen[id], "duplicate id %d", id)
		seen[id] = true
	}
	assert.Len(t, seen, n)
}

func TestPropertySeatsAreContiguous(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		n := rapid.IntRange(1, 8).Draw(t, "players")
		m := NewManager(Options{Policy: testPolicy()})
		players := make([]*fakePlayer, n)
		for i := range players {
			players[i] = newPlayer(i + 1)
		}
		g := startedGame(t, m, players...)

		seen := make(map[Seat]bool)
		for _, p := range players {
			s, ok := g.SeatOf(p)
			if !ok {
				t.Fatalf("player %d has no seat", p.ID())
			}
			if s < 1 || int(s) > n || seen[s] {
				t.Fatalf("seat %d invalid or duplicated for %d players", s, n)
			}
			seen[s] = true
		}

		dropped := rapid.IntRange(0, n-1).Draw(t, "dropped")
		if err := g.Drop(players[dropped], Seat(dropped+1)); err != nil {
			t.Fatalf("drop: %v", err)
		}
		for i, p := range players {
			if i == dropped || g.Status() == StatusWaiting {
				continue
			}
			if s, _ := g.SeatOf(p); s != Seat(i+1) {
				t.Fatalf("player %d renumbered to seat %d after drop", p.ID(), s)
			}
		}
		if g.Status() == StatusPlaying && g.SynchronizedCount() < min(2, n) {
			t.Fatalf("playing with %d synchronized seats", g.SynchronizedCount())
		}
	})
}
