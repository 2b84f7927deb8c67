package observability

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/kidoz/emulinker-sub000/internal/game/session"
)

type stubPlayer struct{ id int }

func (p stubPlayer) ID() int                                { return p.id }
func (p stubPlayer) Name() string                           { return "p" }
func (p stubPlayer) ConnectionType() session.ConnectionType { return session.ConnectionLAN }
func (p stubPlayer) ClientType() string                     { return "mame" }
func (p stubPlayer) Address() string                        { return "127.0.0.1:1" }
func (p stubPlayer) Deliver(session.Event)                  {}

type fixedCounter struct{ open, playing int }

func (c fixedCounter) GameCount() int    { return c.open }
func (c fixedCounter) PlayingCount() int { return c.playing }

func TestGameMetrics_ImplementsRecorder(t *testing.T) {
	var _ session.Recorder = NewGameMetrics()
}

func TestGameMetrics_Counters(t *testing.T) {
	m := NewGameMetrics()
	m.GameCreated()
	m.GameCreated()
	m.GameClosed()
	m.GameStarted()
	m.PlayersSynced()
	m.PlayerDesynced()
	m.PlayerDropped()
	m.PlayerTimeout()
	m.PlayerTimeout()
	m.PlayerTimeout()
	m.AutofireDetected()

	assert.Equal(t, 2.0, testutil.ToFloat64(m.gamesCreated))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.gamesClosed))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.gamesStarted))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.syncs))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.desyncs))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.drops))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.timeouts))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.autofire))
}

func TestGameMetrics_EventDroppedLabels(t *testing.T) {
	m := NewGameMetrics()
	m.EventDropped(false)
	m.EventDropped(false)
	m.EventDropped(true)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.eventsDropped.WithLabelValues("false")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.eventsDropped.WithLabelValues("true")))
}

func TestGameMetrics_WatchGames(t *testing.T) {
	m := NewGameMetrics()
	m.WatchGames(fixedCounter{open: 3, playing: 1})

	expected := `
# HELP relay_games_open Games currently open.
# TYPE relay_games_open gauge
relay_games_open 3
# HELP relay_games_playing Games currently exchanging input.
# TYPE relay_games_playing gauge
relay_games_playing 1
`
	err := testutil.GatherAndCompare(m.Registry(), strings.NewReader(expected),
		"relay_games_open", "relay_games_playing")
	assert.NoError(t, err)
}

func TestGameMetrics_RecordsManagerActivity(t *testing.T) {
	m := NewGameMetrics()
	mgr := session.NewManager(session.Options{Policy: session.DefaultPolicy(), Recorder: m})
	m.WatchGames(mgr)

	owner := stubPlayer{id: 1}
	g, err := mgr.Create(owner, "rom")
	require.NoError(t, err)
	require.NoError(t, g.Start(owner))
	require.NoError(t, g.Ready(owner, 1))

	assert.Equal(t, 1.0, testutil.ToFloat64(m.gamesCreated))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.gamesStarted))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.syncs))

	require.NoError(t, mgr.Close(g.ID(), owner))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.gamesClosed))

	expected := `
# HELP relay_games_open Games currently open.
# TYPE relay_games_open gauge
relay_games_open 0
`
	assert.NoError(t, testutil.GatherAndCompare(m.Registry(), strings.NewReader(expected), "relay_games_open"))
}

func TestMetricsServer_ServesRegistry(t *testing.T) {
	m := NewGameMetrics()
	m.GameCreated()
	s := NewMetricsServer("127.0.0.1:0", "/metrics", m.Registry(), zaptest.NewLogger(t))

	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "relay_games_created_total 1")
	assert.Contains(t, string(body), "go_goroutines")

	resp404, err := http.Get(ts.URL + "/other")
	require.NoError(t, err)
	resp404.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp404.StatusCode)
}

func TestMetricsServer_StopWithoutStart(t *testing.T) {
	s := NewMetricsServer("127.0.0.1:0", "/metrics", NewGameMetrics().Registry(), zaptest.NewLogger(t))
	s.Stop()
	assert.NoError(t, s.Start(), "a stopped server returns without error")
}
