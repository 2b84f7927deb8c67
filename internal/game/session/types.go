// Package session implements the netplay game session: membership, the
// Waiting/Synchronizing/Playing state machine, and the lock-step merge of
// every seat's action stream.
package session

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Status is the session state. The numeric values are the protocol status
// codes.
type Status byte

const (
	StatusWaiting       Status = 0
	StatusPlaying       Status = 1
	StatusSynchronizing Status = 2
)

// String returns the human-readable status name.
func (s Status) String() string {
	switch s {
	case StatusWaiting:
		return "Waiting"
	case StatusPlaying:
		return "Playing"
	case StatusSynchronizing:
		return "Synchronizing"
	default:
		return fmt.Sprintf("Status(%d)", byte(s))
	}
}

// ConnectionType is a client's self-reported connection quality. Its value is
// also the number of frames the client packs into one batch.
type ConnectionType byte

const (
	ConnectionLAN       ConnectionType = 1
	ConnectionExcellent ConnectionType = 2
	ConnectionGood      ConnectionType = 3
	ConnectionAverage   ConnectionType = 4
	ConnectionLow       ConnectionType = 5
	ConnectionBad       ConnectionType = 6
)

var connectionNames = [...]string{"DISABLED", "LAN", "Excellent", "Good", "Average", "Low", "Bad"}

// String returns the connection type name.
func (c ConnectionType) String() string {
	if int(c) < len(connectionNames) {
		return connectionNames[c]
	}
	return fmt.Sprintf("Unknown(%d)", byte(c))
}

// Valid reports whether c is one of the defined connection types.
func (c ConnectionType) Valid() bool {
	return c >= ConnectionLAN && c <= ConnectionBad
}

// FramesPerBatch returns how many input frames one batch carries.
func (c ConnectionType) FramesPerBatch() int {
	if !c.Valid() {
		return 0
	}
	return int(c)
}

// Seat is a 1-based player position fixed when the session starts.
type Seat int

func (s Seat) index() int { return int(s) - 1 }

func (s Seat) valid(seats int) bool { return s >= 1 && int(s) <= seats }

// Player is the capability set the session needs from a connected client.
type Player interface {
	ID() int
	Name() string
	ConnectionType() ConnectionType
	ClientType() string
	// Address is the client's network address, used only for audit records.
	Address() string
	// Deliver pushes an event onto the player's outbound queue. It must not
	// call back into the session.
	Deliver(Event)
}

func samePlayer(a, b Player) bool {
	return a != nil && b != nil && a.ID() == b.ID()
}

// AccessLevel is a player's privilege level.
type AccessLevel int

const (
	AccessNormal AccessLevel = iota + 1
	AccessElevated
	AccessAdmin
)

// Elevated reports whether l bypasses the kicked and in-progress join checks.
func (l AccessLevel) Elevated() bool {
	return l >= AccessElevated
}

// AccessChecker resolves a player's access level.
type AccessChecker interface {
	AccessLevel(p Player) AccessLevel
}

// AccessFunc adapts a function into an AccessChecker.
type AccessFunc func(p Player) AccessLevel

// AccessLevel calls f(p).
func (f AccessFunc) AccessLevel(p Player) AccessLevel { return f(p) }

var everyoneNormal = AccessFunc(func(Player) AccessLevel { return AccessNormal })

// Policy holds the per-session limits fixed at construction.
type Policy struct {
	// AllowSinglePlayer permits Start with only the owner seated.
	AllowSinglePlayer bool
	// MaxPlayers caps membership; 0 means unlimited.
	MaxPlayers int
	// BufferSize is the ring size in bytes of each seat's action buffer.
	BufferSize int
	// MaxFrameSize caps the bytes one seat sends per frame; 0 means only the
	// buffer size limits it.
	MaxFrameSize int
	// FrameTimeout bounds each wait for another seat's frame.
	FrameTimeout time.Duration
	// DesynchTimeouts is the number of consecutive timeouts after which a
	// seat is desynchronized.
	DesynchTimeouts int
	// AutofireSensitivity is the initial detector level, 0-5.
	AutofireSensitivity int
}

// DefaultPolicy returns the stock limits.
func DefaultPolicy() Policy {
	return Policy{
		AllowSinglePlayer:   true,
		BufferSize:          1024,
		MaxFrameSize:        32,
		FrameTimeout:        1250 * time.Millisecond,
		DesynchTimeouts:     4,
		AutofireSensitivity: 0,
	}
}

// Recorder receives session lifecycle counters.
type Recorder interface {
	GameCreated()
	GameClosed()
	GameStarted()
	PlayersSynced()
	PlayerDesynced()
	PlayerDropped()
	PlayerTimeout()
	AutofireDetected()
}

type nopRecorder struct{}

func (nopRecorder) GameCreated()      {}
func (nopRecorder) GameClosed()       {}
func (nopRecorder) GameStarted()      {}
func (nopRecorder) PlayersSynced()    {}
func (nopRecorder) PlayerDesynced()   {}
func (nopRecorder) PlayerDropped()    {}
func (nopRecorder) PlayerTimeout()    {}
func (nopRecorder) AutofireDetected() {}

// Detection is the audit record written when the autofire detector fires.
type Detection struct {
	ID            uuid.UUID
	GameID        int
	ROM           string
	GameCreatedAt time.Time
	PlayerID      int
	PlayerName    string
	Address       string
	Seat          int
	Sensitivity   int
	RunLength     int
	DetectedAt    time.Time
}

// AuditStore persists autofire detections.
type AuditStore interface {
	RecordDetection(ctx context.Context, d Detection) error
}
