package session

import "fmt"

// Event is an immutable notification produced by a Game. Events are created
// under the game lock and handed to the EventSink after it is released.
type Event interface {
	// SessionID returns the id of the game that produced the event.
	SessionID() int
}

// StatusChangedEvent reports a new game status or player count.
type StatusChangedEvent struct {
	GameID     int
	Status     Status
	NumPlayers int
}

func (e StatusChangedEvent) SessionID() int { return e.GameID }

// PlayerJoinedEvent reports a new member.
type PlayerJoinedEvent struct {
	GameID int
	Player Player
}

func (e PlayerJoinedEvent) SessionID() int { return e.GameID }

// GameStartedEvent tells every member its seat assignment is fixed and the
// session is synchronizing.
type GameStartedEvent struct {
	GameID         int
	Seats          int
	FramesPerBatch int
}

func (e GameStartedEvent) SessionID() int { return e.GameID }

// AllReadyEvent fires exactly once per start, when the last seat is ready.
type AllReadyEvent struct {
	GameID int
}

func (e AllReadyEvent) SessionID() int { return e.GameID }

// PlayerDroppedEvent reports that a seat left the running game.
type PlayerDroppedEvent struct {
	GameID int
	Player Player
	Seat   Seat
}

func (e PlayerDroppedEvent) SessionID() int { return e.GameID }

// PlayerQuitEvent reports that a member left the game.
type PlayerQuitEvent struct {
	GameID  int
	Player  Player
	Message string
}

func (e PlayerQuitEvent) SessionID() int { return e.GameID }

// PlayerTimeoutEvent asks the protocol layer to have the lagging seat's client
// resend its recent output.
type PlayerTimeoutEvent struct {
	GameID   int
	Player   Player
	Seat     Seat
	Sequence int
}

func (e PlayerTimeoutEvent) SessionID() int { return e.GameID }

// Desynchronization reasons.
const (
	ReasonLagged        = "lagged"
	ReasonDroppedPacket = "dropped packet"
	ReasonQuorumLost    = "too few synchronized players"
)

// PlayerDesynchronizedEvent reports that a seat no longer participates in the
// merge.
type PlayerDesynchronizedEvent struct {
	GameID int
	Player Player
	Seat   Seat
	Reason string
}

func (e PlayerDesynchronizedEvent) SessionID() int { return e.GameID }

// MergedFrameEvent carries one combined batch to the submitting player.
type MergedFrameEvent struct {
	GameID int
	Seat   Seat
	Data   []byte
}

func (e MergedFrameEvent) SessionID() int { return e.GameID }

// AnnouncementEvent is a server notice shown to every member.
type AnnouncementEvent struct {
	GameID int
	Text   string
}

func (e AnnouncementEvent) SessionID() int { return e.GameID }

// ChatEvent is an in-game chat line.
type ChatEvent struct {
	GameID  int
	Player  Player
	Message string
}

func (e ChatEvent) SessionID() int { return e.GameID }

// GameClosedEvent reports that the owner closed the game.
type GameClosedEvent struct {
	GameID int
}

func (e GameClosedEvent) SessionID() int { return e.GameID }

// Critical reports whether losing e corrupts the client's view of the game.
func Critical(e Event) bool {
	switch e.(type) {
	case GameStartedEvent, AllReadyEvent, MergedFrameEvent:
		return true
	default:
		return false
	}
}

// Scope selects who receives an Envelope.
type Scope int

const (
	// ScopeSession addresses every member at the time of emission.
	ScopeSession Scope = iota
	// ScopePlayer addresses only the listed recipients.
	ScopePlayer
	// ScopeServer addresses every connected client (lobby listings).
	ScopeServer
)

func (s Scope) String() string {
	switch s {
	case ScopeSession:
		return "session"
	case ScopePlayer:
		return "player"
	case ScopeServer:
		return "server"
	default:
		return fmt.Sprintf("Scope(%d)", int(s))
	}
}

// Envelope addresses one Event.
type Envelope struct {
	Scope      Scope
	Recipients []Player
	Event      Event
}

// EventSink receives every Envelope a Game produces. Publish is never called
// with the game lock held, so implementations may call back into the game.
type EventSink interface {
	Publish(env Envelope)
}

// DirectSink delivers session and player scoped envelopes straight to their
// recipients and forwards server scoped envelopes to Lobby.
type DirectSink struct {
	// Lobby receives server-wide events; nil discards them.
	Lobby func(Event)
}

// Publish implements EventSink.
func (s DirectSink) Publish(env Envelope) {
	if env.Scope == ScopeServer {
		if s.Lobby != nil {
			s.Lobby(env.Event)
		}
		return
	}
	for _, p := range env.Recipients {
		p.Deliver(env.Event)
	}
}

type outbox []Envelope

func (o *outbox) add(scope Scope, recipients []Player, e Event) {
	*o = append(*o, Envelope{Scope: scope, Recipients: recipients, Event: e})
}
