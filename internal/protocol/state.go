package protocol

import (
	"context"

	"github.com/looplab/fsm"
)

// State is the lifecycle state of a [Session].
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateHandshakePending
	StateOpen
	StateClosing
)

var stateNames = [...]string{
	StateDisconnected:     "disconnected",
	StateConnecting:       "connecting",
	StateHandshakePending: "handshake_pending",
	StateOpen:             "open",
	StateClosing:          "closing",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "unknown"
	}
	return stateNames[s]
}

func parseState(name string) State {
	for i, n := range stateNames {
		if n == name {
			return State(i)
		}
	}
	return StateDisconnected
}

// State machine events.
const (
	evOpen      = "open"
	evConnected = "connected"
	evAck       = "ack"
	evClose     = "close"
	evClosed    = "closed"
	evFail      = "fail"
)

// newStateMachine builds the session lifecycle:
//
//	disconnected --open--> connecting --connected--> handshake_pending --ack--> open
//	open|connecting|handshake_pending --close--> closing --closed--> disconnected
//	connecting|handshake_pending|open --fail--> disconnected
//
// onChange runs after every transition with the source and destination.
func newStateMachine(onChange func(from, to State)) *fsm.FSM {
	d := StateDisconnected.String()
	c := StateConnecting.String()
	h := StateHandshakePending.String()
	o := StateOpen.String()
	cl := StateClosing.String()

	return fsm.NewFSM(
		d,
		fsm.Events{
			{Name: evOpen, Src: []string{d}, Dst: c},
			{Name: evConnected, Src: []string{c}, Dst: h},
			{Name: evAck, Src: []string{h}, Dst: o},
			{Name: evClose, Src: []string{o, c, h}, Dst: cl},
			{Name: evClosed, Src: []string{cl}, Dst: d},
			{Name: evFail, Src: []string{c, h, o, cl}, Dst: d},
		},
		fsm.Callbacks{
			"enter_state": func(_ context.Context, e *fsm.Event) {
				if onChange != nil {
					onChange(parseState(e.Src), parseState(e.Dst))
				}
			},
		},
	)
}
