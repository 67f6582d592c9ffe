package socket

import "fmt"

type State uint32

const (
	Created State = iota
	Bound
	Listening
	Connecting
	Connected
	Closing
	Closed
)

var stateNames = [...]string{
	Created:    "created",
	Bound:      "bound",
	Listening:  "listening",
	Connecting: "connecting",
	Connected:  "connected",
	Closing:    "closing",
	Closed:     "closed",
}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("state(%d)", uint32(s))
}

// transitions lists the legal successors of each state. A failed connect
// returns to the state it started from; re-listening is a self transition.
var transitions = map[State][]State{
	Created:    {Bound, Connecting, Closing},
	Bound:      {Listening, Connecting, Closing},
	Listening:  {Listening, Closing},
	Connecting: {Connected, Created, Bound, Closing},
	Connected:  {Closing},
	Closing:    {Closed},
}

// CanTransition reports whether from -> to is in the transition table.
func CanTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}
