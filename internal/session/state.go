// ABOUTME: Session lifecycle states and the allowed transition table
// ABOUTME: CREATING is initial, DESTROYED is terminal

package session

// State is a session lifecycle state.
type State string

const (
	StateCreating     State = "CREATING"
	StateAwaitingAuth State = "AWAITING_AUTH"
	StateConnected    State = "CONNECTED"
	StateDisconnected State = "DISCONNECTED"
	StateRestarting   State = "RESTARTING"
	StateDestroyed    State = "DESTROYED"
)

// transitions lists the states reachable from each state through client
// events and recovery. Manual restart and terminate bypass this table.
var transitions = map[State][]State{
	StateCreating:     {StateAwaitingAuth, StateConnected, StateDisconnected, StateDestroyed},
	StateAwaitingAuth: {StateAwaitingAuth, StateConnected, StateDisconnected, StateDestroyed},
	StateConnected:    {StateDisconnected, StateDestroyed},
	StateDisconnected: {StateRestarting, StateConnected, StateDestroyed},
	StateRestarting:   {StateCreating, StateDestroyed},
}

// CanTransition reports whether from -> to is allowed.
func CanTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Live reports whether a session in this state still owns, or is about to
// own, a connection client.
func (s State) Live() bool {
	return s != StateDestroyed && s != ""
}
