// Package connection defines the capability the gateway needs from a messaging
// network client: lifecycle control, a typed event stream, message sending and
// an execution surface that can be probed for liveness.
//
// Concrete drivers live in sub-packages (runner, matrix, fake). The session
// manager is the only component that holds a Client; everything else looks it
// up by session id at call time.
package connection
