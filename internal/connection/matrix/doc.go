// Package matrix drives sessions backed by a Matrix account.
//
// Credentials are read from a TOML file inside the session folder:
//
//	homeserver = "https://matrix.example.org"
//	user_id = "@relay:example.org"
//	access_token = "${RELAY_MATRIX_TOKEN}"
//
// Chat ids follow the gateway's conventions. A room !abc:example.org is the
// group chat abc:example.org@g.us; the user @alice:example.org is the personal
// chat alice:example.org@c.us, served by a direct room that is created on first
// send and cached for the life of the client.
//
// The sync loop is the execution surface: it is alive while syncing and
// Evaluate calls whoami against the homeserver.
package matrix
