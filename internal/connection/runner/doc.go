// Package runner drives sessions hosted by a remote browser-automation runner.
//
// Each session holds one WebSocket to <url>/session/<id>. Requests carry an id
// and are answered by a frame with the same id; everything else the runner
// sends is an event frame:
//
//	-> {"id":"6f1c...","op":"sendMessage","params":{"chatId":"551199@c.us","content":"hi"}}
//	<- {"id":"6f1c...","result":{"id":"true_551199@c.us_3EB0","chatId":"551199@c.us","timestamp":1714550400000}}
//	<- {"event":"qr","data":{"qr":"2@AbC..."}}
//
// The execution surface exists once the runner reports execution_ready and is
// closed by execution_closed or by the socket dropping. A dropped socket is
// surfaced as execution_closed so the session manager can recover.
//
// Simulator implements the runner side of the protocol for tests and for
// cmd/fake-runner.
package runner
