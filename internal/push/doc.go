// Package push delivers server-initiated frames to chat clients.
//
// A session has at most one live connection. Attaching a new one closes
// the previous with reason "superseded", so a client reconnecting after
// a network blip never races its own stale socket. Each connection gets
// a single writer goroutine draining a bounded outbox, which keeps
// frames for a session in enqueue order without letting a slow client
// block the rest of the process. When the outbox is full the frame is
// dropped and counted; the durable conversation state lives in the
// session store, not on the wire.
package push
