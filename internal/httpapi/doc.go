// Package httpapi exposes the orchestrator over HTTP: the chat endpoint,
// session reads and deletes, the WebSocket push channel, health, and both
// metrics surfaces.
//
// Handlers stay thin. Request decoding, per-user rate limiting, and error
// shaping happen here; everything else is delegated to the conversation
// engine. Errors leave as {"error", "code"} JSON with the code stable
// enough for clients to branch on.
package httpapi
