// Package session defines the conversation session model and its
// Redis-backed store.
//
// # Model
//
// A Session carries identity, rolling history, pending agent tasks, and
// conversational context. History is capped (oldest dropped first) and
// every mutation refreshes last_activity, which feeds the idle TTL.
//
// # Store
//
// Store is the persistence interface; RedisStore implements it with one
// JSON document per session plus a per-user index set:
//
//	session:{id}              session document (EX ttl)
//	user_sessions:{user_id}   set of the user's session ids
//
// Update and AppendMessage run as optimistic WATCH/MULTI transactions so
// two writers cannot interleave history updates; after three conflicted
// attempts they return ErrConflict.
package session
