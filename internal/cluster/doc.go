// Package cluster decides which orchestrator instance owns a session.
//
// Each instance keeps a TTL'd key under orchestrator:instances: alive;
// the live keys are the membership. Sessions map to instances by
// rendezvous hashing, so a membership change only moves the sessions
// that belonged to the departed instance. Agent responses arriving on a
// non-owner are republished once to a shared forwarding topic that every
// instance consumes with its own group id.
package cluster
