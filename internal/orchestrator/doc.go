// Package orchestrator assembles the service from configuration: the
// Redis session store, the LLM failover chain, the intent classifier,
// the dispatch router, the Kafka producer and consumers, the correlation
// sweeper, cluster membership, and the HTTP surface.
//
// New wires everything without touching the network, so construction is
// cheap and testable. Run owns every goroutine: consumers, the worker
// pool, the sweeper, heartbeats, the HTTP listener (TCP or tsnet), and
// the SIGHUP reload loop. It blocks until the context ends or a
// component fails, then shuts the pieces down in dependency order.
package orchestrator
