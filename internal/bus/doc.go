// Package bus moves task envelopes between the orchestrator and worker
// agents over Kafka.
//
// # Wire format
//
// Everything on the bus is JSON with a message_type tag: task_request
// (orchestrator→agent) and task_response (agent→orchestrator). Messages
// are keyed by session id, so one session's traffic stays on one
// partition and arrives in order.
//
// # Producing
//
// Dispatch writes a task request and blocks at most the flush deadline
// (default 2s); past it the caller gets ErrDispatchTimeout and must
// treat the dispatch as failed. The writer's batch timeout is lowered
// because dispatches sit on the synchronous /chat path.
//
// # Consuming
//
// One group reader per response topic. The fetch loop is single
// threaded per topic; handlers run on a Pool keyed by session id, which
// serializes per-session completions while different sessions proceed
// in parallel. A full queue blocks Submit and therefore pauses the
// fetch loop, trading buffering for backpressure.
//
// Offsets commit only after the handler for that delivery completes.
// Because handlers finish out of order across keys, an offsetTracker
// per partition advances a watermark: an offset commits once everything
// fetched at or below it is done. Redelivery is therefore possible and
// expected; handlers must stay idempotent on correlation id.
//
// Malformed envelopes are logged, counted, and committed past; garbage
// does not become valid on retry.
package bus
