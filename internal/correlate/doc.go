// Package correlate tracks dispatched agent tasks until something
// closes them: a real response, a synthesized timeout, or cancellation.
//
// Resolve is the only way to win an entry, and it can be won once. Real
// responses and sweeper-synthesized timeouts race through the same
// path; whoever resolves first speaks for the correlation and the loser
// is a no-op. Completed and canceled ids stay in a bounded TTL cache so
// an at-least-once redelivery is recognized as a duplicate instead of
// being mistaken for another instance's response.
//
// The sweeper wakes every 250ms. Past the soft deadline it fires a
// one-time still-working notification; past the hard deadline it fires
// OnTimeout exactly once and leaves removal to the synthesized result.
package correlate
