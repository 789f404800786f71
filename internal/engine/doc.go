// Package engine implements the conversation flow: validate, persist,
// classify, dispatch, and complete.
//
// ProcessChat handles one inbound message. It resolves or creates the
// session, appends the user turn, classifies intent, and either answers
// synchronously (medical emergencies, dispatch failures) or dispatches a
// task to a worker agent and answers with a provisional placeholder. The
// user turn and the provisional assistant turn are written through the
// store's optimistic append so concurrent messages on one session cannot
// lose either.
//
// HandleTaskResponse closes the loop: it claims the correlation (first
// claim wins, everything later is a duplicate), overwrites the provisional
// message with the agent's result, and pushes a final_response envelope
// to the session's live connection. Sweeper timeouts enter through
// CompleteTimeout and take exactly the same path, so a late agent response
// and a synthesized timeout can never both land.
//
// When the session store is unreachable the engine degrades to stateless
// operation: classification and dispatch still work on the current message
// alone and responses carry a degraded flag.
package engine
