// Package intent classifies user messages into a closed intent set.
//
// # Passes
//
// Classification short-circuits on the first pass that answers:
//
//  1. Pattern: the lowercased message is checked against an ordered
//     rule list (TOML, embedded defaults). First firing rule wins, so
//     rule order is policy: emergency phrasing outranks booking, and
//     appointment changes outrank new bookings. Confidence 1.0.
//  2. LLM: the intent_recognition prompt asks for exactly one intent
//     name; the answer is trimmed, lowercased, and stripped of
//     punctuation, then gated against the vocabulary. A non-vocabulary
//     answer moves on to the fallback provider. Confidence 0.9 when the
//     primary answered, 0.7 when a fallback did.
//  3. Default: general_info at confidence 0.0.
//
// Classify never returns an error; the worst case is the default
// result. Rules reload on SIGHUP alongside prompt templates.
package intent
