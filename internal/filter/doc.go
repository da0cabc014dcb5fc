// Package filter decides whether an intent may be delivered now, later,
// in a digest, or not at all.
//
// Evaluation order is fixed: score, preferences, spam, frequency, quiet
// hours, batching. The first stage that says no wins. Store failures are
// permissive: a check that cannot read its counters lets the intent pass.
package filter
