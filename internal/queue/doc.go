// Package queue admits intents through the filter and owns them until
// they are delivered, dropped or declared dead.
//
// Store layout (all keys live in the shared store):
//
//	intent:<id>           JSON body; its absence cancels the intent
//	q:priority, q:main    lists of ids ready to send
//	q:delayed             sorted set of ids scored by due time (unix ms)
//	batch:<user>:<tmpl>   list of batched member ids
//	batch:due             sorted set of batch keys scored by flush time
//	rate:<user>           per-minute sliding window
//
// Every pop is a single atomic remove (LPOP or ZREM), so when several
// instances drain the same store each id is processed by exactly one.
package queue
