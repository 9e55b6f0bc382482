/*
Package observer turns raw chain events into execution signals.

The observer owns the only mutable view of thread state off-chain: a map
from thread pubkey to the latest snapshot, the last seen clock, and the
latest data of accounts monitored by Account triggers. Events from the
source fold into this cache; whenever a thread's trigger predicate first
transitions from not-ready to ready, a ThreadReady signal is emitted for
exactly one (thread, exec_count) pair.

Deduplication uses an LRU of recently emitted pairs, sized to absorb the
overlap window of redundant event sources. Emission applies backpressure:
a full executor channel pauses event draining rather than dropping
readiness signals.

Trigger readiness predicates live in TriggerReady and are the
authoritative off-chain mirror of the on-chain gate; the program remains
the final arbiter and a premature submission comes back as a classified
trigger-not-ready error.
*/
package observer
