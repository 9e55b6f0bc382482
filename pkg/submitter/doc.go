/*
Package submitter delivers signed transactions to the network.

Three modes: rpc-only, direct-only, and direct-with-fallback (default).
The direct path fans out to the ingress endpoints of the current and
upcoming slot leaders and returns on the first acknowledgement; a
circuit breaker (closed -> open on consecutive failures -> half-open
after a reset timeout) short-circuits it to RPC while the leaders are
unreachable. Per-endpoint clients live in a cache that re-establishes
connections lazily after failure and reaps them after idle.

When replay is enabled, durable-nonce transactions are additionally
published as JSON envelopes on the antegen.durable_txs subject. The
ReplayConsumer holds each envelope for a delay, ack-and-drops it if the
original signature confirmed in the meantime, refreshes the nonce value
and resubmits otherwise, and routes envelopes past the replay budget to
a dead-letter subject.
*/
package submitter
