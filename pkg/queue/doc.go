/*
Package queue implements the durable task store behind the executor.

The store is a single embedded BoltDB database with five buckets, one per
logical partition:

  - scheduled: tasks awaiting their ready time, keyed by
    (big-endian unix-milli ready time, task id) so a cursor walk yields
    tasks in scheduling order
  - processing: tasks checked out by a worker, keyed by task id
  - dead_letter: tasks past their retry budget or failed permanently
  - metadata: per-task counters, first-seen time, and bounded history
  - config: the retry policy active when the database was opened

Values are framed with a 1-byte version tag followed by JSON, so the
record schema can evolve without rewriting the database.

# Task identity

A task id is SHA-256(thread pubkey || exec_count). Two observations of
the same (thread, exec_count) — for example from a validator plugin and
an RPC poller running side by side — therefore collapse into a single
scheduled task, and a task id sitting in processing blocks any attempt
to schedule the same work twice.

# Crash safety

Every operation is a single BoltDB read-write transaction: either the
whole move (scheduled -> processing, processing -> dead_letter, ...)
commits or none of it does. A process crash leaves claimed tasks in
processing; RecoverOrphans moves entries older than a staleness
threshold back to scheduled, and the on-chain durable nonce makes the
resulting double submission harmless.

# Retry policy

RetryDelay implements exponential backoff with jitter:

	min(initial * multiplier^n, max) * (1 + U(-jitter, +jitter))

Tasks that exhaust max_retries move to dead_letter and stay there until
an operator requeues or purges them (or a retention sweep is enabled).
*/
package queue
