/*
Package executor drives ready tasks to completion.

The intake loop enqueues a task per ThreadReady signal and claims due
tasks from the persistent queue on every clock tick, handing them to a
worker pool. Each worker re-checks the cached exec_count (the work may
already be done), composes the transaction in the fixed on-chain order
(nonce advance, fiber instruction, exec marker), submits it, and acts on
the classified outcome: complete, reschedule with backoff, or
dead-letter. Benign races — a nonce advanced or an exec_count bumped by
another executor — complete the task rather than failing it.
*/
package executor
