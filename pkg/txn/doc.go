// Package txn builds, signs, serializes, and parses the legacy-format
// transactions the engine submits. BuildExecTransaction composes the
// execution payload (nonce advance for durable threads, fiber instruction,
// exec marker); ParseTransaction recovers enough
// structure from wire bytes for the replay consumer to refresh a nonce
// and re-sign.
package txn
