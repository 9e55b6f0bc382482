/*
Package types defines the core data structures shared across the engine.

Threads, fibers, triggers, and their contexts mirror the on-chain
account layouts; ObservedEvent, ThreadReady, and ExecutionTask are the
off-chain pipeline's own currency. Components reference threads by
pubkey, never by pointer, and the snapshots passed between them are
immutable copies.

DecodeThreadAccount is the authority on the account wire layout; the
encoder mirror exists for tests and tooling.
*/
package types
