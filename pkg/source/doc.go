// Package source defines the event-source contract and its two
// implementations: the validator-embedded plugin bridge (push) and the
// RPC poller with optional websocket subscriptions (pull). Both produce
// the same ObservedEvent stream for a single observer.
package source
