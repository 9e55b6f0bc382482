// Package rpc is the JSON-RPC client layer: a pooled HTTP client with
// classified submission errors, decoders for the nonce and clock sysvar
// accounts, and a websocket client for account and slot subscriptions.
package rpc
