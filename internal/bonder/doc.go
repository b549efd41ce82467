// Package bonder implements the request-facing bonder service.
//
// Each connection runs a Session through Opening, Serving and Closed. Opening
// authenticates the client and subscribes it to dispatcher events. Serving runs
// every request in its own goroutine and writes responses in arrival order.
// Closed revokes the session's tokens, clears its pairing delegate and drops the
// event subscription.
package bonder
