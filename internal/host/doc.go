// Package host implements the host dispatcher.
//
// The dispatcher owns one Handle per connected controller, designates at most one
// of them active, and hands out Tokens for the long-lived discovery and
// discoverable sessions. A handle's discovery and discoverable flags are derived
// from the presence of a live Token, so they cannot drift apart.
//
// Locking: Dispatcher.mu guards the handle map and the active designation.
// Handle.mu serializes mutators of one handle (driver calls included) and lets
// readers run concurrently. Dispatcher.mu is never acquired while a Handle.mu is
// held.
package host
