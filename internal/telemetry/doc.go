// Package telemetry implements the gapd event hub.
//
// The hub fans dispatcher events out to subscribed connections. Events carry a
// monotonic id per adapter and the last N events of each adapter are buffered so a
// reconnecting client can resume after the last id it saw.
package telemetry
