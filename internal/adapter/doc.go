// Package adapter defines the host adapter driver contract for gapd.
//
// A driver talks to one Bluetooth controller (BlueZ over D-Bus, or the fake used in
// tests). The IHostAdapter interface is the only surface the host dispatcher sees;
// drivers report failures through the normalized errors in errors.go so callers
// never parse vendor strings.
package adapter
