// Package audit writes the gapd audit trail.
//
// Every request outcome is appended as one JSON line with the caller subject,
// adapter id, action, normalized code and latency. The file rotates by size.
package audit
