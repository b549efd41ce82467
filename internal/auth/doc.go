// Package auth verifies the bearer token a client presents when it opens a gapd
// connection and decides what the resulting session may do.
//
// Roles:
//   - viewer: read-only (adapter list, active adapter info, bonded devices, events)
//   - controller: all viewer privileges plus mutations (discovery, discoverable,
//     active adapter, name, bonds, pairing delegate)
package auth
