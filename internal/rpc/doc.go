// Package rpc carries gapd messages between clients and the bonder service.
//
// Every message is a Message envelope. Requests and responses are correlated by
// ID; events, cancels and pairing exchanges share the same stream. Channel is the
// transport contract; Pipe connects two endpoints in process and StreamChannel
// frames newline-delimited JSON over any net.Conn.
package rpc
