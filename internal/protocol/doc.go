// Package protocol defines the JSON message envelope exchanged over WebSocket.
// Every message carries a type discriminant, session id and timestamp; inbound
// messages go through one validating parser that rejects unknown discriminants.
package protocol
