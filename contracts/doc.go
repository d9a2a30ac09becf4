// Package contracts defines the messages that cross the broker for friend-rpc.
//
// This package defines:
//   - RequestEnvelope: the outbound unit published for every call
//   - ReplyEnvelope: an inbound reply read from the shared reply queue
//   - Method: a closed set of remote operations, each bound to its request and reply payloads
//   - The friend service payloads exchanged by those methods
//
// Payloads are plain JSON documents so the .NET friend service can consume them unchanged.
package contracts
