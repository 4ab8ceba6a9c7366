// Package relaypool is a client for a publish/subscribe wire protocol over
// persistent websocket connections to multiple independent relays.
//
// The primary lifecycle is:
//   - construct a Pool with NewPool and configure a logger and Signer
//   - resolve relays into a RelaySet per operation
//   - Subscribe with filters for a merged live stream, Publish pre-signed
//     events with a required ack quorum, or Count matching events
//   - Close the Pool when finished
//
// Each Connection owns one socket and its correlation tables; identical
// filter sets attached to the same connection coalesce into a single wire
// REQ through the connection's SubscriptionManager. Connections reconnect
// with backoff, detect flapping, and handle relay AUTH challenges through
// the configured Signer.
//
// Per-relay failures are contained and aggregated: callers see a successful
// value, a typed error from an operation they awaited (NewError codes or
// PublishQuorumError), or out-of-band signals (notice, flapping,
// auth-failed) they may optionally observe. Relays may deliver duplicate
// events; de-duplication of payload content is the consumer's job.
package relaypool
