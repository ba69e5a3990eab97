// Package natsbridge connects a relay to NATS.
//
// TraceSink publishes every monitor event as JSON on <prefix>.<status>.
// Remote is a capability whose execution is a NATS request/reply, and Serve
// exposes a local capability on a subject so another process can reach it
// through a Remote.
package natsbridge
