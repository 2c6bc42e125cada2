// Package drumpond is a small broadcast relay for named clients, paired
// with a log shipping transport.
//
// A relay `Server` accepts connections from `Client`s. The first message of
// a connection registers the name of its sender, every following message
// is broadcast to every registered client, sender included, in the
// lexicographic order of their names. A stop message is broadcast like any
// other one, then shuts the relay down. Clients ignore their own messages
// and stop once they receive a stop message.
//
// Independently, any process can ship its `log/slog` records to a `Sink`
// using a `ShipHandler`. The sink re-emits them through a local handler and
// stops when it receives a `LOGGER_QUIT` record.
//
// ## How it works
//
// Relay messages are JSON objects framed by an unsigned varint length,
// log records are CBOR maps framed by a big-endian uint32 length. See
// package `frame` for the wire formats.
//
// The registry of the relay is owned by a single goroutine, connection
// handlers send it requests. Outbound frames go through one background
// writer per connection (package `flow`) so a slow client never blocks the
// others: its frames are dropped once its queue is full.
//
// Every goroutine of a server, a client or a sink is tracked in its
// `TaskSet` and shutting down waits for all of them, the set is empty once
// `Run` returned.
//
// ## Transports
//
// * `tcp`, the default.
// * `unix` domain sockets.
// * `quic`, one bidirectional stream per connection. It requires a
// `tls.Config`, the ALPN is `drumpond`.
//
// ## Non-goals
//
// There is no persistence, no authentication of clients, no back-pressure
// and no multi-hop routing. Delivery is best effort while the connection
// is open.
package drumpond
