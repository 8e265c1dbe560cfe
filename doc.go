// Package meshlink is a peer-to-peer messaging substrate for a mesh of Go
// processes talking over UDP.
//
// ## How it works
//
// A `Node` listens on two ports. The first one carries gossip, thanks to
// [`hashicorp/memberlist`][dep-mbl]: nodes discover each other and announce
// their mesh endpoint, their *type* and a few values. The second one is the
// mesh itself, where the actual messages flow.
//
// Messages are layered like this:
//
//   - Every message is split into chunks small enough to fit a datagram,
//     see `pkg/framer`. Chunk n+1 leaves only once chunk n was acknowledged.
//   - Every chunk is sent reliably by the `Transport`: the receiver acks it,
//     the sender retries with a linear backoff until its budget is spent.
//   - The `Delivery` correlates requests with responses and dispatches
//     requests to the handler registered under a numeric ID.
//   - The `Broker` sends one message to many nodes by splitting them into
//     relay chains. Each hop handles the message and forwards it to the rest
//     of its chain. A hop which does not answer is skipped.
//
// When a `TlsConfig` is given, the mesh runs on QUIC datagrams instead of
// plain UDP, so nodes can authenticate each other.
//
// ## Failure model
//
// Nothing here is infallible. A datagram which is never acknowledged is
// reported to the `Broker`, which moves on with the chain. A response which
// never comes is reported to the caller as `ErrResponseTimeout`. Nodes which
// left the mesh are replaced by their *backups*, the closest live nodes of
// the same type, see `Node.PrepareNodes`.
//
// [dep-mbl]: https://pkg.go.dev/github.com/hashicorp/memberlist
package meshlink
