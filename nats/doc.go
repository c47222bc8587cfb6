// Package nats provides a pub/sub client for NATS-style message brokers
// with automatic failover, subscription replay, and an optional synchronous
// acknowledgment mode.
//
// The primary lifecycle is:
//   - construct a Client with NewClient and a list of server URLs
//   - optionally Connect (commands and Wait also connect on demand)
//   - Publish, Subscribe, QueueSubscribe, or MakeRequest
//   - drain delivered messages with Wait or the Events iterator
//   - Close when finished; the client stays reusable afterwards
//
// The URL list defines failover priority. When the active connection drops,
// the client silently moves to the next reachable node, replays all active
// subscriptions there, and retries the failed command once. Only an exhausted
// pass over the whole cluster surfaces an error to callers.
//
// In synchronous mode (SetSynchronous) every command blocks until the server
// acknowledges it, and server-reported command failures surface on the exact
// call that caused them. In the default asynchronous mode commands return as
// soon as they are written.
//
// Exported client APIs are safe for concurrent use. Wait may be called from
// multiple goroutines; each delivered message goes to exactly one waiter.
//
// Errors are reported as typed errors created with NewError and classified
// by ErrorCode into address, connection, handshake, authentication, command,
// protocol, and disconnect causes.
package nats
