// Package conn manages the lifecycle of a single MCP server connection.
//
// # Overview
//
// A Connection owns one transport at a time, runs the read loop, performs the
// initialization handshake, and correlates asynchronous responses to their
// originating calls. It is created and owned exclusively by the manager; one
// Connection exists per server id.
//
// # State machine
//
// A Connection is always in exactly one state:
//
//	Disconnected → Connecting → Handshaking → Ready ⇄ Degraded
//	                                            ↓
//	                                       Disconnected (reconnect)
//	any state → Closed (terminal)
//
// Transitions are serialized under the connection mutex. Ready is entered
// only after the initialize exchange completes and tool discovery succeeds.
// Degraded is driven by probe results recorded via RecordProbe: enough
// consecutive misses demote a Ready connection, more force a reconnect, and
// one success promotes a Degraded connection back to Ready.
//
// Reconnection uses bounded attempts with exponential backoff and jitter.
// Every attempt opens a fresh transport generation; pending requests from the
// prior generation are failed, never carried over. Exhausting the attempt
// budget closes the connection permanently.
//
// # Correlation
//
// Call registers a single-resolution pending slot keyed by a fresh uuid,
// sends the encoded request, and suspends until the read loop resolves the
// slot, the caller's deadline expires, or the connection closes. Inbound
// frames with no matching pending id are dropped and counted as anomalies;
// they never disturb other in-flight requests.
package conn
