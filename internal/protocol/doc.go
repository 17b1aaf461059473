// Package protocol defines the MCP wire messages exchanged with tool servers.
//
// # Overview
//
// MCP (Model Context Protocol) servers speak JSON-RPC 2.0. This package holds
// the message envelopes, the MCP method names and payload structures, and the
// newline-delimited framing used by the stdio and socket transports.
//
// The rest of the module treats messages as opaque beyond two fields: the id
// (for request/response correlation) and the method (for classifying inbound
// traffic). Message provides exactly that view of a decoded frame.
//
// # Messages
//
// Outbound:
//
//   - Request: a call expecting a response, carrying a correlation id
//   - Notification: fire-and-forget, no id
//
// Inbound frames decode into Message, which is classified as either a
// response (has id, no method) or a notification (has method, no id):
//
//	msg, err := protocol.DecodeMessage(frame)
//	if msg.IsResponse() { ... match msg.CorrelationID() ... }
//
// # Methods
//
// The MCP methods this module speaks:
//
//   - initialize / notifications/initialized: connection handshake
//   - tools/list: tool discovery
//   - tools/call: tool invocation
//   - ping: liveness probe
//   - notifications/tools/list_changed: server-side tool set change
//   - notifications/sandbox_state: sandbox/isolation context change
package protocol
