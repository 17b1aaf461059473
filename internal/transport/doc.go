// Package transport provides the byte-stream transports used to reach MCP servers.
//
// # Overview
//
// A Transport moves opaque frames between this process and one tool server.
// Three variants exist, selected by a Descriptor:
//
//   - stdio: spawn a child process, frames are newline-delimited JSON on its
//     standard input/output
//   - socket: connect to a unix domain socket, same newline framing
//   - http: streamable HTTP endpoint, frames travel as request bodies and
//     server-sent events
//
// The variant set is a closed tagged union; Open performs an exhaustive
// switch over Descriptor.Kind.
//
// # Contract
//
//	t, err := transport.Open(ctx, desc, logger)
//	err = t.Send(ctx, frame)
//	frame, err = t.Receive(ctx)   // blocks for the next inbound frame
//	err = t.Close()
//
// Send and Receive are safe for concurrent use by different goroutines;
// Receive is expected to run on a single dedicated read loop.
//
// When the peer ends the stream (process exit, connection reset, stream
// drop), Receive returns ErrClosed. Any other failure is a transport error
// wrapping the cause. Close unblocks a pending Receive.
package transport
