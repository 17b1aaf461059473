// ABOUTME: Sentinel errors surfaced by connection calls.
// ABOUTME: Transport-level closure is reported via transport.ErrClosed.

package conn

import "errors"

// ErrNotReady indicates a call was issued while the connection is not Ready.
var ErrNotReady = errors.New("connection not ready")

// ErrTimeout indicates no response arrived within the caller's deadline.
var ErrTimeout = errors.New("request timed out")

// ErrConnectFailed indicates the reconnection policy was exhausted.
var ErrConnectFailed = errors.New("connection attempts exhausted")
