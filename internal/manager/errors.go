// ABOUTME: Sentinel errors returned by the manager's public surface.
// ABOUTME: Connection-level errors (timeout, closed) pass through unchanged.

package manager

import (
	"errors"

	"github.com/2389/mcpmux/internal/conn"
)

// ErrServerExists indicates Connect was called for an id with an active connection.
var ErrServerExists = errors.New("server already connected")

// ErrServerNotFound indicates the server id is not in the registry.
var ErrServerNotFound = errors.New("server not found")

// ErrToolNotFound indicates the named tool is absent from the server's
// current tool snapshot.
var ErrToolNotFound = errors.New("tool not found")

// ErrToolFailed indicates the server executed the tool and reported an
// application-level failure. The failure text is passed through uninterpreted.
var ErrToolFailed = errors.New("tool execution failed")

// ErrNotReady mirrors the connection-level sentinel for calls issued while a
// server is not Ready.
var ErrNotReady = conn.ErrNotReady
