// ABOUTME: Transport interface, descriptor variant set, and the Open factory.
// ABOUTME: Descriptors are a closed tagged union over stdio, socket, and http.

package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
)

// ErrClosed indicates the peer ended the stream. It is distinct from a
// transport error: the connection layer reacts to it by failing pending
// requests and entering reconnection.
var ErrClosed = errors.New("transport closed")

// Transport is a bidirectional frame stream to one tool server.
type Transport interface {
	// Send transmits one outbound frame.
	Send(ctx context.Context, frame []byte) error

	// Receive blocks until the next inbound frame arrives. It returns
	// ErrClosed once the peer has ended the stream or Close was called.
	Receive(ctx context.Context) ([]byte, error)

	// Close releases the transport. Safe to call more than once.
	Close() error
}

// Kind selects a transport variant.
type Kind string

const (
	KindStdio  Kind = "stdio"
	KindSocket Kind = "socket"
	KindHTTP   Kind = "http"
)

// Descriptor describes how to reach a server. Exactly one variant's fields
// are consulted, chosen by Kind.
type Descriptor struct {
	Kind Kind

	// stdio
	Command string
	Args    []string
	Env     map[string]string

	// socket
	Path string

	// http
	URL     string
	Headers map[string]string
}

// Validate checks that the fields required by the descriptor's kind are set.
func (d Descriptor) Validate() error {
	switch d.Kind {
	case KindStdio:
		if d.Command == "" {
			return fmt.Errorf("stdio transport requires a command")
		}
	case KindSocket:
		if d.Path == "" {
			return fmt.Errorf("socket transport requires a path")
		}
	case KindHTTP:
		if d.URL == "" {
			return fmt.Errorf("http transport requires a url")
		}
	default:
		return fmt.Errorf("unknown transport kind %q", d.Kind)
	}
	return nil
}

// Open establishes a transport for the descriptor.
func Open(ctx context.Context, d Descriptor, logger *slog.Logger) (Transport, error) {
	if err := d.Validate(); err != nil {
		return nil, err
	}
	switch d.Kind {
	case KindStdio:
		return openStdio(ctx, d, logger)
	case KindSocket:
		return openSocket(ctx, d, logger)
	case KindHTTP:
		return openHTTP(ctx, d, logger)
	default:
		return nil, fmt.Errorf("unknown transport kind %q", d.Kind)
	}
}
