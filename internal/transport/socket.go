// ABOUTME: Unix domain socket transport with newline-delimited JSON framing.
// ABOUTME: Connection reset or EOF surfaces as ErrClosed to the read loop.

package transport

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"syscall"
)

type socketTransport struct {
	conn   net.Conn
	reader *bufio.Reader
	logger *slog.Logger

	writeMu sync.Mutex

	closeOnce sync.Once
	closed    chan struct{}
}

func openSocket(ctx context.Context, d Descriptor, logger *slog.Logger) (Transport, error) {
	var dialer net.Dialer
	conn, err := dialer.DialContext(ctx, "unix", d.Path)
	if err != nil {
		return nil, fmt.Errorf("dialing %s: %w", d.Path, err)
	}

	logger.Debug("socket connected", "path", d.Path)

	return &socketTransport{
		conn:   conn,
		reader: bufio.NewReader(conn),
		logger: logger,
		closed: make(chan struct{}),
	}, nil
}

func (t *socketTransport) Send(ctx context.Context, frame []byte) error {
	select {
	case <-t.closed:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	if _, err := t.conn.Write(append(frame, '\n')); err != nil {
		if isPeerClosed(err) || t.isClosed() {
			return ErrClosed
		}
		return fmt.Errorf("writing frame: %w", err)
	}
	return nil
}

func (t *socketTransport) Receive(ctx context.Context) ([]byte, error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		line, err := t.reader.ReadBytes('\n')
		if err != nil {
			if isPeerClosed(err) || t.isClosed() {
				return nil, ErrClosed
			}
			return nil, fmt.Errorf("reading frame: %w", err)
		}
		line = bytes.TrimSpace(line)
		if len(line) == 0 {
			continue
		}
		return line, nil
	}
}

func (t *socketTransport) Close() error {
	t.closeOnce.Do(func() {
		close(t.closed)
		_ = t.conn.Close()
	})
	return nil
}

func (t *socketTransport) isClosed() bool {
	select {
	case <-t.closed:
		return true
	default:
		return false
	}
}

// isPeerClosed reports whether err means the other side ended the stream.
func isPeerClosed(err error) bool {
	return errors.Is(err, io.EOF) ||
		errors.Is(err, net.ErrClosed) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.EPIPE)
}
