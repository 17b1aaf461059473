// ABOUTME: Stdio transport that spawns a server process and frames over its pipes.
// ABOUTME: Process exit or a broken pipe surfaces as ErrClosed to the read loop.

package transport

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
)

// stdioTransport runs a child process and speaks newline-delimited JSON over
// its stdin/stdout. Stderr is drained and logged so a chatty server cannot
// block on a full pipe.
type stdioTransport struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout *bufio.Reader
	logger *slog.Logger

	writeMu sync.Mutex

	closeOnce sync.Once
	closed    chan struct{}
	waitErr   error
}

func openStdio(ctx context.Context, d Descriptor, logger *slog.Logger) (Transport, error) {
	cmd := exec.Command(d.Command, d.Args...)
	cmd.Env = os.Environ()
	for k, v := range d.Env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("spawning %q: %w", d.Command, err)
	}

	logger.Debug("server process started", "command", d.Command, "pid", cmd.Process.Pid)

	t := &stdioTransport{
		cmd:    cmd,
		stdin:  stdin,
		stdout: bufio.NewReader(stdout),
		logger: logger,
		closed: make(chan struct{}),
	}

	go t.drainStderr(stderr)

	return t, nil
}

// drainStderr forwards the server's stderr lines to the log.
func (t *stdioTransport) drainStderr(stderr io.Reader) {
	scanner := bufio.NewScanner(stderr)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		t.logger.Debug("server stderr", "line", scanner.Text())
	}
}

func (t *stdioTransport) Send(ctx context.Context, frame []byte) error {
	select {
	case <-t.closed:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	if _, err := t.stdin.Write(append(frame, '\n')); err != nil {
		if t.isClosed() || errors.Is(err, io.ErrClosedPipe) || errors.Is(err, os.ErrClosed) {
			return ErrClosed
		}
		return fmt.Errorf("writing frame: %w", err)
	}
	return nil
}

func (t *stdioTransport) Receive(ctx context.Context) ([]byte, error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		line, err := t.stdout.ReadBytes('\n')
		if err != nil {
			line = bytes.TrimSpace(line)
			if len(line) > 0 && err == io.EOF {
				// Final unterminated frame before exit.
				return line, nil
			}
			if err == io.EOF || t.isClosed() || errors.Is(err, os.ErrClosed) || errors.Is(err, io.ErrClosedPipe) {
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

func (t *stdioTransport) Close() error {
	t.closeOnce.Do(func() {
		close(t.closed)
		_ = t.stdin.Close()
		if t.cmd.Process != nil {
			_ = t.cmd.Process.Kill()
		}
		t.waitErr = t.cmd.Wait()
		t.logger.Debug("server process stopped", "pid", t.cmd.Process.Pid)
	})
	return nil
}

func (t *stdioTransport) isClosed() bool {
	select {
	case <-t.closed:
		return true
	default:
		return false
	}
}
