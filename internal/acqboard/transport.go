package acqboard

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"
	"sync"
	"time"
)

const (
	// commandPrefix starts every client → board frame.
	commandPrefix = '@'
	// frameTerminator ends every text frame in both directions.
	frameTerminator = '\n'
)

// transport owns the socket. Writes are serialised so frames from
// concurrent callers never interleave; reads are only ever issued by the
// listener goroutine.
type transport struct {
	conn         net.Conn
	writeTimeout time.Duration
	pollInterval time.Duration
	stats        *counters

	writeMu sync.Mutex

	closeOnce sync.Once
	closeErr  error
}

func newTransport(conn net.Conn, cfg Config, stats *counters) *transport {
	return &transport{
		conn:         conn,
		writeTimeout: cfg.WriteTimeout,
		pollInterval: cfg.PollInterval,
		stats:        stats,
	}
}

// encodeCommand frames a command as "@<command>\n".
func encodeCommand(command string) ([]byte, error) {
	if command == "" {
		return nil, fmt.Errorf("%w: empty command", ErrInvalidValue)
	}
	if strings.ContainsRune(command, frameTerminator) {
		return nil, fmt.Errorf("%w: command contains newline", ErrInvalidValue)
	}
	frame := make([]byte, 0, len(command)+2)
	frame = append(frame, commandPrefix)
	frame = append(frame, command...)
	frame = append(frame, frameTerminator)
	return frame, nil
}

// write sends one framed command in a single Write call. The socket write
// is bounded by writeTimeout only: a caller's deadline is checked before
// writing, but never cuts a frame short and desynchronises the stream.
func (t *transport) write(ctx context.Context, command string) error {
	frame, err := encodeCommand(command)
	if err != nil {
		return err
	}

	select {
	case <-ctx.Done():
		return waitError(ctx)
	default:
	}

	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	if err := t.conn.SetWriteDeadline(time.Now().Add(t.writeTimeout)); err != nil {
		return fmt.Errorf("%w: set write deadline: %w", ErrTransport, err)
	}
	n, err := t.conn.Write(frame)
	t.stats.bytesTx.Add(uint64(n)) //nolint:gosec // n is never negative
	if err != nil {
		return fmt.Errorf("%w: write %q: %w", ErrTransport, command, err)
	}
	t.stats.commandsTx.Add(1)
	t.stats.touch()
	return nil
}

// readChunk reads up to len(buf) bytes, waiting at most one poll interval.
// An expired deadline is reported as zero bytes and no error.
func (t *transport) readChunk(buf []byte) (int, error) {
	if err := t.conn.SetReadDeadline(time.Now().Add(t.pollInterval)); err != nil {
		return 0, fmt.Errorf("%w: set read deadline: %w", ErrTransport, err)
	}
	n, err := t.conn.Read(buf)
	if n > 0 {
		t.stats.bytesRx.Add(uint64(n)) //nolint:gosec // n is never negative
		t.stats.touch()
	}
	if err != nil {
		if isTimeout(err) {
			return n, nil
		}
		return n, fmt.Errorf("%w: read: %w", ErrTransport, err)
	}
	return n, nil
}

// close closes the socket exactly once.
func (t *transport) close() error {
	t.closeOnce.Do(func() {
		t.closeErr = t.conn.Close()
	})
	return t.closeErr
}

func isTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// parseConnectionURL parses a board connection URL into network and address.
func parseConnectionURL(connURL string) (network, address string, err error) {
	u, err := url.Parse(connURL)
	if err != nil {
		return "", "", fmt.Errorf("invalid URL: %w", err)
	}

	switch u.Scheme {
	case "unix":
		if u.Path == "" {
			return "", "", fmt.Errorf("unix URL %q has no socket path", connURL)
		}
		return "unix", u.Path, nil
	case "tcp":
		if u.Host == "" {
			return "", "", fmt.Errorf("tcp URL %q has no host", connURL)
		}
		if u.Port() == "" {
			return "", "", fmt.Errorf("tcp URL %q has no port", connURL)
		}
		return "tcp", u.Host, nil
	default:
		return "", "", fmt.Errorf("unsupported scheme %q (use tcp or unix)", u.Scheme)
	}
}
