package vsockexec

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"sync/atomic"
	"time"
)

// DefaultPort is the vsock port the guest agent listens on.
const DefaultPort uint32 = 5000

const (
	// HandshakeTimeout bounds a single handshake line exchange.
	HandshakeTimeout = 2 * time.Second
	maxHandshakeLine = 32
)

// ErrProtocol reports a malformed handshake or frame.
var ErrProtocol = errors.New("vsock protocol error")

// Dial connects to the Unix socket Firecracker exposes for the guest vsock
// device and asks it to forward the stream to port inside the guest.
func Dial(ctx context.Context, path string, port uint32) (net.Conn, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "unix", path)
	if err != nil {
		return nil, err
	}
	if err := ClientHandshake(ctx, conn, port); err != nil {
		_ = conn.Close()
		return nil, err
	}
	return conn, nil
}

// ClientHandshake writes CONNECT <port> and requires an acknowledgement of
// exactly "OK" or "OK <port>".
func ClientHandshake(ctx context.Context, conn net.Conn, port uint32) error {
	if err := conn.SetDeadline(handshakeDeadline(ctx)); err != nil {
		return err
	}
	defer conn.SetDeadline(time.Time{})

	if _, err := fmt.Fprintf(conn, "CONNECT %d\n", port); err != nil {
		return fmt.Errorf("write handshake: %w", err)
	}
	line, err := readLine(conn)
	if err != nil {
		return fmt.Errorf("read handshake ack: %w", err)
	}
	if err := parseAck(line); err != nil {
		return err
	}
	return nil
}

// ServerHandshake reads CONNECT <port> from conn and acknowledges it. Any other
// request, or a different port, fails with ErrProtocol.
func ServerHandshake(ctx context.Context, conn net.Conn, port uint32, ackPort uint32) error {
	if err := conn.SetDeadline(handshakeDeadline(ctx)); err != nil {
		return err
	}
	defer conn.SetDeadline(time.Time{})

	line, err := readLine(conn)
	if err != nil {
		return fmt.Errorf("read handshake: %w", err)
	}
	rest, ok := bytes.CutPrefix(line, []byte("CONNECT "))
	if !ok {
		return fmt.Errorf("%w: unexpected handshake %q", ErrProtocol, line)
	}
	requested, err := parsePort(rest)
	if err != nil {
		return fmt.Errorf("%w: bad handshake port %q", ErrProtocol, rest)
	}
	if requested != port {
		return fmt.Errorf("%w: handshake for port %d, listening on %d", ErrProtocol, requested, port)
	}
	if _, err := fmt.Fprintf(conn, "OK %d\n", ackPort); err != nil {
		return fmt.Errorf("write handshake ack: %w", err)
	}
	return nil
}

func parseAck(line []byte) error {
	if bytes.Equal(line, []byte("OK")) {
		return nil
	}
	rest, ok := bytes.CutPrefix(line, []byte("OK "))
	if !ok {
		return fmt.Errorf("%w: unexpected handshake ack %q", ErrProtocol, line)
	}
	if _, err := parsePort(rest); err != nil {
		return fmt.Errorf("%w: unexpected handshake ack %q", ErrProtocol, line)
	}
	return nil
}

func parsePort(raw []byte) (uint32, error) {
	// ParseUint accepts a leading '+', which is not part of the wire format.
	if len(raw) == 0 || raw[0] < '0' || raw[0] > '9' {
		return 0, strconv.ErrSyntax
	}
	v, err := strconv.ParseUint(string(raw), 10, 32)
	if err != nil {
		return 0, err
	}
	return uint32(v), nil
}

// readLine reads one newline-terminated line a byte at a time so nothing past
// the newline is consumed from conn.
func readLine(r io.Reader) ([]byte, error) {
	var buf [1]byte
	line := make([]byte, 0, maxHandshakeLine)
	for {
		if _, err := io.ReadFull(r, buf[:]); err != nil {
			if errors.Is(err, io.ErrUnexpectedEOF) {
				err = io.EOF
			}
			return nil, err
		}
		if buf[0] == '\n' {
			return line, nil
		}
		if len(line) == maxHandshakeLine {
			return nil, fmt.Errorf("%w: handshake line exceeds %d bytes", ErrProtocol, maxHandshakeLine)
		}
		line = append(line, buf[0])
	}
}

func handshakeDeadline(ctx context.Context) time.Time {
	deadline := time.Now().Add(HandshakeTimeout)
	if ctxDeadline, ok := ctx.Deadline(); ok && ctxDeadline.Before(deadline) {
		return ctxDeadline
	}
	return deadline
}

// Listener performs the server side of the handshake on every accepted
// connection. It stands in for the Firecracker vsock proxy during local
// development.
type Listener struct {
	net.Listener
	Port uint32

	nextAck atomic.Uint32
}

func NewListener(inner net.Listener, port uint32) *Listener {
	l := &Listener{Listener: inner, Port: port}
	l.nextAck.Store(1 << 30)
	return l
}

// Accept returns the next connection whose handshake succeeded. A connection
// that fails the handshake is closed and reported with an error wrapping
// ErrProtocol; the listener stays usable.
func (l *Listener) Accept() (net.Conn, error) {
	conn, err := l.Listener.Accept()
	if err != nil {
		return nil, err
	}
	if err := ServerHandshake(context.Background(), conn, l.Port, l.nextAck.Add(1)); err != nil {
		_ = conn.Close()
		if !errors.Is(err, ErrProtocol) {
			err = fmt.Errorf("%w: %v", ErrProtocol, err)
		}
		return nil, err
	}
	return conn, nil
}
