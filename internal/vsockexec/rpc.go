package vsockexec

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/fxamacker/cbor/v2"
)

// DefaultCallTimeout is the deadline attached to calls whose context has none.
const DefaultCallTimeout = 10 * time.Second

// ErrDeadlineExceeded is returned by Call when the call's deadline passes
// before a reply arrives.
var ErrDeadlineExceeded = errors.New("rpc deadline exceeded")

// ErrClosed is returned for calls made after the connection failed or closed.
var ErrClosed = errors.New("rpc connection closed")

const (
	codeDeadlineExceeded = "deadline_exceeded"
	codeUnknownMethod    = "unknown_method"
	codeBadRequest       = "bad_request"
	codeInternal         = "internal"
	codeFrameTooLarge    = "frame_too_large"
)

var encMode = mustEncMode()

func mustEncMode() cbor.EncMode {
	mode, err := cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic(err)
	}
	return mode
}

// envelope is the unit carried in each frame. Requests carry Method and
// Deadline; replies carry the request ID and either Payload or Error.
type envelope struct {
	ID       uint64          `cbor:"1,keyasint"`
	Method   string          `cbor:"2,keyasint,omitempty"`
	Deadline int64           `cbor:"3,keyasint,omitempty"`
	Payload  cbor.RawMessage `cbor:"4,keyasint,omitempty"`
	Error    *RemoteError    `cbor:"5,keyasint,omitempty"`
}

// RemoteError is a transport-level failure reported by the peer.
type RemoteError struct {
	Code    string `cbor:"1,keyasint"`
	Message string `cbor:"2,keyasint,omitempty"`
}

func (e *RemoteError) Error() string {
	if e.Message == "" {
		return "remote error: " + e.Code
	}
	return fmt.Sprintf("remote error %s: %s", e.Code, e.Message)
}

func writeEnvelope(mu *sync.Mutex, w io.Writer, env envelope) error {
	raw, err := encMode.Marshal(env)
	if err != nil {
		return err
	}
	mu.Lock()
	defer mu.Unlock()
	return WriteFrame(w, raw)
}

func readEnvelope(r io.Reader) (envelope, error) {
	raw, err := ReadFrame(r)
	if err != nil {
		return envelope{}, err
	}
	var env envelope
	if err := cbor.Unmarshal(raw, &env); err != nil {
		return envelope{}, fmt.Errorf("%w: decode envelope: %v", ErrProtocol, err)
	}
	return env, nil
}

// Client issues calls over a single framed connection. Calls may run
// concurrently; replies are matched by ID.
type Client struct {
	conn    io.ReadWriteCloser
	writeMu sync.Mutex

	mu      sync.Mutex
	nextID  uint64
	pending map[uint64]chan envelope
	err     error
	done    chan struct{}
}

// NewClient starts reading replies from conn. Close releases the connection.
func NewClient(conn io.ReadWriteCloser) *Client {
	c := &Client{
		conn:    conn,
		pending: map[uint64]chan envelope{},
		done:    make(chan struct{}),
	}
	go c.readLoop()
	return c
}

func (c *Client) readLoop() {
	var err error
	for {
		var env envelope
		env, err = readEnvelope(c.conn)
		if err != nil {
			break
		}
		c.mu.Lock()
		ch, ok := c.pending[env.ID]
		delete(c.pending, env.ID)
		c.mu.Unlock()
		if ok {
			ch <- env
		}
		// Replies to calls that already gave up are dropped.
	}

	if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
		err = ErrClosed
	} else {
		err = fmt.Errorf("%w: %v", ErrClosed, err)
	}
	c.mu.Lock()
	c.err = err
	c.pending = map[uint64]chan envelope{}
	c.mu.Unlock()
	close(c.done)
}

// Call invokes method with args and decodes the reply into reply. The call
// deadline is taken from ctx, or DefaultCallTimeout when ctx has none.
func (c *Client) Call(ctx context.Context, method string, args, reply any) error {
	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(DefaultCallTimeout)
	}

	payload, err := encMode.Marshal(args)
	if err != nil {
		return fmt.Errorf("encode %s args: %w", method, err)
	}

	ch := make(chan envelope, 1)
	c.mu.Lock()
	if c.err != nil {
		err := c.err
		c.mu.Unlock()
		return err
	}
	c.nextID++
	id := c.nextID
	c.pending[id] = ch
	c.mu.Unlock()

	forget := func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}

	if err := writeEnvelope(&c.writeMu, c.conn, envelope{
		ID:       id,
		Method:   method,
		Deadline: deadline.UnixNano(),
		Payload:  payload,
	}); err != nil {
		forget()
		return fmt.Errorf("%w: send %s: %v", ErrClosed, method, err)
	}

	timer := time.NewTimer(time.Until(deadline))
	defer timer.Stop()

	select {
	case env := <-ch:
		if env.Error != nil {
			switch env.Error.Code {
			case codeDeadlineExceeded:
				return ErrDeadlineExceeded
			case codeFrameTooLarge:
				return fmt.Errorf("%w: %s reply: %w", ErrFrameTooLarge, method, env.Error)
			}
			return env.Error
		}
		if reply == nil {
			return nil
		}
		if err := cbor.Unmarshal(env.Payload, reply); err != nil {
			return fmt.Errorf("%w: decode %s reply: %v", ErrProtocol, method, err)
		}
		return nil
	case <-timer.C:
		forget()
		return ErrDeadlineExceeded
	case <-ctx.Done():
		forget()
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return ErrDeadlineExceeded
		}
		return ctx.Err()
	case <-c.done:
		c.mu.Lock()
		err := c.err
		c.mu.Unlock()
		return err
	}
}

func (c *Client) Close() error {
	return c.conn.Close()
}

// HandlerFunc serves one method. payload holds the CBOR encoded arguments; the
// returned value is CBOR encoded as the reply.
type HandlerFunc func(ctx context.Context, payload cbor.RawMessage) (any, error)

// Server dispatches framed calls to registered handlers.
type Server struct {
	Logger *log.Logger

	handlers map[string]HandlerFunc
}

func NewServer(logger *log.Logger) *Server {
	if logger == nil {
		logger = log.Default()
	}
	return &Server{Logger: logger, handlers: map[string]HandlerFunc{}}
}

func (s *Server) Handle(method string, fn HandlerFunc) {
	s.handlers[method] = fn
}

// ServeConn serves calls on conn until the peer disconnects or ctx is done.
// Each call runs on its own goroutine under a context carrying the caller's
// deadline. A reply too large for one frame is replaced by a
// frame_too_large error so the caller is answered. A clean disconnect
// returns nil.
func (s *Server) ServeConn(ctx context.Context, conn io.ReadWriteCloser) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go func() {
		<-ctx.Done()
		_ = conn.Close()
	}()

	var writeMu sync.Mutex
	var wg sync.WaitGroup
	defer wg.Wait()

	for {
		env, err := readEnvelope(conn)
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) || ctx.Err() != nil {
				return nil
			}
			return err
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			reply := s.dispatch(ctx, env)
			err := writeEnvelope(&writeMu, conn, reply)
			if errors.Is(err, ErrFrameTooLarge) {
				s.Logger.Warn("rpc reply exceeds frame limit", "method", env.Method, "id", env.ID, "payload_bytes", len(reply.Payload))
				err = writeEnvelope(&writeMu, conn, envelope{
					ID:    env.ID,
					Error: &RemoteError{Code: codeFrameTooLarge, Message: err.Error()},
				})
			}
			if err != nil {
				s.Logger.Warn("failed to write rpc reply", "method", env.Method, "id", env.ID, "error", err)
			}
		}()
	}
}

func (s *Server) dispatch(ctx context.Context, req envelope) envelope {
	reply := envelope{ID: req.ID}

	fn, ok := s.handlers[req.Method]
	if !ok {
		reply.Error = &RemoteError{Code: codeUnknownMethod, Message: req.Method}
		return reply
	}

	deadline := time.Unix(0, req.Deadline)
	if req.Deadline == 0 {
		deadline = time.Now().Add(DefaultCallTimeout)
	}
	if !time.Now().Before(deadline) {
		reply.Error = &RemoteError{Code: codeDeadlineExceeded}
		return reply
	}
	callCtx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()

	start := time.Now()
	out, err := fn(callCtx, req.Payload)
	s.Logger.Debug("rpc handled", "method", req.Method, "id", req.ID, "duration", time.Since(start))
	if err != nil {
		code := codeInternal
		var remote *RemoteError
		if errors.As(err, &remote) {
			code = remote.Code
		} else if errors.Is(err, errBadRequest) {
			code = codeBadRequest
		}
		reply.Error = &RemoteError{Code: code, Message: err.Error()}
		return reply
	}
	payload, err := encMode.Marshal(out)
	if err != nil {
		reply.Error = &RemoteError{Code: codeInternal, Message: "encode reply: " + err.Error()}
		return reply
	}
	reply.Payload = payload
	return reply
}

var errBadRequest = errors.New("bad request")

// DecodeArgs unmarshals a handler payload, reporting failures to the caller
// as a bad request.
func DecodeArgs(payload cbor.RawMessage, v any) error {
	if err := cbor.Unmarshal(payload, v); err != nil {
		return fmt.Errorf("%w: %v", errBadRequest, err)
	}
	return nil
}
