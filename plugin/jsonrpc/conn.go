package jsonrpc

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"sync/atomic"
)

// ErrClosed is returned by Call once the connection has stopped serving.
var ErrClosed = errors.New("jsonrpc: connection closed")

// Conn is a bidirectional JSON-RPC connection over length-prefixed frames.
// Either side may issue requests; incoming requests go to the handler and
// incoming responses complete pending Calls.
type Conn struct {
	r       io.Reader
	w       io.Writer
	handler Handler

	wmu sync.Mutex

	nextID  atomic.Int64
	mu      sync.Mutex
	pending map[string]chan *Message

	closeOnce sync.Once
	closed    chan struct{}
	closeErr  error
}

// NewConn wraps r and w. h may be nil, in which case every incoming request
// is answered with -32601.
func NewConn(r io.Reader, w io.Writer, h Handler) *Conn {
	return &Conn{
		r:       r,
		w:       w,
		handler: h,
		pending: make(map[string]chan *Message),
		closed:  make(chan struct{}),
	}
}

// Serve reads frames until the reader fails or ctx is done. It must run for
// Calls to complete.
func (c *Conn) Serve(ctx context.Context) error {
	go func() {
		select {
		case <-ctx.Done():
			c.fail(ctx.Err())
		case <-c.closed:
		}
	}()
	for {
		m, err := ReadFrame(c.r)
		if err != nil {
			var rpcErr *Error
			if errors.As(err, &rpcErr) {
				_ = c.write(&Message{JSONRPC: Version, Error: rpcErr, ID: []byte("null")})
				continue
			}
			if errors.Is(err, io.EOF) {
				err = ErrClosed
			}
			c.fail(err)
			return err
		}
		if m.IsRequest() {
			go c.handle(ctx, m)
			continue
		}
		c.mu.Lock()
		ch, ok := c.pending[idKey(m.ID)]
		delete(c.pending, idKey(m.ID))
		c.mu.Unlock()
		if ok {
			ch <- m
		}
	}
}

// Call sends a request and waits for its response, decoding the result into
// result when non-nil.
func (c *Conn) Call(ctx context.Context, method string, params, result any) error {
	req, err := NewRequest(c.nextID.Add(1), method, params)
	if err != nil {
		return err
	}
	key := idKey(req.ID)
	ch := make(chan *Message, 1)
	c.mu.Lock()
	c.pending[key] = ch
	c.mu.Unlock()

	if err := c.write(req); err != nil {
		c.forget(key)
		return err
	}

	select {
	case resp := <-ch:
		return resp.Decode(result)
	case <-ctx.Done():
		c.forget(key)
		return ctx.Err()
	case <-c.closed:
		c.forget(key)
		return c.closeErr
	}
}

// Done is closed when the connection stops serving.
func (c *Conn) Done() <-chan struct{} { return c.closed }

// Err returns the reason the connection stopped, if it has.
func (c *Conn) Err() error {
	select {
	case <-c.closed:
		return c.closeErr
	default:
		return nil
	}
}

func (c *Conn) handle(ctx context.Context, req *Message) {
	var resp *Message
	if c.handler == nil {
		resp = &Message{JSONRPC: Version, Error: MethodNotFound(req.Method), ID: req.ID}
	} else {
		resp = Dispatch(ctx, c.handler, req)
	}
	if len(req.ID) == 0 {
		return
	}
	_ = c.write(resp)
}

func (c *Conn) write(m *Message) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	return WriteFrame(c.w, m)
}

func (c *Conn) forget(key string) {
	c.mu.Lock()
	delete(c.pending, key)
	c.mu.Unlock()
}

func (c *Conn) fail(err error) {
	c.closeOnce.Do(func() {
		if err == nil {
			err = ErrClosed
		}
		c.closeErr = err
		close(c.closed)
	})
}

func idKey(id []byte) string {
	return strings.TrimSpace(string(id))
}
