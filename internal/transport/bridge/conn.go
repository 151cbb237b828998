package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

var (
	ErrConnClosed = errors.New("bridge connection closed")
	ErrNoShell    = errors.New("no shell connected")
)

// RequestError is a failed response from the peer.
type RequestError struct {
	Method  string
	Code    string
	Message string
}

func (e *RequestError) Error() string {
	return fmt.Sprintf("%s: %s: %s", e.Method, e.Code, e.Message)
}

// Conn is one connected window or shell.
type Conn struct {
	ID          string
	Role        string
	ConnectedAt time.Time

	ws      *websocket.Conn
	writeMu sync.Mutex

	mu         sync.Mutex
	url        string
	controlled bool
	pending    map[string]chan Frame
	closed     bool

	reqSeq       atomic.Uint64
	writeTimeout time.Duration
	reqTimeout   time.Duration
}

func newConn(id string, ws *websocket.Conn, opts Options) *Conn {
	return &Conn{
		ID:           id,
		ConnectedAt:  time.Now(),
		ws:           ws,
		pending:      map[string]chan Frame{},
		writeTimeout: opts.WriteTimeout,
		reqTimeout:   opts.RequestTimeout,
	}
}

// Send writes a frame to the WebSocket connection (thread-safe).
func (c *Conn) Send(frame Frame) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.writeTimeout > 0 {
		_ = c.ws.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	}
	return c.ws.WriteJSON(frame)
}

// URL is the window's last reported locator.
func (c *Conn) URL() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.url
}

func (c *Conn) setURL(u string) {
	c.mu.Lock()
	c.url = u
	c.mu.Unlock()
}

// Controlled reports whether the agent has claimed this window.
func (c *Conn) Controlled() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.controlled
}

func (c *Conn) setControlled(v bool) {
	c.mu.Lock()
	c.controlled = v
	c.mu.Unlock()
}

// Focus asks the window to come to the foreground and waits for its answer.
func (c *Conn) Focus(ctx context.Context) error {
	if c.reqTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.reqTimeout)
		defer cancel()
	}
	_, err := c.Request(ctx, MethodWindowFocus, struct{}{})
	return err
}

// Request sends a req frame and waits for the matching res.
func (c *Conn) Request(ctx context.Context, method string, params any) (json.RawMessage, error) {
	id := fmt.Sprintf("%s-%d", c.ID, c.reqSeq.Add(1))
	ch := make(chan Frame, 1)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrConnClosed
	}
	c.pending[id] = ch
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}()

	if err := c.Send(ReqFrame(id, method, params)); err != nil {
		return nil, err
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case f, ok := <-ch:
		if !ok {
			return nil, ErrConnClosed
		}
		if f.OK == nil || !*f.OK {
			re := &RequestError{Method: method, Code: "ERROR"}
			if f.Error != nil {
				re.Code, re.Message = f.Error.Code, f.Error.Message
			}
			return nil, re
		}
		return f.Payload, nil
	}
}

// resolve hands a res frame to its waiting Request. Unknown IDs are dropped.
func (c *Conn) resolve(f Frame) bool {
	c.mu.Lock()
	ch := c.pending[f.ID]
	delete(c.pending, f.ID)
	c.mu.Unlock()
	if ch == nil {
		return false
	}
	ch <- f
	return true
}

// shutdown fails every pending request.
func (c *Conn) shutdown() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	for id, ch := range c.pending {
		close(ch)
		delete(c.pending, id)
	}
}
