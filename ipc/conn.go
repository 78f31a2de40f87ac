package ipc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"github.com/fxamacker/cbor/v2"
)

var (
	ErrClosed  = errors.New("ipc: connection closed")
	ErrTimeout = errors.New("ipc: request timed out")
)

// RemoteError is returned when the worker answered a request with an error.
type RemoteError struct {
	Shard   int
	Metric  Metric
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("shard %d metric %s: %s", e.Shard, e.Metric, e.Message)
}

// Conn is the supervisor end of a worker channel. Requests may be issued
// from many goroutines; responses are matched by ID so a slow answer for one
// shard never holds up another.
type Conn struct {
	enc    *cbor.Encoder
	writes chan outbound

	nextID  atomic.Uint64
	mu      sync.Mutex
	pending map[uint64]chan Envelope

	onEvent func(Event)

	done    chan struct{}
	doneErr error
}

// NewConn starts reading envelopes from r. onEvent is called from the read
// goroutine for every lifecycle event and must not block.
func NewConn(r io.Reader, w io.Writer, onEvent func(Event)) *Conn {
	c := &Conn{
		enc:     newEncoder(w),
		writes:  make(chan outbound),
		pending: make(map[uint64]chan Envelope),
		onEvent: onEvent,
		done:    make(chan struct{}),
	}
	go c.readLoop(r)
	go c.writeLoop()
	return c
}

type outbound struct {
	env    Envelope
	result chan error
}

// writeLoop is the only writer of the peer stream. A peer that stops
// reading blocks this goroutine, never the callers of Request.
func (c *Conn) writeLoop() {
	for {
		select {
		case <-c.done:
			return
		case out := <-c.writes:
			out.result <- c.enc.Encode(out.env)
		}
	}
}

// Done is closed once the peer stream ends.
func (c *Conn) Done() <-chan struct{} {
	return c.done
}

// Err returns why the read loop stopped, or nil while it is running.
func (c *Conn) Err() error {
	select {
	case <-c.done:
		return c.doneErr
	default:
		return nil
	}
}

// Request asks the worker for one metric of one shard and waits for the
// answer, ctx cancellation or the connection closing.
func (c *Conn) Request(ctx context.Context, shard int, metric Metric) (int64, error) {
	id := c.nextID.Add(1)
	replyCh := make(chan Envelope, 1)

	c.mu.Lock()
	select {
	case <-c.done:
		c.mu.Unlock()
		return 0, ErrClosed
	default:
	}
	c.pending[id] = replyCh
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}()

	sent := make(chan error, 1)
	select {
	case c.writes <- outbound{env: Envelope{Kind: KindRequest, ID: id, Shard: shard, Metric: metric}, result: sent}:
	case <-c.done:
		return 0, ErrClosed
	case <-ctx.Done():
		return 0, c.contextError(ctx, shard, metric)
	}

	select {
	case err := <-sent:
		if err != nil {
			return 0, fmt.Errorf("failed to send request: %w", err)
		}
	case <-c.done:
		return 0, ErrClosed
	case <-ctx.Done():
		return 0, c.contextError(ctx, shard, metric)
	}

	select {
	case reply := <-replyCh:
		if reply.Error != "" {
			return 0, &RemoteError{Shard: shard, Metric: metric, Message: reply.Error}
		}
		return reply.Value, nil
	case <-c.done:
		return 0, ErrClosed
	case <-ctx.Done():
		return 0, c.contextError(ctx, shard, metric)
	}
}

func (c *Conn) contextError(ctx context.Context, shard int, metric Metric) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%w: shard %d metric %s", ErrTimeout, shard, metric)
	}
	return ctx.Err()
}

func (c *Conn) readLoop(r io.Reader) {
	dec := newDecoder(r)
	var err error
	for {
		var env Envelope
		if err = dec.Decode(&env); err != nil {
			break
		}

		switch env.Kind {
		case KindResponse:
			c.mu.Lock()
			replyCh, ok := c.pending[env.ID]
			c.mu.Unlock()
			if ok {
				select {
				case replyCh <- env:
				default:
				}
			}
		case KindEvent:
			if c.onEvent != nil {
				c.onEvent(Event{Type: env.Event, Shard: env.Shard, Message: env.Error})
			}
		}
	}

	if errors.Is(err, io.EOF) {
		err = ErrClosed
	}

	c.mu.Lock()
	c.doneErr = err
	close(c.done)
	c.mu.Unlock()
}
