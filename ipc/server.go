package ipc

import (
	"context"
	"errors"
	"io"
	"sync"

	"github.com/fxamacker/cbor/v2"
)

// Handler answers one metric request.
type Handler func(ctx context.Context, req Request) (int64, error)

// Server is the worker end of the channel.
type Server struct {
	enc   *cbor.Encoder
	encMu sync.Mutex
	wg    sync.WaitGroup
}

func NewServer(w io.Writer) *Server {
	return &Server{enc: newEncoder(w)}
}

// Emit sends a lifecycle event to the supervisor.
func (s *Server) Emit(event Event) error {
	return s.send(Envelope{Kind: KindEvent, Event: event.Type, Shard: event.Shard, Error: event.Message})
}

// Serve reads requests from r until it ends or ctx is cancelled. Each
// request runs in its own goroutine so one slow shard cannot delay others.
func (s *Server) Serve(ctx context.Context, r io.Reader, handle Handler) error {
	dec := newDecoder(r)
	defer s.wg.Wait()

	decoded := make(chan Envelope)
	readErr := make(chan error, 1)
	go func() {
		for {
			var env Envelope
			if err := dec.Decode(&env); err != nil {
				readErr <- err
				return
			}
			select {
			case decoded <- env:
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-readErr:
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		case env := <-decoded:
			if env.Kind != KindRequest {
				continue
			}
			s.wg.Add(1)
			go func(env Envelope) {
				defer s.wg.Done()
				reply := Envelope{Kind: KindResponse, ID: env.ID, Shard: env.Shard, Metric: env.Metric}
				value, err := handle(ctx, Request{ID: env.ID, Shard: env.Shard, Metric: env.Metric})
				if err != nil {
					reply.Error = err.Error()
				} else {
					reply.Value = value
				}
				_ = s.send(reply)
			}(env)
		}
	}
}

func (s *Server) send(env Envelope) error {
	s.encMu.Lock()
	defer s.encMu.Unlock()
	return s.enc.Encode(env)
}
