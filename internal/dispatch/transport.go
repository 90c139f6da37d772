package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/polzovatel/page-bridge/internal/bridge"
	"github.com/polzovatel/page-bridge/internal/envctx"
)

// Transport carries one command to whatever can execute it.
type Transport interface {
	RoundTrip(ctx context.Context, cmd bridge.Command) bridge.Result
	Close() error
}

// Handler executes a command in-process. The relay coordinator and the page
// executor both satisfy it through HandlerFunc or directly.
type Handler interface {
	Handle(ctx context.Context, cmd bridge.Command) bridge.Result
}

type HandlerFunc func(ctx context.Context, cmd bridge.Command) bridge.Result

func (f HandlerFunc) Handle(ctx context.Context, cmd bridge.Command) bridge.Result {
	return f(ctx, cmd)
}

// DirectTransport invokes a handler living in the same context.
type DirectTransport struct {
	Handler Handler
}

func (d DirectTransport) RoundTrip(ctx context.Context, cmd bridge.Command) bridge.Result {
	return d.Handler.Handle(ctx, cmd)
}

func (DirectTransport) Close() error { return nil }

// RelayedTransport posts commands to the coordinator over a port and matches
// replies by request id.
type RelayedTransport struct {
	port   bridge.Port
	logger zerolog.Logger

	mu      sync.Mutex
	pending map[string]chan bridge.Result
	late    atomic.Int64

	stop chan struct{}
	done chan struct{}
	once sync.Once
}

func NewRelayedTransport(port bridge.Port, logger zerolog.Logger) *RelayedTransport {
	t := &RelayedTransport{
		port:    port,
		logger:  logger,
		pending: make(map[string]chan bridge.Result),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	go t.read()
	return t
}

func (t *RelayedTransport) RoundTrip(ctx context.Context, cmd bridge.Command) bridge.Result {
	ch := make(chan bridge.Result, 1)
	t.mu.Lock()
	if _, ok := t.pending[cmd.RequestID]; ok {
		t.mu.Unlock()
		return bridge.Fail(cmd.RequestID, bridge.Errorf(bridge.KindInvalidCommand, "request %s is already in flight", cmd.RequestID))
	}
	t.pending[cmd.RequestID] = ch
	t.mu.Unlock()
	defer t.forget(cmd.RequestID, ch)

	msg := bridge.Message{Type: bridge.MsgCommand, RequestID: cmd.RequestID, Command: &cmd}
	if err := t.port.Post(ctx, msg); err != nil {
		return bridge.Fail(cmd.RequestID, bridge.Wrap(bridge.KindTransport, err, "post to coordinator"))
	}
	select {
	case res := <-ch:
		return res
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return bridge.Fail(cmd.RequestID, bridge.Errorf(bridge.KindTimeout, "%s: no reply from coordinator", cmd.Verb))
		}
		return bridge.Fail(cmd.RequestID, bridge.Wrap(bridge.KindTransport, ctx.Err(), "cancelled"))
	case <-t.port.Done():
		return bridge.Fail(cmd.RequestID, bridge.Wrap(bridge.KindTransport, bridge.ErrClosed, "coordinator channel closed"))
	}
}

// LateReplies counts replies that arrived after their caller gave up.
func (t *RelayedTransport) LateReplies() int64 {
	return t.late.Load()
}

func (t *RelayedTransport) Close() error {
	t.once.Do(func() { close(t.stop) })
	err := t.port.Close()
	<-t.done
	return err
}

func (t *RelayedTransport) forget(id string, ch chan bridge.Result) {
	t.mu.Lock()
	if t.pending[id] == ch {
		delete(t.pending, id)
	}
	t.mu.Unlock()
}

func (t *RelayedTransport) read() {
	defer close(t.done)
	for {
		select {
		case <-t.stop:
			return
		case <-t.port.Done():
			return
		case msg := <-t.port.Inbox():
			if msg.Type != bridge.MsgResult || msg.Result == nil {
				continue
			}
			t.mu.Lock()
			ch, ok := t.pending[msg.RequestID]
			if ok {
				delete(t.pending, msg.RequestID)
			}
			t.mu.Unlock()
			if !ok {
				t.late.Add(1)
				t.logger.Debug().Str("request_id", msg.RequestID).Msg("late reply dropped")
				continue
			}
			ch <- *msg.Result
		}
	}
}

type absentTransport struct{}

func (absentTransport) RoundTrip(ctx context.Context, cmd bridge.Command) bridge.Result {
	return bridge.Fail(cmd.RequestID, bridge.Errorf(bridge.KindTransport, "no extension runtime is reachable from this context"))
}

func (absentTransport) Close() error { return nil }

// Deps are the handles a context may have. Only the ones its classification
// needs must be set.
type Deps struct {
	// Coordinator runs commands in the privileged context.
	Coordinator Handler
	// Executor runs commands against the local page.
	Executor Handler
	// Port reaches the coordinator from a context without tab access.
	Port   bridge.Port
	Logger zerolog.Logger
}

// Select picks the transport for a classified context once, at startup.
func Select(c envctx.Classification, deps Deps) (Transport, error) {
	switch c.Context {
	case envctx.HostAbsent:
		return absentTransport{}, nil
	case envctx.PrivilegedCoordinator:
		if deps.Coordinator == nil {
			return nil, fmt.Errorf("%s context needs a coordinator", c.Context)
		}
		return DirectTransport{Handler: deps.Coordinator}, nil
	case envctx.PageExecutor:
		if !c.RequiresProxy {
			if deps.Executor == nil {
				return nil, fmt.Errorf("%s context needs an executor", c.Context)
			}
			return DirectTransport{Handler: deps.Executor}, nil
		}
	case envctx.RestrictedCaller:
	default:
		return nil, fmt.Errorf("unknown context %q", c.Context)
	}
	if deps.Port == nil {
		return nil, fmt.Errorf("%s context needs a port to the coordinator", c.Context)
	}
	return NewRelayedTransport(deps.Port, deps.Logger), nil
}
