package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
)

// Port is one end of an inter-context message channel. Messages posted on
// one end show up in the inbox of the other end.
type Port interface {
	// Post hands msg to the other end. It gives up once ctx is done.
	Post(ctx context.Context, msg Message) error
	Inbox() <-chan Message
	// Done is closed once the channel is torn down from either side.
	Done() <-chan struct{}
	Close() error
}

const pipeBuffer = 64

type pipeLink struct {
	done chan struct{}
	once sync.Once
}

type pipeEnd struct {
	link *pipeLink
	in   chan Message
	peer *pipeEnd
}

// Pipe returns two connected in-memory ports. Every message is copied through
// its JSON encoding so neither side can observe the other's memory.
func Pipe() (Port, Port) {
	link := &pipeLink{done: make(chan struct{})}
	a := &pipeEnd{link: link, in: make(chan Message, pipeBuffer)}
	b := &pipeEnd{link: link, in: make(chan Message, pipeBuffer)}
	a.peer, b.peer = b, a
	return a, b
}

// Post fails with ErrNoReceiver when the peer's buffer stays full until ctx
// is done: nothing is draining it.
func (p *pipeEnd) Post(ctx context.Context, msg Message) error {
	select {
	case <-p.link.done:
		return ErrClosed
	default:
	}
	cp, err := copyMessage(msg)
	if err != nil {
		return err
	}
	select {
	case p.peer.in <- cp:
		return nil
	case <-p.link.done:
		return ErrClosed
	case <-ctx.Done():
		return fmt.Errorf("%w: %w", ErrNoReceiver, ctx.Err())
	}
}

func (p *pipeEnd) Inbox() <-chan Message { return p.in }

func (p *pipeEnd) Done() <-chan struct{} { return p.link.done }

func (p *pipeEnd) Close() error {
	p.link.once.Do(func() { close(p.link.done) })
	return nil
}

func copyMessage(msg Message) (Message, error) {
	raw, err := json.Marshal(msg)
	if err != nil {
		return Message{}, err
	}
	var out Message
	if err := json.Unmarshal(raw, &out); err != nil {
		return Message{}, err
	}
	return out, nil
}
