// Package dispatch is the single entry point callers use to drive a page. It
// builds commands, picks the route for the current context and turns results
// back into typed values.
package dispatch

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/polzovatel/page-bridge/internal/bridge"
	"github.com/polzovatel/page-bridge/internal/executor"
)

// replyGrace lets a remote timeout result arrive before the local deadline.
const replyGrace = 250 * time.Millisecond

type Option func(*Dispatcher)

// WithTabURL sends every command to the first tab matching pattern instead of
// the active tab.
func WithTabURL(pattern string) Option {
	return func(d *Dispatcher) { d.tabURL = pattern }
}

func WithLogger(l zerolog.Logger) Option {
	return func(d *Dispatcher) { d.logger = l }
}

type Dispatcher struct {
	transport Transport
	tabURL    string
	logger    zerolog.Logger
}

func New(t Transport, opts ...Option) *Dispatcher {
	d := &Dispatcher{transport: t, logger: zerolog.Nop()}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Transport returns the route chosen for this dispatcher.
func (d *Dispatcher) Transport() Transport { return d.transport }

func (d *Dispatcher) Close() error {
	return d.transport.Close()
}

// Do sends cmd as is, filling in the request id, deadline and tab pattern
// when they are unset. Invalid commands never leave the caller.
func (d *Dispatcher) Do(ctx context.Context, cmd bridge.Command) (res bridge.Result) {
	if cmd.RequestID == "" {
		cmd.RequestID = uuid.NewString()
	}
	if cmd.TimeoutMs <= 0 {
		cmd.TimeoutMs = bridge.TimeoutFor(cmd.Verb).Milliseconds()
	}
	if cmd.TabURL == "" {
		cmd.TabURL = d.tabURL
	}
	defer func() {
		if r := recover(); r != nil {
			res = bridge.Fail(cmd.RequestID, bridge.Errorf(bridge.KindTransport, "dispatch panic: %v", r))
		}
	}()
	if err := cmd.Validate(); err != nil {
		return bridge.Fail(cmd.RequestID, err)
	}

	ctx, cancel := context.WithTimeout(ctx, cmd.Timeout()+replyGrace)
	defer cancel()
	res = d.transport.RoundTrip(ctx, cmd)
	res.RequestID = cmd.RequestID
	if !res.Success {
		d.logger.Debug().
			Str("verb", string(cmd.Verb)).
			Str("request_id", cmd.RequestID).
			Err(res.Err()).
			Msg("command failed")
	}
	return res
}

func (d *Dispatcher) Click(ctx context.Context, target bridge.Target) (executor.ClickResult, error) {
	var out executor.ClickResult
	err := d.Do(ctx, bridge.Command{Verb: bridge.VerbClick, Target: target}).Decode(&out)
	return out, err
}

// Type sets the value of the element matched by selector, or appends to it.
func (d *Dispatcher) Type(ctx context.Context, selector, text string, appendText bool) (executor.TypeResult, error) {
	return d.TypeInto(ctx, bridge.Target{Selector: selector}, text, appendText)
}

// TypeInto is Type for any element target, including snapshot references.
func (d *Dispatcher) TypeInto(ctx context.Context, target bridge.Target, text string, appendText bool) (executor.TypeResult, error) {
	var out executor.TypeResult
	err := d.Do(ctx, bridge.Command{
		Verb:    bridge.VerbType,
		Target:  target,
		Payload: bridge.Payload{Text: text, Append: appendText},
	}).Decode(&out)
	return out, err
}

func (d *Dispatcher) Hover(ctx context.Context, selector string) error {
	return d.HoverOver(ctx, bridge.Target{Selector: selector})
}

func (d *Dispatcher) HoverOver(ctx context.Context, target bridge.Target) error {
	return d.Do(ctx, bridge.Command{Verb: bridge.VerbHover, Target: target}).Err()
}

func (d *Dispatcher) GetElement(ctx context.Context, selector string, limit int) (executor.ElementsResult, error) {
	var out executor.ElementsResult
	err := d.Do(ctx, bridge.Command{
		Verb:    bridge.VerbGetElement,
		Target:  bridge.Target{Selector: selector},
		Payload: bridge.Payload{Limit: limit},
	}).Decode(&out)
	return out, err
}

func (d *Dispatcher) Screenshot(ctx context.Context) (bridge.Screenshot, error) {
	var out bridge.Screenshot
	err := d.Do(ctx, bridge.Command{Verb: bridge.VerbScreenshot}).Decode(&out)
	return out, err
}

func (d *Dispatcher) Snapshot(ctx context.Context) (executor.SnapshotResult, error) {
	var out executor.SnapshotResult
	err := d.Do(ctx, bridge.Command{Verb: bridge.VerbSnapshot}).Decode(&out)
	return out, err
}
