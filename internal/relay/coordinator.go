// Package relay implements the privileged coordinator: it picks the target
// tab, makes sure a page executor is listening in it and forwards commands,
// correlating replies by request id.
package relay

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/polzovatel/page-bridge/internal/bridge"
)

const (
	DefaultProbeTimeout = 300 * time.Millisecond
	DefaultSettleDelay  = 500 * time.Millisecond

	// injectTimeout bounds installing the runtime, not counting the settle delay.
	injectTimeout = 5 * time.Second
)

// Config tunes the liveness probe and injection.
type Config struct {
	// ProbeTimeout bounds the wait for a pong before injecting.
	ProbeTimeout time.Duration
	// SettleDelay is waited after an injection so the listener can start.
	SettleDelay time.Duration
	// SerializePerTab runs at most one command per tab at a time.
	SerializePerTab bool
}

func DefaultConfig() Config {
	return Config{
		ProbeTimeout:    DefaultProbeTimeout,
		SettleDelay:     DefaultSettleDelay,
		SerializePerTab: true,
	}
}

// Metrics receives coordinator events. The metrics package implements it.
type Metrics interface {
	CommandDone(verb bridge.Verb, kind bridge.Kind, took time.Duration)
	Injected()
	LateReply()
}

type nopMetrics struct{}

func (nopMetrics) CommandDone(bridge.Verb, bridge.Kind, time.Duration) {}
func (nopMetrics) Injected()                                          {}
func (nopMetrics) LateReply()                                         {}

// Option configures a Coordinator.
type Option func(*Coordinator)

func WithMetrics(m Metrics) Option {
	return func(c *Coordinator) {
		if m != nil {
			c.metrics = m
		}
	}
}

func WithLogger(l zerolog.Logger) Option {
	return func(c *Coordinator) { c.logger = l }
}

type pendingKey struct {
	tab string
	id  string
}

type reply struct {
	res bridge.Result
	err error
}

type session struct {
	tabID string
	port  bridge.Port

	mu    sync.Mutex
	pongs map[string]chan struct{}
}

// Coordinator owns tab access and relays commands to page executors.
type Coordinator struct {
	cfg     Config
	tabs    TabSource
	logger  zerolog.Logger
	metrics Metrics

	injects singleflight.Group

	mu       sync.Mutex
	sessions map[string]*session
	locks    map[string]chan struct{}
	pending  map[pendingKey]chan reply

	late atomic.Int64

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(tabs TabSource, cfg Config, opts ...Option) *Coordinator {
	def := DefaultConfig()
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = def.ProbeTimeout
	}
	if cfg.SettleDelay < 0 {
		cfg.SettleDelay = def.SettleDelay
	}
	ctx, cancel := context.WithCancel(context.Background())
	c := &Coordinator{
		cfg:      cfg,
		tabs:     tabs,
		logger:   zerolog.Nop(),
		metrics:  nopMetrics{},
		sessions: make(map[string]*session),
		locks:    make(map[string]chan struct{}),
		pending:  make(map[pendingKey]chan reply),
		ctx:      ctx,
		cancel:   cancel,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Close stops every session reader. Pending commands fail with a transport
// error.
func (c *Coordinator) Close() error {
	c.cancel()
	c.wg.Wait()
	c.mu.Lock()
	defer c.mu.Unlock()
	for key, ch := range c.pending {
		ch <- reply{err: bridge.Errorf(bridge.KindTransport, "coordinator closed")}
		delete(c.pending, key)
	}
	return nil
}

// LateReplies counts replies that arrived after their waiter gave up.
func (c *Coordinator) LateReplies() int64 {
	return c.late.Load()
}

// Handle runs one command end to end and always returns a result carrying
// the command's request id.
func (c *Coordinator) Handle(ctx context.Context, cmd bridge.Command) bridge.Result {
	start := time.Now()
	res := c.handle(ctx, cmd)
	res.RequestID = cmd.RequestID

	kind := bridge.KindOf(res.Err())
	c.metrics.CommandDone(cmd.Verb, kind, time.Since(start))
	ev := c.logger.Debug()
	if kind != "" {
		ev = c.logger.Warn().Str("kind", string(kind)).AnErr("error", res.Err())
	}
	ev.Str("verb", string(cmd.Verb)).
		Str("request_id", cmd.RequestID).
		Dur("took", time.Since(start)).
		Msg("relay")
	return res
}

func (c *Coordinator) handle(ctx context.Context, cmd bridge.Command) bridge.Result {
	if err := cmd.Validate(); err != nil {
		return bridge.Fail(cmd.RequestID, err)
	}
	ctx, cancel := context.WithTimeout(ctx, cmd.Timeout())
	defer cancel()

	tab, err := c.locate(ctx, cmd.TabURL)
	if err != nil {
		return bridge.Fail(cmd.RequestID, err)
	}
	if cmd.Verb == bridge.VerbScreenshot {
		png, err := tab.Capture(ctx)
		if err != nil {
			return bridge.Fail(cmd.RequestID, c.timeoutOr(ctx, bridge.Wrap(bridge.KindTransport, err, "capture tab")))
		}
		return bridge.OK(cmd.RequestID, bridge.Screenshot{Format: "png", Data: png})
	}

	key := pendingKey{tab: tab.ID(), id: cmd.RequestID}
	ch, err := c.reserve(key)
	if err != nil {
		return bridge.Fail(cmd.RequestID, err)
	}
	defer c.release(key, ch)

	if c.cfg.SerializePerTab {
		unlock, err := c.lockTab(ctx, tab.ID())
		if err != nil {
			return bridge.Fail(cmd.RequestID, err)
		}
		defer unlock()
	}

	s, injected, err := c.ensure(ctx, tab)
	if err != nil {
		return bridge.Fail(cmd.RequestID, err)
	}
	res, err := c.forward(ctx, s, cmd, ch)
	if err != nil {
		if injected {
			err = bridge.Wrap(bridge.KindExecutorUnreachable, err, "executor did not answer after injection")
		}
		return bridge.Fail(cmd.RequestID, err)
	}
	return res
}

func (c *Coordinator) locate(ctx context.Context, pattern string) (Tab, error) {
	tabs, err := c.tabs.Tabs(ctx)
	if err != nil {
		return nil, bridge.Wrap(bridge.KindTransport, err, "list tabs")
	}
	if pattern != "" {
		for _, t := range tabs {
			if MatchURL(pattern, t.URL()) {
				return t, nil
			}
		}
		return nil, bridge.Errorf(bridge.KindNoActiveTarget, "no tab matches %s", pattern)
	}
	for _, t := range tabs {
		if t.Active() {
			return t, nil
		}
	}
	return nil, bridge.Errorf(bridge.KindNoActiveTarget, "no active tab")
}

func (c *Coordinator) reserve(key pendingKey) (chan reply, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.pending[key]; ok {
		return nil, bridge.Errorf(bridge.KindInvalidCommand, "request %s is already in flight", key.id)
	}
	ch := make(chan reply, 1)
	c.pending[key] = ch
	return ch, nil
}

func (c *Coordinator) release(key pendingKey, ch chan reply) {
	c.mu.Lock()
	if c.pending[key] == ch {
		delete(c.pending, key)
	}
	c.mu.Unlock()
}

// deliver hands a reply to its waiter at most once.
func (c *Coordinator) deliver(key pendingKey, r reply) bool {
	c.mu.Lock()
	ch, ok := c.pending[key]
	if ok {
		delete(c.pending, key)
	}
	c.mu.Unlock()
	if !ok {
		return false
	}
	ch <- r
	return true
}

func (c *Coordinator) lockTab(ctx context.Context, tabID string) (func(), error) {
	c.mu.Lock()
	l, ok := c.locks[tabID]
	if !ok {
		l = make(chan struct{}, 1)
		c.locks[tabID] = l
	}
	c.mu.Unlock()
	select {
	case l <- struct{}{}:
		return func() { <-l }, nil
	case <-ctx.Done():
		return nil, bridge.Wrap(bridge.KindTimeout, ctx.Err(), "waiting for the tab")
	}
}

// ensure returns a session with a live executor, injecting one when the probe
// goes unanswered. The second value reports whether this call injected.
func (c *Coordinator) ensure(ctx context.Context, tab Tab) (*session, bool, error) {
	s, err := c.session(ctx, tab)
	if err != nil {
		return nil, false, err
	}
	if c.probe(ctx, s) {
		return s, false, nil
	}
	if err := ctx.Err(); err != nil {
		return nil, false, bridge.Wrap(bridge.KindTimeout, err, "probe")
	}

	// runs under the coordinator, not the caller that started it
	done := c.injects.DoChan(tab.ID(), func() (any, error) {
		ictx, cancel := context.WithTimeout(c.ctx, injectTimeout+c.cfg.SettleDelay)
		defer cancel()
		c.logger.Info().Str("tab", tab.ID()).Str("url", tab.URL()).Msg("injecting executor")
		if err := tab.Inject(ictx); err != nil {
			return nil, err
		}
		c.metrics.Injected()
		t := time.NewTimer(c.cfg.SettleDelay)
		defer t.Stop()
		select {
		case <-t.C:
		case <-ictx.Done():
			return nil, ictx.Err()
		}
		return nil, nil
	})
	var r singleflight.Result
	select {
	case r = <-done:
	case <-ctx.Done():
		return nil, true, bridge.Wrap(bridge.KindExecutorUnreachable, ctx.Err(), "waiting for injection")
	}
	if r.Err != nil {
		return nil, false, bridge.Wrap(bridge.KindExecutorUnreachable, r.Err, "inject executor")
	}
	if r.Shared {
		c.logger.Debug().Str("tab", tab.ID()).Msg("joined injection in flight")
	}
	// opening again picks up a channel replaced by the injection
	s, err = c.session(ctx, tab)
	if err != nil {
		return nil, true, bridge.Wrap(bridge.KindExecutorUnreachable, err, "open tab after injection")
	}
	return s, true, nil
}

func (c *Coordinator) session(ctx context.Context, tab Tab) (*session, error) {
	port, err := tab.Open(ctx)
	if err != nil {
		return nil, bridge.Wrap(bridge.KindTransport, err, "open tab "+tab.ID())
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if s, ok := c.sessions[tab.ID()]; ok && s.port == port {
		return s, nil
	}
	s := &session{tabID: tab.ID(), port: port, pongs: make(map[string]chan struct{})}
	c.sessions[tab.ID()] = s
	c.wg.Add(1)
	go c.read(s)
	return s, nil
}

func (c *Coordinator) probe(ctx context.Context, s *session) bool {
	id := uuid.NewString()
	ch := make(chan struct{}, 1)
	s.mu.Lock()
	s.pongs[id] = ch
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.pongs, id)
		s.mu.Unlock()
	}()

	pctx, cancel := context.WithTimeout(ctx, c.cfg.ProbeTimeout)
	defer cancel()
	if err := s.port.Post(pctx, bridge.Message{Type: bridge.MsgPing, RequestID: id, TabID: s.tabID}); err != nil {
		c.logger.Debug().Err(err).Str("tab", s.tabID).Msg("probe not delivered")
		return false
	}
	select {
	case <-ch:
		return true
	case <-pctx.Done():
		return false
	}
}

func (c *Coordinator) forward(ctx context.Context, s *session, cmd bridge.Command, ch chan reply) (bridge.Result, error) {
	msg := bridge.Message{Type: bridge.MsgCommand, RequestID: cmd.RequestID, TabID: s.tabID, Command: &cmd}
	if err := s.port.Post(ctx, msg); err != nil {
		return bridge.Result{}, postError(err)
	}
	select {
	case r := <-ch:
		return r.res, r.err
	case <-ctx.Done():
		return bridge.Result{}, c.timeoutOr(ctx, ctx.Err())
	}
}

// postError types a failed post. A channel nobody reads means the executor
// is gone.
func postError(err error) error {
	if errors.Is(err, bridge.ErrNoReceiver) {
		return bridge.Wrap(bridge.KindExecutorUnreachable, err, "post command")
	}
	return bridge.Wrap(bridge.KindTransport, err, "post command")
}

func (c *Coordinator) timeoutOr(ctx context.Context, err error) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return bridge.Wrap(bridge.KindTimeout, err, "no reply before the deadline")
	}
	if ctx.Err() != nil {
		return bridge.Wrap(bridge.KindTransport, err, "cancelled")
	}
	return err
}

func (c *Coordinator) read(s *session) {
	defer c.wg.Done()
	for {
		select {
		case <-c.ctx.Done():
			return
		case <-s.port.Done():
			c.drop(s)
			return
		case msg := <-s.port.Inbox():
			c.route(s, msg)
		}
	}
}

func (c *Coordinator) route(s *session, msg bridge.Message) {
	switch msg.Type {
	case bridge.MsgPong:
		s.mu.Lock()
		ch, ok := s.pongs[msg.RequestID]
		s.mu.Unlock()
		if ok {
			select {
			case ch <- struct{}{}:
			default:
			}
		}
	case bridge.MsgResult:
		if msg.Result == nil {
			return
		}
		if !c.deliver(pendingKey{tab: s.tabID, id: msg.RequestID}, reply{res: *msg.Result}) {
			c.late.Add(1)
			c.metrics.LateReply()
			c.logger.Debug().Str("tab", s.tabID).Str("request_id", msg.RequestID).Msg("late reply dropped")
		}
	default:
		c.logger.Debug().Str("type", string(msg.Type)).Msg("unexpected message from tab")
	}
}

// drop forgets a closed session and fails every waiter of its tab.
func (c *Coordinator) drop(s *session) {
	c.mu.Lock()
	if cur, ok := c.sessions[s.tabID]; ok && cur == s {
		delete(c.sessions, s.tabID)
	}
	var keys []pendingKey
	for key := range c.pending {
		if key.tab == s.tabID {
			keys = append(keys, key)
		}
	}
	c.mu.Unlock()
	for _, key := range keys {
		c.deliver(key, reply{err: bridge.Wrap(bridge.KindTransport, bridge.ErrClosed, fmt.Sprintf("channel to tab %s closed", s.tabID))})
	}
	c.logger.Debug().Str("tab", s.tabID).Int("failed", len(keys)).Msg("tab channel closed")
}
