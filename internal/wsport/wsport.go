// Package wsport carries bridge messages over a websocket so callers in other
// processes can reach the coordinator.
package wsport

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/polzovatel/page-bridge/internal/bridge"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 32 << 20 // screenshots travel inline
	inboxSize      = 64
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// the coordinator listens on loopback; callers are local tools
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Conn is a bridge.Port over one websocket connection.
type Conn struct {
	ws     *websocket.Conn
	logger zerolog.Logger

	in   chan bridge.Message
	done chan struct{}
	once sync.Once
	wmu  sync.Mutex
	wg   sync.WaitGroup
}

var _ bridge.Port = (*Conn)(nil)

func newConn(ws *websocket.Conn, logger zerolog.Logger) *Conn {
	c := &Conn{
		ws:     ws,
		logger: logger,
		in:     make(chan bridge.Message, inboxSize),
		done:   make(chan struct{}),
	}
	c.wg.Add(2)
	go c.readPump()
	go c.pingLoop()
	return c
}

// Dial connects to a coordinator endpoint such as ws://127.0.0.1:7331/bridge.
func Dial(ctx context.Context, url string, logger zerolog.Logger) (*Conn, error) {
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	ws, resp, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial %s: %w (status %d)", url, err, resp.StatusCode)
		}
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}
	return newConn(ws, logger), nil
}

// Upgrade turns an incoming HTTP request into a port.
func Upgrade(w http.ResponseWriter, r *http.Request, logger zerolog.Logger) (*Conn, error) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, fmt.Errorf("upgrade: %w", err)
	}
	return newConn(ws, logger.With().Str("remote", r.RemoteAddr).Logger()), nil
}

// Post writes msg as one JSON frame. The write deadline is the earlier of
// writeWait and the deadline of ctx.
func (c *Conn) Post(ctx context.Context, msg bridge.Message) error {
	select {
	case <-c.done:
		return bridge.ErrClosed
	default:
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	c.wmu.Lock()
	defer c.wmu.Unlock()
	deadline := time.Now().Add(writeWait)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = c.ws.SetWriteDeadline(deadline)
	if err := c.ws.WriteJSON(msg); err != nil {
		c.shutdown()
		return fmt.Errorf("%w: %v", bridge.ErrClosed, err)
	}
	return nil
}

func (c *Conn) Inbox() <-chan bridge.Message { return c.in }

func (c *Conn) Done() <-chan struct{} { return c.done }

// Close sends a close frame, drops the connection and waits for the pumps.
func (c *Conn) Close() error {
	c.shutdown()
	c.wg.Wait()
	return nil
}

func (c *Conn) shutdown() {
	c.once.Do(func() {
		close(c.done)
		c.wmu.Lock()
		_ = c.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		c.wmu.Unlock()
		_ = c.ws.Close()
	})
}

func (c *Conn) readPump() {
	defer c.wg.Done()
	defer c.shutdown()
	c.ws.SetReadLimit(maxMessageSize)
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		_, raw, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.logger.Debug().Err(err).Msg("websocket read")
			}
			return
		}
		var msg bridge.Message
		if err := json.Unmarshal(raw, &msg); err != nil {
			c.logger.Warn().Err(err).Msg("dropping malformed frame")
			continue
		}
		select {
		case c.in <- msg:
		case <-c.done:
			return
		}
	}
}

func (c *Conn) pingLoop() {
	defer c.wg.Done()
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			c.wmu.Lock()
			err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
			c.wmu.Unlock()
			if err != nil {
				c.shutdown()
				return
			}
		}
	}
}
