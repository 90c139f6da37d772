package executor

import (
	"context"
	"sync"

	"github.com/polzovatel/page-bridge/internal/bridge"
)

// Serve answers the coordinator on port until ctx is done or the port closes.
// Pings are answered only while the in-page runtime is present, so a reloaded
// document looks unreachable until it is injected again.
func (e *Executor) Serve(ctx context.Context, port bridge.Port) error {
	var wg sync.WaitGroup
	defer wg.Wait()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-port.Done():
			return bridge.ErrClosed
		case msg := <-port.Inbox():
			switch msg.Type {
			case bridge.MsgPing:
				if !e.page.Ready(ctx) {
					continue
				}
				if err := port.Post(ctx, bridge.Message{Type: bridge.MsgPong, RequestID: msg.RequestID, TabID: msg.TabID}); err != nil {
					e.logger.Debug().Err(err).Msg("pong")
				}
			case bridge.MsgCommand:
				wg.Add(1)
				go func(msg bridge.Message) {
					defer wg.Done()
					res := e.handle(ctx, msg)
					reply := bridge.Message{Type: bridge.MsgResult, RequestID: msg.RequestID, TabID: msg.TabID, Result: &res}
					if err := port.Post(ctx, reply); err != nil {
						e.logger.Debug().Err(err).Str("request_id", msg.RequestID).Msg("reply dropped")
					}
				}(msg)
			default:
				e.logger.Debug().Str("type", string(msg.Type)).Msg("ignoring message")
			}
		}
	}
}

func (e *Executor) handle(ctx context.Context, msg bridge.Message) bridge.Result {
	if msg.Command == nil {
		return bridge.Fail(msg.RequestID, bridge.Errorf(bridge.KindInvalidCommand, "command frame without command"))
	}
	if !e.page.Ready(ctx) {
		return bridge.Fail(msg.RequestID, bridge.Errorf(bridge.KindExecutorUnreachable, "page runtime is not loaded"))
	}
	cmd := *msg.Command
	if cmd.RequestID == "" {
		cmd.RequestID = msg.RequestID
	}
	res := e.Execute(ctx, cmd)
	res.RequestID = msg.RequestID
	return res
}
