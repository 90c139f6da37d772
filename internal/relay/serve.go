package relay

import (
	"context"
	"sync"

	"github.com/polzovatel/page-bridge/internal/bridge"
)

// Serve accepts commands from a restricted caller on port and replies with
// their results until ctx is done or the caller goes away.
func (c *Coordinator) Serve(ctx context.Context, port bridge.Port) error {
	var wg sync.WaitGroup
	defer wg.Wait()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-port.Done():
			return nil
		case msg := <-port.Inbox():
			switch msg.Type {
			case bridge.MsgPing:
				_ = port.Post(ctx, bridge.Message{Type: bridge.MsgPong, RequestID: msg.RequestID})
			case bridge.MsgCommand:
				wg.Add(1)
				go func(msg bridge.Message) {
					defer wg.Done()
					var res bridge.Result
					if msg.Command == nil {
						res = bridge.Fail(msg.RequestID, bridge.Errorf(bridge.KindInvalidCommand, "command frame without command"))
					} else {
						cmd := *msg.Command
						if cmd.RequestID == "" {
							cmd.RequestID = msg.RequestID
						}
						res = c.Handle(ctx, cmd)
					}
					res.RequestID = msg.RequestID
					if err := port.Post(ctx, bridge.Message{Type: bridge.MsgResult, RequestID: msg.RequestID, Result: &res}); err != nil {
						c.logger.Debug().Err(err).Str("request_id", msg.RequestID).Msg("caller gone before reply")
					}
				}(msg)
			default:
				c.logger.Debug().Str("type", string(msg.Type)).Msg("unexpected message from caller")
			}
		}
	}
}
