package bridge

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Verb names a command understood by the page executor or the relay.
type Verb string

const (
	VerbClick      Verb = "click"
	VerbType       Verb = "type"
	VerbHover      Verb = "hover"
	VerbGetElement Verb = "getElement"
	VerbScreenshot Verb = "screenshot"
	VerbSnapshot   Verb = "snapshot"
)

const (
	InteractiveTimeout = 5 * time.Second
	SnapshotTimeout    = 30 * time.Second
	// MaxTimeout caps caller supplied deadlines.
	MaxTimeout = 10 * time.Minute
)

// TimeoutFor returns the default deadline for a verb. A full tree walk is the
// most expensive operation, everything else is interactive.
func TimeoutFor(v Verb) time.Duration {
	if v == VerbSnapshot {
		return SnapshotTimeout
	}
	return InteractiveTimeout
}

// Point is a viewport coordinate in CSS pixels.
type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Target selects the element a command acts on. Exactly one field is set.
type Target struct {
	Ref      string `json:"ref,omitempty"`
	Selector string `json:"selector,omitempty"`
	Point    *Point `json:"point,omitempty"`
}

func (t Target) count() int {
	n := 0
	if t.Ref != "" {
		n++
	}
	if t.Selector != "" {
		n++
	}
	if t.Point != nil {
		n++
	}
	return n
}

func (t Target) String() string {
	switch {
	case t.Ref != "":
		return "ref=" + t.Ref
	case t.Selector != "":
		return "selector=" + t.Selector
	case t.Point != nil:
		return fmt.Sprintf("point=(%.0f,%.0f)", t.Point.X, t.Point.Y)
	default:
		return "none"
	}
}

// Payload carries verb specific arguments.
type Payload struct {
	Text   string `json:"text,omitempty"`
	Append bool   `json:"append,omitempty"`
	Limit  int    `json:"limit,omitempty"`
}

// Command is a single automation request.
type Command struct {
	Verb      Verb    `json:"verb"`
	Target    Target  `json:"target"`
	Payload   Payload `json:"payload"`
	RequestID string  `json:"requestId"`
	TimeoutMs int64   `json:"timeoutMs,omitempty"`
	// TabURL pins the command to a tab whose URL matches this pattern
	// instead of the active tab.
	TabURL string `json:"tabUrl,omitempty"`
}

// Timeout returns the command deadline, falling back to the verb default.
func (c Command) Timeout() time.Duration {
	if c.TimeoutMs > 0 {
		if c.TimeoutMs > MaxTimeout.Milliseconds() {
			return MaxTimeout
		}
		return time.Duration(c.TimeoutMs) * time.Millisecond
	}
	return TimeoutFor(c.Verb)
}

// Validate checks the command shape before it leaves the caller.
func (c Command) Validate() error {
	if strings.TrimSpace(c.RequestID) == "" {
		return Errorf(KindInvalidCommand, "request id required")
	}
	if c.TimeoutMs < 0 || c.TimeoutMs > MaxTimeout.Milliseconds() {
		return Errorf(KindInvalidCommand, "timeout %dms outside 0..%dms", c.TimeoutMs, MaxTimeout.Milliseconds())
	}
	switch c.Verb {
	case VerbClick:
		if c.Target.count() != 1 {
			return Errorf(KindInvalidCommand, "click needs exactly one of ref, selector or point")
		}
	case VerbType, VerbHover, VerbGetElement:
		if c.Target.Selector == "" && c.Target.Ref == "" {
			return Errorf(KindInvalidCommand, "%s needs a selector", c.Verb)
		}
		if c.Target.Point != nil {
			return Errorf(KindInvalidCommand, "%s does not accept coordinates", c.Verb)
		}
	case VerbScreenshot, VerbSnapshot:
	default:
		return Errorf(KindInvalidCommand, "unknown verb %q", c.Verb)
	}
	return nil
}

// Result is the outcome of a command. Data holds a verb specific JSON document.
type Result struct {
	Success   bool            `json:"success"`
	Data      json.RawMessage `json:"data,omitempty"`
	Error     *Error          `json:"error,omitempty"`
	RequestID string          `json:"requestId"`
}

// OK builds a successful result carrying v as data.
func OK(requestID string, v any) Result {
	if v == nil {
		return Result{Success: true, RequestID: requestID}
	}
	data, err := json.Marshal(v)
	if err != nil {
		return Fail(requestID, Wrap(KindTransport, err, "encode result"))
	}
	return Result{Success: true, Data: data, RequestID: requestID}
}

// Fail builds a failed result. Untyped errors become transport errors.
func Fail(requestID string, err error) Result {
	return Result{Success: false, Error: AsError(err), RequestID: requestID}
}

// Err returns the result error, or nil on success.
func (r Result) Err() error {
	if r.Success {
		return nil
	}
	if r.Error == nil {
		return Errorf(KindTransport, "command failed without error detail")
	}
	return r.Error
}

// Decode unmarshals the result data into v.
func (r Result) Decode(v any) error {
	if err := r.Err(); err != nil {
		return err
	}
	if len(r.Data) == 0 {
		return Errorf(KindTransport, "empty result data")
	}
	if err := json.Unmarshal(r.Data, v); err != nil {
		return Wrap(KindTransport, err, "decode result")
	}
	return nil
}

// MessageType discriminates frames on a port.
type MessageType string

const (
	MsgCommand MessageType = "command"
	MsgResult  MessageType = "result"
	MsgPing    MessageType = "ping"
	MsgPong    MessageType = "pong"
)

// Message is the frame exchanged between contexts. Only copyable values travel.
type Message struct {
	Type      MessageType `json:"type"`
	RequestID string      `json:"requestId"`
	TabID     string      `json:"tabId,omitempty"`
	Command   *Command    `json:"command,omitempty"`
	Result    *Result     `json:"result,omitempty"`
}

// Screenshot is the data of a successful screenshot result.
type Screenshot struct {
	Format string `json:"format"`
	Data   []byte `json:"data"`
}
