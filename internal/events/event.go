package events

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Kind tags the payload variant of an Event.
type Kind string

const (
	KindMessage      Kind = "message"
	KindToolCalls    Kind = "tool_calls"
	KindFunctionCall Kind = "function_call"
	KindEmpty        Kind = "empty"
	KindMalformed    Kind = "malformed"
)

// Payload is the closed set of things an Event can carry. Switch on the
// concrete type; every variant lives in this file.
type Payload interface {
	Kind() Kind
	isPayload()
}

type PlainMessage struct {
	Text string
}

type ToolCall struct {
	ID        string
	Name      string
	Arguments map[string]any
}

type ToolInvocation struct {
	Calls []ToolCall
}

type FunctionCall struct {
	Name      string
	Arguments map[string]any
}

type FunctionInvocation struct {
	Calls []FunctionCall
}

// Empty is a frame that named no payload at all.
type Empty struct{}

// Malformed records a frame that could not be decoded.
type Malformed struct {
	Raw string
	Err string
}

func (PlainMessage) Kind() Kind       { return KindMessage }
func (ToolInvocation) Kind() Kind     { return KindToolCalls }
func (FunctionInvocation) Kind() Kind { return KindFunctionCall }
func (Empty) Kind() Kind              { return KindEmpty }
func (Malformed) Kind() Kind          { return KindMalformed }

func (PlainMessage) isPayload()       {}
func (ToolInvocation) isPayload()     {}
func (FunctionInvocation) isPayload() {}
func (Empty) isPayload()              {}
func (Malformed) isPayload()          {}

// Event is one transcript entry. It is never modified after it is appended.
type Event struct {
	Sender    string
	Receiver  string
	Timestamp time.Time
	Payload   Payload
}

const (
	SystemSender   = "System"
	ClientReceiver = "Client"
)

// TimestampLayout is the producer's timestamp format, in the producer's local time.
const TimestampLayout = "2006-01-02 15:04:05"

// System builds a synthetic lifecycle event addressed to the local client.
func System(text string, at time.Time) Event {
	return Event{Sender: SystemSender, Receiver: ClientReceiver, Timestamp: at, Payload: PlainMessage{Text: text}}
}

// Rejected builds the event appended in place of a malformed frame.
func Rejected(fe *FrameError, at time.Time) Event {
	return Event{
		Sender:    SystemSender,
		Receiver:  ClientReceiver,
		Timestamp: at,
		Payload:   Malformed{Raw: string(fe.Raw), Err: fe.Err.Error()},
	}
}

// FrameError reports an inbound frame that does not decode into an Event.
type FrameError struct {
	Raw []byte
	Err error
}

func (e *FrameError) Error() string {
	return fmt.Sprintf("malformed frame: %v", e.Err)
}

func (e *FrameError) Unwrap() error { return e.Err }

var (
	errNotObject    = errors.New("frame is not a JSON object")
	errBadPayload   = errors.New("payload has the wrong shape")
	errBadTimestamp = errors.New("timestamp is not in a known layout")
)

type frame struct {
	Sender       *string         `json:"sender"`
	Receiver     *string         `json:"receiver"`
	Timestamp    *string         `json:"timestamp"`
	Message      json.RawMessage `json:"message"`
	ToolCalls    json.RawMessage `json:"tool_calls"`
	FunctionCall json.RawMessage `json:"function_call"`
}

type wireToolCall struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

// Decode turns one text frame into an Event. When several payload keys are
// present exactly one is used: tool_calls, then function_call, then message.
// Frames without a timestamp are stamped with now.
func Decode(raw []byte, now time.Time) (Event, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return Event{}, &FrameError{Raw: raw, Err: errNotObject}
	}
	var f frame
	if err := json.Unmarshal(trimmed, &f); err != nil {
		return Event{}, &FrameError{Raw: raw, Err: err}
	}

	ev := Event{Timestamp: now, Payload: Empty{}}
	if f.Sender != nil {
		ev.Sender = *f.Sender
	}
	if f.Receiver != nil {
		ev.Receiver = *f.Receiver
	}
	if f.Timestamp != nil && *f.Timestamp != "" {
		ts, err := parseTimestamp(*f.Timestamp)
		if err != nil {
			return Event{}, &FrameError{Raw: raw, Err: err}
		}
		ev.Timestamp = ts
	}

	payload, err := decodePayload(f)
	if err != nil {
		return Event{}, &FrameError{Raw: raw, Err: err}
	}
	if payload != nil {
		ev.Payload = payload
	}
	return ev, nil
}

// localLayouts carry no zone and are read in local time. The ISO form is what
// Python's datetime.isoformat() emits for naive values.
var localLayouts = []string{
	TimestampLayout,
	"2006-01-02 15:04:05.999999999",
	"2006-01-02T15:04:05.999999999",
}

func parseTimestamp(s string) (time.Time, error) {
	for _, layout := range localLayouts {
		if ts, err := time.ParseInLocation(layout, s, time.Local); err == nil {
			return ts, nil
		}
	}
	if ts, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return ts, nil
	}
	return time.Time{}, fmt.Errorf("%w: %q", errBadTimestamp, s)
}

func present(raw json.RawMessage) bool {
	return len(raw) > 0 && !bytes.Equal(raw, []byte("null"))
}

func decodePayload(f frame) (Payload, error) {
	if present(f.ToolCalls) {
		var calls []wireToolCall
		if err := json.Unmarshal(f.ToolCalls, &calls); err != nil {
			return nil, fmt.Errorf("tool_calls: %w", errBadPayload)
		}
		if len(calls) > 0 {
			out := ToolInvocation{Calls: make([]ToolCall, 0, len(calls))}
			for _, c := range calls {
				out.Calls = append(out.Calls, ToolCall{ID: c.ID, Name: c.Name, Arguments: decodeArguments(c.Arguments)})
			}
			return out, nil
		}
	}
	if present(f.FunctionCall) {
		calls, err := decodeFunctionCalls(f.FunctionCall)
		if err != nil {
			return nil, err
		}
		if len(calls) > 0 {
			return FunctionInvocation{Calls: calls}, nil
		}
	}
	if present(f.Message) {
		var text string
		if err := json.Unmarshal(f.Message, &text); err != nil {
			return nil, fmt.Errorf("message: %w", errBadPayload)
		}
		return PlainMessage{Text: text}, nil
	}
	return nil, nil
}

// decodeFunctionCalls accepts the list form and a single bare object.
func decodeFunctionCalls(raw json.RawMessage) ([]FunctionCall, error) {
	type wireFunctionCall struct {
		Name      string          `json:"name"`
		Arguments json.RawMessage `json:"arguments"`
	}
	var list []wireFunctionCall
	if err := json.Unmarshal(raw, &list); err != nil {
		var one wireFunctionCall
		if err := json.Unmarshal(raw, &one); err != nil {
			return nil, fmt.Errorf("function_call: %w", errBadPayload)
		}
		list = []wireFunctionCall{one}
	}
	out := make([]FunctionCall, 0, len(list))
	for _, c := range list {
		out = append(out, FunctionCall{Name: c.Name, Arguments: decodeArguments(c.Arguments)})
	}
	return out, nil
}

// decodeArguments mirrors the producer: an object is kept as is, a string
// holding a JSON object is unpacked, anything else is kept under "raw".
func decodeArguments(raw json.RawMessage) map[string]any {
	if !present(raw) {
		return map[string]any{}
	}
	var obj map[string]any
	if err := json.Unmarshal(raw, &obj); err == nil {
		return obj
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		if err := json.Unmarshal([]byte(s), &obj); err == nil && obj != nil {
			return obj
		}
		return map[string]any{"raw": s}
	}
	return map[string]any{"raw": string(raw)}
}
