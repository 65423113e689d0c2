package tui

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"hades/internal/events"
)

const timeLayout = "15:04:05"

// EventHeader is the first line of an event: time, sender and receiver.
func EventHeader(ev events.Event) string {
	head := fmt.Sprintf("[%s] %s", ev.Timestamp.Format(timeLayout), ev.Sender)
	if ev.Receiver != "" {
		head += " -> " + ev.Receiver
	}
	return head
}

// EventBody renders the payload. Every invocation and every argument gets its
// own line, keys sorted.
func EventBody(ev events.Event) []string {
	switch p := ev.Payload.(type) {
	case events.PlainMessage:
		return strings.Split(p.Text, "\n")
	case events.ToolInvocation:
		var out []string
		for _, c := range p.Calls {
			name := "tool " + c.Name
			if c.ID != "" {
				name += " (" + c.ID + ")"
			}
			out = append(out, name)
			out = append(out, argumentLines(c.Arguments)...)
		}
		return out
	case events.FunctionInvocation:
		var out []string
		for _, c := range p.Calls {
			out = append(out, "function "+c.Name)
			out = append(out, argumentLines(c.Arguments)...)
		}
		return out
	case events.Empty:
		return []string{"(empty)"}
	case events.Malformed:
		return []string{"malformed frame: " + p.Err, "  " + p.Raw}
	}
	return nil
}

// FormatEvent is the plain text form used by line oriented output.
func FormatEvent(ev events.Event) string {
	lines := []string{EventHeader(ev)}
	for _, l := range EventBody(ev) {
		lines = append(lines, "  "+l)
	}
	return strings.Join(lines, "\n")
}

func argumentLines(args map[string]any) []string {
	keys := make([]string, 0, len(args))
	for k := range args {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, fmt.Sprintf("  %s: %s", k, argumentValue(args[k])))
	}
	return out
}

func argumentValue(v any) string {
	switch x := v.(type) {
	case string:
		return x
	case nil:
		return "null"
	case map[string]any, []any:
		b, err := json.Marshal(x)
		if err != nil {
			return fmt.Sprint(x)
		}
		return string(b)
	}
	return fmt.Sprint(v)
}
