package events

import (
	"errors"
	"sync"
	"time"
)

// Log is an append-only, ordered transcript. Readers always see a prefix of
// the final sequence.
type Log struct {
	mu      sync.RWMutex
	entries []Event
}

func NewLog() *Log {
	return &Log{}
}

// Append adds ev at the end and returns the new length.
func (l *Log) Append(ev Event) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = append(l.entries, ev)
	return len(l.entries)
}

func (l *Log) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.entries)
}

// Snapshot returns a copy of every entry in arrival order.
func (l *Log) Snapshot() []Event {
	return l.Since(0)
}

// Since returns a copy of the entries from index n on.
func (l *Log) Since(n int) []Event {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if n < 0 {
		n = 0
	}
	if n >= len(l.entries) {
		return nil
	}
	return append([]Event(nil), l.entries[n:]...)
}

// Writer decodes raw frames into a Log. A frame that fails to decode is still
// appended, as a Malformed event, so the log length always equals the number
// of frames written.
type Writer struct {
	Log *Log
	Now func() time.Time
}

// Append decodes raw and appends the result. The returned error is a
// *FrameError when the frame was malformed; the event is appended either way.
func (w Writer) Append(raw []byte) (Event, error) {
	if w.Now == nil {
		w.Now = time.Now
	}
	now := w.Now()
	ev, err := Decode(raw, now)
	if err != nil {
		var fe *FrameError
		if !errors.As(err, &fe) {
			fe = &FrameError{Raw: raw, Err: err}
		}
		ev = Rejected(fe, now)
		w.Log.Append(ev)
		return ev, fe
	}
	w.Log.Append(ev)
	return ev, nil
}
