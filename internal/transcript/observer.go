package transcript

import "hades/internal/events"

// Observer is told about everything a session does. Calls come from the
// session's reader goroutine, one at a time, and must not block for long.
type Observer interface {
	EventAppended(ev events.Event)
	StateChanged(st State)
	FrameRejected(err error)
}

// Update is one notification delivered through Updates.
type Update struct {
	Event    *events.Event
	State    State
	Changed  bool
	Rejected error
}

// Updates is a channel-backed Observer. When the buffer is full further
// updates are dropped; consumers re-read Session.Snapshot so nothing is lost
// from the log itself.
type Updates struct {
	C chan Update
}

func NewUpdates(buffer int) *Updates {
	if buffer < 1 {
		buffer = 1
	}
	return &Updates{C: make(chan Update, buffer)}
}

func (u *Updates) EventAppended(ev events.Event) {
	u.send(Update{Event: &ev})
}

func (u *Updates) StateChanged(st State) {
	u.send(Update{State: st, Changed: true})
}

func (u *Updates) FrameRejected(err error) {
	u.send(Update{Rejected: err})
}

func (u *Updates) send(up Update) {
	select {
	case u.C <- up:
	default:
	}
}

type nopObserver struct{}

func (nopObserver) EventAppended(events.Event) {}
func (nopObserver) StateChanged(State)         {}
func (nopObserver) FrameRejected(error)        {}
