package transcript

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"hades/internal/events"
)

// State is the lifecycle of a Session. It only moves forward.
type State int

const (
	Connecting State = iota
	Open
	Closed
)

func (s State) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Open:
		return "open"
	case Closed:
		return "closed"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

const (
	connectingText = "Connecting..."
	// DefaultCloseReason stands in for an empty close reason.
	DefaultCloseReason = "Connection closed"
)

// CloseText renders the lifecycle event appended when a channel ends.
func CloseText(code int, reason string) string {
	if strings.TrimSpace(reason) == "" {
		reason = DefaultCloseReason
	}
	return fmt.Sprintf("Connection closed (Error: %d, Reason: %s)", code, reason)
}

// Config configures a Consumer.
type Config struct {
	// URL maps a task id to its channel URL.
	URL func(taskID string) string

	// Dialer opens the transport. Defaults to WebSocketDialer.
	Dialer Dialer

	// DialTimeout bounds the handshake. Defaults to DefaultDialTimeout.
	DialTimeout time.Duration

	// CloseGracePeriod is the deadline for writing the close frame on teardown.
	CloseGracePeriod time.Duration

	Now    func() time.Time
	Logger *slog.Logger
}

func (c *Config) defaults() {
	if c.DialTimeout == 0 {
		c.DialTimeout = DefaultDialTimeout
	}
	if c.Dialer == nil {
		c.Dialer = WebSocketDialer{DialTimeout: c.DialTimeout}
	}
	if c.CloseGracePeriod == 0 {
		c.CloseGracePeriod = DefaultCloseGracePeriod
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Consumer opens transcript sessions. It holds no per-session state.
type Consumer struct {
	cfg Config
}

func NewConsumer(cfg Config) *Consumer {
	cfg.defaults()
	return &Consumer{cfg: cfg}
}

type SessionOption func(*Session)

// WithObserver attaches obs before the first event is appended.
func WithObserver(obs Observer) SessionOption {
	return func(s *Session) {
		if obs != nil {
			s.observer = obs
		}
	}
}

// Open starts a session for taskID. It returns nil when taskID is empty.
// The "Connecting..." event is in the log before Open returns; the dial
// happens in the background.
func (c *Consumer) Open(ctx context.Context, taskID string, opts ...SessionOption) *Session {
	taskID = strings.TrimSpace(taskID)
	if taskID == "" {
		return nil
	}
	if c.cfg.URL == nil {
		c.cfg.Logger.Error("transcript consumer has no channel url")
		return nil
	}
	ctx, cancel := context.WithCancel(ctx)
	s := &Session{
		id:       taskID,
		url:      c.cfg.URL(taskID),
		cfg:      c.cfg,
		log:      events.NewLog(),
		observer: nopObserver{},
		state:    Connecting,
		cancel:   cancel,
		done:     make(chan struct{}),
	}
	s.logger = c.cfg.Logger.With(slog.String("task_id", taskID))
	s.writer = events.Writer{Log: s.log, Now: c.cfg.Now}
	for _, opt := range opts {
		opt(s)
	}
	s.appendEvent(events.System(connectingText, c.cfg.Now()))
	go s.run(ctx)
	return s
}

// Session is one channel bound to one task id. It is never reused.
type Session struct {
	id     string
	url    string
	cfg    Config
	logger *slog.Logger
	log    *events.Log
	writer events.Writer
	cancel context.CancelFunc
	done   chan struct{}

	mu       sync.Mutex
	state    State
	observer Observer
	conn     Conn
	tornDown bool

	teardownOnce sync.Once
}

func (s *Session) ID() string { return s.id }

func (s *Session) URL() string { return s.url }

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Log returns the session's transcript.
func (s *Session) Log() *events.Log { return s.log }

// Snapshot returns a copy of the transcript in arrival order.
func (s *Session) Snapshot() []events.Event { return s.log.Snapshot() }

// Done is closed once the reader goroutine has exited.
func (s *Session) Done() <-chan struct{} { return s.done }

func (s *Session) run(ctx context.Context) {
	defer close(s.done)

	dialCtx, cancel := context.WithTimeout(ctx, s.cfg.DialTimeout)
	conn, err := s.cfg.Dialer.Dial(dialCtx, s.url)
	cancel()
	if err != nil {
		s.logger.Warn("transcript dial failed", slog.String("url", s.url), slog.String("error", err.Error()))
		s.onClose(websocket.CloseAbnormalClosure, "")
		return
	}

	s.mu.Lock()
	if s.tornDown {
		s.mu.Unlock()
		_ = conn.Close()
		return
	}
	s.conn = conn
	s.mu.Unlock()
	defer conn.Close()

	s.onOpen()
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			code, reason := closeDetails(err)
			if code == websocket.CloseAbnormalClosure {
				s.logger.Debug("transcript read ended", slog.String("error", err.Error()))
			}
			s.onClose(code, reason)
			return
		}
		s.HandleFrame(data)
	}
}

func (s *Session) onOpen() {
	s.logger.Info("transcript channel open", slog.String("url", s.url))
	s.setState(Open)
}

// HandleFrame appends one inbound frame. Malformed frames are appended as a
// Malformed event and reported; the session keeps going. Frames that arrive
// after Teardown are dropped.
func (s *Session) HandleFrame(raw []byte) {
	s.mu.Lock()
	if s.tornDown {
		s.mu.Unlock()
		return
	}
	obs := s.observer
	s.mu.Unlock()

	ev, err := s.writer.Append(raw)
	if err != nil {
		s.logger.Error("rejected transcript frame", slog.String("error", err.Error()), slog.Int("bytes", len(raw)))
		obs.FrameRejected(err)
	}
	obs.EventAppended(ev)
}

// onClose records the end of the channel. After Teardown the state still
// moves to Closed but nothing is appended.
func (s *Session) onClose(code int, reason string) {
	s.mu.Lock()
	if s.state == Closed {
		s.mu.Unlock()
		return
	}
	tornDown := s.tornDown
	s.mu.Unlock()

	if !tornDown {
		s.logger.Info("transcript channel closed", slog.Int("code", code), slog.String("reason", reason))
		s.appendEvent(events.System(CloseText(code, reason), s.cfg.Now()))
	}
	s.setState(Closed)
}

// Teardown releases the session. It is safe to call any number of times, from
// any goroutine, in any state. If the channel is still live a normal close
// frame is sent; if it already closed nothing is sent.
func (s *Session) Teardown() {
	s.teardownOnce.Do(func() {
		s.mu.Lock()
		s.tornDown = true
		s.observer = nopObserver{}
		conn := s.conn
		closed := s.state == Closed
		s.mu.Unlock()

		s.cancel()
		if conn == nil || closed {
			return
		}
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		if err := conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(s.cfg.CloseGracePeriod)); err != nil {
			s.logger.Debug("close frame not sent", slog.String("error", err.Error()))
		}
		_ = conn.Close()
	})
}

func (s *Session) appendEvent(ev events.Event) {
	s.log.Append(ev)
	s.mu.Lock()
	obs := s.observer
	s.mu.Unlock()
	obs.EventAppended(ev)
}

func (s *Session) setState(st State) {
	s.mu.Lock()
	if st <= s.state {
		s.mu.Unlock()
		return
	}
	s.state = st
	obs := s.observer
	s.mu.Unlock()
	obs.StateChanged(st)
}

// closeDetails maps a read error to a close code and reason. Terminations
// without a close frame report 1006 with no reason.
func closeDetails(err error) (int, string) {
	var ce *websocket.CloseError
	if errors.As(err, &ce) && ce.Code != websocket.CloseAbnormalClosure {
		return ce.Code, ce.Text
	}
	return websocket.CloseAbnormalClosure, ""
}
