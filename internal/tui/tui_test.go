package tui

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hades/internal/domain"
	"hades/internal/engine"
	"hades/internal/events"
	"hades/internal/transcript"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func runes(s string) tea.KeyMsg {
	return tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune(s)}
}

var (
	enter = tea.KeyMsg{Type: tea.KeyEnter}
	tab   = tea.KeyMsg{Type: tea.KeyTab}
	space = tea.KeyMsg{Type: tea.KeySpace, Runes: []rune{' '}}
	esc   = tea.KeyMsg{Type: tea.KeyEsc}
)

func press(m tea.Model, keys ...tea.Msg) (tea.Model, tea.Cmd) {
	var cmd tea.Cmd
	for _, k := range keys {
		m, cmd = m.Update(k)
	}
	return m, cmd
}

func newBasicWizard(submit engine.SubmitterFunc) (*Wizard, *engine.Engine) {
	var s engine.Submitter
	if submit != nil {
		s = submit
	}
	e := engine.New(engine.Basic, s, engine.WithLogger(quietLogger()))
	return NewWizard(context.Background(), e), e
}

// fillToTerminal walks the basic variant with valid input.
func fillToTerminal(t *testing.T, w *Wizard) {
	t.Helper()
	press(w, runes("Hack the planet"), enter)
	press(w, tab, runes("192.168.177.128"), enter)
	press(w, space, enter)
	require.True(t, w.engine.IsTerminal(), w.View())
}

func TestWizardShowsFirstStep(t *testing.T) {
	w, _ := newBasicWizard(nil)
	view := w.View()
	assert.Contains(t, view, "Step 1/4: Name the inject")
	assert.Contains(t, view, "Name")
}

func TestWizardTypingUpdatesDraft(t *testing.T) {
	w, e := newBasicWizard(nil)
	press(w, runes("Recon"))
	assert.Equal(t, "Recon", e.Draft().Name)
}

func TestWizardBlocksInvalidStep(t *testing.T) {
	w, e := newBasicWizard(nil)
	press(w, enter)
	assert.Equal(t, 0, e.StepIndex())
	assert.Contains(t, w.View(), "is required")

	press(w, runes("x"))
	assert.NotContains(t, w.View(), "is required")
}

func TestWizardChoiceCycles(t *testing.T) {
	w, e := newBasicWizard(nil)
	press(w, runes("n"), enter)
	assert.Equal(t, "machine", e.Draft().TargetType)
	press(w, tea.KeyMsg{Type: tea.KeyRight})
	assert.Equal(t, "persona", e.Draft().TargetType)
	assert.Contains(t, w.View(), "< Persona >")
}

func TestWizardSubmitFlow(t *testing.T) {
	var got domain.Inject
	w, e := newBasicWizard(func(_ context.Context, in domain.Inject) (string, error) {
		got = in
		return "task-1", nil
	})
	fillToTerminal(t, w)
	assert.Contains(t, w.View(), "target: Machine 192.168.177.128")

	_, cmd := press(w, enter)
	require.NotNil(t, cmd)
	assert.Contains(t, w.View(), "Submitting...")
	_, again := press(w, enter)
	assert.Nil(t, again, "a second enter must not start another submission")

	msg := cmd()
	press(w, msg)
	assert.Equal(t, "task-1", w.LastID)
	assert.Equal(t, 0, e.StepIndex())
	assert.Contains(t, w.View(), "Inject submitted: task-1")
	assert.Equal(t, "Hack the planet", got.Name)
	assert.Equal(t, []string{"scan"}, got.Systems[0].Targets[0].Goals)
}

func TestWizardSubmitFailureKeepsDraft(t *testing.T) {
	w, e := newBasicWizard(func(context.Context, domain.Inject) (string, error) {
		return "", errors.New("backend unreachable")
	})
	fillToTerminal(t, w)
	before := e.Draft()

	_, cmd := press(w, enter)
	press(w, cmd())
	assert.True(t, e.IsTerminal())
	assert.True(t, before.Equal(e.Draft()))
	view := w.View()
	assert.Equal(t, 1, strings.Count(view, "backend unreachable"), view)

	press(w, tea.KeyMsg{Type: tea.KeyCtrlD})
	assert.NotContains(t, w.View(), "backend unreachable")
}

func TestWizardConflictNotice(t *testing.T) {
	w, e := newBasicWizard(nil)
	press(w, runes("n"), enter, tab, runes("10.0.0.1"), enter)
	require.Equal(t, 2, e.StepIndex())

	// Goals, then the first technique in both allowed and prohibited.
	press(w, space, tab, space, tab, space)
	assert.Equal(t, []string{"exploiting-known-vulnerabilities"}, e.Draft().Allowed)
	assert.Equal(t, []string{"exploiting-known-vulnerabilities"}, e.Draft().Prohibited)
	assert.Contains(t, w.View(), "A technique cannot be both allowed and prohibited.")

	press(w, enter)
	assert.Equal(t, 2, e.StepIndex())

	press(w, space)
	assert.NotContains(t, w.View(), "cannot be both")
	press(w, enter)
	assert.True(t, e.IsTerminal())
}

func TestWizardBackAndReset(t *testing.T) {
	w, e := newBasicWizard(nil)
	press(w, runes("Recon"), enter)
	press(w, esc)
	assert.Equal(t, 0, e.StepIndex())
	assert.Contains(t, w.View(), "Recon")

	press(w, esc)
	assert.Equal(t, 0, e.StepIndex())

	press(w, tea.KeyMsg{Type: tea.KeyCtrlR})
	assert.Equal(t, "", e.Draft().Name)
}

func wsServer(t *testing.T, handler func(*websocket.Conn)) *httptest.Server {
	t.Helper()
	up := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := up.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer c.Close()
		handler(c)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func testConsumer(srv *httptest.Server) *transcript.Consumer {
	return transcript.NewConsumer(transcript.Config{
		URL: func(id string) string {
			return "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/" + id
		},
		DialTimeout: 2 * time.Second,
		Logger:      quietLogger(),
	})
}

// pump runs cmd and feeds its messages back until the session finishes.
func pump(t *testing.T, m tea.Model, cmd tea.Cmd) {
	t.Helper()
	for i := 0; cmd != nil && i < 100; i++ {
		msg := cmd()
		m, cmd = m.Update(msg)
		if _, done := msg.(sessionDoneMsg); done {
			return
		}
	}
	t.Fatal("session did not finish")
}

func TestTranscriptRendersSession(t *testing.T) {
	srv := wsServer(t, func(c *websocket.Conn) {
		_ = c.WriteMessage(websocket.TextMessage, []byte(`{"sender":"Planner","receiver":"Operator","timestamp":"2026-10-19 09:30:00","message":"start recon"}`))
		_ = c.WriteMessage(websocket.TextMessage, []byte(`{"sender":"Operator","tool_calls":[{"id":"c1","name":"nmap","arguments":{"target":"10.0.0.1","ports":[22,80]}}]}`))
		_ = c.WriteMessage(websocket.TextMessage, []byte(`not json`))
		_ = c.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye"))
		_, _, _ = c.ReadMessage()
	})
	m := NewTranscript(context.Background(), testConsumer(srv), "t1")
	m.Standalone = true
	m.Update(tea.WindowSizeMsg{Width: 120, Height: 40})
	pump(t, m, m.Init())

	require.Eventually(t, func() bool { return m.Session().State() == transcript.Closed }, 3*time.Second, 10*time.Millisecond)
	m.refresh()
	view := m.View()
	assert.Contains(t, view, "transcript t1")
	assert.Contains(t, view, "Connecting...")
	assert.Contains(t, view, "start recon")
	assert.Contains(t, view, "tool nmap (c1)")
	assert.Contains(t, view, "ports: [22,80]")
	assert.Contains(t, view, "target: 10.0.0.1")
	assert.Contains(t, view, "malformed frame")
	assert.Contains(t, view, "Connection closed (Error: 1000, Reason: bye)")
	assert.Contains(t, view, "closed")
}

func TestTranscriptReopenStartsFreshSession(t *testing.T) {
	srv := wsServer(t, func(c *websocket.Conn) {
		_ = c.WriteMessage(websocket.TextMessage, []byte(`{"sender":"Planner","message":"hello"}`))
		_ = c.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		_, _, _ = c.ReadMessage()
	})
	m := NewTranscript(context.Background(), testConsumer(srv), "t2")
	pump(t, m, m.Init())
	first := m.Session()

	_, cmd := m.Update(runes("r"))
	second := m.Session()
	require.NotSame(t, first, second)
	pump(t, m, cmd)

	<-second.Done()
	assert.Equal(t, "Connecting...", second.Snapshot()[0].Payload.(events.PlainMessage).Text)
	assert.Equal(t, first.Log().Len(), second.Log().Len())
}

func TestTranscriptEmptyIDHasNoSession(t *testing.T) {
	m := NewTranscript(context.Background(), transcript.NewConsumer(transcript.Config{URL: func(string) string { return "ws://unused" }}), "")
	assert.Nil(t, m.Init())
	assert.Nil(t, m.Session())
	assert.Contains(t, m.View(), "no task id")
}

func TestConsoleHandsTaskIDToTranscript(t *testing.T) {
	srv := wsServer(t, func(c *websocket.Conn) {
		_, _, _ = c.ReadMessage()
	})
	e := engine.New(engine.Basic, nil, engine.WithLogger(quietLogger()))
	c := NewConsole(context.Background(), e, testConsumer(srv))

	c.Update(SubmittedMsg{Err: errors.New("boom")})
	assert.Contains(t, c.View(), "Step 1/4")

	_, cmd := c.Update(SubmittedMsg{ID: "task-7"})
	require.NotNil(t, cmd)
	assert.Contains(t, c.View(), "transcript task-7")
	s := c.transcript.Session()
	require.NotNil(t, s)

	_, cmd = c.Update(esc)
	require.NotNil(t, cmd)
	c.Update(cmd())
	assert.Contains(t, c.View(), "Step 1/4")
	<-s.Done()
	assert.Equal(t, transcript.Closed, s.State())
}

func TestFormatEvent(t *testing.T) {
	ev := events.Event{
		Sender:    "Operator",
		Receiver:  "Client",
		Timestamp: time.Date(2026, 10, 19, 9, 30, 0, 0, time.Local),
		Payload: events.FunctionInvocation{Calls: []events.FunctionCall{
			{Name: "exploit", Arguments: map[string]any{"target": "10.0.0.1", "cve": "CVE-2021-44228"}},
			{Name: "report", Arguments: map[string]any{"raw": "done"}},
		}},
	}
	assert.Equal(t, strings.Join([]string{
		"[09:30:00] Operator -> Client",
		"  function exploit",
		"    cve: CVE-2021-44228",
		"    target: 10.0.0.1",
		"  function report",
		"    raw: done",
	}, "\n"), FormatEvent(ev))

	empty := events.Event{Sender: "Planner", Timestamp: ev.Timestamp, Payload: events.Empty{}}
	assert.Equal(t, "[09:30:00] Planner\n  (empty)", FormatEvent(empty))
}
