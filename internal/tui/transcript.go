package tui

import (
	"context"
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"

	"hades/internal/events"
	"hades/internal/transcript"
)

const updatesBuffer = 256

// sessionMsg carries one observer update. gen ties it to the session that
// produced it so updates from a replaced session are ignored.
type sessionMsg struct {
	gen    int
	update transcript.Update
}

type sessionDoneMsg struct {
	gen int
}

// TranscriptClosedMsg is sent when an embedded transcript is dismissed.
type TranscriptClosedMsg struct {
	TaskID string
}

// Transcript shows the live log of one task id.
type Transcript struct {
	ctx      context.Context
	consumer *transcript.Consumer
	taskID   string

	session *transcript.Session
	updates *transcript.Updates
	gen     int

	view     viewport.Model
	ready    bool
	rejected int
	// Standalone transcripts ignore esc; embedded ones hand control back.
	Standalone bool
}

func NewTranscript(ctx context.Context, consumer *transcript.Consumer, taskID string) *Transcript {
	return &Transcript{
		ctx:      ctx,
		consumer: consumer,
		taskID:   taskID,
		view:     viewport.New(80, 20),
	}
}

// Session is the live session, nil before Init or for an empty id.
func (t *Transcript) Session() *transcript.Session { return t.session }

func (t *Transcript) Init() tea.Cmd {
	return t.open()
}

// open starts a fresh session; any previous one is torn down first.
func (t *Transcript) open() tea.Cmd {
	t.Close()
	t.gen++
	t.rejected = 0
	t.updates = transcript.NewUpdates(updatesBuffer)
	t.session = t.consumer.Open(t.ctx, t.taskID, transcript.WithObserver(t.updates))
	t.refresh()
	return t.listen()
}

// Close tears the session down. Safe to call repeatedly.
func (t *Transcript) Close() {
	if t.session != nil {
		t.session.Teardown()
	}
}

func (t *Transcript) listen() tea.Cmd {
	s, u, gen := t.session, t.updates, t.gen
	if s == nil {
		return nil
	}
	return func() tea.Msg {
		select {
		case up := <-u.C:
			return sessionMsg{gen: gen, update: up}
		case <-s.Done():
			return sessionDoneMsg{gen: gen}
		}
	}
}

func (t *Transcript) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		t.view.Width = msg.Width
		t.view.Height = max(msg.Height-4, 3)
		t.ready = true
		t.refresh()
		return t, nil
	case sessionMsg:
		if msg.gen != t.gen {
			return t, nil
		}
		if msg.update.Rejected != nil {
			t.rejected++
		}
		t.refresh()
		return t, t.listen()
	case sessionDoneMsg:
		if msg.gen == t.gen {
			t.refresh()
		}
		return t, nil
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			t.Close()
			return t, tea.Quit
		case "esc":
			if t.Standalone {
				return t, nil
			}
			t.Close()
			id := t.taskID
			return t, func() tea.Msg { return TranscriptClosedMsg{TaskID: id} }
		case "r":
			return t, t.open()
		}
	}
	var cmd tea.Cmd
	t.view, cmd = t.view.Update(msg)
	return t, cmd
}

func (t *Transcript) refresh() {
	follow := t.view.AtBottom() || !t.ready
	t.view.SetContent(t.content())
	if follow {
		t.view.GotoBottom()
	}
}

func (t *Transcript) content() string {
	if t.session == nil {
		return errorStyle.Render("no task id")
	}
	var b strings.Builder
	for _, ev := range t.session.Snapshot() {
		b.WriteString(renderEvent(ev))
		b.WriteString("\n")
	}
	return b.String()
}

func renderEvent(ev events.Event) string {
	head := timeStyle.Render("["+ev.Timestamp.Format(timeLayout)+"]") + " " + senderStyle.Render(ev.Sender)
	if ev.Receiver != "" {
		head += labelStyle.Render(" -> " + ev.Receiver)
	}
	lines := []string{head}
	_, bad := ev.Payload.(events.Malformed)
	for _, l := range EventBody(ev) {
		l = "  " + l
		if bad {
			l = malformedLine.Render(l)
		}
		lines = append(lines, l)
	}
	return strings.Join(lines, "\n")
}

func (t *Transcript) View() string {
	var b strings.Builder
	b.WriteString(titleStyle.Render("HADES: transcript " + t.taskID))
	if t.session != nil {
		st := t.session.State().String()
		b.WriteString("  " + stateStyles[st].Render(st))
	}
	if t.rejected > 0 {
		b.WriteString("  " + errorStyle.Render(fmt.Sprintf("%d malformed", t.rejected)))
	}
	b.WriteString("\n")
	b.WriteString(t.view.View())
	b.WriteString("\n")
	help := "r reopen  q quit  up/down scroll"
	if !t.Standalone {
		help = "r reopen  esc new inject  q quit  up/down scroll"
	}
	b.WriteString(helpStyle.Render(help))
	return b.String()
}
