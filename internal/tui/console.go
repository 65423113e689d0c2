package tui

import (
	"context"

	tea "github.com/charmbracelet/bubbletea"

	"hades/internal/engine"
	"hades/internal/transcript"
)

type page int

const (
	pageWizard page = iota
	pageTranscript
)

// Console is the full operator flow: the wizard, then the transcript of the
// task it submitted. Dismissing the transcript returns to a fresh wizard.
type Console struct {
	ctx      context.Context
	consumer *transcript.Consumer

	page       page
	wizard     *Wizard
	transcript *Transcript
	size       tea.WindowSizeMsg
}

func NewConsole(ctx context.Context, e *engine.Engine, consumer *transcript.Consumer) *Console {
	return &Console{
		ctx:      ctx,
		consumer: consumer,
		wizard:   NewWizard(ctx, e),
	}
}

func (c *Console) Init() tea.Cmd {
	return c.wizard.Init()
}

func (c *Console) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		c.size = msg
		c.wizard.Update(msg)
		if c.transcript != nil {
			c.transcript.Update(msg)
		}
		return c, nil
	case SubmittedMsg:
		c.wizard.Update(msg)
		if msg.Err != nil || msg.ID == "" {
			return c, nil
		}
		c.transcript = NewTranscript(c.ctx, c.consumer, msg.ID)
		c.page = pageTranscript
		if c.size.Width > 0 {
			c.transcript.Update(c.size)
		}
		return c, c.transcript.Init()
	case TranscriptClosedMsg:
		c.page = pageWizard
		c.transcript = nil
		return c, nil
	}
	if c.page == pageTranscript && c.transcript != nil {
		_, cmd := c.transcript.Update(msg)
		return c, cmd
	}
	_, cmd := c.wizard.Update(msg)
	return c, cmd
}

func (c *Console) View() string {
	if c.page == pageTranscript && c.transcript != nil {
		return c.transcript.View()
	}
	return c.wizard.View()
}

// Close releases the open session, if any.
func (c *Console) Close() {
	if c.transcript != nil {
		c.transcript.Close()
	}
}
