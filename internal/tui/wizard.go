package tui

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"

	"hades/internal/domain"
	"hades/internal/engine"
)

type inputKind int

const (
	kindText inputKind = iota
	kindChoice
	kindSet
)

// fieldInput is the widget for one draft field on the current step.
type fieldInput struct {
	field   engine.Field
	kind    inputKind
	text    textinput.Model
	options domain.Catalog
	cursor  int
}

var fieldLabels = map[engine.Field]string{
	engine.FieldName:          "Name",
	engine.FieldNetworkID:     "Network ID",
	engine.FieldSubnetMask:    "Subnet mask",
	engine.FieldTargetType:    "Target type",
	engine.FieldTargetAddress: "Target address",
	engine.FieldGoals:         "Goals",
	engine.FieldAllowed:       "Allowed techniques",
	engine.FieldProhibited:    "Prohibited techniques",
}

var fieldOptions = map[engine.Field]domain.Catalog{
	engine.FieldTargetType: domain.TargetTypeCatalog,
	engine.FieldGoals:      domain.GoalCatalog,
	engine.FieldAllowed:    domain.TechniqueCatalog,
	engine.FieldProhibited: domain.TechniqueCatalog,
}

// SubmittedMsg reports the outcome of a submission started by the wizard.
type SubmittedMsg struct {
	ID  string
	Err error
}

// Wizard renders an engine's steps and forwards every edit to it. The engine
// owns the draft; the widgets only mirror it.
type Wizard struct {
	ctx    context.Context
	engine *engine.Engine

	inputs  []fieldInput
	focus   int
	lastErr error
	pending bool
	width   int

	// LastID is the task id of the most recent successful submission.
	LastID string
}

func NewWizard(ctx context.Context, e *engine.Engine) *Wizard {
	w := &Wizard{ctx: ctx, engine: e, width: 80}
	w.loadStep()
	return w
}

func (w *Wizard) Init() tea.Cmd {
	return textinput.Blink
}

// loadStep rebuilds the widgets for the engine's current step from its draft.
func (w *Wizard) loadStep() {
	draft := w.engine.Draft()
	step := w.engine.Step()
	w.inputs = w.inputs[:0]
	w.focus = 0
	for _, f := range step.Fields {
		in := fieldInput{field: f}
		if opts, ok := fieldOptions[f]; ok {
			in.options = opts
			if f == engine.FieldTargetType {
				in.kind = kindChoice
				in.cursor = max(0, slices.Index(opts.Values(), draft.TargetType))
			} else {
				in.kind = kindSet
			}
		} else {
			in.kind = kindText
			ti := textinput.New()
			ti.Prompt = ""
			ti.CharLimit = 200
			ti.Width = 48
			if s, ok := draft.Get(f).(string); ok {
				ti.SetValue(s)
			}
			in.text = ti
		}
		w.inputs = append(w.inputs, in)
	}
	w.applyFocus()
}

func (w *Wizard) applyFocus() {
	for i := range w.inputs {
		if w.inputs[i].kind != kindText {
			continue
		}
		if i == w.focus {
			w.inputs[i].text.Focus()
		} else {
			w.inputs[i].text.Blur()
		}
	}
}

func (w *Wizard) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		w.width = msg.Width
		return w, nil
	case SubmittedMsg:
		w.pending = false
		if msg.Err != nil {
			w.lastErr = msg.Err
			if n, ok := w.engine.Notice(); ok && n.Cause == engine.CauseTransport {
				w.lastErr = nil
			}
			return w, nil
		}
		w.lastErr = nil
		w.LastID = msg.ID
		w.loadStep()
		return w, nil
	case tea.KeyMsg:
		return w.handleKey(msg)
	}
	return w, nil
}

func (w *Wizard) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "ctrl+c":
		return w, tea.Quit
	case "enter":
		return w, w.next()
	case "esc":
		w.setErr(w.engine.Retreat())
		if !errors.Is(w.lastErr, engine.ErrFirstStep) {
			w.loadStep()
		}
		return w, nil
	case "ctrl+r":
		if w.setErr(w.engine.Reset()) == nil {
			w.loadStep()
		}
		return w, nil
	case "ctrl+d":
		w.engine.Dismiss()
		w.lastErr = nil
		return w, nil
	case "tab":
		if len(w.inputs) > 0 {
			w.focus = (w.focus + 1) % len(w.inputs)
			w.applyFocus()
		}
		return w, nil
	case "shift+tab":
		if len(w.inputs) > 0 {
			w.focus = (w.focus - 1 + len(w.inputs)) % len(w.inputs)
			w.applyFocus()
		}
		return w, nil
	}
	if len(w.inputs) == 0 {
		return w, nil
	}
	in := &w.inputs[w.focus]
	switch in.kind {
	case kindChoice:
		switch msg.String() {
		case "left", "up":
			in.cursor = (in.cursor - 1 + len(in.options)) % len(in.options)
		case "right", "down", " ":
			in.cursor = (in.cursor + 1) % len(in.options)
		default:
			return w, nil
		}
		w.setErr(w.engine.SetField(in.field, in.options[in.cursor].Value))
		return w, nil
	case kindSet:
		switch msg.String() {
		case "up", "k":
			if in.cursor > 0 {
				in.cursor--
			}
		case "down", "j":
			if in.cursor < len(in.options)-1 {
				in.cursor++
			}
		case " ", "x":
			w.setErr(w.engine.SetField(in.field, w.toggled(in.field, in.options[in.cursor].Value)))
		}
		return w, nil
	}
	var cmd tea.Cmd
	in.text, cmd = in.text.Update(msg)
	if w.setErr(w.engine.SetField(in.field, in.text.Value())) != nil {
		// The engine refused the edit; show its value again.
		if s, ok := w.engine.Draft().Get(in.field).(string); ok {
			in.text.SetValue(s)
		}
	}
	return w, cmd
}

// toggled returns the field's set with value added or removed, order kept.
func (w *Wizard) toggled(f engine.Field, value string) []string {
	cur, _ := w.engine.Draft().Get(f).([]string)
	if i := slices.Index(cur, value); i >= 0 {
		return slices.Delete(slices.Clone(cur), i, i+1)
	}
	return append(slices.Clone(cur), value)
}

// next advances, or submits at the terminal step.
func (w *Wizard) next() tea.Cmd {
	if !w.engine.IsTerminal() {
		if w.setErr(w.engine.Advance()) == nil {
			w.loadStep()
		}
		return nil
	}
	if w.pending {
		return nil
	}
	w.pending = true
	w.lastErr = nil
	ctx, e := w.ctx, w.engine
	return func() tea.Msg {
		id, err := e.Submit(ctx)
		return SubmittedMsg{ID: id, Err: err}
	}
}

func (w *Wizard) setErr(err error) error {
	w.lastErr = err
	return err
}

func (w *Wizard) View() string {
	var b strings.Builder
	steps := w.engine.Steps()
	idx := w.engine.StepIndex()
	step := w.engine.Step()

	b.WriteString(titleStyle.Render("HADES: new inject"))
	b.WriteString("  ")
	b.WriteString(labelStyle.Render(w.engine.Variant().Name))
	b.WriteString("\n\n")
	b.WriteString(stepStyle.Render(fmt.Sprintf("Step %d/%d: %s", idx+1, len(steps), step.Label)))
	b.WriteString("\n\n")

	for i, in := range w.inputs {
		label := fieldLabels[in.field]
		if i == w.focus {
			label = focusStyle.Render("> " + label)
		} else {
			label = labelStyle.Render("  " + label)
		}
		b.WriteString(label + "\n")
		switch in.kind {
		case kindText:
			b.WriteString("    " + in.text.View() + "\n")
		case kindChoice:
			b.WriteString("    < " + in.options[in.cursor].Label + " >\n")
		case kindSet:
			selected, _ := w.engine.Draft().Get(in.field).([]string)
			for j, opt := range in.options {
				mark := "[ ]"
				if slices.Contains(selected, opt.Value) {
					mark = "[x]"
				}
				line := fmt.Sprintf("    %s %s", mark, opt.Label)
				if i == w.focus && j == in.cursor {
					line = focusStyle.Render(line)
				}
				b.WriteString(line + "\n")
			}
		}
		b.WriteString("\n")
	}

	if w.engine.IsTerminal() {
		b.WriteString(summary(w.engine.Draft(), w.engine.Variant()))
		b.WriteString("\n")
	}
	if w.pending {
		b.WriteString(labelStyle.Render("Submitting...") + "\n")
	}
	if w.lastErr != nil && !isNoticeErr(w.lastErr) {
		b.WriteString(errorStyle.Render(w.lastErr.Error()) + "\n")
	}
	if n, ok := w.engine.Notice(); ok {
		style := noticeStyles[string(n.Severity)]
		b.WriteString(style.Render(n.Message) + "\n")
	}
	b.WriteString("\n")
	help := "enter next  esc back  tab field  space toggle  ctrl+r reset  ctrl+d dismiss  ctrl+c quit"
	if w.engine.IsTerminal() {
		help = "enter submit  esc back  ctrl+r reset  ctrl+d dismiss  ctrl+c quit"
	}
	b.WriteString(helpStyle.Render(help))
	return b.String()
}

// isNoticeErr reports errors the engine already shows as its notice.
func isNoticeErr(err error) bool {
	return errors.Is(err, engine.ErrConflict)
}

func summary(d engine.Draft, v engine.Variant) string {
	var b strings.Builder
	b.WriteString(labelStyle.Render("Review") + "\n")
	fmt.Fprintf(&b, "    name: %s\n", d.Name)
	if v.Name == engine.Subnetted.Name {
		fmt.Fprintf(&b, "    network: %s / %s\n", d.NetworkID, d.SubnetMask)
	}
	fmt.Fprintf(&b, "    target: %s %s\n", domain.TargetTypeCatalog.Label(d.TargetType), d.TargetAddress)
	fmt.Fprintf(&b, "    goals: %s\n", labels(domain.GoalCatalog, d.Goals))
	fmt.Fprintf(&b, "    allowed: %s\n", labels(domain.TechniqueCatalog, d.Allowed))
	fmt.Fprintf(&b, "    prohibited: %s\n", labels(domain.TechniqueCatalog, d.Prohibited))
	return b.String()
}

func labels(c domain.Catalog, values []string) string {
	if len(values) == 0 {
		return "-"
	}
	out := make([]string, 0, len(values))
	for _, v := range values {
		out = append(out, c.Label(v))
	}
	return strings.Join(out, ", ")
}
