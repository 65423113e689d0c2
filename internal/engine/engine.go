package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"hades/internal/domain"
)

// Submitter issues a serialized draft to the submission endpoint and returns the new task id.
type Submitter interface {
	SubmitInject(ctx context.Context, in domain.Inject) (string, error)
}

// SubmitterFunc adapts a function to Submitter.
type SubmitterFunc func(ctx context.Context, in domain.Inject) (string, error)

func (f SubmitterFunc) SubmitInject(ctx context.Context, in domain.Inject) (string, error) {
	return f(ctx, in)
}

type Severity string

const (
	SeverityInfo    Severity = "info"
	SeveritySuccess Severity = "success"
	SeverityError   Severity = "error"
)

// Cause records which rule raised a notice, so that one rule never clears another's notice.
type Cause string

const (
	CauseConflict  Cause = "conflict"
	CauseTransport Cause = "transport"
	CauseSubmitted Cause = "submitted"
)

// Notice is the single dismissible message the workflow shows.
type Notice struct {
	Severity Severity
	Cause    Cause
	Message  string
	TaskID   string
}

const conflictMessage = "A technique cannot be both allowed and prohibited."

// Engine drives one draft through a variant's steps. It is safe for use from
// several goroutines, but while Submit is outstanding every mutating call is
// rejected with ErrSubmitInFlight.
type Engine struct {
	mu         sync.Mutex
	variant    Variant
	submitter  Submitter
	logger     *slog.Logger
	draft      Draft
	step       int
	notice     *Notice
	submitting bool
}

type Option func(*Engine)

func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.logger = l
		}
	}
}

func New(v Variant, s Submitter, opts ...Option) *Engine {
	e := &Engine{
		variant:   v,
		submitter: s,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.resetLocked()
	return e
}

// Advance moves to the next step when the current one is valid and no technique conflicts.
func (e *Engine) Advance() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.submitting {
		return ErrSubmitInFlight
	}
	if e.step >= e.lastStep() {
		return ErrTerminalStep
	}
	if err := e.variant.Steps[e.step].Valid(e.draft); err != nil {
		return err
	}
	if HasConflict(e.draft) {
		return ErrConflict
	}
	e.step++
	e.notice = nil
	e.logger.Debug("advanced", slog.String("step", e.variant.Steps[e.step].Key), slog.Int("index", e.step))
	return nil
}

// Retreat moves to the previous step.
func (e *Engine) Retreat() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.submitting {
		return ErrSubmitInFlight
	}
	if e.step == 0 {
		return ErrFirstStep
	}
	e.step--
	return nil
}

// Reset discards every edit and returns to the first step.
func (e *Engine) Reset() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.submitting {
		return ErrSubmitInFlight
	}
	e.resetLocked()
	return nil
}

func (e *Engine) resetLocked() {
	e.draft = e.variant.Defaults.Clone()
	e.step = 0
	e.evaluateConflictLocked()
}

// SetField mutates exactly one field. Set fields accept a []string or a comma separated string.
func (e *Engine) SetField(f Field, value any) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.submitting {
		return ErrSubmitInFlight
	}
	if _, err := ParseField(string(f)); err != nil {
		return err
	}
	next, err := e.draft.with(f, value)
	if err != nil {
		return err
	}
	e.draft = next
	if f == FieldAllowed || f == FieldProhibited {
		e.evaluateConflictLocked()
	}
	return nil
}

// evaluateConflictLocked raises the conflict notice while the invariant is
// violated and clears it afterwards. Notices raised by other rules are left alone.
func (e *Engine) evaluateConflictLocked() {
	if conflicts := Conflicts(e.draft); len(conflicts) > 0 {
		e.notice = &Notice{Severity: SeverityError, Cause: CauseConflict, Message: conflictMessage}
		e.logger.Debug("technique conflict", slog.Any("techniques", conflicts))
		return
	}
	if e.notice != nil && e.notice.Cause == CauseConflict {
		e.notice = nil
	}
}

// Submit sends the draft from the final step. On failure the draft and step
// are kept so the operator can retry; on success the engine resets and the
// new task id is returned.
func (e *Engine) Submit(ctx context.Context) (string, error) {
	e.mu.Lock()
	if e.submitting {
		e.mu.Unlock()
		return "", ErrSubmitInFlight
	}
	if err := e.submittableLocked(); err != nil {
		e.mu.Unlock()
		return "", err
	}
	body := ToInject(e.draft)
	e.submitting = true
	e.mu.Unlock()

	e.logger.Info("submitting inject", slog.String("name", body.Name))
	id, err := e.submitter.SubmitInject(ctx, body)
	if err == nil && id == "" {
		err = errors.New("submission response carried no id")
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.submitting = false
	if err != nil {
		e.notice = &Notice{Severity: SeverityError, Cause: CauseTransport, Message: err.Error()}
		e.logger.Warn("submission failed", slog.String("error", err.Error()))
		return "", fmt.Errorf("submit inject: %w", err)
	}
	e.resetLocked()
	e.notice = &Notice{
		Severity: SeveritySuccess,
		Cause:    CauseSubmitted,
		Message:  fmt.Sprintf("Inject submitted: %s", id),
		TaskID:   id,
	}
	e.logger.Info("inject submitted", slog.String("id", id))
	return id, nil
}

func (e *Engine) submittableLocked() error {
	if e.step != e.lastStep() {
		return ErrNotTerminal
	}
	if HasConflict(e.draft) {
		return ErrConflict
	}
	for _, s := range e.variant.Steps {
		if err := s.Valid(e.draft); err != nil {
			return err
		}
	}
	if e.submitter == nil {
		return ErrNoSubmitter
	}
	return nil
}

// Dismiss clears the current notice.
func (e *Engine) Dismiss() {
	e.mu.Lock()
	e.notice = nil
	e.mu.Unlock()
}

func (e *Engine) lastStep() int {
	return len(e.variant.Steps) - 1
}

// Draft returns a copy of the current draft.
func (e *Engine) Draft() Draft {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.draft.Clone()
}

func (e *Engine) StepIndex() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.step
}

// Step returns the active step.
func (e *Engine) Step() Step {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.variant.Steps[e.step]
}

func (e *Engine) Steps() []Step {
	return append([]Step(nil), e.variant.Steps...)
}

func (e *Engine) Variant() Variant {
	return e.variant
}

// IsTerminal reports whether the active step is the submit step.
func (e *Engine) IsTerminal() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.step == e.lastStep()
}

// Notice returns the current notice, if any.
func (e *Engine) Notice() (Notice, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.notice == nil {
		return Notice{}, false
	}
	return *e.notice, true
}

func (e *Engine) Submitting() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.submitting
}

// StepError reports why the active step cannot be left, or nil.
func (e *Engine) StepError() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.variant.Steps[e.step].Valid(e.draft); err != nil {
		return err
	}
	if HasConflict(e.draft) {
		return ErrConflict
	}
	return nil
}

// CanAdvance mirrors the checks Advance performs.
func (e *Engine) CanAdvance() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return !e.submitting &&
		e.step < e.lastStep() &&
		e.variant.Steps[e.step].Valid(e.draft) == nil &&
		!HasConflict(e.draft)
}

// CanSubmit mirrors the checks Submit performs.
func (e *Engine) CanSubmit() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return !e.submitting && e.submittableLocked() == nil
}
