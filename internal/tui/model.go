package tui

import (
	"errors"
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/help"
	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"

	"chbuild/internal/approval"
	"chbuild/internal/event"
	"chbuild/internal/workflow"
)

const (
	stagePanelWidth = 32
	maxLogLines     = 2000
	previewLines    = 14
)

type (
	eventMsg        event.Event
	streamClosedMsg struct{}
	approvalMsg     approval.Request
	questionMsg     approval.Question
	runDoneMsg      workflow.Outcome
)

// waitForEvent reads the next event off the subscription.
func waitForEvent(ch <-chan event.Event) tea.Cmd {
	return func() tea.Msg {
		ev, ok := <-ch
		if !ok {
			return streamClosedMsg{}
		}
		return eventMsg(ev)
	}
}

// Options configure a run view.
type Options struct {
	Title  string
	Stages []workflow.Stage
	Gate   *approval.Gate
	Cancel func()
	Events <-chan event.Event
}

// Model renders one workflow run: stage list, event log, and a prompt for
// the oldest open question or pending approval request.
type Model struct {
	title  string
	stages []workflow.Stage
	gate   *approval.Gate
	cancel func()
	events <-chan event.Event

	log      []string
	viewport viewport.Model
	spinner  spinner.Model
	help     help.Model
	keys     keyMap

	pending    []approval.Request
	questions  []approval.Question
	input      textinput.Model
	notice     string
	cancelling bool
	outcome    *workflow.Outcome

	width  int
	height int
}

// NewModel creates the run view.
func NewModel(opts Options) Model {
	sp := spinner.New()
	sp.Spinner = spinner.Dot
	sp.Style = activeStageStyle

	title := opts.Title
	if title == "" {
		title = "chbuild"
	}
	stages := make([]workflow.Stage, len(opts.Stages))
	copy(stages, opts.Stages)

	in := textinput.New()
	in.Placeholder = "type an answer, enter to send"
	in.CharLimit = 2000

	return Model{
		title:    title,
		stages:   stages,
		gate:     opts.Gate,
		cancel:   opts.Cancel,
		events:   opts.Events,
		input:    in,
		viewport: viewport.New(80, 20),
		spinner:  sp,
		help:     help.New(),
		keys:     keys,
		width:    120,
		height:   30,
	}
}

func (m Model) Init() tea.Cmd {
	cmds := []tea.Cmd{m.spinner.Tick}
	if m.events != nil {
		cmds = append(cmds, waitForEvent(m.events))
	}
	return tea.Batch(cmds...)
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.resize()
		return m, nil

	case tea.KeyMsg:
		return m.handleKey(msg)

	case spinner.TickMsg:
		if m.outcome != nil {
			return m, nil
		}
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd

	case eventMsg:
		m.applyEvent(event.Event(msg))
		m.prunePending()
		return m, waitForEvent(m.events)

	case streamClosedMsg:
		return m, nil

	case approvalMsg:
		m.pending = append(m.pending, approval.Request(msg))
		m.notice = ""
		m.resize()
		return m, nil

	case questionMsg:
		m.questions = append(m.questions, approval.Question(msg))
		m.notice = ""
		m.focusQuestion()
		m.resize()
		return m, nil

	case runDoneMsg:
		out := workflow.Outcome(msg)
		m.outcome = &out
		m.pending = nil
		m.questions = nil
		m.input.Blur()
		m.resize()
		return m, nil
	}

	var cmd tea.Cmd
	m.viewport, cmd = m.viewport.Update(msg)
	return m, cmd
}

func (m Model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	if key.Matches(msg, m.keys.Cancel) {
		if m.outcome != nil || m.cancelling {
			return m, tea.Quit
		}
		m.cancelling = true
		m.notice = "Cancelling after the current step..."
		if m.cancel != nil {
			m.cancel()
		}
		return m, nil
	}

	// A free-text answer takes every other key.

	if q, ok := m.question(); ok && len(q.Choices) == 0 {
		if msg.Type == tea.KeyEnter {
			return m.reply(m.input.Value())
		}
		var cmd tea.Cmd
		m.input, cmd = m.input.Update(msg)
		return m, cmd
	}

	switch {
	case key.Matches(msg, m.keys.Quit):
		if m.outcome != nil {
			return m, tea.Quit
		}
		m.notice = "Run in progress; ctrl+c cancels it"
		return m, nil

	case key.Matches(msg, m.keys.Help):
		m.help.ShowAll = !m.help.ShowAll
		m.resize()
		return m, nil
	}

	if _, ok := m.question(); ok {
		switch {
		case key.Matches(msg, m.keys.Approve):
			return m.reply(workflow.ChoiceRun)
		case key.Matches(msg, m.keys.Reject), key.Matches(msg, m.keys.Skip):
			return m.reply(workflow.ChoiceSkip)
		}
	} else if len(m.pending) > 0 {
		switch {
		case key.Matches(msg, m.keys.Approve):
			return m.answer(approval.ResponseYes)
		case key.Matches(msg, m.keys.Reject):
			return m.answer(approval.ResponseNo)
		case key.Matches(msg, m.keys.ApproveAll):
			return m.answer(approval.ResponseAll)
		}
	}

	var cmd tea.Cmd
	m.viewport, cmd = m.viewport.Update(msg)
	return m, cmd
}

// answer resolves the oldest pending request. A request that was already
// answered elsewhere or expired is dropped.
func (m Model) answer(resp approval.Response) (tea.Model, tea.Cmd) {
	req := m.pending[0]
	m.pending = m.pending[1:]
	m.notice = ""
	if m.gate != nil {
		err := m.gate.Resolve(req.ID, resp)
		switch {
		case err == nil:
			m.appendLog(statusOkStyle.Render(fmt.Sprintf("answered %s for %s", resp, req.TargetPath)))
		case errors.Is(err, approval.ErrAlreadyResolved), errors.Is(err, approval.ErrUnknownRequest):
			m.notice = req.TargetPath + " was already resolved"
		default:
			m.notice = err.Error()
		}
	}
	if resp == approval.ResponseAll && m.gate != nil {
		for _, rest := range m.pending {
			_ = m.gate.Resolve(rest.ID, approval.ResponseYes)
		}
		m.pending = nil
	}
	m.resize()
	return m, nil
}

// question returns the oldest open question.
func (m Model) question() (approval.Question, bool) {
	if len(m.questions) == 0 {
		return approval.Question{}, false
	}
	return m.questions[0], true
}

// focusQuestion gives the text input focus while a free-text question is at
// the front of the queue.
func (m *Model) focusQuestion() {
	q, ok := m.question()
	if ok && len(q.Choices) == 0 {
		m.input.Focus()
		return
	}
	m.input.Blur()
}

// reply answers the oldest open question. Text the gate does not accept
// leaves the question open.
func (m Model) reply(text string) (tea.Model, tea.Cmd) {
	q := m.questions[0]
	m.notice = ""
	if m.gate != nil {
		err := m.gate.Answer(q.ID, text)
		switch {
		case err == nil:
			m.appendLog(statusOkStyle.Render(fmt.Sprintf("answered %q: %s", q.Prompt, clip(text, 60))))
		case errors.Is(err, approval.ErrNotADecision):
			m.notice = "Please answer " + strings.Join(q.Choices, " or ")
			if len(q.Choices) == 0 {
				m.notice = "Please type an answer"
			}
			return m, nil
		case errors.Is(err, approval.ErrAlreadyResolved), errors.Is(err, approval.ErrUnknownQuestion):
			m.notice = "question was already answered"
		default:
			m.notice = err.Error()
		}
	}
	m.questions = m.questions[1:]
	m.input.Reset()
	m.focusQuestion()
	m.resize()
	return m, nil
}

// prunePending drops requests and questions the gate no longer holds open,
// such as ones that timed out or were answered by a remote client.
func (m *Model) prunePending() {
	if m.gate == nil {
		return
	}
	if len(m.questions) > 0 {
		kept := m.questions[:0]
		for _, q := range m.questions {
			cur, ok := m.gate.Question(q.ID)
			if ok && cur.Status == approval.StatusPending {
				kept = append(kept, q)
			}
		}
		if len(kept) != len(m.questions) {
			m.questions = kept
			m.focusQuestion()
			m.resize()
		}
	}
	if len(m.pending) == 0 {
		return
	}
	kept := m.pending[:0]
	for _, req := range m.pending {
		cur, ok := m.gate.Get(req.ID)
		if ok && cur.Status == approval.StatusPending {
			kept = append(kept, req)
		}
	}
	if len(kept) != len(m.pending) {
		m.pending = kept
		m.resize()
	}
}

func (m *Model) applyEvent(ev event.Event) {
	if p, ok := ev.Payload.(event.StagePayload); ok && p.Index >= 0 && p.Index < len(m.stages) {
		st := &m.stages[p.Index]
		st.Status = workflow.Status(p.Status)
		st.Detail = p.Detail
	}
	if line := formatEvent(ev); line != "" {
		m.appendLog(line)
	}
}

func (m *Model) appendLog(s string) {
	for _, line := range strings.Split(strings.TrimRight(s, "\n"), "\n") {
		m.log = append(m.log, line)
	}
	if over := len(m.log) - maxLogLines; over > 0 {
		m.log = m.log[over:]
	}
	atBottom := m.viewport.AtBottom()
	m.viewport.SetContent(strings.Join(m.log, "\n"))
	if atBottom {
		m.viewport.GotoBottom()
	}
}

// resize lays out the log viewport around the header, the approval box and
// the help bar.
func (m *Model) resize() {
	w := m.width - stagePanelWidth - 8
	if w < 20 {
		w = 20
	}
	reserved := 8
	switch {
	case len(m.questions) > 0:
		reserved += 7
	case len(m.pending) > 0:
		reserved += previewLines + 6
	}
	if m.help.ShowAll {
		reserved += 3
	}
	h := m.height - reserved
	if h < 3 {
		h = 3
	}
	m.viewport.Width = w
	m.viewport.Height = h
	m.help.Width = m.width
	m.input.Width = m.width - 16
}

// Outcome returns the finished run's outcome, if any.
func (m Model) Outcome() (workflow.Outcome, bool) {
	if m.outcome == nil {
		return workflow.Outcome{}, false
	}
	return *m.outcome, true
}

// Pending returns the requests waiting for an answer, oldest first.
func (m Model) Pending() []approval.Request {
	return m.pending
}

// Questions returns the questions waiting for an answer, oldest first.
func (m Model) Questions() []approval.Question {
	return m.questions
}
