package approval

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/m-mizutani/goerr/v2"

	"chbuild/internal/event"
	"chbuild/internal/metrics"
)

var (
	ErrUnanswered      = errors.New("question was not answered in time")
	ErrUnknownQuestion = errors.New("unknown question")
)

// StatusAnswered closes a question that got an answer.
const StatusAnswered Status = "answered"

// Question asks the user for something other than a file decision: whether
// to run a stage, or free text the model asked for. Choices is empty for a
// free-text question.
type Question struct {
	ID        string    `json:"id"`
	Prompt    string    `json:"prompt"`
	Choices   []string  `json:"choices,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	Status    Status    `json:"status"`
	Answer    string    `json:"answer,omitempty"`

	done chan struct{}
	err  error
}

// Match returns the choice text selects. Case is ignored and a unique prefix
// such as "y" for "yes" is accepted. Free-text questions take any non-empty
// text.
func (q Question) Match(text string) (string, bool) {
	text = strings.TrimSpace(text)
	if text == "" {
		return "", false
	}
	if len(q.Choices) == 0 {
		return text, true
	}
	lower := strings.ToLower(text)
	for _, c := range q.Choices {
		if strings.ToLower(c) == lower {
			return c, true
		}
	}
	found := ""
	for _, c := range q.Choices {
		if strings.HasPrefix(strings.ToLower(c), lower) {
			if found != "" {
				return "", false
			}
			found = c
		}
	}
	return found, found != ""
}

// QuestionListener is implemented by listeners whose UI can answer
// questions. OnQuestion must not block; the answer comes back through
// Gate.Answer.
type QuestionListener interface {
	OnQuestion(q Question)
}

// Asker answers a question directly, without a listener in between.
type Asker interface {
	Ask(ctx context.Context, q Question) (string, error)
}

// Ask publishes a question and blocks until it is answered through Answer,
// the gate times out or is cancelled, or ctx is done. It returns
// ErrNoApprover right away when the attached listener cannot take
// questions.
func (g *Gate) Ask(ctx context.Context, prompt string, choices ...string) (string, error) {
	if g.cancelled.Load() {
		return "", goerr.Wrap(ErrCancelled, "ask", goerr.V("prompt", prompt))
	}

	g.mu.Lock()
	ql, ok := g.listener.(QuestionListener)
	if !ok {
		g.mu.Unlock()
		return "", goerr.Wrap(ErrNoApprover, "ask", goerr.V("prompt", prompt))
	}
	q := &Question{
		ID:        uuid.NewString(),
		Prompt:    prompt,
		Choices:   choices,
		CreatedAt: g.now(),
		Status:    StatusPending,
		done:      make(chan struct{}),
	}
	g.questions[q.ID] = q
	snapshot := *q
	g.mu.Unlock()

	g.logger.Info("question asked", "id", q.ID, "prompt", prompt)
	if g.stream != nil {
		_, _ = g.stream.Emit(event.TypeMessageCreated, "Question: "+prompt,
			event.QuestionPayload{QuestionID: q.ID, Prompt: prompt, Choices: choices})
	}
	ql.OnQuestion(snapshot)

	timer := time.NewTimer(g.timeout)
	defer timer.Stop()

	select {
	case <-q.done:
	case <-timer.C:
		if g.closeQuestion(q.ID, StatusExpired, ErrUnanswered) {
			g.warn(fmt.Sprintf("question %q was not answered within %s", prompt, g.timeout))
		}
	case <-ctx.Done():
		g.closeQuestion(q.ID, StatusRejected, ErrCancelled)
	}

	g.mu.Lock()
	answer, err := q.Answer, q.err
	status := q.Status
	g.mu.Unlock()
	metrics.ApprovalDecisions.WithLabelValues("question_" + string(status)).Inc()
	if err != nil {
		return "", goerr.Wrap(err, "ask", goerr.V("prompt", prompt))
	}
	return answer, nil
}

// AskWith asks through the gate and, when no listener can take the
// question, through fallback.
func (g *Gate) AskWith(ctx context.Context, fallback Asker, prompt string, choices ...string) (string, error) {
	answer, err := g.Ask(ctx, prompt, choices...)
	if err == nil || !errors.Is(err, ErrNoApprover) || fallback == nil {
		return answer, err
	}
	answer, err = fallback.Ask(ctx, Question{Prompt: prompt, Choices: choices, CreatedAt: g.now(), Status: StatusPending})
	if err != nil {
		return "", goerr.Wrap(err, "ask on terminal", goerr.V("prompt", prompt))
	}
	return answer, nil
}

// Answer settles a pending question. Text that matches none of the choices
// returns ErrNotADecision and leaves the question open.
func (g *Gate) Answer(id, text string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	q, ok := g.questions[id]
	if !ok {
		return goerr.Wrap(ErrUnknownQuestion, "answer", goerr.V("id", id))
	}
	if q.Status != StatusPending {
		return goerr.Wrap(ErrAlreadyResolved, "answer", goerr.V("id", id), goerr.V("status", q.Status))
	}
	answer, ok := q.Match(text)
	if !ok {
		return goerr.Wrap(ErrNotADecision, "answer", goerr.V("id", id), goerr.V("text", text), goerr.V("choices", q.Choices))
	}
	q.Answer = answer
	g.closeQuestionLocked(q, StatusAnswered, nil)
	g.logger.Info("question answered", "id", id, "answer", answer)
	return nil
}

// Question returns a copy of a question.
func (g *Gate) Question(id string) (Question, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	q, ok := g.questions[id]
	if !ok {
		return Question{}, false
	}
	return *q, true
}

// Questions lists unanswered questions, oldest first.
func (g *Gate) Questions() []Question {
	g.mu.Lock()
	defer g.mu.Unlock()
	var out []Question
	for _, q := range g.questions {
		if q.Status == StatusPending {
			out = append(out, *q)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

func (g *Gate) closeQuestion(id string, status Status, err error) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	q, ok := g.questions[id]
	if !ok || q.Status != StatusPending {
		return false
	}
	g.closeQuestionLocked(q, status, err)
	return true
}

func (g *Gate) closeQuestionLocked(q *Question, status Status, err error) {
	q.Status = status
	q.err = err
	close(q.done)
}
