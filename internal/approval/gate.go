// Package approval is the rendezvous between a running workflow that wants to
// change a file and whoever is allowed to say yes: a TUI, a remote client, a
// terminal prompt, or nobody at all.
package approval

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/m-mizutani/goerr/v2"

	"chbuild/internal/event"
	"chbuild/internal/metrics"
)

var (
	ErrNotADecision    = errors.New("response is not a decision")
	ErrAlreadyResolved = errors.New("approval request already resolved")
	ErrUnknownRequest  = errors.New("unknown approval request")
	ErrNoApprover      = errors.New("no approver available")
	ErrCancelled       = errors.New("approval cancelled")
)

// DefaultTimeout bounds how long a request waits for a human.
const DefaultTimeout = 300 * time.Second

// Decision is the outcome RequestApproval hands back to the caller.
type Decision int

const (
	DecisionRejected Decision = iota
	DecisionApproved
	DecisionUnavailable
	DecisionCancelled
)

func (d Decision) String() string {
	switch d {
	case DecisionApproved:
		return "approved"
	case DecisionUnavailable:
		return "unavailable"
	case DecisionCancelled:
		return "cancelled"
	default:
		return "rejected"
	}
}

// Listener is the attached UI. OnApprovalRequest must not block; the answer
// comes back later through Gate.Resolve. A listener that also implements
// QuestionListener receives questions.
type Listener interface {
	OnApprovalRequest(req Request)
}

// ListenerFunc adapts a function to Listener.
type ListenerFunc func(req Request)

func (f ListenerFunc) OnApprovalRequest(req Request) { f(req) }

// Gate serializes approval requests for one run.
type Gate struct {
	mu        sync.Mutex
	requests  map[string]*Request
	questions map[string]*Question
	listener  Listener
	attachSeq uint64
	warnings  []string

	approveAll  atomic.Bool
	cancelled   atomic.Bool
	autoApprove bool
	timeout     time.Duration
	stream      *event.Stream
	logger      *slog.Logger
	now         func() time.Time
}

// Option configures a Gate.
type Option func(*Gate)

// WithTimeout overrides DefaultTimeout.
func WithTimeout(d time.Duration) Option {
	return func(g *Gate) {
		if d > 0 {
			g.timeout = d
		}
	}
}

// WithAutoApprove approves every request without asking. Used for
// non-interactive runs.
func WithAutoApprove(on bool) Option {
	return func(g *Gate) { g.autoApprove = on }
}

// WithStream publishes request and auto-approval notices on s.
func WithStream(s *event.Stream) Option {
	return func(g *Gate) { g.stream = s }
}

// WithLogger sets the gate's logger.
func WithLogger(l *slog.Logger) Option {
	return func(g *Gate) { g.logger = l }
}

// New creates a gate with no listener attached.
func New(opts ...Option) *Gate {
	g := &Gate{
		requests:  make(map[string]*Request),
		questions: make(map[string]*Question),
		timeout:   DefaultTimeout,
		logger:    slog.Default(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Attach makes l the active listener. The returned func detaches it, unless
// another listener has replaced it in the meantime.
func (g *Gate) Attach(l Listener) func() {
	g.mu.Lock()
	g.attachSeq++
	id := g.attachSeq
	g.listener = l
	g.mu.Unlock()

	return func() {
		g.mu.Lock()
		defer g.mu.Unlock()
		if g.attachSeq == id {
			g.listener = nil
		}
	}
}

// Attached reports whether a listener is present.
func (g *Gate) Attached() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.listener != nil
}

// Reset clears approve-all, cancellation and accumulated warnings. Call at
// run start only.
func (g *Gate) Reset() {
	g.approveAll.Store(false)
	g.cancelled.Store(false)
	g.mu.Lock()
	g.warnings = nil
	g.mu.Unlock()
}

// ApproveAll approves this and every later request in the run.
func (g *Gate) ApproveAll() { g.approveAll.Store(true) }

// ApprovingAll reports whether approve-all is in effect.
func (g *Gate) ApprovingAll() bool { return g.approveAll.Load() }

// RequestApproval blocks until the change is approved, rejected, times out
// or ctx is cancelled. It returns DecisionUnavailable right away when no
// listener is attached so the caller can fall back to another approver.
func (g *Gate) RequestApproval(ctx context.Context, ch Change) (Decision, error) {
	if g.cancelled.Load() {
		metrics.ApprovalDecisions.WithLabelValues(DecisionCancelled.String()).Inc()
		return DecisionCancelled, nil
	}
	if g.approveAll.Load() {
		g.notice(ch, "Auto-approved (approve all is on)")
		metrics.ApprovalDecisions.WithLabelValues("approve_all").Inc()
		return DecisionApproved, nil
	}
	if g.autoApprove {
		g.notice(ch, "Auto-approved (non-interactive run)")
		metrics.ApprovalDecisions.WithLabelValues("auto").Inc()
		return DecisionApproved, nil
	}

	g.mu.Lock()
	listener := g.listener
	if listener == nil {
		g.mu.Unlock()
		metrics.ApprovalDecisions.WithLabelValues(DecisionUnavailable.String()).Inc()
		return DecisionUnavailable, nil
	}
	req := &Request{
		ID:              uuid.NewString(),
		TargetPath:      ch.Path,
		Kind:            ch.Kind,
		ProposedContent: ch.Proposed,
		OriginalContent: ch.Original,
		CreatedAt:       g.now(),
		Status:          StatusPending,
		done:            make(chan struct{}),
	}
	g.requests[req.ID] = req
	snapshot := *req
	g.mu.Unlock()

	g.logger.Info("approval requested", "id", req.ID, "path", ch.Path, "kind", ch.Kind)
	if g.stream != nil {
		_, _ = g.stream.Emit(event.TypeMessageCreated,
			fmt.Sprintf("Approval required: %s %s", ch.Kind, ch.Path),
			event.ApprovalPayload{RequestID: req.ID, Path: ch.Path, Kind: string(ch.Kind), Preview: snapshot.Preview()})
	}
	listener.OnApprovalRequest(snapshot)

	timer := time.NewTimer(g.timeout)
	defer timer.Stop()

	select {
	case <-req.done:
	case <-timer.C:
		if g.finish(req.ID, StatusExpired, DecisionRejected) {
			msg := fmt.Sprintf("approval for %s timed out after %s; treated as rejected", ch.Path, g.timeout)
			g.warn(msg)
		}
	case <-ctx.Done():
		g.finish(req.ID, StatusRejected, DecisionCancelled)
	}

	g.mu.Lock()
	decision := req.decision
	g.mu.Unlock()
	metrics.ApprovalDecisions.WithLabelValues(decision.String()).Inc()
	return decision, nil
}

// Resolve answers a pending request. Resolving a request twice returns
// ErrAlreadyResolved and leaves the first answer in place.
func (g *Gate) Resolve(id string, resp Response) error {
	status, decision := StatusRejected, DecisionRejected
	if resp != ResponseNo {
		status, decision = StatusApproved, DecisionApproved
	}

	g.mu.Lock()
	req, ok := g.requests[id]
	if !ok {
		g.mu.Unlock()
		return goerr.Wrap(ErrUnknownRequest, "resolve", goerr.V("id", id))
	}
	if req.Status != StatusPending {
		prev := req.Status
		g.mu.Unlock()
		return goerr.Wrap(ErrAlreadyResolved, "resolve", goerr.V("id", id), goerr.V("status", prev))
	}
	if resp == ResponseAll {
		g.approveAll.Store(true)
	}
	g.resolveLocked(req, status, decision)
	g.mu.Unlock()

	g.logger.Info("approval resolved", "id", id, "response", resp.String())
	return nil
}

// Cancel releases every pending request with DecisionCancelled and every
// open question with ErrCancelled, and makes later ones in this run return
// that immediately.
func (g *Gate) Cancel() {
	g.cancelled.Store(true)
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, req := range g.requests {
		if req.Status == StatusPending {
			g.resolveLocked(req, StatusRejected, DecisionCancelled)
		}
	}
	for _, q := range g.questions {
		if q.Status == StatusPending {
			g.closeQuestionLocked(q, StatusRejected, ErrCancelled)
		}
	}
}

// finish moves a still-pending request to a terminal state and reports
// whether it did.
func (g *Gate) finish(id string, status Status, decision Decision) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	req, ok := g.requests[id]
	if !ok || req.Status != StatusPending {
		return false
	}
	g.resolveLocked(req, status, decision)
	return true
}

func (g *Gate) resolveLocked(req *Request, status Status, decision Decision) {
	req.Status = status
	req.decision = decision
	close(req.done)
}

// Get returns a copy of a request.
func (g *Gate) Get(id string) (Request, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	req, ok := g.requests[id]
	if !ok {
		return Request{}, false
	}
	return *req, true
}

// Pending lists unresolved requests, oldest first.
func (g *Gate) Pending() []Request {
	g.mu.Lock()
	defer g.mu.Unlock()
	var out []Request
	for _, req := range g.requests {
		if req.Status == StatusPending {
			out = append(out, *req)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// Warnings returns the notices accumulated during the run, such as timeouts.
func (g *Gate) Warnings() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]string, len(g.warnings))
	copy(out, g.warnings)
	return out
}

func (g *Gate) warn(msg string) {
	g.mu.Lock()
	g.warnings = append(g.warnings, msg)
	g.mu.Unlock()
	g.logger.Warn(msg)
}

func (g *Gate) notice(ch Change, msg string) {
	g.logger.Info(msg, "path", ch.Path, "kind", ch.Kind)
	if g.stream == nil {
		return
	}
	_, _ = g.stream.Emit(event.TypeMessageCreated, fmt.Sprintf("%s: %s %s", msg, ch.Kind, ch.Path),
		event.ApprovalPayload{Path: ch.Path, Kind: string(ch.Kind), Auto: true})
}

// Prompter asks a human directly, without a listener in between.
type Prompter interface {
	Prompt(ctx context.Context, req Request) (Response, error)
}

// Decide runs the full approval policy for a change: the gate first, then
// fallback when no listener is attached. It reports whether the change may
// be applied.
func (g *Gate) Decide(ctx context.Context, ch Change, fallback Prompter) (bool, error) {
	decision, err := g.RequestApproval(ctx, ch)
	if err != nil {
		return false, err
	}

	switch decision {
	case DecisionApproved:
		return true, nil
	case DecisionCancelled:
		return false, goerr.Wrap(ErrCancelled, "approval interrupted", goerr.V("path", ch.Path))
	case DecisionUnavailable:
		if fallback == nil {
			return false, goerr.Wrap(ErrNoApprover, "cannot approve change", goerr.V("path", ch.Path))
		}
		req := Request{
			TargetPath:      ch.Path,
			Kind:            ch.Kind,
			ProposedContent: ch.Proposed,
			OriginalContent: ch.Original,
			CreatedAt:       g.now(),
			Status:          StatusPending,
		}
		resp, err := fallback.Prompt(ctx, req)
		if err != nil {
			return false, goerr.Wrap(err, "prompt for approval", goerr.V("path", ch.Path))
		}
		if resp == ResponseAll {
			g.ApproveAll()
		}
		return resp != ResponseNo, nil
	default:
		return false, nil
	}
}
