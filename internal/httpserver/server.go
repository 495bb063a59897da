// Package httpserver is the `chbuild serve` API: it starts runs against one
// repository, exposes their state and approvals over HTTP and mounts the
// websocket bridge and Prometheus metrics.
package httpserver

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/m-mizutani/goerr/v2"

	"chbuild/internal/approval"
	"chbuild/internal/bridge"
	"chbuild/internal/event"
	"chbuild/internal/metrics"
	"chbuild/internal/notify"
	"chbuild/internal/workflow"
)

var ErrRunActive = errors.New("a run is already in progress")

// StageBuilder turns a run request into stage definitions.
type StageBuilder func(req RunRequest) ([]workflow.StageDef, error)

// Options configure an HTTPServer.
type Options struct {
	Repo            string
	Tokens          []string
	Version         string
	Build           StageBuilder
	ApprovalTimeout time.Duration
	// Notifier, when set, hears about approvals and finished runs.
	Notifier notify.Notifier
	Logger   *slog.Logger
}

// HTTPServer represents the HTTP API server
type HTTPServer struct {
	mux     *http.ServeMux
	tokens  []string
	version string
	repo    string
	build   StageBuilder
	timeout time.Duration
	notify  notify.Notifier
	logger  *slog.Logger
	hub     *bridge.Hub

	mu      sync.Mutex
	seq     *workflow.Sequencer
	gate    *approval.Gate
	done    chan struct{}
	last    *workflow.Outcome
	runCtx  context.Context
	stopAll context.CancelFunc
}

// NewHTTPServer creates a new HTTP server instance
func NewHTTPServer(opts Options) *HTTPServer {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	runCtx, stop := context.WithCancel(context.Background())
	s := &HTTPServer{
		mux:     http.NewServeMux(),
		tokens:  opts.Tokens,
		version: opts.Version,
		repo:    opts.Repo,
		build:   opts.Build,
		timeout: opts.ApprovalTimeout,
		notify:  opts.Notifier,
		logger:  logger,
		hub:     bridge.New(bridge.WithLogger(logger.With("component", "bridge"))),
		runCtx:  runCtx,
		stopAll: stop,
	}

	s.registerRoutes()
	return s
}

// registerRoutes sets up all HTTP routes with middleware
func (s *HTTPServer) registerRoutes() {
	// No auth
	s.mux.HandleFunc("/health", s.loggingMiddleware(s.handleHealth))
	s.mux.Handle("/metrics", metrics.Handler())

	s.mux.HandleFunc("/ws", s.loggingMiddleware(s.authMiddleware(s.hub.ServeHTTP)))
	s.mux.HandleFunc("/runs", s.loggingMiddleware(s.authMiddleware(s.handleRuns)))
	s.mux.HandleFunc("/runs/current", s.loggingMiddleware(s.authMiddleware(s.handleCurrentRun)))
	s.mux.HandleFunc("/runs/current/cancel", s.loggingMiddleware(s.authMiddleware(s.handleCancel)))
	s.mux.HandleFunc("/approvals", s.loggingMiddleware(s.authMiddleware(s.handleListApprovals)))
	s.mux.HandleFunc("/approvals/", s.loggingMiddleware(s.authMiddleware(jsonContentTypeMiddleware(s.handleResolveApproval))))
	s.mux.HandleFunc("/artifacts/", s.loggingMiddleware(s.authMiddleware(s.handleArtifact)))
}

// Handler returns the routed handler.
func (s *HTTPServer) Handler() http.Handler { return s.mux }

// ListenAndServe serves addr until ctx is done, then cancels any run in
// progress and shuts down.
func (s *HTTPServer) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{Addr: addr, Handler: s.mux, ReadHeaderTimeout: 10 * time.Second}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("http server listening", "addr", addr, "tokens", len(s.tokens))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		s.Close()
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return goerr.Wrap(err, "http server", goerr.V("addr", addr))
	case <-ctx.Done():
	}

	s.logger.Info("shutting down http server")
	s.Close()
	shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutCtx); err != nil {
		return goerr.Wrap(err, "shutdown http server")
	}
	return nil
}

// Close cancels the active run, waits for it and disconnects bridge clients.
func (s *HTTPServer) Close() {
	s.mu.Lock()
	seq, done := s.seq, s.done
	s.mu.Unlock()
	if seq != nil {
		seq.Cancel()
	}
	s.stopAll()
	if done != nil {
		<-done
	}
	s.hub.Close()
}

// StartRun launches a run in the background. Only one run may be active.
func (s *HTTPServer) StartRun(req RunRequest) ([]workflow.Stage, error) {
	if s.build == nil {
		return nil, goerr.New("server has no stage builder")
	}
	defs, err := s.build(req)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	if s.done != nil {
		s.mu.Unlock()
		return nil, ErrRunActive
	}
	lock, err := workflow.LockRepo(s.repo)
	if err != nil {
		s.mu.Unlock()
		return nil, err
	}

	stream := event.NewStream(event.WithLogger(s.logger))
	gate := approval.New(
		approval.WithStream(stream),
		approval.WithTimeout(s.timeout),
		approval.WithAutoApprove(req.AutoApprove),
		approval.WithLogger(s.logger),
	)
	seqOpts := []workflow.Option{
		workflow.WithStream(stream),
		workflow.WithGate(gate),
		workflow.WithLogger(s.logger),
	}
	if req.Interactive {
		seqOpts = append(seqOpts, workflow.WithConfirmer(workflow.GateConfirmer{Gate: gate}))
	}
	seq := workflow.New(defs, seqOpts...)
	done := make(chan struct{})
	s.seq, s.gate, s.done = seq, gate, done
	s.mu.Unlock()

	s.hub.Bind(stream, gate, seq.Cancel)
	waitNotify := func() {}
	if s.notify != nil {
		waitNotify = notify.Watch(stream, s.notify, s.repo, s.logger)
	}
	go func() {
		defer close(done)
		out := seq.Run(s.runCtx, s.repo)
		stream.Close()
		s.hub.Finish()
		waitNotify()
		if err := lock.Unlock(); err != nil {
			s.logger.Warn("release repository lock", "error", err)
		}

		s.mu.Lock()
		s.last = &out
		s.done = nil
		s.mu.Unlock()
		s.logger.Info("run finished", "run", out.RunID, "outcome", out.Kind)
	}()

	return seq.Stages(), nil
}

// Wait blocks until the active run, if any, has finished.
func (s *HTTPServer) Wait() {
	s.mu.Lock()
	done := s.done
	s.mu.Unlock()
	if done != nil {
		<-done
	}
}

// current returns the active sequencer and gate, or the previous run's
// sequencer with a nil gate.
func (s *HTTPServer) current() (*workflow.Sequencer, *approval.Gate, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	running := s.done != nil
	if !running {
		return s.seq, nil, false
	}
	return s.seq, s.gate, true
}
