// Package notify tells a user who stepped away that a run needs them or has
// finished.
package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"chbuild/internal/event"
)

// Kind is what a notification is about.
type Kind string

const (
	KindApproval Kind = "approval"
	KindQuestion Kind = "question"
	KindFinished Kind = "finished"
)

// Notification represents a notification to be sent.
type Notification struct {
	Kind    Kind
	Title   string
	Message string
	Repo    string
	// Path is the file waiting for approval.
	Path string
	// Outcome is set when the run has finished.
	Outcome string
	Sound   bool
	Time    time.Time
}

// Notifier sends notifications.
type Notifier interface {
	Send(ctx context.Context, n Notification) error
	Name() string
}

// NewDesktopNotifier returns a platform-specific desktop notification sender.
func NewDesktopNotifier(logger *slog.Logger) Notifier {
	if logger == nil {
		logger = slog.Default()
	}
	return newPlatformNotifier(logger)
}

// MultiNotifier sends notifications to multiple notifiers.
type MultiNotifier struct {
	notifiers []Notifier
}

// NewMultiNotifier creates a MultiNotifier from the given notifiers.
func NewMultiNotifier(ns ...Notifier) *MultiNotifier {
	return &MultiNotifier{notifiers: ns}
}

// Len is the number of notifiers.
func (m *MultiNotifier) Len() int { return len(m.notifiers) }

// Send dispatches the notification to all registered notifiers and joins
// their errors.
func (m *MultiNotifier) Send(ctx context.Context, n Notification) error {
	var errs []error
	for _, notifier := range m.notifiers {
		if err := notifier.Send(ctx, n); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", notifier.Name(), err))
		}
	}
	return errors.Join(errs...)
}

// Name returns the name of this notifier.
func (m *MultiNotifier) Name() string {
	names := make([]string, len(m.notifiers))
	for i, n := range m.notifiers {
		names[i] = n.Name()
	}
	return "multi(" + strings.Join(names, ",") + ")"
}

// Watch subscribes to stream and notifies on approval requests that need a
// human and on the end of the run. The returned func blocks until the
// stream is closed and every notification has been sent.
func Watch(stream *event.Stream, n Notifier, repo string, logger *slog.Logger) func() {
	if logger == nil {
		logger = slog.Default()
	}
	events, unsubscribe := stream.Subscribe(false)
	done := make(chan struct{})
	go func() {
		defer close(done)
		defer unsubscribe()
		for ev := range events {
			note, ok := fromEvent(ev, repo)
			if !ok {
				continue
			}
			ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
			if err := n.Send(ctx, note); err != nil {
				logger.Warn("notification failed", "notifier", n.Name(), "kind", note.Kind, "error", err)
			}
			cancel()
		}
	}()
	return func() { <-done }
}

func fromEvent(ev event.Event, repo string) (Notification, bool) {
	switch p := ev.Payload.(type) {
	case event.ApprovalPayload:
		if p.Auto || p.RequestID == "" {
			return Notification{}, false
		}
		return Notification{
			Kind:    KindApproval,
			Title:   "chbuild needs approval",
			Message: fmt.Sprintf("%s %s is waiting for review", p.Kind, p.Path),
			Repo:    repo,
			Path:    p.Path,
			Sound:   true,
			Time:    ev.Time,
		}, true
	case event.QuestionPayload:
		return Notification{
			Kind:    KindQuestion,
			Title:   "chbuild is waiting for an answer",
			Message: p.Prompt,
			Repo:    repo,
			Sound:   true,
			Time:    ev.Time,
		}, true
	case event.ResultPayload:
		if ev.Type != event.TypeFinalResult && ev.Type != event.TypeCancelled {
			return Notification{}, false
		}
		return Notification{
			Kind:    KindFinished,
			Title:   "chbuild run " + p.Outcome,
			Message: p.Summary,
			Repo:    repo,
			Outcome: p.Outcome,
			Time:    ev.Time,
		}, true
	}
	return Notification{}, false
}
