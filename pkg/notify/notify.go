package notify

import (
	"context"
	"errors"
	"sync"

	"github.com/rs/zerolog"

	"github.com/openfroyo/changegov/pkg/engine"
)

// ErrClosed is returned by Async after Close.
var ErrClosed = errors.New("notifier is closed")

// ErrQueueFull is returned by Async when the buffer is full and the
// notification was dropped.
var ErrQueueFull = errors.New("notification queue is full")

// LogNotifier writes every notification to a zerolog logger.
type LogNotifier struct {
	logger zerolog.Logger
}

// NewLogNotifier creates a notifier that only logs.
func NewLogNotifier(logger zerolog.Logger) *LogNotifier {
	return &LogNotifier{logger: logger.With().Str("component", "notify").Logger()}
}

// Notify implements engine.Notifier.
func (l *LogNotifier) Notify(_ context.Context, n engine.Notification) error {
	l.logger.Info().
		Str("kind", string(n.Kind)).
		Str("change_id", n.ChangeID).
		Str("approval_id", n.ApprovalID).
		Str("recipient", n.Recipient).
		Str("address", n.Address).
		Msg(n.Subject)
	return nil
}

// Multi fans a notification out to several notifiers.
type Multi []engine.Notifier

// Notify implements engine.Notifier. Every notifier is called; their errors are joined.
func (m Multi) Notify(ctx context.Context, n engine.Notification) error {
	var errs []error
	for _, notifier := range m {
		if err := notifier.Notify(ctx, n); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Async delivers notifications on a background worker so callers never wait
// on a slow sink.
type Async struct {
	next   engine.Notifier
	logger zerolog.Logger
	queue  chan engine.Notification

	mu     sync.RWMutex
	closed bool
	done   chan struct{}
}

// NewAsync starts a worker that forwards notifications to next. A
// non-positive buffer defaults to 64.
func NewAsync(next engine.Notifier, buffer int, logger zerolog.Logger) *Async {
	if buffer <= 0 {
		buffer = 64
	}
	a := &Async{
		next:   next,
		logger: logger.With().Str("component", "notify-async").Logger(),
		queue:  make(chan engine.Notification, buffer),
		done:   make(chan struct{}),
	}
	go a.run()
	return a
}

// Notify implements engine.Notifier. It drops the notification when the buffer is full.
func (a *Async) Notify(_ context.Context, n engine.Notification) error {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.closed {
		return ErrClosed
	}
	select {
	case a.queue <- n:
		return nil
	default:
		a.logger.Warn().
			Str("kind", string(n.Kind)).
			Str("change_id", n.ChangeID).
			Msg("Notification queue full, dropping")
		return ErrQueueFull
	}
}

// Close stops accepting notifications and waits until the queue is drained
// or ctx expires.
func (a *Async) Close(ctx context.Context) error {
	a.mu.Lock()
	if !a.closed {
		a.closed = true
		close(a.queue)
	}
	a.mu.Unlock()

	select {
	case <-a.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (a *Async) run() {
	defer close(a.done)
	for n := range a.queue {
		if err := a.next.Notify(context.Background(), n); err != nil {
			a.logger.Warn().Err(err).
				Str("kind", string(n.Kind)).
				Str("change_id", n.ChangeID).
				Msg("Notification delivery failed")
		}
	}
}
