// Package watcher tracks a payment reference until it is sighted on the ledger
// or the attempt budget runs out.
package watcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gagliardetto/solana-go"

	"github.com/cutemonstersnft/solanapay-compression/core/types"
)

// State is the watcher lifecycle.
type State string

const (
	StatePending   State = "pending"
	StateConfirmed State = "confirmed"
	StateExhausted State = "exhausted"
)

// Terminal reports whether no further transitions are possible.
func (s State) Terminal() bool {
	return s == StateConfirmed || s == StateExhausted
}

// Finder looks a reference up on the ledger. A missing reference is reported
// as types.ErrReferenceNotFound.
type Finder interface {
	FindReference(ctx context.Context, ref types.PaymentReference, finality types.Finality) (solana.Signature, error)
}

// Status is a snapshot of a watcher.
type Status struct {
	Reference types.PaymentReference
	State     State
	Attempts  int
	Signature solana.Signature
	LastError string
}

const (
	DefaultInterval    = 500 * time.Millisecond
	DefaultMaxAttempts = 240
)

// Watcher drives one reference through Pending to Confirmed or Exhausted.
type Watcher struct {
	finder      Finder
	scheduler   Scheduler
	finality    types.Finality
	interval    time.Duration
	maxAttempts int
	logger      *slog.Logger
	observers   []func(Status)

	mu     sync.Mutex
	status Status
}

// Option customises a watcher.
type Option func(*Watcher)

// WithScheduler replaces the wall clock.
func WithScheduler(s Scheduler) Option {
	return func(w *Watcher) { w.scheduler = s }
}

// WithInterval sets the delay between lookups.
func WithInterval(d time.Duration) Option {
	return func(w *Watcher) { w.interval = d }
}

// WithMaxAttempts bounds the number of lookups before giving up.
func WithMaxAttempts(n int) Option {
	return func(w *Watcher) { w.maxAttempts = n }
}

// WithFinality sets the commitment a sighting must reach.
func WithFinality(f types.Finality) Option {
	return func(w *Watcher) { w.finality = f }
}

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(w *Watcher) { w.logger = l }
}

// WithObserver registers a callback invoked after every lookup.
func WithObserver(fn func(Status)) Option {
	return func(w *Watcher) {
		if fn != nil {
			w.observers = append(w.observers, fn)
		}
	}
}

// New creates a pending watcher for ref.
func New(finder Finder, ref types.PaymentReference, opts ...Option) (*Watcher, error) {
	if finder == nil {
		return nil, fmt.Errorf("watcher: finder required")
	}
	if ref.IsZero() {
		return nil, fmt.Errorf("%w: reference required", types.ErrInvalidInput)
	}
	w := &Watcher{
		finder:      finder,
		scheduler:   WallClock{},
		finality:    types.FinalityConfirmed,
		interval:    DefaultInterval,
		maxAttempts: DefaultMaxAttempts,
		status:      Status{Reference: ref, State: StatePending},
	}
	for _, opt := range opts {
		opt(w)
	}
	if w.maxAttempts <= 0 {
		w.maxAttempts = 1
	}
	if w.logger == nil {
		w.logger = slog.Default()
	}
	return w, nil
}

// Status returns the current snapshot.
func (w *Watcher) Status() Status {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.status
}

// Poll performs a single lookup. Once terminal, Poll returns the terminal
// status without contacting the ledger. Transport failures count as an
// unsuccessful attempt, the same as an absent reference.
func (w *Watcher) Poll(ctx context.Context) (Status, error) {
	w.mu.Lock()
	if w.status.State.Terminal() {
		st := w.status
		w.mu.Unlock()
		return st, terminalErr(st)
	}
	ref := w.status.Reference
	w.mu.Unlock()

	sig, err := w.finder.FindReference(ctx, ref, w.finality)

	w.mu.Lock()
	if w.status.State.Terminal() {
		st := w.status
		w.mu.Unlock()
		return st, terminalErr(st)
	}
	w.status.Attempts++
	switch {
	case err == nil:
		w.status.State = StateConfirmed
		w.status.Signature = sig
		w.status.LastError = ""
	default:
		if !errors.Is(err, types.ErrReferenceNotFound) {
			w.status.LastError = err.Error()
			w.logger.Debug("reference lookup failed", "reference", ref.String(), "attempt", w.status.Attempts, "error", err)
		}
		if w.status.Attempts >= w.maxAttempts {
			w.status.State = StateExhausted
		}
	}
	st := w.status
	observers := w.observers
	w.mu.Unlock()

	for _, fn := range observers {
		fn(st)
	}
	return st, terminalErr(st)
}

// Run polls until the reference is confirmed, the budget is exhausted, or ctx
// is cancelled.
func (w *Watcher) Run(ctx context.Context) (Status, error) {
	for {
		st, err := w.Poll(ctx)
		if st.State.Terminal() {
			return st, err
		}
		if err := w.scheduler.Sleep(ctx, w.interval); err != nil {
			return w.Status(), err
		}
	}
}

func terminalErr(st Status) error {
	if st.State == StateExhausted {
		return fmt.Errorf("%w: %s after %d attempts", types.ErrReferenceNotFound, st.Reference, st.Attempts)
	}
	return nil
}
