package mintd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/gagliardetto/solana-go"

	"github.com/cutemonstersnft/solanapay-compression/core"
	"github.com/cutemonstersnft/solanapay-compression/core/types"
	"github.com/cutemonstersnft/solanapay-compression/core/watcher"
	"github.com/cutemonstersnft/solanapay-compression/integrations/webhooks"
	"github.com/cutemonstersnft/solanapay-compression/observability"
)

const (
	defaultAttempts = 3
	defaultDelay    = 10 * time.Second
)

// Issuer mints the reward for a confirmed payment.
type Issuer interface {
	Mint(ctx context.Context, owner solana.PublicKey) (solana.Signature, error)
}

// Processor turns accepted triggers into durable tasks and drives each one
// through confirmation and minting on its own goroutine.
type Processor struct {
	queue     *Queue
	finder    watcher.Finder
	issuer    Issuer
	scheduler watcher.Scheduler
	finality  types.Finality
	attempts  int
	delay     time.Duration
	threshold *big.Rat
	logger    *slog.Logger
	metrics   *observability.MintdMetrics
	now       func() time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	inFlight map[string]struct{}
}

// ProcessorOption customises the processor instance.
type ProcessorOption func(*Processor)

// WithScheduler replaces the wall clock used between confirmation lookups.
func WithScheduler(s watcher.Scheduler) ProcessorOption {
	return func(p *Processor) { p.scheduler = s }
}

// WithRetry sets the lookup budget and the fixed delay between lookups.
func WithRetry(attempts int, delay time.Duration) ProcessorOption {
	return func(p *Processor) {
		if attempts > 0 {
			p.attempts = attempts
		}
		if delay > 0 {
			p.delay = delay
		}
	}
}

// WithFinality sets the commitment a payment must reach.
func WithFinality(f types.Finality) ProcessorOption {
	return func(p *Processor) { p.finality = f }
}

// WithThreshold skips minting for payments below amount.
func WithThreshold(amount *big.Rat) ProcessorOption {
	return func(p *Processor) { p.threshold = amount }
}

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) ProcessorOption {
	return func(p *Processor) { p.logger = logger }
}

// WithMetrics overrides the default metrics registry.
func WithMetrics(m *observability.MintdMetrics) ProcessorOption {
	return func(p *Processor) { p.metrics = m }
}

// NewProcessor constructs a processor over queue.
func NewProcessor(queue *Queue, finder watcher.Finder, issuer Issuer, opts ...ProcessorOption) (*Processor, error) {
	if queue == nil {
		return nil, fmt.Errorf("mintd: queue required")
	}
	if finder == nil || issuer == nil {
		return nil, fmt.Errorf("mintd: finder and issuer required")
	}
	ctx, cancel := context.WithCancel(context.Background())
	proc := &Processor{
		queue:     queue,
		finder:    finder,
		issuer:    issuer,
		scheduler: watcher.WallClock{},
		finality:  types.FinalityConfirmed,
		attempts:  defaultAttempts,
		delay:     defaultDelay,
		now:       time.Now,
		ctx:       ctx,
		cancel:    cancel,
		inFlight:  make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(proc)
	}
	if proc.logger == nil {
		proc.logger = slog.Default()
	}
	if proc.metrics == nil {
		proc.metrics = observability.Mintd()
	}
	return proc, nil
}

// Submit validates a trigger and queues it. A second trigger for the same
// reference returns the existing task without starting another worker.
func (p *Processor) Submit(ctx context.Context, trigger webhooks.MintTrigger) (Task, bool, error) {
	if _, err := types.ParseReference(trigger.Reference); err != nil {
		p.metrics.RecordRejected("reference")
		return Task{}, false, err
	}
	if _, err := types.ParseAddress("account", trigger.Account); err != nil {
		p.metrics.RecordRejected("account")
		return Task{}, false, err
	}
	if amount := strings.TrimSpace(trigger.Amount); amount != "" {
		if _, err := core.ParseAmount(amount); err != nil {
			p.metrics.RecordRejected("amount")
			return Task{}, false, err
		}
	}
	task, created, err := p.queue.Enqueue(ctx, Task{
		Reference:  strings.TrimSpace(trigger.Reference),
		Account:    strings.TrimSpace(trigger.Account),
		Amount:     strings.TrimSpace(trigger.Amount),
		DeliveryID: trigger.DeliveryID,
		State:      TaskPending,
		CreatedAt:  p.now().UTC(),
	})
	if err != nil {
		return Task{}, false, err
	}
	if created {
		p.logger.Info("mint task queued", "reference", task.Reference, "delivery", task.DeliveryID)
		p.start(task)
	} else {
		p.metrics.RecordRejected("duplicate")
	}
	return task, created, nil
}

// Resume restarts every task that was not final when the process stopped.
func (p *Processor) Resume(ctx context.Context) (int, error) {
	tasks, err := p.queue.Pending(ctx)
	if err != nil {
		return 0, err
	}
	for _, task := range tasks {
		p.start(task)
	}
	if len(tasks) > 0 {
		p.logger.Info("resumed mint tasks", "count", len(tasks))
	}
	return len(tasks), nil
}

// Status returns the stored task for ref.
func (p *Processor) Status(ctx context.Context, ref string) (Task, error) {
	return p.queue.Get(ctx, ref)
}

// Close stops all workers. Unfinished tasks stay pending for the next Resume.
func (p *Processor) Close() {
	p.cancel()
	p.wg.Wait()
}

// Wait blocks until every running worker has returned.
func (p *Processor) Wait() {
	p.wg.Wait()
}

func (p *Processor) start(task Task) {
	p.mu.Lock()
	if _, busy := p.inFlight[task.Reference]; busy {
		p.mu.Unlock()
		return
	}
	p.inFlight[task.Reference] = struct{}{}
	pending := len(p.inFlight)
	p.mu.Unlock()
	p.metrics.SetPending(pending)

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		defer p.release(task.Reference)
		p.run(task)
	}()
}

func (p *Processor) release(ref string) {
	p.mu.Lock()
	delete(p.inFlight, ref)
	pending := len(p.inFlight)
	p.mu.Unlock()
	p.metrics.SetPending(pending)
}

func (p *Processor) run(task Task) {
	ref, err := types.ParseReference(task.Reference)
	if err != nil {
		p.finish(task, TaskFailed, err)
		return
	}
	owner, err := types.ParseAddress("account", task.Account)
	if err != nil {
		p.finish(task, TaskFailed, err)
		return
	}
	w, err := watcher.New(p.finder, ref,
		watcher.WithScheduler(p.scheduler),
		watcher.WithInterval(p.delay),
		watcher.WithMaxAttempts(p.attempts),
		watcher.WithFinality(p.finality),
		watcher.WithLogger(p.logger),
		watcher.WithObserver(func(st watcher.Status) {
			observability.Watcher().RecordPoll("mintd", string(st.State), st.State.Terminal())
		}),
	)
	if err != nil {
		p.finish(task, TaskFailed, err)
		return
	}
	st, err := w.Run(p.ctx)
	task.Attempts = st.Attempts
	switch {
	case st.State == watcher.StateExhausted:
		p.finish(task, TaskExhausted, err)
		return
	case st.State != watcher.StateConfirmed:
		// shutting down; the task stays pending for Resume
		if uerr := p.queue.Update(context.Background(), task); uerr != nil {
			p.logger.Error("persist mint task", "reference", task.Reference, "error", uerr)
		}
		return
	}
	task.PaymentSignature = st.Signature.String()

	if !p.eligible(task) {
		p.finish(task, TaskIneligible, nil)
		return
	}
	sig, err := p.issuer.Mint(p.ctx, owner)
	if err != nil {
		p.finish(task, TaskFailed, err)
		return
	}
	task.MintSignature = sig.String()
	p.finish(task, TaskMinted, nil)
}

func (p *Processor) eligible(task Task) bool {
	if p.threshold == nil || p.threshold.Sign() <= 0 {
		return true
	}
	amount, err := core.ParseAmount(task.Amount)
	if err != nil {
		return false
	}
	return amount.Cmp(p.threshold) >= 0
}

// finish records the final state. Mint failures are logged and counted but
// never surfaced to the customer.
func (p *Processor) finish(task Task, state TaskState, cause error) {
	task.State = state
	if cause != nil {
		task.LastError = cause.Error()
	}
	if err := p.queue.Update(context.Background(), task); err != nil {
		p.logger.Error("persist mint task", "reference", task.Reference, "error", err)
	}
	elapsed := p.now().Sub(task.CreatedAt)
	p.metrics.RecordOutcome(string(state), elapsed)
	attrs := []any{"reference", task.Reference, "state", string(state), "attempts", task.Attempts}
	switch {
	case state == TaskMinted:
		p.logger.Info("reward minted", append(attrs, "signature", task.MintSignature)...)
	case state == TaskIneligible:
		p.logger.Info("payment below mint threshold", attrs...)
	case errors.Is(cause, types.ErrReferenceNotFound):
		p.logger.Warn("payment not detected, reward skipped", append(attrs, "reason", cause.Error())...)
	default:
		p.logger.Error("reward mint failed", append(attrs, "reason", task.LastError)...)
	}
}
