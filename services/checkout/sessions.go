package checkout

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/cutemonstersnft/solanapay-compression/core"
	"github.com/cutemonstersnft/solanapay-compression/core/types"
	"github.com/cutemonstersnft/solanapay-compression/core/watcher"
	"github.com/cutemonstersnft/solanapay-compression/integrations/webhooks"
	"github.com/cutemonstersnft/solanapay-compression/observability"
)

// ErrAmountMismatch is returned when a payment request disagrees with the
// amount the session was opened for.
var ErrAmountMismatch = fmt.Errorf("%w: amount does not match session", types.ErrInvalidInput)

// TriggerSink receives a mint trigger once a payment is confirmed.
type TriggerSink interface {
	Enqueue(trigger webhooks.MintTrigger) error
}

type liveSession struct {
	cancel    context.CancelFunc
	done      chan struct{}
	cancelled bool
	subs      map[chan Session]struct{}
}

// Manager runs one confirmation watcher per checkout session and fans state
// changes out to subscribers.
type Manager struct {
	store       *Store
	finder      watcher.Finder
	sink        TriggerSink
	scheduler   watcher.Scheduler
	interval    time.Duration
	maxAttempts int
	finality    types.Finality
	logger      *slog.Logger
	metrics     *observability.CheckoutMetrics
	now         func() time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu   sync.Mutex
	live map[string]*liveSession
}

// ManagerOption customises the session manager.
type ManagerOption func(*Manager)

// WithScheduler replaces the wall clock used by session watchers.
func WithScheduler(s watcher.Scheduler) ManagerOption {
	return func(m *Manager) { m.scheduler = s }
}

// WithPolling sets the lookup interval and attempt budget of each watcher.
func WithPolling(interval time.Duration, maxAttempts int) ManagerOption {
	return func(m *Manager) {
		if interval > 0 {
			m.interval = interval
		}
		if maxAttempts > 0 {
			m.maxAttempts = maxAttempts
		}
	}
}

// WithFinality sets the commitment a payment must reach.
func WithFinality(f types.Finality) ManagerOption {
	return func(m *Manager) { m.finality = f }
}

// WithTriggerSink forwards confirmed payments to the mint daemon.
func WithTriggerSink(sink TriggerSink) ManagerOption {
	return func(m *Manager) { m.sink = sink }
}

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) ManagerOption {
	return func(m *Manager) { m.logger = logger }
}

// NewManager constructs a manager persisting to store.
func NewManager(store *Store, finder watcher.Finder, opts ...ManagerOption) (*Manager, error) {
	if store == nil || finder == nil {
		return nil, fmt.Errorf("checkout: store and finder required")
	}
	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		store:       store,
		finder:      finder,
		scheduler:   watcher.WallClock{},
		interval:    watcher.DefaultInterval,
		maxAttempts: watcher.DefaultMaxAttempts,
		finality:    types.FinalityConfirmed,
		metrics:     observability.Checkout(),
		now:         time.Now,
		ctx:         ctx,
		cancel:      cancel,
		live:        make(map[string]*liveSession),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.logger == nil {
		m.logger = slog.Default()
	}
	return m, nil
}

// Start creates a session with a fresh reference and begins watching it.
func (m *Manager) Start(ctx context.Context, amount string) (Session, error) {
	if _, err := core.ParseAmount(amount); err != nil {
		return Session{}, err
	}
	ref, err := core.NewReference()
	if err != nil {
		return Session{}, err
	}
	sess, _, err := m.Track(ctx, ref, strings.TrimSpace(amount))
	return sess, err
}

// Track watches ref, creating its session if needed. References minted by
// another frontend are adopted the first time a wallet asks to pay them.
func (m *Manager) Track(ctx context.Context, ref types.PaymentReference, amount string) (Session, bool, error) {
	now := m.now().UTC()
	created, err := m.store.InsertSession(ctx, Session{
		Reference: ref.String(),
		Amount:    amount,
		State:     SessionPending,
		CreatedAt: now,
		UpdatedAt: now,
	})
	if err != nil {
		return Session{}, false, err
	}
	sess, err := m.store.GetSession(ctx, ref.String())
	if err != nil {
		return Session{}, false, err
	}
	if created {
		m.logger.Info("checkout session started", "reference", sess.Reference, "amount", sess.Amount)
		m.metrics.SessionStarted()
		m.launch(ref)
	}
	return sess, created, nil
}

// Resume restarts watchers for sessions left pending by a previous process.
func (m *Manager) Resume(ctx context.Context) (int, error) {
	pending, err := m.store.ListSessions(ctx, SessionPending, 0)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, sess := range pending {
		ref, err := types.ParseReference(sess.Reference)
		if err != nil {
			m.logger.Warn("skip unreadable session", "reference", sess.Reference, "error", err)
			continue
		}
		if m.launch(ref) {
			n++
		}
	}
	if n > 0 {
		m.logger.Info("resumed checkout sessions", "count", n)
	}
	return n, nil
}

// Get returns the stored session for ref.
func (m *Manager) Get(ctx context.Context, ref string) (Session, error) {
	return m.store.GetSession(ctx, ref)
}

// AttachPayer binds account to the session for ref before an envelope is
// served, adopting the reference if it is new. The requested amount must
// match the session amount and a session keeps its first payer, so the mint
// trigger names the wallet and amount that were actually offered.
func (m *Manager) AttachPayer(ctx context.Context, ref types.PaymentReference, amount *big.Rat, account string) error {
	if amount == nil {
		return fmt.Errorf("%w: amount required", types.ErrInvalidAmount)
	}
	sess, created, err := m.Track(ctx, ref, core.FormatAmount(amount))
	if err != nil {
		return err
	}
	if !created {
		stored, err := core.ParseAmount(sess.Amount)
		if err != nil || stored.Cmp(amount) != 0 {
			return fmt.Errorf("%w: session %s is for amount %s", ErrAmountMismatch, sess.Reference, sess.Amount)
		}
	}
	if err := m.store.BindSessionPayer(ctx, ref.String(), account, m.now().UTC()); err != nil {
		if errors.Is(err, ErrPayerMismatch) {
			m.logger.Warn("payer rejected for bound session", "reference", sess.Reference, "account", account)
		}
		return err
	}
	return nil
}

// RecordReward stores the reward outcome chosen for the envelope served for ref.
func (m *Manager) RecordReward(ctx context.Context, ref types.PaymentReference, reward string) error {
	return m.store.SetSessionReward(ctx, ref.String(), reward, m.now().UTC())
}

// Cancel stops watching ref. Cancelling a session that already reached a
// terminal state returns it unchanged.
func (m *Manager) Cancel(ctx context.Context, ref string) (Session, error) {
	m.mu.Lock()
	ls, ok := m.live[ref]
	if ok {
		ls.cancelled = true
		ls.cancel()
	}
	m.mu.Unlock()
	if ok {
		select {
		case <-ls.done:
		case <-ctx.Done():
			return Session{}, ctx.Err()
		}
		return m.store.GetSession(ctx, ref)
	}
	sess, err := m.store.GetSession(ctx, ref)
	if err != nil || sess.State.Terminal() {
		return sess, err
	}
	// pending row without a live watcher, left behind by a previous process
	if err := m.store.UpdateSessionState(ctx, ref, SessionCancelled, sess.Attempts, "", m.now().UTC()); err != nil {
		return Session{}, err
	}
	m.metrics.SessionEnded()
	return m.store.GetSession(ctx, ref)
}

// Subscribe streams state changes for ref. The current snapshot is delivered
// first; the channel is closed once the session is terminal.
func (m *Manager) Subscribe(ctx context.Context, ref string) (<-chan Session, func(), error) {
	sess, err := m.store.GetSession(ctx, ref)
	if err != nil {
		return nil, nil, err
	}
	ch := make(chan Session, 8)
	ch <- sess
	m.mu.Lock()
	ls, ok := m.live[ref]
	if !ok || sess.State.Terminal() {
		m.mu.Unlock()
		if !sess.State.Terminal() {
			// re-read: the watcher may have finished between the two lookups
			if latest, err := m.store.GetSession(ctx, ref); err == nil && latest.State != sess.State {
				ch <- latest
			}
		}
		close(ch)
		return ch, func() {}, nil
	}
	ls.subs[ch] = struct{}{}
	m.mu.Unlock()
	unsubscribe := func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		if cur, ok := m.live[ref]; ok {
			if _, ok := cur.subs[ch]; ok {
				delete(cur.subs, ch)
				close(ch)
			}
		}
	}
	return ch, unsubscribe, nil
}

// Close stops every watcher. Sessions that were still pending stay pending
// for the next Resume.
func (m *Manager) Close() {
	m.cancel()
	m.wg.Wait()
}

// Wait blocks until every running watcher has returned.
func (m *Manager) Wait() {
	m.wg.Wait()
}

func (m *Manager) launch(ref types.PaymentReference) bool {
	ctx, cancel := context.WithCancel(m.ctx)
	ls := &liveSession{cancel: cancel, done: make(chan struct{}), subs: make(map[chan Session]struct{})}
	m.mu.Lock()
	if _, busy := m.live[ref.String()]; busy {
		m.mu.Unlock()
		cancel()
		return false
	}
	m.live[ref.String()] = ls
	m.mu.Unlock()

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer close(ls.done)
		defer cancel()
		m.watch(ctx, ref, ls)
	}()
	return true
}

func (m *Manager) watch(ctx context.Context, ref types.PaymentReference, ls *liveSession) {
	key := ref.String()
	w, err := watcher.New(m.finder, ref,
		watcher.WithScheduler(m.scheduler),
		watcher.WithInterval(m.interval),
		watcher.WithMaxAttempts(m.maxAttempts),
		watcher.WithFinality(m.finality),
		watcher.WithLogger(m.logger),
		watcher.WithObserver(func(st watcher.Status) {
			observability.Watcher().RecordPoll("checkout", string(st.State), st.State.Terminal())
			if !st.State.Terminal() {
				m.progress(key, st)
			}
		}),
	)
	if err != nil {
		m.logger.Error("start session watcher", "reference", key, "error", err)
		m.retire(key, nil)
		return
	}
	st, runErr := w.Run(ctx)

	m.mu.Lock()
	cancelled := ls.cancelled
	m.mu.Unlock()

	var state SessionState
	switch {
	case st.State == watcher.StateConfirmed:
		state = SessionConfirmed
	case st.State == watcher.StateExhausted:
		state = SessionExhausted
	case cancelled:
		state = SessionCancelled
	default:
		// shutting down; leave the row pending for Resume
		m.retire(key, nil)
		return
	}
	signature := ""
	if state == SessionConfirmed {
		signature = st.Signature.String()
	}
	if err := m.store.UpdateSessionState(context.Background(), key, state, st.Attempts, signature, m.now().UTC()); err != nil {
		m.logger.Error("persist session", "reference", key, "error", err)
	}
	sess, err := m.store.GetSession(context.Background(), key)
	if err != nil {
		m.logger.Error("reload session", "reference", key, "error", err)
		m.retire(key, nil)
		return
	}
	m.metrics.SessionEnded()
	switch state {
	case SessionConfirmed:
		m.logger.Info("payment confirmed", "reference", key, "signature", signature, "attempts", st.Attempts)
		m.dispatch(sess)
	case SessionExhausted:
		m.logger.Warn("payment not detected", "reference", key, "attempts", st.Attempts, "error", errString(runErr))
	default:
		m.logger.Info("checkout session cancelled", "reference", key, "attempts", st.Attempts)
	}
	m.retire(key, &sess)
}

func (m *Manager) progress(ref string, st watcher.Status) {
	if err := m.store.UpdateSessionState(context.Background(), ref, SessionPending, st.Attempts, "", m.now().UTC()); err != nil {
		m.logger.Debug("persist session progress", "reference", ref, "error", err)
		return
	}
	sess, err := m.store.GetSession(context.Background(), ref)
	if err != nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if ls, ok := m.live[ref]; ok {
		for ch := range ls.subs {
			offer(ch, sess)
		}
	}
}

// retire publishes the final snapshot and closes every subscriber.
func (m *Manager) retire(ref string, final *Session) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ls, ok := m.live[ref]
	if !ok {
		return
	}
	delete(m.live, ref)
	for ch := range ls.subs {
		if final != nil {
			offer(ch, *final)
		}
		close(ch)
	}
}

// offer never blocks the watcher; a slow subscriber loses its oldest
// snapshot rather than the newest.
func offer(ch chan Session, sess Session) {
	select {
	case ch <- sess:
		return
	default:
	}
	select {
	case <-ch:
	default:
	}
	select {
	case ch <- sess:
	default:
	}
}

func (m *Manager) dispatch(sess Session) {
	if m.sink == nil {
		return
	}
	if sess.Account == "" {
		m.logger.Warn("payer unknown, reward mint not requested", "reference", sess.Reference)
		return
	}
	err := m.sink.Enqueue(webhooks.MintTrigger{
		Reference: sess.Reference,
		Account:   sess.Account,
		Amount:    sess.Amount,
		Signature: sess.Signature,
		SightedAt: sess.UpdatedAt,
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		m.logger.Error("enqueue mint trigger", "reference", sess.Reference, "error", err)
	}
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
