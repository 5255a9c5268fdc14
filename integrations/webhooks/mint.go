package webhooks

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/cutemonstersnft/solanapay-compression/gateway/middleware"
)

const (
	defaultMaxAttempts = 5
	defaultMinBackoff  = 2 * time.Second
	defaultMaxBackoff  = 30 * time.Second
	defaultTokenTTL    = 5 * time.Minute

	headerDeliveryID = "X-Delivery-Id"
)

// MintTrigger is the body POSTed to the mint orchestrator once a payment
// reference has been sighted.
type MintTrigger struct {
	Reference  string    `json:"reference"`
	Account    string    `json:"account"`
	Amount     string    `json:"amount,omitempty"`
	Signature  string    `json:"signature,omitempty"`
	SightedAt  time.Time `json:"sightedAt"`
	DeliveryID string    `json:"deliveryId"`
}

// Dispatcher delivers mint triggers with retry and exponential backoff.
type Dispatcher struct {
	endpoint    string
	secret      string
	useJWT      bool
	issuer      string
	audience    string
	client      *http.Client
	logger      *slog.Logger
	maxAttempts int
	minBackoff  time.Duration
	maxBackoff  time.Duration
	now         func() time.Time
	onFinal     func(MintTrigger, error)

	ctx    context.Context
	cancel context.CancelFunc
	queue  chan MintTrigger
	wg     sync.WaitGroup
}

// Option mutates dispatcher configuration.
type Option func(*Dispatcher)

// WithHTTPClient overrides the HTTP client used for deliveries.
func WithHTTPClient(client *http.Client) Option {
	return func(d *Dispatcher) {
		if client != nil {
			d.client = client
		}
	}
}

// WithRetryPolicy overrides the retry configuration.
func WithRetryPolicy(maxAttempts int, minBackoff, maxBackoff time.Duration) Option {
	return func(d *Dispatcher) {
		if maxAttempts > 0 {
			d.maxAttempts = maxAttempts
		}
		if minBackoff > 0 {
			d.minBackoff = minBackoff
		}
		if maxBackoff >= minBackoff && maxBackoff > 0 {
			d.maxBackoff = maxBackoff
		}
	}
}

// WithJWT presents short-lived HS256 tokens signed with the shared secret
// instead of the raw secret.
func WithJWT(issuer, audience string) Option {
	return func(d *Dispatcher) {
		d.useJWT = true
		d.issuer = issuer
		d.audience = audience
	}
}

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(d *Dispatcher) {
		if logger != nil {
			d.logger = logger
		}
	}
}

// WithResultHook is invoked once per trigger after the final attempt. err is
// nil when the orchestrator accepted the trigger.
func WithResultHook(fn func(MintTrigger, error)) Option {
	return func(d *Dispatcher) { d.onFinal = fn }
}

// NewDispatcher constructs a dispatcher and spawns the worker goroutine.
func NewDispatcher(endpoint, secret string, opts ...Option) (*Dispatcher, error) {
	endpoint = strings.TrimSpace(endpoint)
	if endpoint == "" {
		return nil, errors.New("webhook: endpoint required")
	}
	secret = strings.TrimSpace(secret)
	if secret == "" {
		return nil, errors.New("webhook: secret required")
	}
	ctx, cancel := context.WithCancel(context.Background())
	dispatcher := &Dispatcher{
		endpoint:    endpoint,
		secret:      secret,
		client:      &http.Client{Timeout: 15 * time.Second},
		logger:      slog.Default(),
		maxAttempts: defaultMaxAttempts,
		minBackoff:  defaultMinBackoff,
		maxBackoff:  defaultMaxBackoff,
		now:         time.Now,
		ctx:         ctx,
		cancel:      cancel,
		queue:       make(chan MintTrigger, 32),
	}
	for _, opt := range opts {
		opt(dispatcher)
	}
	dispatcher.wg.Add(1)
	go dispatcher.worker()
	return dispatcher, nil
}

// Close stops the dispatcher and waits for inflight deliveries to complete.
func (d *Dispatcher) Close() {
	if d == nil {
		return
	}
	d.cancel()
	d.wg.Wait()
}

// Enqueue schedules a trigger for asynchronous delivery.
func (d *Dispatcher) Enqueue(trigger MintTrigger) error {
	if d == nil {
		return errors.New("webhook: dispatcher not initialised")
	}
	if strings.TrimSpace(trigger.Reference) == "" || strings.TrimSpace(trigger.Account) == "" {
		return errors.New("webhook: reference and account required")
	}
	if trigger.SightedAt.IsZero() {
		trigger.SightedAt = d.now().UTC()
	}
	if trigger.DeliveryID == "" {
		trigger.DeliveryID = uuid.NewString()
	}
	select {
	case d.queue <- trigger:
		return nil
	case <-d.ctx.Done():
		return errors.New("webhook: dispatcher closed")
	}
}

func (d *Dispatcher) worker() {
	defer d.wg.Done()
	for {
		select {
		case job := <-d.queue:
			d.process(job)
		case <-d.ctx.Done():
			return
		}
	}
}

func (d *Dispatcher) process(job MintTrigger) {
	body, err := json.Marshal(job)
	if err != nil {
		d.finish(job, err)
		return
	}
	attempt := 0
	backoff := d.minBackoff
	for {
		attempt++
		ctx, cancel := context.WithTimeout(d.ctx, d.client.Timeout)
		err = d.send(ctx, job, body)
		cancel()
		if err == nil {
			d.finish(job, nil)
			return
		}
		var perm permanentError
		if errors.As(err, &perm) || attempt >= d.maxAttempts {
			d.finish(job, err)
			return
		}
		d.logger.Debug("mint trigger delivery failed", "reference", job.Reference, "attempt", attempt, "error", err)
		select {
		case <-time.After(backoff):
		case <-d.ctx.Done():
			d.finish(job, d.ctx.Err())
			return
		}
		backoff = nextBackoff(backoff, d.maxBackoff)
	}
}

func (d *Dispatcher) finish(job MintTrigger, err error) {
	var perm permanentError
	switch {
	case err == nil:
		dispatchMetrics().record("delivered")
	case errors.As(err, &perm):
		dispatchMetrics().record("rejected")
	default:
		dispatchMetrics().record("dropped")
	}
	if err != nil {
		d.logger.Warn("mint trigger not delivered", "reference", job.Reference, "delivery", job.DeliveryID, "error", err)
	}
	if d.onFinal != nil {
		d.onFinal(job, err)
	}
}

// permanentError marks responses that retrying cannot fix.
type permanentError struct{ status int }

func (e permanentError) Error() string {
	return fmt.Sprintf("webhook: delivery rejected with status %d", e.status)
}

func (d *Dispatcher) send(ctx context.Context, job MintTrigger, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	token, err := d.credential(job)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set(headerDeliveryID, job.DeliveryID)
	resp, err := d.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusUnauthorized, resp.StatusCode == http.StatusBadRequest:
		return permanentError{status: resp.StatusCode}
	default:
		return fmt.Errorf("webhook: delivery failed with status %d", resp.StatusCode)
	}
}

func (d *Dispatcher) credential(job MintTrigger) (string, error) {
	if !d.useJWT {
		return d.secret, nil
	}
	return middleware.SignToken(d.secret, d.issuer, d.audience, map[string]interface{}{"ref": job.Reference}, defaultTokenTTL, d.now())
}

func nextBackoff(current, max time.Duration) time.Duration {
	next := current * 2
	if next > max {
		return max
	}
	if next < current {
		return max
	}
	return next
}
