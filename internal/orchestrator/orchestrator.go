// Package orchestrator drives accounts through the qualification pipeline
// under bounded parallelism. One shared FIFO queue feeds a fixed worker
// pool; a per-account lease guarantees that no two attempts for the same
// account ever overlap, anywhere, for the lifetime of the queue.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"autoqual/internal/models"
	"autoqual/internal/pool"
	"autoqual/internal/stage"
	"autoqual/internal/store"
)

var (
	// ErrAlreadyInFlight rejects a submission for an account that is
	// queued or running for any stage. No retry; the operator resubmits
	// once the account settles.
	ErrAlreadyInFlight = errors.New("account already in flight")

	ErrClosed       = errors.New("orchestrator is not accepting work")
	ErrUnknownStage = errors.New("unknown stage")
)

// storeRetryLimit bounds internal retries on optimistic-concurrency
// clashes before an attempt gives up.
const storeRetryLimit = 3

type Config struct {
	Concurrency        int
	MaxRetries         int
	RetryBackoff       time.Duration
	RetryBackoffMax    time.Duration
	StageTimeout       time.Duration
	MaxDeferrals       int
	FreshProxyPerRetry bool
	ProgressBuffer     int
}

func (c Config) withDefaults() Config {
	if c.Concurrency <= 0 {
		c.Concurrency = 4
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	}
	if c.RetryBackoff <= 0 {
		c.RetryBackoff = 2 * time.Second
	}
	if c.RetryBackoffMax <= 0 {
		c.RetryBackoffMax = 5 * time.Minute
	}
	if c.StageTimeout <= 0 {
		c.StageTimeout = 3 * time.Minute
	}
	if c.MaxDeferrals <= 0 {
		c.MaxDeferrals = 10
	}
	return c
}

// WithSetting maps one persisted runtime setting onto the configuration.
// The bool reports whether the key is a runtime setting at all; unknown
// keys are left to the caller. Worker count is fixed at Start and is not
// adjustable here.
func (c Config) WithSetting(key, value string) (Config, bool, error) {
	asInt := func(dst *int) error {
		n, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("setting %s: %w", key, err)
		}
		*dst = n
		return nil
	}
	asMillis := func(dst *time.Duration) error {
		n, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("setting %s: %w", key, err)
		}
		*dst = time.Duration(n) * time.Millisecond
		return nil
	}

	var err error
	switch strings.ToUpper(key) {
	case "MAX_RETRIES":
		err = asInt(&c.MaxRetries)
	case "MAX_DEFERRALS":
		err = asInt(&c.MaxDeferrals)
	case "RETRY_BACKOFF_MS":
		err = asMillis(&c.RetryBackoff)
	case "RETRY_BACKOFF_MAX_MS":
		err = asMillis(&c.RetryBackoffMax)
	case "STAGE_TIMEOUT_MS":
		err = asMillis(&c.StageTimeout)
	case "FRESH_PROXY_PER_RETRY":
		var b bool
		if b, err = strconv.ParseBool(value); err != nil {
			err = fmt.Errorf("setting %s: %w", key, err)
		} else {
			c.FreshProxyPerRetry = b
		}
	default:
		return c, false, nil
	}
	return c, true, err
}

// task is one queued account-stage attempt. attempt counts retries
// already consumed; proxyID is a best-effort preference when retries are
// configured to reuse the previous proxy.
type task struct {
	email     string
	kind      stage.Kind
	attempt   int
	deferrals int
	proxyID   uint
}

type Orchestrator struct {
	store    *store.Store
	proxies  *pool.ProxyPool
	cards    *pool.CardPool
	execs    map[stage.Kind]stage.Executor
	reporter *Reporter
	log      *slog.Logger

	// cfg is re-readable for live adjustment; workers load a snapshot
	// per work cycle and never mutate it.
	cfg atomic.Pointer[Config]

	mu       sync.Mutex
	inflight map[string]stage.Kind
	closed   bool

	tasks    chan task
	ctx      context.Context
	cancel   context.CancelFunc
	g        *errgroup.Group
	timers   sync.WaitGroup
	stopOnce sync.Once
}

func New(st *store.Store, proxies *pool.ProxyPool, cards *pool.CardPool,
	execs map[stage.Kind]stage.Executor, cfg Config, log *slog.Logger) *Orchestrator {

	if log == nil {
		log = slog.Default()
	}
	cfg = cfg.withDefaults()
	o := &Orchestrator{
		store:    st,
		proxies:  proxies,
		cards:    cards,
		execs:    execs,
		reporter: NewReporter(cfg.ProgressBuffer),
		log:      log.With("component", "orchestrator"),
		inflight: make(map[string]stage.Kind),
		tasks:    make(chan task, 1024),
	}
	o.cfg.Store(&cfg)
	return o
}

// Progress exposes the reporter for sink registration.
func (o *Orchestrator) Progress() *Reporter {
	return o.reporter
}

// Config returns the active configuration snapshot.
func (o *Orchestrator) Config() Config {
	return *o.cfg.Load()
}

// UpdateConfig swaps in new retry/timeout settings. Worker count is fixed
// at Start; the rest takes effect on the next work cycle.
func (o *Orchestrator) UpdateConfig(cfg Config) {
	cfg = cfg.withDefaults()
	o.cfg.Store(&cfg)
}

// Start launches the worker pool.
func (o *Orchestrator) Start(ctx context.Context) {
	o.ctx, o.cancel = context.WithCancel(ctx)
	o.g, _ = errgroup.WithContext(o.ctx)
	for i := 0; i < o.cfg.Load().Concurrency; i++ {
		o.g.Go(func() error {
			o.worker()
			return nil
		})
	}
}

// SubmitResult reports which accounts were accepted into the queue and
// why the rest were rejected.
type SubmitResult struct {
	Accepted []string          `json:"accepted"`
	Rejected map[string]string `json:"rejected,omitempty"`
}

// Submit queues a batch of accounts for one stage. Entries are
// deduplicated by account: an account already queued or running for any
// stage is rejected with ErrAlreadyInFlight rather than double-queued.
// Submitting an account that sits in the error status is the explicit
// retry action and resets its retry counter.
func (o *Orchestrator) Submit(emails []string, kind stage.Kind) (*SubmitResult, error) {
	if !kind.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrUnknownStage, kind)
	}
	if _, ok := o.execs[kind]; !ok {
		return nil, fmt.Errorf("%w: no executor for %q", ErrUnknownStage, kind)
	}

	res := &SubmitResult{Rejected: make(map[string]string)}
	for _, email := range emails {
		if err := o.submitOne(email, kind); err != nil {
			if errors.Is(err, ErrClosed) {
				return res, err
			}
			res.Rejected[email] = err.Error()
			continue
		}
		res.Accepted = append(res.Accepted, email)
	}
	return res, nil
}

func (o *Orchestrator) submitOne(email string, kind stage.Kind) error {
	a, err := o.store.Get(email)
	if err != nil {
		return err
	}
	if err := admissible(a, kind); err != nil {
		return err
	}

	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return ErrClosed
	}
	if held, ok := o.inflight[email]; ok {
		o.mu.Unlock()
		return fmt.Errorf("%w: running %s", ErrAlreadyInFlight, held)
	}
	o.inflight[email] = kind
	o.mu.Unlock()

	if a.Status == models.StatusError {
		if err := o.store.ResetRetry(email); err != nil {
			o.releaseLease(email)
			return err
		}
	}

	select {
	case o.tasks <- task{email: email, kind: kind}:
		queueDepthGauge.Set(float64(len(o.tasks)))
		return nil
	default:
		o.releaseLease(email)
		return errors.New("task queue full")
	}
}

// Cancel closes the queue and signals in-flight workers. Accounts not yet
// started stay untouched; the in-flight ones finish in a resumable state.
func (o *Orchestrator) Cancel() {
	o.mu.Lock()
	o.closed = true
	o.mu.Unlock()
	if o.cancel != nil {
		o.cancel()
	}
	o.drainQueue()
}

// drainQueue releases the leases of queued entries that will never run.
func (o *Orchestrator) drainQueue() {
	for {
		select {
		case t := <-o.tasks:
			o.releaseLease(t.email)
		default:
			queueDepthGauge.Set(float64(len(o.tasks)))
			return
		}
	}
}

// Stop cancels and waits for workers, backoff timers and the reporter to
// drain. Safe to call more than once.
func (o *Orchestrator) Stop() {
	o.stopOnce.Do(func() {
		o.Cancel()
		if o.g != nil {
			_ = o.g.Wait()
		}
		o.timers.Wait()
		// backoff timers may have requeued entries after the first drain
		o.drainQueue()
		o.reporter.Close()
	})
}

// Snapshot is the operator status view.
type Snapshot struct {
	Queued        int                            `json:"queued"`
	InFlight      map[string]stage.Kind          `json:"in_flight"`
	Closed        bool                           `json:"closed"`
	DroppedEvents uint64                         `json:"dropped_events"`
	Counts        map[models.AccountStatus]int64 `json:"counts"`
}

func (o *Orchestrator) Status() (*Snapshot, error) {
	counts, err := o.store.Counts()
	if err != nil {
		return nil, err
	}

	o.mu.Lock()
	inflight := make(map[string]stage.Kind, len(o.inflight))
	for k, v := range o.inflight {
		inflight[k] = v
	}
	closed := o.closed
	o.mu.Unlock()

	return &Snapshot{
		Queued:        len(o.tasks),
		InFlight:      inflight,
		Closed:        closed,
		DroppedEvents: o.reporter.Dropped(),
		Counts:        counts,
	}, nil
}

func (o *Orchestrator) worker() {
	for {
		select {
		case <-o.ctx.Done():
			return
		case t := <-o.tasks:
			queueDepthGauge.Set(float64(len(o.tasks)))
			o.process(t)
		}
	}
}

func (o *Orchestrator) process(t task) {
	workersBusyGauge.Inc()
	defer workersBusyGauge.Dec()

	cfg := *o.cfg.Load()

	// Stop signal raced the queue pull: leave the account untouched.
	if o.ctx.Err() != nil {
		o.releaseLease(t.email)
		return
	}

	a, err := o.store.Get(t.email)
	if err != nil {
		o.releaseLease(t.email)
		o.reporter.Publish(Event{Email: t.email, Stage: t.kind, Level: LevelError,
			Message: fmt.Sprintf("attempt aborted: %v", err)})
		return
	}

	// An ineligible account must never reach the bind stage.
	if t.kind == stage.KindBindAndSubscribe && a.Status == models.StatusIneligible {
		o.finalize(t, models.StatusError, map[string]any{
			"last_error": "ineligible account reached bind stage",
		}, LevelError, "ineligible account reached bind stage", "failed")
		return
	}

	// Submit already vetted admission; the status may have moved while the
	// entry sat in the queue. Abort without touching the account.
	if err := admissible(a, t.kind); err != nil {
		o.releaseLease(t.email)
		o.reporter.Publish(Event{Email: t.email, Stage: t.kind, Level: LevelError,
			Message: fmt.Sprintf("attempt aborted: %v", err)})
		return
	}

	proxy, err := o.acquireProxy(t)
	if err != nil {
		if errors.Is(err, pool.ErrExhausted) {
			o.deferOrFail(t, a, cfg, "proxy pool exhausted")
			return
		}
		o.handleOutcome(t, a, cfg, stage.Resources{}, stage.Transientf("proxy acquire: %v", err))
		return
	}

	res := stage.Resources{Proxy: proxy}
	if t.kind.NeedsCard() {
		card, err := o.cards.Acquire(t.email)
		if err != nil {
			o.proxies.Release(proxy)
			if errors.Is(err, pool.ErrExhausted) {
				o.deferOrFail(t, a, cfg, "card pool exhausted")
				return
			}
			o.handleOutcome(t, a, cfg, stage.Resources{}, stage.Transientf("card acquire: %v", err))
			return
		}
		res.Card = card
	}

	o.reporter.Publish(Event{Email: t.email, Stage: t.kind, Level: LevelInfo,
		Message: fmt.Sprintf("stage started (attempt %d)", t.attempt+1)})

	started := time.Now()
	outcome := o.execute(cfg, t, *a, res)
	stageDuration.WithLabelValues(string(t.kind)).Observe(time.Since(started).Seconds())

	// External cancellation: release everything and leave the account
	// resumable instead of recording a failure.
	if o.ctx.Err() != nil {
		o.releaseResources(res)
		o.releaseLease(t.email)
		o.reporter.Publish(Event{Email: t.email, Stage: t.kind, Level: LevelWarn,
			Message: "cancelled mid-stage, account left resumable"})
		return
	}

	o.handleOutcome(t, a, cfg, res, outcome)
}

// execute runs the stage executor under the configured timeout. The
// worker owns the timeout; the executor only has to honor the context.
func (o *Orchestrator) execute(cfg Config, t task, a models.Account, res stage.Resources) stage.Outcome {
	ctx, cancel := context.WithTimeout(o.ctx, cfg.StageTimeout)
	defer cancel()

	done := make(chan stage.Outcome, 1)
	go func() {
		done <- o.execs[t.kind].Execute(ctx, a, res)
	}()

	select {
	case out := <-done:
		return out
	case <-ctx.Done():
		if o.ctx.Err() != nil {
			return stage.Transientf("cancelled")
		}
		return stage.Transientf("stage timed out after %s", cfg.StageTimeout)
	}
}

// admissible checks that the account's status is the one the stage starts
// from. An errored account may re-enter, but only into the stage that
// failed; anything else could skip a pipeline step.
func admissible(a *models.Account, kind stage.Kind) error {
	if a.Status == kind.ExpectedStatus() {
		return nil
	}
	if a.Status == models.StatusError && a.FailedStage == string(kind) {
		return nil
	}
	return fmt.Errorf("%s requires status %q, account is %q", kind, kind.ExpectedStatus(), a.Status)
}

// backoffFor grows the retry delay exponentially with the attempt count,
// capped at RetryBackoffMax.
func backoffFor(cfg Config, attempt int) time.Duration {
	const maxShift = 20
	if attempt > maxShift {
		attempt = maxShift
	}
	d := cfg.RetryBackoff << attempt
	if d <= 0 || d > cfg.RetryBackoffMax {
		return cfg.RetryBackoffMax
	}
	return d
}

// deferOrFail requeues an attempt hit by pool exhaustion, bounded by
// MaxDeferrals; past the bound it becomes a transient failure.
func (o *Orchestrator) deferOrFail(t task, a *models.Account, cfg Config, reason string) {
	poolDeferralsCounter.Inc()
	if t.deferrals < cfg.MaxDeferrals {
		t.deferrals++
		o.reporter.Publish(Event{Email: t.email, Stage: t.kind, Level: LevelWarn,
			Message: fmt.Sprintf("%s, deferred (%d/%d)", reason, t.deferrals, cfg.MaxDeferrals)})
		o.requeueAfter(t, cfg.RetryBackoff)
		return
	}
	o.handleOutcome(t, a, cfg, stage.Resources{},
		stage.Transientf("%s after %d deferrals", reason, t.deferrals))
}

func (o *Orchestrator) handleOutcome(t task, a *models.Account, cfg Config, res stage.Resources, out stage.Outcome) {
	stageAttemptsCounter.WithLabelValues(string(t.kind), out.Class.String()).Inc()

	switch out.Class {
	case stage.Success:
		patch := map[string]any{
			"last_error":   "",
			"failed_stage": "",
			"retry_count":  0,
		}
		if res.Proxy != nil {
			patch["proxy_addr"] = res.Proxy.Addr()
		}
		if t.kind == stage.KindExtractLink && out.Link != "" {
			patch["verification_link"] = out.Link
		}
		if t.kind.NeedsCard() && res.Card != nil {
			if err := o.cards.MarkUsed(res.Card); err != nil {
				o.log.Warn("card usage bump failed", "card", res.Card.Masked(), "err", err)
			}
		}
		o.releaseResources(res)
		o.finalize(t, t.kind.SuccessStatus(), patch, LevelInfo, "stage succeeded", "success")

	case stage.Ineligible:
		o.releaseResources(res)
		if t.kind == stage.KindBindAndSubscribe {
			// The bind stage has no ineligible outcome; an executor
			// reporting one is a pipeline violation.
			o.finalize(t, models.StatusError, map[string]any{
				"last_error": "bind stage reported ineligible: " + out.Reason,
			}, LevelError, "bind stage reported ineligible: "+out.Reason, "failed")
			return
		}
		o.finalize(t, models.StatusIneligible, map[string]any{
			"last_error": out.Reason,
		}, LevelWarn, "not eligible: "+out.Reason, "ineligible")

	case stage.Transient:
		o.releaseResources(res)
		if t.attempt < cfg.MaxRetries {
			stageRetriesCounter.Inc()
			next := t
			next.attempt++
			next.proxyID = 0
			if !cfg.FreshProxyPerRetry && res.Proxy != nil {
				next.proxyID = res.Proxy.ID
			}
			// Persist the retry count without moving the status.
			if _, err := o.persistTransition(t.email, a.Status, map[string]any{
				"retry_count": next.attempt,
				"last_error":  out.Reason,
			}); err != nil {
				o.log.Warn("retry count persist failed", "email", t.email, "err", err)
			}
			backoff := backoffFor(cfg, t.attempt)
			o.reporter.Publish(Event{Email: t.email, Stage: t.kind, Level: LevelWarn,
				Message: fmt.Sprintf("transient failure (%s), retry %d/%d in %s",
					out.Reason, next.attempt, cfg.MaxRetries, backoff)})
			o.requeueAfter(next, backoff)
			return
		}
		o.finalize(t, models.StatusError, map[string]any{
			"last_error":   out.Reason,
			"failed_stage": string(t.kind),
			"retry_count":  t.attempt,
		}, LevelError, fmt.Sprintf("failed after %d attempts: %s", t.attempt+1, out.Reason), "failed")

	case stage.Fatal:
		o.releaseResources(res)
		o.finalize(t, models.StatusError, map[string]any{
			"last_error":   out.Reason,
			"failed_stage": string(t.kind),
		}, LevelError, "fatal failure: "+out.Reason, "failed")
	}
}

// finalize persists the terminal status, releases the lease, and reports
// the result. Every terminal outcome is both stored and emitted.
func (o *Orchestrator) finalize(t task, next models.AccountStatus,
	patch map[string]any, level Level, message, opStatus string) {

	updated, err := o.persistTransitionTo(t.email, next, patch)
	o.releaseLease(t.email)

	if err != nil {
		o.log.Error("terminal transition failed", "email", t.email, "stage", t.kind, "err", err)
		o.store.LogOperation(string(t.kind), t.email, fmt.Sprintf("state persist failed: %v", err), "failed")
		o.reporter.Publish(Event{Email: t.email, Stage: t.kind, Level: LevelError,
			Message: fmt.Sprintf("state persist failed: %v", err)})
		return
	}

	o.store.LogOperation(string(t.kind), t.email, message, opStatus)
	o.reporter.Publish(Event{Email: t.email, Stage: t.kind, Level: level,
		Message: message, NewStatus: updated.Status})
}

// persistTransitionTo retries optimistic-concurrency clashes a few times,
// re-reading the row each round so the expected status is always fresh.
// Exhausting the bound escalates: the attempt must never silently drop
// the account's last known state.
func (o *Orchestrator) persistTransitionTo(email string, next models.AccountStatus, patch map[string]any) (*models.Account, error) {
	var lastErr error
	for i := 0; i < storeRetryLimit; i++ {
		a, err := o.store.Get(email)
		if err != nil {
			return nil, err
		}
		updated, err := o.store.Transition(email, a.Status, next, patch)
		if err == nil {
			return updated, nil
		}
		if !errors.Is(err, store.ErrConflict) && !errors.Is(err, store.ErrTransition) {
			return nil, err
		}
		lastErr = err
	}
	return nil, fmt.Errorf("gave up after %d conflicting writes: %w", storeRetryLimit, lastErr)
}

// persistTransition is persistTransitionTo pinned at an expected current
// status (used for same-status patches like retry counters).
func (o *Orchestrator) persistTransition(email string, status models.AccountStatus, patch map[string]any) (*models.Account, error) {
	return o.store.Transition(email, status, status, patch)
}

// acquireProxy honors a retry's proxy preference when configured to reuse
// rather than rotate; a vanished preference falls back to first-available.
func (o *Orchestrator) acquireProxy(t task) (*models.Proxy, error) {
	if t.proxyID != 0 {
		if p, err := o.proxies.AcquireByID(t.proxyID, t.email); err == nil {
			return p, nil
		}
	}
	return o.proxies.Acquire(t.email)
}

func (o *Orchestrator) releaseResources(res stage.Resources) {
	o.proxies.Release(res.Proxy)
	if res.Card != nil {
		o.cards.Release(res.Card)
	}
}

func (o *Orchestrator) releaseLease(email string) {
	o.mu.Lock()
	delete(o.inflight, email)
	o.mu.Unlock()
}

// requeueAfter puts the attempt back on the queue after a delay, keeping
// the lease so no other submission can slip in during the backoff. If the
// queue closed in the meantime the attempt is dropped and the account
// stays resumable.
func (o *Orchestrator) requeueAfter(t task, d time.Duration) {
	o.timers.Add(1)
	time.AfterFunc(d, func() {
		defer o.timers.Done()

		o.mu.Lock()
		closed := o.closed
		o.mu.Unlock()
		if closed {
			o.releaseLease(t.email)
			return
		}

		select {
		case o.tasks <- t:
			queueDepthGauge.Set(float64(len(o.tasks)))
		case <-o.ctx.Done():
			o.releaseLease(t.email)
		}
	})
}
