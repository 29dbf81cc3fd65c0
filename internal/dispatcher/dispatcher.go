// Package dispatcher is the consumer entry point. It processes a batch of
// queue deliveries with bounded concurrency and turns each one into exactly
// one queue directive: ack on success or dead-letter, retry on failure, defer
// on rate limiting.
package dispatcher

import (
	"context"
	"errors"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/mkc909/sales-marketing-sub003/internal/model"
	"github.com/mkc909/sales-marketing-sub003/internal/queue"
	"github.com/mkc909/sales-marketing-sub003/internal/ratelimit"
	"github.com/mkc909/sales-marketing-sub003/internal/resilience"
	"github.com/mkc909/sales-marketing-sub003/internal/store"
)

// Limiter gates outbound requests per (sourceType, regionKey).
type Limiter interface {
	Allow(ctx context.Context, sourceType, regionKey string) (ratelimit.Decision, error)
	RecordRequest(ctx context.Context, sourceType, regionKey string, d time.Duration) error
	Throttle(ctx context.Context, key model.TaskKey, until time.Time) error
}

// Scraper fetches records for a task.
type Scraper interface {
	Scrape(ctx context.Context, task model.ScrapeTask) (*model.ScrapeResult, error)
}

// Tracker owns the per-key task state machine.
type Tracker interface {
	Begin(ctx context.Context, key model.TaskKey, now time.Time) (*model.TaskState, error)
	Complete(ctx context.Context, key model.TaskKey, resultCount int, now time.Time) (*model.TaskState, error)
	Fail(ctx context.Context, key model.TaskKey, cause error, now time.Time) (*model.TaskState, error)
}

// DeadLetters quarantines deliveries whose retry budget is exhausted.
type DeadLetters interface {
	Quarantine(ctx context.Context, msg queue.Message, cause error) (*model.DeadLetterEntry, error)
}

// Deps are the capabilities the dispatcher drives. Metrics is optional.
type Deps struct {
	Limiter     Limiter
	Scraper     Scraper
	Results     store.RecordStore
	Tracker     Tracker
	DeadLetters DeadLetters
	Log         store.ProcessingLog
	Metrics     *Metrics
}

func (d Deps) validate() error {
	switch {
	case d.Limiter == nil:
		return eris.New("dispatcher: limiter is required")
	case d.Scraper == nil:
		return eris.New("dispatcher: scraper is required")
	case d.Results == nil:
		return eris.New("dispatcher: result store is required")
	case d.Tracker == nil:
		return eris.New("dispatcher: tracker is required")
	case d.DeadLetters == nil:
		return eris.New("dispatcher: dead-letter sink is required")
	case d.Log == nil:
		return eris.New("dispatcher: processing log is required")
	}
	return nil
}

// Config tunes the dispatcher.
type Config struct {
	// Concurrency bounds in-flight tasks per batch.
	Concurrency int
	// MaxAttempts is the delivery attempt at which a failing task is
	// dead-lettered instead of retried.
	MaxAttempts int
	// MaxRateWaits bounds sleep-and-recheck rounds before the delivery is
	// deferred back to the queue. NoRateWaits defers on the first denial.
	MaxRateWaits int
	// RateWaitBudget bounds the total time one delivery sleeps for a slot.
	// A wait that would overrun it defers at once. Keep it well below the
	// queue lease or the delivery is reclaimed while it still waits.
	RateWaitBudget time.Duration
	// QueueDelay defers rate-limited deliveries immediately instead of
	// sleeping in the worker slot.
	QueueDelay bool
	// InvokeTimeout is the hard deadline of one scraper call.
	InvokeTimeout time.Duration
	// ThrottleFor is how long a key is throttled after an upstream 429
	// without a Retry-After hint.
	ThrottleFor time.Duration
	// FallbackRetryDelay is used when the tracker cannot compute the next
	// retry instant.
	FallbackRetryDelay time.Duration
}

// NoRateWaits as MaxRateWaits disables sleep-and-recheck.
const NoRateWaits = -1

// DefaultConfig returns the dispatcher defaults.
func DefaultConfig() Config {
	return Config{
		Concurrency:        5,
		MaxAttempts:        3,
		MaxRateWaits:       10,
		RateWaitBudget:     30 * time.Second,
		InvokeTimeout:      30 * time.Second,
		ThrottleFor:        time.Minute,
		FallbackRetryDelay: time.Minute,
	}
}

// Dispatcher processes batches of deliveries.
type Dispatcher struct {
	deps  Deps
	cfg   Config
	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) bool
	log   *zap.Logger
}

// New creates a Dispatcher. Zero config fields take their defaults.
func New(deps Deps, cfg Config) (*Dispatcher, error) {
	if err := deps.validate(); err != nil {
		return nil, err
	}
	def := DefaultConfig()
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = def.Concurrency
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	switch {
	case cfg.MaxRateWaits == 0:
		cfg.MaxRateWaits = def.MaxRateWaits
	case cfg.MaxRateWaits < 0:
		cfg.MaxRateWaits = NoRateWaits
	}
	if cfg.RateWaitBudget <= 0 {
		cfg.RateWaitBudget = def.RateWaitBudget
	}
	if cfg.InvokeTimeout <= 0 {
		cfg.InvokeTimeout = def.InvokeTimeout
	}
	if cfg.ThrottleFor <= 0 {
		cfg.ThrottleFor = def.ThrottleFor
	}
	if cfg.FallbackRetryDelay <= 0 {
		cfg.FallbackRetryDelay = def.FallbackRetryDelay
	}
	return &Dispatcher{
		deps:  deps,
		cfg:   cfg,
		now:   func() time.Time { return time.Now().UTC() },
		sleep: sleepCtx,
		log:   zap.L().With(zap.String("component", "dispatcher")),
	}, nil
}

// ProcessBatch runs every message through the pipeline and returns one
// outcome per message, in input order. It never fails as a whole: a
// message whose processing could not finish is retried.
func (d *Dispatcher) ProcessBatch(ctx context.Context, msgs []queue.Message) []queue.Outcome {
	start := time.Now()
	outcomes := make([]queue.Outcome, len(msgs))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(d.cfg.Concurrency)

	for i, msg := range msgs {
		g.Go(func() error {
			d.deps.Metrics.trackInFlight(1)
			defer d.deps.Metrics.trackInFlight(-1)
			outcomes[i] = d.process(gctx, msg)
			return nil // a failed task never cancels its siblings
		})
	}
	_ = g.Wait()

	d.deps.Metrics.observeBatch(time.Since(start))
	return outcomes
}

// process handles one delivery: gate, begin, invoke, persist, complete.
func (d *Dispatcher) process(ctx context.Context, msg queue.Message) queue.Outcome {
	start := time.Now()
	task := msg.Task.Normalize()
	msg.Task = task
	key := task.Key()
	log := d.log.With(
		zap.String("delivery_id", msg.ID),
		zap.String("region_key", task.RegionKey),
		zap.String("source_type", task.SourceType),
		zap.String("profession", task.Profession),
		zap.Int("attempt", msg.Attempt),
	)
	entry := &model.ProcessingEntry{
		DeliveryID: msg.ID,
		RegionKey:  task.RegionKey,
		SourceType: task.SourceType,
		Profession: task.Profession,
		Attempt:    msg.Attempt,
	}

	if msg.DecodeError != "" {
		return d.quarantine(ctx, log, msg, entry, start, eris.New(msg.DecodeError))
	}
	if err := task.Validate(); err != nil {
		// A malformed task can never succeed; skip the retry budget.
		return d.quarantine(ctx, log, msg, entry, start, err)
	}

	if denied, ok := d.gate(ctx, log, task); !ok {
		entry.Outcome = model.OutcomeDeferred
		entry.Error = denied.Error()
		d.record(ctx, log, entry, start)
		return queue.Outcome{
			MessageID: msg.ID,
			Action:    queue.ActionDefer,
			Delay:     denied.Wait,
			Reason:    denied.Error(),
		}
	}

	if _, err := d.deps.Tracker.Begin(ctx, key, d.now()); err != nil {
		return d.fail(ctx, log, msg, key, entry, start, err)
	}

	result, err := d.invoke(ctx, log, task)
	if err != nil {
		return d.fail(ctx, log, msg, key, entry, start, err)
	}
	entry.ResultCount = len(result.Records)
	entry.Provenance = result.Provenance

	stored, err := d.deps.Results.UpsertRecords(ctx, result.Records, task)
	if err != nil {
		return d.fail(ctx, log, msg, key, entry, start, err)
	}
	entry.StoredCount = stored
	if stored < len(result.Records) {
		log.Warn("partial persistence",
			zap.Int("found", len(result.Records)),
			zap.Int("stored", stored),
		)
	}

	if _, err := d.deps.Tracker.Complete(ctx, key, len(result.Records), d.now()); err != nil {
		if !errors.Is(err, model.ErrInvalidTransition) {
			return d.fail(ctx, log, msg, key, entry, start, err)
		}
		// The records are stored. Scraping again would not fix the state.
		log.Warn("task state not completed", zap.Error(err))
	}

	entry.Outcome = model.OutcomeCompleted
	d.record(ctx, log, entry, start)
	log.Info("task completed",
		zap.Int("found", entry.ResultCount),
		zap.Int("stored", entry.StoredCount),
		zap.String("provenance", string(entry.Provenance)),
	)
	return queue.Outcome{MessageID: msg.ID, Action: queue.ActionAck}
}

// gate waits for a rate-limit slot. It reports false with the denial when
// the delivery should go back to the queue instead.
func (d *Dispatcher) gate(ctx context.Context, log *zap.Logger, task model.ScrapeTask) (*resilience.RateLimitDenied, bool) {
	var waited time.Duration
	for waits := 0; ; waits++ {
		dec, err := d.deps.Limiter.Allow(ctx, task.SourceType, task.RegionKey)
		if err != nil {
			log.Warn("rate limiter unavailable, failing closed", zap.Error(err))
		}
		if dec.Allowed {
			return nil, true
		}
		d.deps.Metrics.observeRateWait(task.SourceType, dec.Reason)

		denied := &resilience.RateLimitDenied{Key: task.Key().String(), Wait: dec.Wait}
		if d.cfg.QueueDelay || waits >= d.cfg.MaxRateWaits || waited+dec.Wait > d.cfg.RateWaitBudget {
			return denied, false
		}
		log.Debug("rate limited, waiting",
			zap.Int64("wait_ms", dec.WaitMs()),
			zap.String("reason", dec.Reason),
		)
		if !d.sleep(ctx, dec.Wait) {
			return denied, false
		}
		waited += dec.Wait
	}
}

// invoke calls the scraper under the hard timeout and records the call on
// the limiter. An upstream 429 throttles the key.
func (d *Dispatcher) invoke(ctx context.Context, log *zap.Logger, task model.ScrapeTask) (*model.ScrapeResult, error) {
	ictx, cancel := context.WithTimeout(ctx, d.cfg.InvokeTimeout)
	start := time.Now()
	result, err := d.deps.Scraper.Scrape(ictx, task)
	cancel()
	elapsed := time.Since(start)

	d.deps.Metrics.observeInvoke(task.SourceType, elapsed)
	if rerr := d.deps.Limiter.RecordRequest(ctx, task.SourceType, task.RegionKey, elapsed); rerr != nil {
		log.Warn("record request duration failed", zap.Error(rerr))
	}

	if err != nil {
		var ie *resilience.InvocationError
		if errors.As(err, &ie) && ie.RateLimited() {
			d.throttle(ctx, log, task, ie.RetryAfter)
		}
		if !errors.As(err, &ie) {
			// Timeouts and transport errors from a Scraper that does not
			// classify its own failures.
			err = &resilience.InvocationError{Err: err, Transient: true}
		}
		return nil, err
	}
	if result == nil {
		result = &model.ScrapeResult{}
	}
	return result, nil
}

func (d *Dispatcher) throttle(ctx context.Context, log *zap.Logger, task model.ScrapeTask, retryAfter time.Duration) {
	wait := retryAfter
	if wait <= 0 {
		wait = d.cfg.ThrottleFor
	}
	until := d.now().Add(wait)
	if err := d.deps.Limiter.Throttle(ctx, task.Key(), until); err != nil {
		log.Warn("throttle after 429 failed", zap.Error(err))
		return
	}
	d.deps.Metrics.observeThrottle(task.SourceType)
	log.Warn("upstream rate limited, key throttled", zap.Time("until", until))
}

// fail records the failure on the tracker and decides between retry and
// dead-letter from the delivery's attempt counter.
func (d *Dispatcher) fail(ctx context.Context, log *zap.Logger, msg queue.Message, key model.TaskKey, entry *model.ProcessingEntry, start time.Time, cause error) queue.Outcome {
	now := d.now()
	delay := d.cfg.FallbackRetryDelay
	st, err := d.deps.Tracker.Fail(ctx, key, cause, now)
	switch {
	case err != nil:
		log.Error("record task failure failed", zap.Error(err))
	case st.NextRetryAt != nil:
		delay = st.NextRetryAt.Sub(now)
	}

	if msg.Attempt >= d.cfg.MaxAttempts {
		return d.quarantine(ctx, log, msg, entry, start, cause)
	}

	entry.Outcome = model.OutcomeRetried
	entry.Error = cause.Error()
	d.record(ctx, log, entry, start)
	log.Warn("task failed, retrying",
		zap.String("error_kind", resilience.Kind(cause)),
		zap.Duration("retry_in", delay),
		zap.Error(cause),
	)
	return queue.Outcome{
		MessageID: msg.ID,
		Action:    queue.ActionRetry,
		Delay:     delay,
		Reason:    cause.Error(),
	}
}

// quarantine dead-letters msg and acks it. If the entry cannot be written
// the delivery is retried, never dropped.
func (d *Dispatcher) quarantine(ctx context.Context, log *zap.Logger, msg queue.Message, entry *model.ProcessingEntry, start time.Time, cause error) queue.Outcome {
	terminal := &resilience.TerminalError{Err: cause, Attempts: msg.Attempt}
	entry.Error = terminal.Error()

	if _, err := d.deps.DeadLetters.Quarantine(ctx, msg, terminal); err != nil {
		log.Error("quarantine failed, retrying delivery", zap.Error(err))
		entry.Outcome = model.OutcomeRetried
		d.record(ctx, log, entry, start)
		return queue.Outcome{
			MessageID: msg.ID,
			Action:    queue.ActionRetry,
			Delay:     d.cfg.FallbackRetryDelay,
			Reason:    err.Error(),
		}
	}

	entry.Outcome = model.OutcomeDeadLettered
	d.record(ctx, log, entry, start)
	return queue.Outcome{MessageID: msg.ID, Action: queue.ActionAck, Reason: terminal.Error()}
}

// record appends entry to the processing log. The write survives batch
// cancellation so every decided outcome is logged.
func (d *Dispatcher) record(ctx context.Context, log *zap.Logger, entry *model.ProcessingEntry, start time.Time) {
	entry.DurationMs = time.Since(start).Milliseconds()
	entry.CreatedAt = d.now()
	d.deps.Metrics.observeOutcome(entry)
	if err := d.deps.Log.AppendProcessing(context.WithoutCancel(ctx), entry); err != nil {
		log.Error("append processing log failed",
			zap.String("outcome", string(entry.Outcome)),
			zap.Error(err),
		)
	}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
