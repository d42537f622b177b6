// Package services – Dispatcher
//
// The Dispatcher supervises one worker goroutine per active campaign. A
// worker claims the campaign's pending tasks in audience order and runs each
// through one unit:
//
//	render -> (paid) debit -> send -> mark sent     (refund on failure)
//	render -> (agent) queue for the extension bridge
//
// The unit runs on a context detached from cancellation, so Pause and
// shutdown never leave a debit without its send outcome. Between units the
// worker sleeps for the campaign's pacing delay and honors the hourly cap.
package services

import (
	"context"
	"errors"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/gorm"

	"github.com/tbourn/go-campaign-dispatch/internal/config"
	"github.com/tbourn/go-campaign-dispatch/internal/delivery"
	"github.com/tbourn/go-campaign-dispatch/internal/domain"
	"github.com/tbourn/go-campaign-dispatch/internal/observability"
	"github.com/tbourn/go-campaign-dispatch/internal/repo"
)

const (
	dueBatch     = 100
	stopWaitMax  = 30 * time.Second
	failedReason = "failure_reason"
)

// Reaper is the housekeeping the dispatcher drives on every tick. The
// extension bridge implements it.
type Reaper interface {
	RequeueExpired(ctx context.Context) (int, error)
	ExpireSessions(ctx context.Context) (int64, error)
}

type unitResult int

const (
	unitDone unitResult = iota
	unitPaused
)

// workerHandle stays registered until its goroutine exits, stopping or not.
type workerHandle struct {
	cancel   context.CancelFunc
	done     chan struct{}
	stopping bool
}

// Dispatcher runs campaign workers. It implements Supervisor.
type Dispatcher struct {
	DB     *gorm.DB
	Ledger *LedgerService
	Sender delivery.Sender
	Reaper Reaper
	Cfg    config.DispatchConfig

	// Now, Sleep and Jitter are replaceable in tests. Sleep reports false
	// when ctx ended before d elapsed.
	Now    func() time.Time
	Sleep  func(ctx context.Context, d time.Duration) bool
	Jitter func(n int64) int64

	mu      sync.Mutex
	base    context.Context
	workers map[string]*workerHandle
	wg      sync.WaitGroup
}

// NewDispatcher wires a dispatcher with real time and uniform jitter.
func NewDispatcher(db *gorm.DB, ledger *LedgerService, sender delivery.Sender, cfg config.DispatchConfig) *Dispatcher {
	return &Dispatcher{
		DB:     db,
		Ledger: ledger,
		Sender: sender,
		Cfg:    cfg,
		Now:    time.Now,
		Sleep:  sleepCtx,
		Jitter: rand.Int64N,
	}
}

func (d *Dispatcher) now() time.Time {
	if d.Now == nil {
		return time.Now().UTC()
	}
	return d.Now().UTC()
}

func (d *Dispatcher) sleep(ctx context.Context, dur time.Duration) bool {
	if d.Sleep == nil {
		return sleepCtx(ctx, dur)
	}
	return d.Sleep(ctx, dur)
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

// pacing returns base + uniform[0, jitter] for c.
func (d *Dispatcher) pacing(c *domain.Campaign) time.Duration {
	ms := int64(c.BaseDelayMs)
	if c.JitterRangeMs > 0 {
		j := rand.Int64N
		if d.Jitter != nil {
			j = d.Jitter
		}
		ms += j(int64(c.JitterRangeMs) + 1)
	}
	return time.Duration(ms) * time.Millisecond
}

// Run recovers interrupted work, then ticks until ctx ends. It returns after
// every worker has stopped.
func (d *Dispatcher) Run(ctx context.Context) error {
	d.mu.Lock()
	d.base = ctx
	d.mu.Unlock()

	if err := d.Recover(ctx); err != nil {
		logger(ctx).Error().Err(err).Msg("dispatcher recovery failed")
	}

	interval := d.Cfg.PollInterval
	if interval <= 0 {
		interval = 15 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		d.Tick(ctx)
		select {
		case <-ctx.Done():
			d.stopAll()
			return nil
		case <-ticker.C:
		}
	}
}

// Recover returns worker-claimed tasks of active and paused campaigns to
// pending and starts a worker per active campaign. Tasks that were debited
// before the crash are not charged again when they are re-run.
func (d *Dispatcher) Recover(ctx context.Context) error {
	active, err := repo.ListCampaignIDsByState(ctx, d.DB, domain.CampaignActive)
	if err != nil {
		return err
	}
	paused, err := repo.ListCampaignIDsByState(ctx, d.DB, domain.CampaignPaused)
	if err != nil {
		return err
	}
	released, err := repo.ReleaseWorkerClaims(ctx, d.DB, append(append([]string{}, active...), paused...))
	if err != nil {
		return err
	}
	logger(ctx).Info().
		Int("active_campaigns", len(active)).
		Int64("released_tasks", released).
		Msg("dispatcher recovered")
	for _, id := range active {
		d.Start(id)
	}
	return nil
}

// Tick performs one scheduler pass.
func (d *Dispatcher) Tick(ctx context.Context) {
	ctx, span := otel.Tracer("services/Dispatcher").Start(ctx, "Tick")
	defer span.End()
	log := logger(ctx)
	now := d.now()

	due, err := repo.ListDueScheduled(ctx, d.DB, now.Add(d.Cfg.ActivationTolerance), dueBatch)
	if err != nil {
		log.Error().Err(err).Msg("list due campaigns")
	}
	for i := range due {
		if _, err := activateCampaign(ctx, d.DB, d, &due[i], now, d.Cfg.ActivationTolerance); err != nil {
			log.Error().Err(err).Str("campaign_id", due[i].ID).Msg("activate campaign")
		}
	}

	if d.Reaper != nil {
		if n, err := d.Reaper.RequeueExpired(ctx); err != nil {
			log.Error().Err(err).Msg("requeue expired leases")
		} else if n > 0 {
			log.Info().Int("tasks", n).Msg("expired leases handled")
		}
		if _, err := d.Reaper.ExpireSessions(ctx); err != nil {
			log.Error().Err(err).Msg("expire sessions")
		}
	}

	active, err := repo.ListCampaignIDsByState(ctx, d.DB, domain.CampaignActive)
	if err != nil {
		log.Error().Err(err).Msg("list active campaigns")
		return
	}
	for _, id := range active {
		if _, err := completeIfDrained(withCampaign(ctx, id), d.DB, id, now); err != nil {
			log.Error().Err(err).Str("campaign_id", id).Msg("complete campaign")
		}
	}

	withPending, err := repo.ListActiveWithPending(ctx, d.DB)
	if err != nil {
		log.Error().Err(err).Msg("list campaigns with pending tasks")
		return
	}
	for _, id := range withPending {
		d.Start(id)
	}
}

// Start launches the worker of campaignID unless one is running. When the
// previous worker is still stopping, Start waits for it to exit first.
func (d *Dispatcher) Start(campaignID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for {
		prev, ok := d.workers[campaignID]
		if !ok {
			break
		}
		if !prev.stopping {
			return
		}
		d.mu.Unlock()
		exited := waitDone(prev.done)
		d.mu.Lock()
		if !exited {
			// Tick restarts the campaign once the old worker is gone.
			logger(context.Background()).Warn().Str("campaign_id", campaignID).Msg("previous worker still stopping")
			return
		}
	}
	if d.workers == nil {
		d.workers = map[string]*workerHandle{}
	}
	base := d.base
	if base == nil {
		base = context.Background()
	}
	ctx, cancel := context.WithCancel(base)
	h := &workerHandle{cancel: cancel, done: make(chan struct{})}
	d.workers[campaignID] = h
	observability.ActiveWorkers.Inc()

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		defer close(h.done)
		defer observability.ActiveWorkers.Dec()
		defer func() {
			d.mu.Lock()
			if d.workers[campaignID] == h {
				delete(d.workers, campaignID)
			}
			d.mu.Unlock()
		}()
		if err := d.ProcessCampaign(ctx, campaignID); err != nil {
			logger(ctx).Error().Err(err).Str("campaign_id", campaignID).Msg("campaign worker stopped")
		}
	}()
}

// Stop cancels the worker of campaignID and waits for its current unit.
func (d *Dispatcher) Stop(campaignID string) {
	d.mu.Lock()
	h, ok := d.workers[campaignID]
	if ok {
		h.stopping = true
	}
	d.mu.Unlock()
	if !ok {
		return
	}
	h.cancel()
	if !waitDone(h.done) {
		log := logger(context.Background())
		log.Warn().Str("campaign_id", campaignID).Msg("worker did not stop in time")
	}
}

// waitDone reports whether done closed within stopWaitMax.
func waitDone(done <-chan struct{}) bool {
	select {
	case <-done:
		return true
	case <-time.After(stopWaitMax):
		return false
	}
}

// Running reports whether campaignID has a live worker.
func (d *Dispatcher) Running(campaignID string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.workers[campaignID]
	return ok
}

// Wait blocks until every worker goroutine has exited.
func (d *Dispatcher) Wait() { d.wg.Wait() }

func (d *Dispatcher) stopAll() {
	d.mu.Lock()
	handles := make([]*workerHandle, 0, len(d.workers))
	for _, h := range d.workers {
		h.stopping = true
		handles = append(handles, h)
	}
	d.mu.Unlock()
	for _, h := range handles {
		h.cancel()
	}
	d.wg.Wait()
}

// ProcessCampaign runs the worker loop of campaignID in the calling
// goroutine until the campaign leaves active, runs out of pending tasks or
// ctx ends.
func (d *Dispatcher) ProcessCampaign(ctx context.Context, campaignID string) error {
	workerID := "worker-" + uuid.NewString()
	ctx = withCampaign(ctx, campaignID)
	log := logger(ctx).With().Str("worker", workerID).Logger()
	ctx = log.WithContext(ctx)

	for {
		if ctx.Err() != nil {
			return nil
		}
		c, err := repo.GetCampaignByID(ctx, d.DB, campaignID)
		if errors.Is(err, repo.ErrNotFound) {
			return nil
		}
		if err != nil {
			return internal("load campaign", err)
		}
		if c.State != domain.CampaignActive {
			return nil
		}

		wait, err := d.windowWait(ctx, c)
		if err != nil {
			return internal("rate window", err)
		}
		if wait > 0 {
			log.Info().Dur("wait", wait).Int("hourly_limit", c.HourlyLimit).Msg("hourly cap reached")
			if !d.sleep(ctx, wait) {
				return nil
			}
			continue
		}

		task, err := repo.ClaimNextPending(ctx, d.DB, campaignID, workerID)
		if err != nil {
			return internal("claim task", err)
		}
		if task == nil {
			_, err := completeIfDrained(ctx, d.DB, campaignID, d.now())
			return err
		}

		res, err := d.runUnit(context.WithoutCancel(ctx), c, task)
		if err != nil {
			d.release(context.WithoutCancel(ctx), task)
			return err
		}
		if res == unitPaused {
			return nil
		}
		if !d.sleep(ctx, d.pacing(c)) {
			return nil
		}
	}
}

// windowWait resets an expired window and returns how long to wait when the
// current one is full.
func (d *Dispatcher) windowWait(ctx context.Context, c *domain.Campaign) (time.Duration, error) {
	now := d.now()
	w, err := repo.GetOrCreateWindow(ctx, d.DB, c.ID, c.HourlyLimit, now)
	if err != nil {
		return 0, err
	}
	if w.Expired(now) {
		return 0, repo.ResetWindow(ctx, d.DB, c.ID, now)
	}
	if w.SentInWindow >= w.HourlyLimit {
		return w.WindowStartAt.Add(time.Hour).Sub(now), nil
	}
	return 0, nil
}

func (d *Dispatcher) release(ctx context.Context, t *domain.DispatchTask) {
	_, err := repo.TransitionTask(ctx, d.DB, t.ID,
		[]domain.TaskStatus{domain.TaskInFlight}, domain.TaskPending,
		map[string]any{"claimed_by": ""})
	if err != nil {
		logger(ctx).Error().Err(err).Str("task_id", t.ID).Msg("release claim")
	}
}

func (d *Dispatcher) runUnit(ctx context.Context, c *domain.Campaign, t *domain.DispatchTask) (unitResult, error) {
	ctx, span := otel.Tracer("services/Dispatcher").Start(ctx, "Unit", trace.WithAttributes(
		attribute.String("campaign.id", c.ID),
		attribute.String("task.id", t.ID),
		attribute.String("channel", string(c.Channel)),
	))
	defer span.End()

	body, ok, err := d.render(ctx, c, t)
	if err != nil {
		return unitDone, internal("render", err)
	}
	if !ok {
		_, err := repo.TransitionTask(ctx, d.DB, t.ID,
			[]domain.TaskStatus{domain.TaskInFlight}, domain.TaskSkipped,
			map[string]any{"claimed_by": "", failedReason: domain.FailVariantsMissing})
		d.count(c, "skipped")
		return unitDone, err
	}

	if c.Channel.AgentDelivered() {
		return d.handOff(ctx, c, t)
	}
	return d.sendPaid(ctx, c, t, body)
}

// render returns the task's message, rendering and freezing it on first use.
// ok is false when the campaign has no variant for the task's outcome. The
// rotation only moves once the task is delivered or handed off (see
// completeUnit), so failed tasks do not consume a variant.
func (d *Dispatcher) render(ctx context.Context, c *domain.Campaign, t *domain.DispatchTask) (string, bool, error) {
	if t.VariantIndex != nil {
		return t.RenderedMessage, true, nil
	}
	variants := c.MessageVariants.Data().For(t.OutcomeType)
	idx := pickVariant(c.Rotation(t.OutcomeType), len(variants))
	if idx < 0 {
		return "", false, nil
	}
	body, missing := RenderTemplate(variants[idx], t.Vars())
	if len(missing) > 0 {
		logger(ctx).Warn().Str("task_id", t.ID).Strs("missing", missing).Msg("unresolved placeholders rendered empty")
	}
	if err := repo.UpdateTaskFields(ctx, d.DB, t.ID, map[string]any{
		"rendered_message": body,
		"variant_index":    idx,
	}); err != nil {
		return "", false, err
	}
	t.RenderedMessage, t.VariantIndex = body, &idx
	return body, true, nil
}

// completeUnit moves an in-flight task to its delivered status and advances
// the campaign's rotation in the same transaction.
func (d *Dispatcher) completeUnit(ctx context.Context, c *domain.Campaign, t *domain.DispatchTask, to domain.TaskStatus, fields map[string]any) (bool, error) {
	var moved bool
	err := d.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		ok, err := repo.TransitionTask(ctx, tx, t.ID, []domain.TaskStatus{domain.TaskInFlight}, to, fields)
		if err != nil || !ok {
			return err
		}
		moved = true
		return repo.AdvanceRotation(ctx, tx, c.ID, t.OutcomeType)
	})
	return moved, err
}

func (d *Dispatcher) handOff(ctx context.Context, c *domain.Campaign, t *domain.DispatchTask) (unitResult, error) {
	ok, err := d.completeUnit(ctx, c, t, domain.TaskQueued, map[string]any{"claimed_by": ""})
	if err != nil {
		return unitDone, internal("queue task", err)
	}
	if ok {
		d.countSend(ctx, c)
		d.count(c, "queued")
	}
	return unitDone, nil
}

func (d *Dispatcher) sendPaid(ctx context.Context, c *domain.Campaign, t *domain.DispatchTask, body string) (unitResult, error) {
	log := logger(ctx).With().Str("task_id", t.ID).Logger()
	cost := d.Cfg.CostPerMessage
	if cost <= 0 {
		cost = 1
	}

	if _, err := d.Ledger.Debit(ctx, c.OwnerID, c.Channel, cost, t.ID); err != nil {
		if !errors.Is(err, ErrInsufficientCredit) {
			return unitDone, err
		}
		if _, err := repo.TransitionTask(ctx, d.DB, t.ID,
			[]domain.TaskStatus{domain.TaskInFlight}, domain.TaskFailed,
			map[string]any{"claimed_by": "", failedReason: domain.ReasonNoCredit}); err != nil {
			return unitDone, internal("fail task", err)
		}
		d.count(c, domain.ReasonNoCredit)
		n, err := repo.IncrementNoCredit(ctx, d.DB, c.ID)
		if err != nil {
			return unitDone, internal("no-credit counter", err)
		}
		log.Warn().Int("consecutive", n).Msg("insufficient credit")
		if d.Cfg.NoCreditThreshold > 0 && n >= d.Cfg.NoCreditThreshold {
			if _, err := autoPause(ctx, d.DB, c.ID, domain.PauseOutOfCredit); err != nil {
				return unitDone, internal("auto-pause", err)
			}
			return unitPaused, nil
		}
		return unitDone, nil
	}

	attempts, sendErr := d.send(ctx, c, t, body)
	if sendErr != nil {
		log.Error().Err(sendErr).Int("attempts", attempts).Msg("delivery failed")
		if _, err := d.Ledger.Refund(ctx, c.OwnerID, c.Channel, cost, t.ID, "delivery failed"); err != nil {
			// The released task is re-run without a new debit; the
			// original one is still outstanding.
			return unitDone, err
		}
		if _, err := repo.TransitionTask(ctx, d.DB, t.ID,
			[]domain.TaskStatus{domain.TaskInFlight}, domain.TaskFailed,
			map[string]any{"claimed_by": "", "attempt": t.Attempt + attempts, failedReason: domain.ReasonDeliveryFailed}); err != nil {
			return unitDone, internal("fail task", err)
		}
		d.count(c, domain.ReasonDeliveryFailed)
		return unitDone, nil
	}

	if _, err := d.completeUnit(ctx, c, t, domain.TaskSent,
		map[string]any{"claimed_by": "", "attempt": t.Attempt + attempts, "sent_at": d.now()}); err != nil {
		return unitDone, internal("mark sent", err)
	}
	d.countSend(ctx, c)
	d.count(c, "sent")
	return unitDone, nil
}

// send delivers with exponential backoff on transient errors. It returns the
// number of attempts made.
func (d *Dispatcher) send(ctx context.Context, c *domain.Campaign, t *domain.DispatchTask, body string) (int, error) {
	if d.Sender == nil {
		return 0, ErrPermanentDelivery
	}
	maxTries := d.Cfg.MaxSendAttempts
	if maxTries <= 0 {
		maxTries = 1
	}
	b := backoff.NewExponentialBackOff()
	if d.Cfg.RetryInitial > 0 {
		b.InitialInterval = d.Cfg.RetryInitial
	}
	if d.Cfg.RetryMax > 0 {
		b.MaxInterval = d.Cfg.RetryMax
	}

	attempts := 0
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		attempts++
		err := d.Sender.Send(ctx, delivery.Message{
			TaskID:     t.ID,
			CampaignID: c.ID,
			OwnerID:    c.OwnerID,
			Channel:    string(c.Channel),
			Contact:    t.Contact,
			Body:       body,
			Attempt:    t.Attempt + attempts,
		})
		if err != nil && delivery.IsPermanent(err) {
			return struct{}{}, backoff.Permanent(err)
		}
		return struct{}{}, err
	}, backoff.WithBackOff(b), backoff.WithMaxTries(uint(maxTries)))
	return attempts, err
}

// countSend takes one slot of the hourly window and clears the no-credit
// streak.
func (d *Dispatcher) countSend(ctx context.Context, c *domain.Campaign) {
	if ok, err := repo.IncrementWindow(ctx, d.DB, c.ID); err != nil {
		logger(ctx).Error().Err(err).Msg("increment rate window")
	} else if !ok {
		logger(ctx).Warn().Msg("send counted past the hourly cap")
	}
	if c.ConsecutiveNoCredit > 0 {
		if err := repo.ResetNoCredit(ctx, d.DB, c.ID); err != nil {
			logger(ctx).Error().Err(err).Msg("reset no-credit counter")
		}
		c.ConsecutiveNoCredit = 0
	}
}

func (d *Dispatcher) count(c *domain.Campaign, outcome string) {
	observability.DispatchTasks.WithLabelValues(string(c.Channel), outcome).Inc()
}
