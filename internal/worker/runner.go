package worker

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalithlochan/courier/internal/db"
	"github.com/lalithlochan/courier/internal/events"
	"github.com/lalithlochan/courier/internal/metrics"
	"github.com/lalithlochan/courier/internal/ratelimit"
)

// ErrRunnerClosed is returned by Launch after Shutdown.
var ErrRunnerClosed = errors.New("runner is shut down")

// Store is the persistence the dispatch loop needs. Every write is guarded by
// the campaign status and the lease owner, so a worker that lost its lease
// cannot touch the campaign any more.
type Store interface {
	GetCampaign(ctx context.Context, id uuid.UUID) (*db.Campaign, error)
	ListDueCampaigns(ctx context.Context, now time.Time, limit int) ([]uuid.UUID, error)
	ClaimCampaign(ctx context.Context, id uuid.UUID, owner string, now time.Time, ttl time.Duration) (*db.Campaign, bool, error)
	RenewLease(ctx context.Context, id uuid.UUID, owner string, expires time.Time) error
	DropLease(ctx context.Context, id uuid.UUID, owner string) error
	ReleaseCampaign(ctx context.Context, id uuid.UUID, owner, to string, lastError *string) error
	RearmCampaign(ctx context.Context, id uuid.UUID, owner string, next time.Time) error
	NextScheduledRecipient(ctx context.Context, campaignID uuid.UUID) (*db.Recipient, error)
	MarkRecipientSending(ctx context.Context, campaignID uuid.UUID, recipientID int64, owner, content string) error
	MarkRecipientSent(ctx context.Context, campaignID uuid.UUID, recipientID int64, at time.Time) error
	MarkRecipientFailed(ctx context.Context, campaignID uuid.UUID, recipientID int64, lastError string) error
	FailInterruptedRecipients(ctx context.Context, campaignID uuid.UUID, lastError string) (int, error)
	RecentSendTimes(ctx context.Context, campaignID uuid.UUID, since time.Time) ([]time.Time, error)
	CountRecipientsByStatus(ctx context.Context, campaignID uuid.UUID) (db.StatusCounts, error)
}

type Config struct {
	// Owner identifies this runner in campaign leases.
	Owner        string
	PollInterval time.Duration
	PollBatch    int
	LeaseTTL     time.Duration
	// StoreBackoff is the pause after a failed store call.
	StoreBackoff time.Duration
	// MaxStoreErrors consecutive store failures fail the campaign.
	MaxStoreErrors int
}

// Option customizes a Runner.
type Option func(*Runner)

// WithClock replaces the wall clock.
func WithClock(c Clock) Option {
	return func(r *Runner) { r.clock = c }
}

// WithEvents publishes lifecycle events through e.
func WithEvents(e *events.Emitter) Option {
	return func(r *Runner) { r.events = e }
}

// Runner owns the dispatch workers of this process: at most one per campaign,
// backed by the campaign lease for exclusion across processes.
type Runner struct {
	store   Store
	sender  Sender
	limiter ratelimit.Limiter
	events  *events.Emitter
	clock   Clock
	config  Config
	logger  *zap.Logger

	// Workers outlive the request that launched them.
	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	active map[uuid.UUID]*execution
	closed bool
	wg     sync.WaitGroup
}

type execution struct {
	stop     chan struct{}
	done     chan struct{}
	stopOnce sync.Once
}

func (e *execution) signal() {
	e.stopOnce.Do(func() { close(e.stop) })
}

func NewRunner(store Store, sender Sender, limiter ratelimit.Limiter, cfg Config, logger *zap.Logger, opts ...Option) *Runner {
	if cfg.Owner == "" {
		host, _ := os.Hostname()
		cfg.Owner = fmt.Sprintf("%s-%s", host, uuid.NewString()[:8])
	}
	if cfg.PollInterval == 0 {
		cfg.PollInterval = 5 * time.Second
	}
	if cfg.PollBatch == 0 {
		cfg.PollBatch = 20
	}
	if cfg.LeaseTTL == 0 {
		cfg.LeaseTTL = 30 * time.Second
	}
	if cfg.StoreBackoff == 0 {
		cfg.StoreBackoff = 2 * time.Second
	}
	if cfg.MaxStoreErrors == 0 {
		cfg.MaxStoreErrors = 5
	}

	ctx, cancel := context.WithCancel(context.Background())
	r := &Runner{
		store:   store,
		sender:  sender,
		limiter: limiter,
		clock:   SystemClock,
		config:  cfg,
		logger:  logger,
		ctx:     ctx,
		cancel:  cancel,
		active:  make(map[uuid.UUID]*execution),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Owner returns the lease owner name of this runner.
func (r *Runner) Owner() string { return r.config.Owner }

// Start polls for due campaigns until ctx is cancelled. Campaigns whose
// start_at arrives, and campaigns abandoned by a dead runner, are picked up
// here.
func (r *Runner) Start(ctx context.Context) {
	ticker := time.NewTicker(r.config.PollInterval)
	defer ticker.Stop()

	r.logger.Info("runner started",
		zap.String("owner", r.config.Owner),
		zap.Duration("poll_interval", r.config.PollInterval),
	)

	r.Poll(ctx)
	for {
		select {
		case <-ctx.Done():
			r.logger.Info("runner stopping")
			return
		case <-ticker.C:
			r.Poll(ctx)
		}
	}
}

// Poll launches every campaign that is due now.
func (r *Runner) Poll(ctx context.Context) {
	ids, err := r.store.ListDueCampaigns(ctx, r.clock.Now(), r.config.PollBatch)
	if err != nil {
		r.logger.Error("failed to list due campaigns", zap.Error(err))
		return
	}
	for _, id := range ids {
		if _, err := r.Launch(ctx, id); err != nil && !errors.Is(err, ErrRunnerClosed) {
			r.logger.Error("failed to launch campaign",
				zap.String("campaign_id", id.String()),
				zap.Error(err),
			)
		}
	}
}

// Launch claims the campaign and starts its worker. It returns false without
// error when the campaign is not claimable: already running here or
// elsewhere, not yet due, or no longer scheduled.
func (r *Runner) Launch(ctx context.Context, id uuid.UUID) (bool, error) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return false, ErrRunnerClosed
	}
	if _, busy := r.active[id]; busy {
		r.mu.Unlock()
		return false, nil
	}
	ex := &execution{stop: make(chan struct{}), done: make(chan struct{})}
	r.active[id] = ex
	r.wg.Add(1)
	r.mu.Unlock()

	c, reclaimed, err := r.store.ClaimCampaign(ctx, id, r.config.Owner, r.clock.Now(), r.config.LeaseTTL)
	if err != nil {
		r.finish(id, ex)
		if errors.Is(err, db.ErrConflict) || errors.Is(err, db.ErrNotFound) {
			return false, nil
		}
		return false, fmt.Errorf("claim campaign: %w", err)
	}

	metrics.RecordTransition(db.StatusRunning)
	go r.run(ex, c, reclaimed)
	return true, nil
}

// Stop signals the local worker of a campaign and waits for it to exit. The
// message in flight, if any, completes and is recorded first.
func (r *Runner) Stop(ctx context.Context, id uuid.UUID) error {
	r.mu.Lock()
	ex, ok := r.active[id]
	r.mu.Unlock()
	if !ok {
		return nil
	}

	ex.signal()
	select {
	case <-ex.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Active reports whether this runner has a worker for the campaign.
func (r *Runner) Active(id uuid.UUID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.active[id]
	return ok
}

// Shutdown stops every worker and hands their leases back so another runner
// can resume them.
func (r *Runner) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	r.closed = true
	for _, ex := range r.active {
		ex.signal()
	}
	r.mu.Unlock()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()

	defer r.cancel()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Runner) run(ex *execution, c *db.Campaign, reclaimed bool) {
	defer r.finish(c.ID, ex)

	metrics.WorkerStarted()
	defer metrics.WorkerStopped()

	d := &dispatch{
		runner:    r,
		ex:        ex,
		campaign:  c,
		reclaimed: reclaimed,
		key:       "campaign:" + c.ID.String(),
		logger: r.logger.With(
			zap.String("campaign_id", c.ID.String()),
			zap.String("tenant_id", c.TenantID.String()),
		),
	}
	d.run(r.ctx)
}

// finish forgets the execution before closing done, so a Launch issued right
// after Stop returns can claim again.
func (r *Runner) finish(id uuid.UUID, ex *execution) {
	r.mu.Lock()
	if r.active[id] == ex {
		delete(r.active, id)
	}
	r.mu.Unlock()
	close(ex.done)
	r.wg.Done()
}
