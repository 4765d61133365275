package scheduler

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/Yoo1tic/pollux/internal/clock"
	"github.com/Yoo1tic/pollux/oauth"
	"github.com/Yoo1tic/pollux/types"
)

// TokenRefresher exchanges a refresh token for a fresh access token.
// *oauth.Client satisfies it.
type TokenRefresher interface {
	RefreshToken(ctx context.Context, refreshToken string) (*oauth.TokenResult, error)
}

// TierResolving resolves entitlement and project for an access token.
// *oauth.TierResolver satisfies it.
type TierResolving interface {
	Resolve(ctx context.Context, accessToken, projectID string) (*oauth.Resolution, error)
}

// Job asks the pipeline to refresh one credential's token and re-resolve
// its tier.
type Job struct {
	CredentialID int64
	Reason       RefreshReason
	RefreshToken string
	ProjectID    string
}

// JobResult is the terminal outcome of one refresh job. Exactly one result
// is emitted per accepted job, on the Results channel.
type JobResult struct {
	CredentialID int64
	Reason       RefreshReason

	// Token and Resolution are set on success.
	Token      *oauth.TokenResult
	Resolution *oauth.Resolution
	Err        error
}

// jobState tracks one pending credential. The generation counter lets the
// watchdog requeue a stuck job while guaranteeing only one result per
// credential reaches the manager: a worker's result is dropped unless its
// generation is still current.
type jobState struct {
	job        Job
	generation uint64
	queuedAt   time.Time
	startedAt  time.Time
	inFlight   bool
	requeued   bool
}

// PipelineConfig tunes the refresh pipeline.
type PipelineConfig struct {
	// Concurrency is the number of refresh workers.
	Concurrency int
	// MaxJobAge is how long a job may sit in flight before the watchdog
	// requeues it.
	MaxJobAge time.Duration
	// WatchdogInterval defaults to MaxJobAge/2.
	WatchdogInterval time.Duration
	// Clock defaults to the wall clock; tests swap in a fake so stuck-job
	// expiry does not depend on real sleeps.
	Clock clock.Clock
}

// Pipeline executes refresh jobs with bounded concurrency and per-credential
// deduplication: at most one outstanding job per credential, from enqueue
// until its result is emitted. Duplicate submissions merge into the pending
// job.
type Pipeline struct {
	refresher TokenRefresher
	resolver  TierResolving
	cfg       PipelineConfig
	clk       clock.Clock
	logger    *zap.Logger

	jobs    chan queuedJob
	results chan JobResult

	mu      sync.Mutex
	pending map[int64]*jobState
}

// queuedJob pairs a job with the generation it was queued under.
type queuedJob struct {
	job        Job
	generation uint64
}

// NewPipeline builds a pipeline. Run must be called before Submit delivers
// work.
func NewPipeline(refresher TokenRefresher, resolver TierResolving, cfg PipelineConfig, logger *zap.Logger) *Pipeline {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	if cfg.MaxJobAge <= 0 {
		cfg.MaxJobAge = 5 * time.Minute
	}
	if cfg.WatchdogInterval <= 0 {
		cfg.WatchdogInterval = cfg.MaxJobAge / 2
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real{}
	}
	return &Pipeline{
		refresher: refresher,
		resolver:  resolver,
		cfg:       cfg,
		clk:       cfg.Clock,
		logger:    logger,
		jobs:      make(chan queuedJob, 1024),
		results:   make(chan JobResult, 256),
		pending:   map[int64]*jobState{},
	}
}

// Results delivers one JobResult per accepted job.
func (p *Pipeline) Results() <-chan JobResult { return p.results }

// Submit enqueues a refresh job unless one is already pending for the same
// credential. Returns false when the job was merged into an existing one.
func (p *Pipeline) Submit(job Job) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, ok := p.pending[job.CredentialID]; ok {
		p.logger.Debug("refresh job merged",
			zap.Int64("credential_id", job.CredentialID),
			zap.String("reason", job.Reason.String()))
		return false
	}
	st := &jobState{job: job, generation: 1, queuedAt: p.clk.Now()}
	p.pending[job.CredentialID] = st

	select {
	case p.jobs <- queuedJob{job: job, generation: st.generation}:
		return true
	default:
		// Queue full. Drop the pending entry so a later submit can retry.
		delete(p.pending, job.CredentialID)
		p.logger.Warn("refresh queue full, job dropped",
			zap.Int64("credential_id", job.CredentialID))
		return false
	}
}

// PendingCount reports how many credentials have an outstanding job.
func (p *Pipeline) PendingCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.pending)
}

// Run starts the workers and the stuck-job watchdog and blocks until ctx is
// cancelled.
func (p *Pipeline) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < p.cfg.Concurrency; i++ {
		g.Go(func() error { return p.worker(ctx) })
	}
	g.Go(func() error { return p.watchdog(ctx) })
	return g.Wait()
}

func (p *Pipeline) worker(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case qj := <-p.jobs:
			p.execute(ctx, qj)
		}
	}
}

func (p *Pipeline) execute(ctx context.Context, qj queuedJob) {
	p.mu.Lock()
	st, ok := p.pending[qj.job.CredentialID]
	if !ok || st.generation != qj.generation {
		p.mu.Unlock()
		return
	}
	st.inFlight = true
	st.startedAt = p.clk.Now()
	p.mu.Unlock()

	res := JobResult{CredentialID: qj.job.CredentialID, Reason: qj.job.Reason}

	token, err := p.refresher.RefreshToken(ctx, qj.job.RefreshToken)
	if err != nil {
		res.Err = err
	} else {
		res.Token = token
		resolution, err := p.resolver.Resolve(ctx, token.AccessToken, qj.job.ProjectID)
		if err != nil {
			res.Err = err
		} else {
			res.Resolution = resolution
		}
	}

	p.mu.Lock()
	st, ok = p.pending[qj.job.CredentialID]
	if !ok || st.generation != qj.generation {
		// A watchdog requeue superseded this run; its result wins.
		p.mu.Unlock()
		return
	}
	delete(p.pending, qj.job.CredentialID)
	p.mu.Unlock()

	select {
	case p.results <- res:
	case <-ctx.Done():
	}
}

// watchdog requeues jobs stuck in flight beyond MaxJobAge. Each job is
// requeued at most once; a second expiry fails the job outright so the
// credential does not stay in refreshing forever.
func (p *Pipeline) watchdog(ctx context.Context) error {
	ticker := time.NewTicker(p.cfg.WatchdogInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			p.sweepStuck(ctx)
		}
	}
}

func (p *Pipeline) sweepStuck(ctx context.Context) {
	now := p.clk.Now()
	var failed []JobResult

	p.mu.Lock()
	for id, st := range p.pending {
		if !st.inFlight || now.Sub(st.startedAt) < p.cfg.MaxJobAge {
			continue
		}
		if st.requeued {
			// Second expiry. Give up and surface a failure.
			delete(p.pending, id)
			failed = append(failed, JobResult{
				CredentialID: id,
				Reason:       st.job.Reason,
				Err: types.NewError(types.ErrOAuthTransport,
					"refresh job exceeded max age twice"),
			})
			continue
		}
		st.generation++
		st.inFlight = false
		st.requeued = true
		st.queuedAt = now
		select {
		case p.jobs <- queuedJob{job: st.job, generation: st.generation}:
			p.logger.Warn("stuck refresh job requeued",
				zap.Int64("credential_id", id),
				zap.Duration("age", now.Sub(st.startedAt)))
		default:
			delete(p.pending, id)
			failed = append(failed, JobResult{
				CredentialID: id,
				Reason:       st.job.Reason,
				Err: types.NewError(types.ErrOAuthTransport,
					"refresh queue full while requeueing stuck job"),
			})
		}
	}
	p.mu.Unlock()

	for _, res := range failed {
		select {
		case p.results <- res:
		case <-ctx.Done():
			return
		}
	}
}
