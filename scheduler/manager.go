// Package scheduler owns the credential pool: per-model queues with
// least-recently-used selection, rate-limit cooldowns with exponential
// backoff, per-model blacklists and the refresh pipeline that turns
// invalidated credentials back into active ones.
package scheduler

import (
	"context"
	"math/rand"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/Yoo1tic/pollux/internal/clock"
	"github.com/Yoo1tic/pollux/store"
	"github.com/Yoo1tic/pollux/types"
)

// ManagerConfig tunes cooldown and refresh-ahead behavior.
type ManagerConfig struct {
	// CooldownBase is the cooldown after the first consecutive rate limit.
	CooldownBase time.Duration
	// CooldownCap bounds the exponential cooldown growth.
	CooldownCap time.Duration
	// SweepInterval is how often Run reclaims expired cooldowns and
	// renews expiring tokens.
	SweepInterval time.Duration
	// RefreshAhead renews a token this long before it expires.
	RefreshAhead time.Duration
}

func (c *ManagerConfig) withDefaults() {
	if c.CooldownBase <= 0 {
		c.CooldownBase = 30 * time.Second
	}
	if c.CooldownCap <= 0 {
		c.CooldownCap = 30 * time.Minute
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = 5 * time.Second
	}
	if c.RefreshAhead <= 0 {
		c.RefreshAhead = 10 * time.Minute
	}
}

// NewCredential is the operator-supplied registration payload.
type NewCredential struct {
	ProjectID    string
	RefreshToken string
}

// Stats is a point-in-time snapshot of the pool, for health and admin
// endpoints.
type Stats struct {
	ByState      map[string]int `json:"by_state"`
	QueueLengths map[string]int `json:"queue_lengths"`
	PendingJobs  int            `json:"pending_refresh_jobs"`
}

// Manager is the authoritative owner of all credential scheduling state.
// Every mutation happens under one mutex; callers only ever see Assigned
// snapshots, so a release can never race with the token the caller already
// holds.
type Manager struct {
	cfg      ManagerConfig
	models   []string
	pipeline *Pipeline
	store    *store.Store
	clock    clock.Clock
	sink     EventSink
	logger   *zap.Logger

	// rand is the cooldown jitter source, swappable in tests.
	rand func() float64

	mu     sync.Mutex
	creds  map[int64]*credential
	queues map[string][]int64
}

// NewManager builds a manager for the given model list. store may be nil
// (nothing is persisted), pipeline may be nil (refresh jobs are dropped);
// both are nil in most tests.
func NewManager(cfg ManagerConfig, models []string, pipeline *Pipeline, st *store.Store, clk clock.Clock, sink EventSink, logger *zap.Logger) *Manager {
	cfg.withDefaults()
	if clk == nil {
		clk = clock.Real{}
	}
	if sink == nil {
		sink = NopSink{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	m := &Manager{
		cfg:      cfg,
		models:   append([]string(nil), models...),
		pipeline: pipeline,
		store:    st,
		clock:    clk,
		sink:     sink,
		logger:   logger,
		rand:     rand.Float64,
		creds:    map[int64]*credential{},
		queues:   map[string][]int64{},
	}
	for _, model := range m.models {
		m.queues[model] = nil
	}
	return m
}

// Load seeds the pool from persisted rows. Rows with a token still valid
// beyond the refresh-ahead window go straight into the queues; the rest
// start refreshing.
func (m *Manager) Load(rows []store.CredentialRecord) {
	now := m.clock.Now()
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, row := range rows {
		c := &credential{
			id:           row.ID,
			projectID:    row.ProjectID,
			email:        row.Email,
			accessToken:  row.AccessToken,
			refreshToken: row.RefreshToken,
			expiresAt:    row.ExpiresAt,
			tier:         types.ParseTier(row.Tier),
			blacklist:    map[string]struct{}{},
		}
		if row.ExpiresAt.After(now.Add(m.cfg.RefreshAhead)) {
			c.state = StateActive
			m.creds[c.id] = c
			m.enqueueAll(c.id)
		} else {
			c.state = StateRefreshing
			m.creds[c.id] = c
			m.submitJob(c, ReasonExpiringSoon)
		}
		m.emit(TransitionEvent{CredentialID: c.id, From: c.state, To: c.state, Outcome: "loaded"})
	}
	m.logger.Info("credential pool loaded", zap.Int("count", len(rows)))
}

// Register persists and enqueues freshly submitted credentials. Each starts
// in refreshing state and only enters the queues after its first successful
// token fetch and tier resolution.
func (m *Manager) Register(ctx context.Context, creds []NewCredential) ([]int64, error) {
	ids := make([]int64, 0, len(creds))
	for _, nc := range creds {
		if nc.RefreshToken == "" {
			return ids, types.NewError(types.ErrInvalidRequest, "refresh_token is required")
		}
		id, err := m.persistNew(ctx, nc)
		if err != nil {
			return ids, err
		}

		m.mu.Lock()
		if existing, ok := m.creds[id]; ok {
			// Re-registration of a known project revives it.
			existing.refreshToken = nc.RefreshToken
			existing.consecutiveFailures = 0
			m.transitionLocked(existing, StateRefreshing, "registered")
			m.submitJob(existing, ReasonManualBatch)
		} else {
			c := &credential{
				id:           id,
				projectID:    nc.ProjectID,
				refreshToken: nc.RefreshToken,
				state:        StateRefreshing,
				blacklist:    map[string]struct{}{},
			}
			m.creds[id] = c
			m.submitJob(c, ReasonManualBatch)
			m.emit(TransitionEvent{CredentialID: id, From: StateRefreshing, To: StateRefreshing, Outcome: "registered"})
		}
		m.mu.Unlock()
		ids = append(ids, id)
	}
	return ids, nil
}

func (m *Manager) persistNew(ctx context.Context, nc NewCredential) (int64, error) {
	if m.store == nil {
		// In-memory only: synthesize an id.
		m.mu.Lock()
		id := int64(len(m.creds) + 1)
		for {
			if _, taken := m.creds[id]; !taken {
				break
			}
			id++
		}
		m.mu.Unlock()
		return id, nil
	}
	return m.store.Upsert(ctx, store.CredentialRecord{
		ProjectID:    nc.ProjectID,
		RefreshToken: nc.RefreshToken,
		Active:       true,
	})
}

// Acquire picks the least-recently-used active credential eligible for the
// model. It returns NO_AVAILABLE_CREDENTIAL when the model's queue is empty.
func (m *Manager) Acquire(model string) (Assigned, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	queue, ok := m.queues[model]
	if !ok {
		return Assigned{}, types.NewError(types.ErrUnsupportedModel,
			"model "+model+" is not served").WithHTTPStatus(404)
	}
	if len(queue) == 0 {
		return Assigned{}, types.NewError(types.ErrNoAvailableCredential,
			"no credential available for model "+model).WithHTTPStatus(503)
	}

	best := m.creds[queue[0]]
	for _, id := range queue[1:] {
		c := m.creds[id]
		if c.lastUsedAt.Before(best.lastUsedAt) {
			best = c
		}
	}
	best.lastUsedAt = m.clock.Now()

	m.emit(TransitionEvent{CredentialID: best.id, Model: model,
		From: StateActive, To: StateActive, Outcome: "acquired"})
	return Assigned{
		ID:          best.id,
		ProjectID:   best.projectID,
		AccessToken: best.accessToken,
		Tier:        best.tier,
	}, nil
}

// Release reports how an upstream call using credential id ended and applies
// the resulting transition. Outcomes older than the credential's latest
// transition are dropped so a slow caller cannot clobber newer state.
func (m *Manager) Release(id int64, out Outcome) {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.creds[id]
	if !ok {
		return
	}
	at := out.At
	if at.IsZero() {
		at = m.clock.Now()
	}
	if at.Before(c.lastTransitionAt) {
		m.logger.Debug("stale release outcome dropped",
			zap.Int64("credential_id", id),
			zap.String("outcome", out.Kind.String()))
		return
	}

	switch out.Kind {
	case OutcomeSuccess:
		if c.state == StateActive {
			c.consecutiveFailures = 0
			c.lastTransitionAt = at
		}
	case OutcomeRateLimited:
		if c.state != StateActive {
			return
		}
		cd := m.cooldownFor(c.consecutiveFailures)
		if out.RetryAfter > cd {
			cd = out.RetryAfter
		}
		c.consecutiveFailures++
		c.cooldownUntil = m.clock.Now().Add(cd)
		c.lastTransitionAt = at
		m.transitionLocked(c, StateCoolingDown, out.Kind.String())
		m.logger.Warn("credential cooling down",
			zap.Int64("credential_id", id),
			zap.Duration("cooldown", cd),
			zap.Int("consecutive_failures", c.consecutiveFailures))
	case OutcomeUnauthorized:
		if c.state == StateRefreshing || c.state == StateBanned {
			return
		}
		c.lastTransitionAt = at
		m.transitionLocked(c, StateRefreshing, out.Kind.String())
		m.submitJob(c, ReasonInvalidatedByUpstream)
	case OutcomeUnsupportedModel:
		if out.Model == "" {
			return
		}
		if !c.blacklisted(out.Model) {
			c.blacklist[out.Model] = struct{}{}
			c.lastTransitionAt = at
			m.dequeueModel(id, out.Model)
			m.emit(TransitionEvent{CredentialID: id, Model: out.Model,
				From: c.state, To: c.state, Outcome: out.Kind.String()})
		}
	case OutcomeTransient:
		// Scheduling state unchanged.
	}
}

// BatchInvalidate moves the given credentials into refreshing and enqueues
// one job each. Credentials already refreshing or banned are skipped, so
// the call is idempotent and concurrent invalidations of the same id still
// produce at most one job.
func (m *Manager) BatchInvalidate(ids []int64) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := 0
	for _, id := range ids {
		c, ok := m.creds[id]
		if !ok || c.state == StateRefreshing || c.state == StateBanned {
			continue
		}
		c.lastTransitionAt = m.clock.Now()
		m.transitionLocked(c, StateRefreshing, "batch_invalidate")
		m.submitJob(c, ReasonManualBatch)
		n++
	}
	return n
}

// Ban removes a credential from scheduling permanently and tombstones its
// row. Used for operator deregistration and permanent provider rejections.
func (m *Manager) Ban(ctx context.Context, id int64, reason string) error {
	m.mu.Lock()
	c, ok := m.creds[id]
	if !ok {
		m.mu.Unlock()
		return types.NewError(types.ErrInvalidRequest, "unknown credential").WithHTTPStatus(404)
	}
	m.transitionLocked(c, StateBanned, reason)
	delete(m.creds, id)
	m.mu.Unlock()

	if m.store != nil {
		if err := m.store.SetStatus(ctx, id, false); err != nil {
			m.logger.Error("deactivate banned credential", zap.Int64("credential_id", id), zap.Error(err))
			return err
		}
	}
	return nil
}

// Run drives the periodic sweep and consumes refresh results until ctx is
// cancelled. The pipeline's Run must be started separately.
func (m *Manager) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.cfg.SweepInterval)
	defer ticker.Stop()

	var results <-chan JobResult
	if m.pipeline != nil {
		results = m.pipeline.Results()
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			m.sweepOnce(m.clock.Now())
		case res := <-results:
			m.applyRefreshResult(ctx, res)
		}
	}
}

// sweepOnce reclaims expired cooldowns and schedules ahead-of-expiry token
// renewals.
func (m *Manager) sweepOnce(now time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, c := range m.creds {
		switch c.state {
		case StateCoolingDown:
			if !now.Before(c.cooldownUntil) {
				c.lastTransitionAt = now
				m.transitionLocked(c, StateActive, "cooldown_elapsed")
			}
		case StateActive:
			if !c.expiresAt.IsZero() && !c.expiresAt.After(now.Add(m.cfg.RefreshAhead)) {
				c.lastTransitionAt = now
				m.transitionLocked(c, StateRefreshing, "token_expiring")
				m.submitJob(c, ReasonExpiringSoon)
			}
		}
	}
}

// applyRefreshResult is the single consumer of pipeline results.
func (m *Manager) applyRefreshResult(ctx context.Context, res JobResult) {
	m.mu.Lock()
	c, ok := m.creds[res.CredentialID]
	if !ok {
		m.mu.Unlock()
		return
	}

	if res.Err == nil {
		c.accessToken = res.Token.AccessToken
		c.expiresAt = res.Token.ExpiresAt
		if res.Token.Email != "" {
			c.email = res.Token.Email
		}
		c.tier = res.Resolution.Tier
		c.tierResolvedAt = m.clock.Now()
		if res.Resolution.ProjectID != "" {
			c.projectID = res.Resolution.ProjectID
		}
		c.consecutiveFailures = 0
		// A fresh token may restore models the provider previously
		// rejected for the stale one.
		c.blacklist = map[string]struct{}{}
		c.lastTransitionAt = m.clock.Now()
		m.transitionLocked(c, StateActive, "refresh_succeeded")
		m.recordRefresh(res.Reason, true)
		snapshot := m.recordLocked(c)
		m.mu.Unlock()
		m.persistUpdate(ctx, snapshot)
		return
	}

	code := types.GetErrorCode(res.Err)
	permanent := code == types.ErrIneligible || code == types.ErrOAuthServer
	if permanent {
		m.transitionLocked(c, StateBanned, "refresh_rejected")
		m.recordRefresh(res.Reason, false)
		delete(m.creds, c.id)
		id := c.id
		m.mu.Unlock()
		m.logger.Warn("credential banned after refresh rejection",
			zap.Int64("credential_id", id),
			zap.String("code", string(code)),
			zap.Error(res.Err))
		if m.store != nil {
			if err := m.store.SetStatus(ctx, id, false); err != nil {
				m.logger.Error("deactivate rejected credential", zap.Int64("credential_id", id), zap.Error(err))
			}
		}
		return
	}

	c.lastTransitionAt = m.clock.Now()
	m.transitionLocked(c, StateInvalid, "refresh_failed")
	m.recordRefresh(res.Reason, false)
	m.mu.Unlock()
	m.logger.Error("credential refresh failed",
		zap.Int64("credential_id", res.CredentialID),
		zap.String("reason", res.Reason.String()),
		zap.Error(res.Err))
}

// Stats snapshots pool composition for health and admin endpoints.
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := Stats{
		ByState:      map[string]int{},
		QueueLengths: map[string]int{},
	}
	for _, c := range m.creds {
		s.ByState[c.state.String()]++
	}
	for model, q := range m.queues {
		s.QueueLengths[model] = len(q)
	}
	if m.pipeline != nil {
		s.PendingJobs = m.pipeline.PendingCount()
	}
	return s
}

// Models returns the served model list in configured order.
func (m *Manager) Models() []string {
	out := make([]string, len(m.models))
	copy(out, m.models)
	return out
}

// --- internal transitions; callers hold m.mu ---

// transitionLocked moves c to state and fixes queue membership so a
// credential sits in a model queue iff it is active and the model is not
// blacklisted.
func (m *Manager) transitionLocked(c *credential, to State, outcome string) {
	from := c.state
	c.state = to
	if to == StateActive {
		m.enqueueAll(c.id)
	} else {
		m.dequeueAll(c.id)
	}
	m.emit(TransitionEvent{
		CredentialID: c.id,
		From:         from,
		To:           to,
		Outcome:      outcome,
		Attempt:      c.consecutiveFailures,
	})
}

func (m *Manager) enqueueAll(id int64) {
	c := m.creds[id]
	for _, model := range m.models {
		if c.blacklisted(model) {
			continue
		}
		if !containsID(m.queues[model], id) {
			m.queues[model] = append(m.queues[model], id)
		}
	}
}

func (m *Manager) dequeueAll(id int64) {
	for _, model := range m.models {
		m.dequeueModel(id, model)
	}
}

func (m *Manager) dequeueModel(id int64, model string) {
	q := m.queues[model]
	for i, qid := range q {
		if qid == id {
			m.queues[model] = append(q[:i], q[i+1:]...)
			return
		}
	}
}

func containsID(q []int64, id int64) bool {
	for _, qid := range q {
		if qid == id {
			return true
		}
	}
	return false
}

// submitJob enqueues a refresh job for c. Duplicate submissions are merged
// by the pipeline.
func (m *Manager) submitJob(c *credential, reason RefreshReason) {
	if m.pipeline == nil {
		return
	}
	m.pipeline.Submit(Job{
		CredentialID: c.id,
		Reason:       reason,
		RefreshToken: c.refreshToken,
		ProjectID:    c.projectID,
	})
}

// cooldownFor computes the jittered exponential cooldown for the given
// consecutive failure count.
func (m *Manager) cooldownFor(failures int) time.Duration {
	d := m.cfg.CooldownCap
	if failures < 30 {
		d = m.cfg.CooldownBase << uint(failures)
		if d <= 0 || d > m.cfg.CooldownCap {
			d = m.cfg.CooldownCap
		}
	}
	jittered := time.Duration(float64(d) * (0.5 + m.rand()))
	if jittered > m.cfg.CooldownCap {
		jittered = m.cfg.CooldownCap
	}
	return jittered
}

func (m *Manager) emit(ev TransitionEvent) {
	m.sink.OnTransition(ev)
}

// recordRefresh counts a refresh outcome on sinks that track them.
func (m *Manager) recordRefresh(reason RefreshReason, ok bool) {
	if r, found := m.sink.(RefreshRecorder); found {
		r.RecordRefreshResult(reason.String(), ok)
	}
}

// recordLocked snapshots c into its persisted form.
func (m *Manager) recordLocked(c *credential) store.CredentialRecord {
	return store.CredentialRecord{
		ID:           c.id,
		ProjectID:    c.projectID,
		Email:        c.email,
		AccessToken:  c.accessToken,
		RefreshToken: c.refreshToken,
		ExpiresAt:    c.expiresAt,
		Tier:         c.tier.String(),
		Active:       true,
	}
}

func (m *Manager) persistUpdate(ctx context.Context, rec store.CredentialRecord) {
	if m.store == nil {
		return
	}
	if err := m.store.UpdateByID(ctx, rec.ID, rec); err != nil {
		m.logger.Error("persist refreshed credential",
			zap.Int64("credential_id", rec.ID), zap.Error(err))
	}
}

// queueSnapshot returns a sorted copy of one model queue; test helper.
func (m *Manager) queueSnapshot(model string) []int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := append([]int64(nil), m.queues[model]...)
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
