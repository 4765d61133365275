// Package executor ties the model registry, credential pool and upstream
// client into one call path: validate the model, borrow a credential,
// perform the call, then report the outcome back to the scheduler.
package executor

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/Yoo1tic/pollux/gemini"
	"github.com/Yoo1tic/pollux/internal/clock"
	"github.com/Yoo1tic/pollux/registry"
	"github.com/Yoo1tic/pollux/scheduler"
)

// Pool is the slice of the credential manager the executor needs.
type Pool interface {
	Acquire(model string) (scheduler.Assigned, error)
	Release(id int64, out scheduler.Outcome)
}

// Upstream performs the actual model call. *gemini.Client satisfies it.
type Upstream interface {
	Call(ctx context.Context, req gemini.Request) (*gemini.Response, error)
}

// MetricsRecorder counts upstream model calls. The metrics collector
// satisfies it; nil disables recording.
type MetricsRecorder interface {
	RecordUpstreamRequest(model string, status int, duration time.Duration)
}

// Result is the upstream reply plus call metadata for logging and response
// headers.
type Result struct {
	StatusCode   int
	Header       http.Header
	Body         []byte
	CredentialID int64
	RequestID    string
}

// Executor brokers one upstream call per Execute invocation.
type Executor struct {
	registry *registry.Registry
	pool     Pool
	upstream Upstream
	clock    clock.Clock
	metrics  MetricsRecorder
	logger   *zap.Logger
}

// New builds an executor.
func New(reg *registry.Registry, pool Pool, upstream Upstream, clk clock.Clock, rec MetricsRecorder, logger *zap.Logger) *Executor {
	if clk == nil {
		clk = clock.Real{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Executor{
		registry: reg,
		pool:     pool,
		upstream: upstream,
		clock:    clk,
		metrics:  rec,
		logger:   logger,
	}
}

// Execute validates the model, acquires a credential, performs the upstream
// call and releases the credential with the classified outcome. Non-2xx
// upstream statuses are returned to the caller as results, not errors; the
// scheduling consequences have already been applied.
func (e *Executor) Execute(ctx context.Context, model string, payload json.RawMessage, stream bool) (*Result, error) {
	requestID := uuid.NewString()
	log := e.logger.With(zap.String("request_id", requestID), zap.String("model", model))

	if err := e.registry.Validate(model); err != nil {
		return nil, err
	}
	assigned, err := e.pool.Acquire(model)
	if err != nil {
		log.Warn("credential acquisition failed", zap.Error(err))
		return nil, err
	}
	log = log.With(zap.Int64("credential_id", assigned.ID))

	start := e.clock.Now()
	resp, err := e.upstream.Call(ctx, gemini.Request{
		Model:       model,
		ProjectID:   assigned.ProjectID,
		AccessToken: assigned.AccessToken,
		Payload:     payload,
		Stream:      stream,
	})
	if err != nil {
		// Transport failure or retries exhausted. The credential itself is
		// not implicated.
		e.recordUpstream(model, 0, e.clock.Now().Sub(start))
		e.pool.Release(assigned.ID, scheduler.Outcome{
			Kind:  scheduler.OutcomeTransient,
			Model: model,
			At:    e.clock.Now(),
		})
		log.Error("upstream call failed", zap.Error(err))
		return nil, err
	}
	e.recordUpstream(model, resp.StatusCode, e.clock.Now().Sub(start))

	out := e.classify(resp, model)
	e.pool.Release(assigned.ID, out)

	if resp.StatusCode >= 300 {
		log.Warn("upstream returned error status",
			zap.Int("status", resp.StatusCode),
			zap.String("outcome", out.Kind.String()))
	} else {
		log.Debug("upstream call ok", zap.Int("status", resp.StatusCode))
	}

	return &Result{
		StatusCode:   resp.StatusCode,
		Header:       resp.Header,
		Body:         resp.Body,
		CredentialID: assigned.ID,
		RequestID:    requestID,
	}, nil
}

// recordUpstream counts one upstream call; status 0 marks transport
// failures that never produced a response.
func (e *Executor) recordUpstream(model string, status int, d time.Duration) {
	if e.metrics == nil {
		return
	}
	e.metrics.RecordUpstreamRequest(model, status, d)
}

// classify maps an upstream status to the credential outcome the scheduler
// acts on.
func (e *Executor) classify(resp *gemini.Response, model string) scheduler.Outcome {
	out := scheduler.Outcome{Model: model, At: e.clock.Now()}
	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		out.Kind = scheduler.OutcomeSuccess
	case resp.StatusCode == http.StatusTooManyRequests:
		out.Kind = scheduler.OutcomeRateLimited
		out.RetryAfter = resp.RetryAfter
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		out.Kind = scheduler.OutcomeUnauthorized
	case resp.StatusCode == http.StatusNotFound:
		out.Kind = scheduler.OutcomeUnsupportedModel
	default:
		out.Kind = scheduler.OutcomeTransient
	}
	return out
}
