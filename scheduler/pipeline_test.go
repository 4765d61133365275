package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/Yoo1tic/pollux/internal/clock"
	"github.com/Yoo1tic/pollux/oauth"
	"github.com/Yoo1tic/pollux/types"
)

// blockingRefresher never completes; used where tests only care about
// queueing behavior, not execution.
type blockingRefresher struct{}

func (blockingRefresher) RefreshToken(ctx context.Context, _ string) (*oauth.TokenResult, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

type staticResolver struct{}

func (staticResolver) Resolve(context.Context, string, string) (*oauth.Resolution, error) {
	return &oauth.Resolution{Tier: types.TierFree, ProjectID: "proj"}, nil
}

// funcRefresher adapts a function to TokenRefresher.
type funcRefresher func(ctx context.Context, refreshToken string) (*oauth.TokenResult, error)

func (f funcRefresher) RefreshToken(ctx context.Context, rt string) (*oauth.TokenResult, error) {
	return f(ctx, rt)
}

func runPipeline(t *testing.T, p *Pipeline) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = p.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

func waitResult(t *testing.T, p *Pipeline) JobResult {
	t.Helper()
	select {
	case res := <-p.Results():
		return res
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for refresh result")
		return JobResult{}
	}
}

func TestPipeline_RefreshAndResolve(t *testing.T) {
	refresher := funcRefresher(func(_ context.Context, rt string) (*oauth.TokenResult, error) {
		assert.Equal(t, "rt-1", rt)
		return &oauth.TokenResult{AccessToken: "at-1", Email: "dev@example.com"}, nil
	})
	p := NewPipeline(refresher, staticResolver{}, PipelineConfig{Concurrency: 2}, zaptest.NewLogger(t))
	runPipeline(t, p)

	require.True(t, p.Submit(Job{CredentialID: 7, Reason: ReasonManualBatch, RefreshToken: "rt-1"}))

	res := waitResult(t, p)
	assert.EqualValues(t, 7, res.CredentialID)
	assert.Equal(t, ReasonManualBatch, res.Reason)
	require.NoError(t, res.Err)
	assert.Equal(t, "at-1", res.Token.AccessToken)
	assert.Equal(t, types.TierFree, res.Resolution.Tier)
	assert.Equal(t, 0, p.PendingCount())
}

func TestPipeline_DeduplicatesPerCredential(t *testing.T) {
	release := make(chan struct{})
	var calls atomic.Int32
	refresher := funcRefresher(func(ctx context.Context, _ string) (*oauth.TokenResult, error) {
		calls.Add(1)
		select {
		case <-release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		return &oauth.TokenResult{AccessToken: "at"}, nil
	})
	p := NewPipeline(refresher, staticResolver{}, PipelineConfig{Concurrency: 4}, zaptest.NewLogger(t))
	runPipeline(t, p)

	require.True(t, p.Submit(Job{CredentialID: 1, RefreshToken: "rt"}))
	for i := 0; i < 10; i++ {
		assert.False(t, p.Submit(Job{CredentialID: 1, RefreshToken: "rt"}))
	}
	assert.Equal(t, 1, p.PendingCount())

	close(release)
	res := waitResult(t, p)
	require.NoError(t, res.Err)
	assert.Equal(t, int32(1), calls.Load())

	// After the result is emitted the credential may be submitted again.
	assert.True(t, p.Submit(Job{CredentialID: 1, RefreshToken: "rt"}))
	res = waitResult(t, p)
	require.NoError(t, res.Err)
	assert.Equal(t, int32(2), calls.Load())
}

func TestPipeline_RefreshErrorPropagates(t *testing.T) {
	refreshErr := types.NewError(types.ErrOAuthServer, "grant revoked or expired")
	refresher := funcRefresher(func(context.Context, string) (*oauth.TokenResult, error) {
		return nil, refreshErr
	})
	p := NewPipeline(refresher, staticResolver{}, PipelineConfig{}, zaptest.NewLogger(t))
	runPipeline(t, p)

	require.True(t, p.Submit(Job{CredentialID: 3, Reason: ReasonInvalidatedByUpstream, RefreshToken: "rt"}))
	res := waitResult(t, p)
	require.Error(t, res.Err)
	assert.Equal(t, types.ErrOAuthServer, types.GetErrorCode(res.Err))
	assert.Nil(t, res.Token)
	assert.Equal(t, 0, p.PendingCount())
}

func TestPipeline_ResolveErrorPropagates(t *testing.T) {
	refresher := funcRefresher(func(context.Context, string) (*oauth.TokenResult, error) {
		return &oauth.TokenResult{AccessToken: "at"}, nil
	})
	resolveErr := types.NewError(types.ErrIneligible, "no eligible tier")
	p := NewPipeline(refresher, failingResolver{err: resolveErr}, PipelineConfig{}, zaptest.NewLogger(t))
	runPipeline(t, p)

	require.True(t, p.Submit(Job{CredentialID: 4, RefreshToken: "rt"}))
	res := waitResult(t, p)
	require.Error(t, res.Err)
	assert.Equal(t, types.ErrIneligible, types.GetErrorCode(res.Err))
	// The token is still reported so callers can log the account.
	assert.NotNil(t, res.Token)
}

type failingResolver struct{ err error }

func (f failingResolver) Resolve(context.Context, string, string) (*oauth.Resolution, error) {
	return nil, f.err
}

func TestPipeline_WatchdogRequeuesStuckJob(t *testing.T) {
	fake := clock.NewFake(testStart)
	started := make(chan struct{}, 2)
	var calls atomic.Int32
	refresher := funcRefresher(func(ctx context.Context, _ string) (*oauth.TokenResult, error) {
		started <- struct{}{}
		if calls.Add(1) == 1 {
			// First run wedges until shutdown.
			<-ctx.Done()
			return nil, ctx.Err()
		}
		return &oauth.TokenResult{AccessToken: "at-retry"}, nil
	})
	p := NewPipeline(refresher, staticResolver{}, PipelineConfig{
		Concurrency: 2,
		MaxJobAge:   time.Minute,
		Clock:       fake,
	}, zaptest.NewLogger(t))
	runPipeline(t, p)

	require.True(t, p.Submit(Job{CredentialID: 9, RefreshToken: "rt"}))
	<-started // first run is in flight

	fake.Advance(2 * time.Minute)
	p.sweepStuck(context.Background())

	res := waitResult(t, p)
	require.NoError(t, res.Err)
	assert.Equal(t, "at-retry", res.Token.AccessToken)
	assert.Equal(t, int32(2), calls.Load())
	assert.Equal(t, 0, p.PendingCount())
}

func TestPipeline_WatchdogFailsJobStuckTwice(t *testing.T) {
	fake := clock.NewFake(testStart)
	started := make(chan struct{}, 2)
	refresher := funcRefresher(func(ctx context.Context, _ string) (*oauth.TokenResult, error) {
		started <- struct{}{}
		<-ctx.Done()
		return nil, ctx.Err()
	})
	p := NewPipeline(refresher, staticResolver{}, PipelineConfig{
		Concurrency: 2,
		MaxJobAge:   time.Minute,
		Clock:       fake,
	}, zaptest.NewLogger(t))
	runPipeline(t, p)

	require.True(t, p.Submit(Job{CredentialID: 5, RefreshToken: "rt"}))
	<-started

	// First expiry requeues; the second run wedges too.
	fake.Advance(2 * time.Minute)
	p.sweepStuck(context.Background())
	<-started

	fake.Advance(2 * time.Minute)
	p.sweepStuck(context.Background())

	res := waitResult(t, p)
	require.Error(t, res.Err)
	assert.Equal(t, types.ErrOAuthTransport, types.GetErrorCode(res.Err))
	assert.Equal(t, 0, p.PendingCount())
}

func TestPipeline_SubmitWithoutRunQueues(t *testing.T) {
	p := NewPipeline(blockingRefresher{}, staticResolver{}, PipelineConfig{}, zaptest.NewLogger(t))
	assert.True(t, p.Submit(Job{CredentialID: 1, RefreshToken: "rt"}))
	assert.False(t, p.Submit(Job{CredentialID: 1, RefreshToken: "rt"}))
	assert.Equal(t, 1, p.PendingCount())
}

func TestPipeline_RunStopsOnCancel(t *testing.T) {
	p := NewPipeline(blockingRefresher{}, staticResolver{}, PipelineConfig{}, zaptest.NewLogger(t))
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()
	cancel()
	select {
	case err := <-done:
		assert.True(t, errors.Is(err, context.Canceled))
	case <-time.After(time.Second):
		t.Fatal("pipeline did not stop")
	}
}
