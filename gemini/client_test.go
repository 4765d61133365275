package gemini

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/Yoo1tic/pollux/retry"
	"github.com/Yoo1tic/pollux/types"
)

func newTestClient(t *testing.T, srv *httptest.Server) *Client {
	retryer := retry.New(retry.Policy{
		MaxAttempts: 3,
		BaseDelay:   time.Millisecond,
		MaxDelay:    5 * time.Millisecond,
	}, nil, zaptest.NewLogger(t))
	return NewClient(srv.Client(), retryer, srv.URL+"/generate", srv.URL+"/stream", zaptest.NewLogger(t))
}

func TestCall_Success(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/generate", r.URL.Path)
		assert.Equal(t, "Bearer at-1", r.Header.Get("Authorization"))

		var envelope struct {
			Model   string          `json:"model"`
			Project string          `json:"project"`
			Request json.RawMessage `json:"request"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&envelope))
		assert.Equal(t, "gemini-2.5-pro", envelope.Model)
		assert.Equal(t, "proj-1", envelope.Project)
		assert.JSONEq(t, `{"contents":[]}`, string(envelope.Request))

		_, _ = w.Write([]byte(`{"response":{"candidates":[]}}`))
	}))
	defer srv.Close()

	resp, err := newTestClient(t, srv).Call(context.Background(), Request{
		Model:       "gemini-2.5-pro",
		ProjectID:   "proj-1",
		AccessToken: "at-1",
		Payload:     json.RawMessage(`{"contents":[]}`),
	})
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(resp.Body), "candidates")
}

func TestCall_StreamUsesStreamURL(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/stream", r.URL.Path)
		_, _ = w.Write([]byte("data: {}\n\n"))
	}))
	defer srv.Close()

	resp, err := newTestClient(t, srv).Call(context.Background(), Request{
		Model:   "gemini-2.5-pro",
		Payload: json.RawMessage(`{}`),
		Stream:  true,
	})
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestCall_RateLimitPassesThrough(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.Header().Set("Retry-After", "42")
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"error":{"code":429}}`))
	}))
	defer srv.Close()

	resp, err := newTestClient(t, srv).Call(context.Background(), Request{
		Model:   "m",
		Payload: json.RawMessage(`{}`),
	})
	require.NoError(t, err, "429 is a classified outcome, not a transport failure")
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.Equal(t, 42*time.Second, resp.RetryAfter)
	assert.Equal(t, int32(1), calls.Load(), "429 must not be retried on the same credential")
}

func TestCall_UnauthorizedPassesThrough(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	resp, err := newTestClient(t, srv).Call(context.Background(), Request{
		Model:   "m",
		Payload: json.RawMessage(`{}`),
	})
	require.NoError(t, err)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestCall_ServerErrorsRetried(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	resp, err := newTestClient(t, srv).Call(context.Background(), Request{
		Model:   "m",
		Payload: json.RawMessage(`{}`),
	})
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, int32(3), calls.Load())
}

func TestCall_ServerErrorExhaustion(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	_, err := newTestClient(t, srv).Call(context.Background(), Request{
		Model:   "m",
		Payload: json.RawMessage(`{}`),
	})
	require.Error(t, err)
	assert.Equal(t, types.ErrRetriesExhausted, types.GetErrorCode(err))
}

func TestRetryAfterHint_BodyDetail(t *testing.T) {
	body := []byte(`{"error":{"details":[{"@type":"type.googleapis.com/google.rpc.RetryInfo","retryDelay":"30s"}]}}`)
	assert.Equal(t, 30*time.Second, retryAfterHint(http.Header{}, body))

	assert.Equal(t, time.Duration(0), retryAfterHint(http.Header{}, []byte(`{}`)))
}
