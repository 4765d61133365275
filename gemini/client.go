// Package gemini performs upstream generative-model calls. Transport faults
// and 5xx responses are retried through the shared retry executor; 429, 401,
// 403 and 404 pass through for the scheduler to classify, mirroring how the
// credential pool converts them into cooldowns, refreshes and blacklists.
package gemini

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/Yoo1tic/pollux/retry"
	"github.com/Yoo1tic/pollux/types"
)

// Request is one upstream call.
type Request struct {
	Model       string
	ProjectID   string
	AccessToken string
	// Payload is the caller's generateContent request body, passed through
	// untouched.
	Payload json.RawMessage
	Stream  bool
}

// Response is the upstream reply with enough metadata for classification.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
	// RetryAfter is the provider's cooldown hint on 429 responses, zero
	// when absent.
	RetryAfter time.Duration
}

// Client calls the generative-model API.
type Client struct {
	httpClient  *http.Client
	retryer     *retry.Executor
	logger      *zap.Logger
	generateURL string
	streamURL   string
}

// NewClient builds an upstream client. URLs come from configuration so tests
// can point at a fake server.
func NewClient(httpClient *http.Client, retryer *retry.Executor, generateURL, streamURL string, logger *zap.Logger) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 60 * time.Second}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		httpClient:  httpClient,
		retryer:     retryer,
		logger:      logger,
		generateURL: generateURL,
		streamURL:   streamURL,
	}
}

// Call posts the request upstream. The returned Response may carry a
// non-2xx status; converting that into a scheduling outcome is the
// executor's job, not this client's.
func (c *Client) Call(ctx context.Context, req Request) (*Response, error) {
	url := c.generateURL
	if req.Stream {
		url = c.streamURL
	}

	envelope, err := json.Marshal(map[string]any{
		"model":   req.Model,
		"project": req.ProjectID,
		"request": req.Payload,
	})
	if err != nil {
		return nil, types.NewError(types.ErrInvalidRequest, "marshal upstream envelope").WithCause(err)
	}

	return retry.DoWithResult(c.retryer, ctx, func(ctx context.Context) (*Response, error) {
		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(envelope))
		if err != nil {
			return nil, types.NewError(types.ErrInternalError, "build upstream request").WithCause(err)
		}
		httpReq.Header.Set("Content-Type", "application/json")
		httpReq.Header.Set("Authorization", "Bearer "+req.AccessToken)

		resp, err := c.httpClient.Do(httpReq)
		if err != nil {
			if ctx.Err() != nil {
				return nil, types.NewError(types.ErrUpstreamTimeout, "upstream attempt timed out").
					WithRetryable(true).WithCause(err)
			}
			return nil, types.NewError(types.ErrUpstreamError, "upstream unreachable").
				WithRetryable(true).WithCause(err)
		}
		defer resp.Body.Close()

		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, types.NewError(types.ErrUpstreamError, "read upstream body").
				WithRetryable(true).WithCause(err)
		}

		if resp.StatusCode >= 500 {
			return nil, types.NewError(types.ErrUpstreamError,
				fmt.Sprintf("upstream returned %d", resp.StatusCode)).
				WithHTTPStatus(resp.StatusCode).WithRetryable(true)
		}

		out := &Response{
			StatusCode: resp.StatusCode,
			Header:     resp.Header,
			Body:       body,
		}
		if resp.StatusCode == http.StatusTooManyRequests {
			out.RetryAfter = retryAfterHint(resp.Header, body)
		}
		return out, nil
	})
}

// retryAfterHint reads the provider cooldown hint from the Retry-After
// header or the RetryInfo detail in the error body.
func retryAfterHint(header http.Header, body []byte) time.Duration {
	if v := header.Get("Retry-After"); v != "" {
		if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
			return time.Duration(secs) * time.Second
		}
	}

	var parsed struct {
		Error struct {
			Details []struct {
				Type       string `json:"@type"`
				RetryDelay string `json:"retryDelay"`
			} `json:"details"`
		} `json:"error"`
	}
	if err := json.Unmarshal(body, &parsed); err == nil {
		for _, d := range parsed.Error.Details {
			if d.RetryDelay == "" {
				continue
			}
			if delay, err := time.ParseDuration(d.RetryDelay); err == nil && delay > 0 {
				return delay
			}
		}
	}
	return 0
}
