package scheduler

import (
	"time"

	"github.com/Yoo1tic/pollux/types"
)

// State is a credential's scheduling state. A credential appears in a
// model's queue iff its state is StateActive and the model is not in its
// blacklist.
type State int

const (
	// StateActive credentials serve requests.
	StateActive State = iota
	// StateCoolingDown credentials were rate limited and wait out a
	// cooldown before the reclamation sweep re-admits them.
	StateCoolingDown
	// StateRefreshing credentials have a refresh job queued or in flight.
	StateRefreshing
	// StateInvalid credentials failed refresh and wait for a manual or
	// batch re-registration.
	StateInvalid
	// StateBanned is terminal: revoked grant or ineligible account.
	StateBanned
)

// String returns a human-readable state name.
func (s State) String() string {
	switch s {
	case StateActive:
		return "active"
	case StateCoolingDown:
		return "cooling_down"
	case StateRefreshing:
		return "refreshing"
	case StateInvalid:
		return "invalid"
	case StateBanned:
		return "banned"
	default:
		return "unknown"
	}
}

// credential is the manager-owned authoritative record. All mutation goes
// through the Manager's transition API; other components only ever see
// Assigned snapshots.
type credential struct {
	id           int64
	projectID    string
	email        string
	accessToken  string
	refreshToken string
	expiresAt    time.Time

	tier           types.Tier
	tierResolvedAt time.Time

	state               State
	cooldownUntil       time.Time
	consecutiveFailures int
	blacklist           map[string]struct{}

	// lastUsedAt drives least-recently-used selection.
	lastUsedAt time.Time
	// lastTransitionAt orders concurrent release outcomes: an outcome
	// observed before the latest transition is stale and ignored.
	lastTransitionAt time.Time
}

func (c *credential) blacklisted(model string) bool {
	_, ok := c.blacklist[model]
	return ok
}

// Assigned is the read-only view handed to callers by Acquire.
type Assigned struct {
	ID          int64
	ProjectID   string
	AccessToken string
	Tier        types.Tier
}

// OutcomeKind classifies how an upstream call using a credential ended.
type OutcomeKind int

const (
	// OutcomeSuccess resets the failure counter.
	OutcomeSuccess OutcomeKind = iota
	// OutcomeRateLimited starts a cooldown and removes the credential
	// from every model queue.
	OutcomeRateLimited
	// OutcomeUnauthorized invalidates the credential and enqueues a
	// refresh job.
	OutcomeUnauthorized
	// OutcomeUnsupportedModel blacklists the credential for one model.
	OutcomeUnsupportedModel
	// OutcomeTransient leaves scheduling state untouched; the caller's
	// retry executor already handled it.
	OutcomeTransient
)

// String returns the outcome label used in events and metrics.
func (k OutcomeKind) String() string {
	switch k {
	case OutcomeSuccess:
		return "success"
	case OutcomeRateLimited:
		return "rate_limited"
	case OutcomeUnauthorized:
		return "unauthorized"
	case OutcomeUnsupportedModel:
		return "unsupported_model"
	case OutcomeTransient:
		return "transient"
	default:
		return "unknown"
	}
}

// Outcome reports how a credential fared on an upstream call.
type Outcome struct {
	Kind OutcomeKind
	// Model the credential was serving; required for UnsupportedModel.
	Model string
	// RetryAfter is the provider cooldown hint on rate limits, zero when
	// absent.
	RetryAfter time.Duration
	// At is when the outcome was observed. Zero means "now". Outcomes
	// older than the credential's latest transition are ignored
	// (last-writer-wins by observation time, not call order).
	At time.Time
}

// RefreshReason explains why a refresh job exists.
type RefreshReason int

const (
	// ReasonExpiringSoon renews a token ahead of its expiry.
	ReasonExpiringSoon RefreshReason = iota
	// ReasonInvalidatedByUpstream follows a 401/403 from the model API.
	ReasonInvalidatedByUpstream
	// ReasonManualBatch covers operator registration and batch
	// invalidation.
	ReasonManualBatch
)

// String returns the reason label used in events and metrics.
func (r RefreshReason) String() string {
	switch r {
	case ReasonExpiringSoon:
		return "expiring_soon"
	case ReasonInvalidatedByUpstream:
		return "invalidated_by_upstream"
	case ReasonManualBatch:
		return "manual_batch"
	default:
		return "unknown"
	}
}
