package oauth

import (
	"context"

	"go.uber.org/zap"

	"github.com/Yoo1tic/pollux/types"
)

// Resolution is the outcome of a tier resolution pass.
type Resolution struct {
	Tier types.Tier
	// ProjectID is the companion project discovered or provisioned during
	// resolution; empty when the provider manages it implicitly.
	ProjectID string
}

// TierResolver determines the effective entitlement tier of a credential
// via entitlement lookup, onboarding the account when it is not yet
// registered for API use.
type TierResolver struct {
	client      *Client
	defaultTier string
	logger      *zap.Logger
}

// NewTierResolver creates a resolver applying defaultTier (a provider tier
// id such as "free-tier") to accounts without an existing entitlement.
func NewTierResolver(client *Client, defaultTier string, logger *zap.Logger) *TierResolver {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &TierResolver{client: client, defaultTier: defaultTier, logger: logger}
}

// Resolve returns the effective tier for the account behind accessToken.
//
// Effective tier = entitlement tier when the account is already onboarded;
// otherwise the configured default tier, provided the account is eligible
// for it. An account allowed no usable tier is INELIGIBLE, a terminal
// non-retryable outcome that excludes the credential from the pool.
func (r *TierResolver) Resolve(ctx context.Context, accessToken, projectID string) (*Resolution, error) {
	load, err := r.client.LoadCodeAssist(ctx, accessToken, projectID)
	if err != nil {
		return nil, err
	}

	resolvedProject := load.CloudAICompanionProject
	if resolvedProject == "" {
		resolvedProject = projectID
	}

	if load.CurrentTier != nil {
		tier := types.ParseTier(load.CurrentTier.ID)
		r.logger.Debug("entitlement tier found",
			zap.String("tier_id", load.CurrentTier.ID),
			zap.String("tier", tier.String()))
		return &Resolution{Tier: tier, ProjectID: resolvedProject}, nil
	}

	// Not onboarded yet: the account must be allowed the default tier.
	target := r.eligibleTier(load.AllowedTiers)
	if target == nil {
		return nil, types.NewError(types.ErrIneligible,
			"account is not eligible for any usable tier")
	}
	if target.UserDefinedCloudaicompanionProject && resolvedProject == "" {
		return nil, types.NewError(types.ErrIneligible,
			"tier requires a user-defined project but none is configured")
	}

	onboard, err := r.client.OnboardUser(ctx, accessToken, target.ID, resolvedProject)
	if err != nil {
		return nil, err
	}
	if id := onboard.Response.CloudAICompanionProject.ID; id != "" {
		resolvedProject = id
	}

	tier := types.ParseTier(target.ID)
	r.logger.Info("account onboarded",
		zap.String("tier_id", target.ID),
		zap.String("project_id", resolvedProject))
	return &Resolution{Tier: tier, ProjectID: resolvedProject}, nil
}

// eligibleTier picks the configured default tier from the allowed set,
// falling back to the provider-marked default.
func (r *TierResolver) eligibleTier(allowed []TierInfo) *TierInfo {
	for i := range allowed {
		if allowed[i].ID == r.defaultTier {
			return &allowed[i]
		}
	}
	for i := range allowed {
		if allowed[i].IsDefault {
			return &allowed[i]
		}
	}
	return nil
}
