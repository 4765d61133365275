package types

import "strings"

// Tier is the resolved entitlement level of a credential. It governs quota
// and model access on the upstream API.
type Tier int

const (
	TierUnknown Tier = iota
	TierFree
	TierPaid
	TierEnterprise
)

// String returns the canonical lower-case tier name.
func (t Tier) String() string {
	switch t {
	case TierFree:
		return "free"
	case TierPaid:
		return "paid"
	case TierEnterprise:
		return "enterprise"
	default:
		return "unknown"
	}
}

// ParseTier maps configuration values and provider tier ids onto a Tier.
// Unrecognized values map to TierUnknown.
func ParseTier(s string) Tier {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "free", "free-tier":
		return TierFree
	case "paid", "standard", "standard-tier":
		return TierPaid
	case "enterprise", "enterprise-tier":
		return TierEnterprise
	default:
		return TierUnknown
	}
}
