// SPDX-License-Identifier: Apache-2.0

package governance

import (
	"context"
	"strings"
	"time"

	"github.com/Royal-Equips-Org/royal-equips-orchestrator-sub008/pkg/core"
	"github.com/Royal-Equips-Org/royal-equips-orchestrator-sub008/pkg/errors"
)

// Grant is what an accepted approval token authorizes.
type Grant struct {
	PlanID  string
	Subject string
	// Kind, when set, names the approval request the token satisfies.
	Kind core.ApprovalKind
	// MaxRisk, when set, is the highest risk level the approver may clear.
	MaxRisk   core.RiskLevel
	ExpiresAt time.Time
}

// Covers reports whether the grant may clear a plan at level.
func (g Grant) Covers(level core.RiskLevel) bool {
	return g.MaxRisk == "" || g.MaxRisk.Rank() >= level.Rank()
}

// ApprovalValidator accepts or rejects one opaque token scoped to one plan.
// Rejections are APPROVAL_REJECTED errors; the token is spent either way.
type ApprovalValidator interface {
	Validate(ctx context.Context, planID, token string) (Grant, error)
}

// IsApprovalRequired is true for MEDIUM and HIGH.
func IsApprovalRequired(level core.RiskLevel) bool {
	return level == core.RiskMedium || level == core.RiskHigh
}

// MinTokenLength is the placeholder format bound.
const MinTokenLength = 10

// InvalidTokenPrefix marks tokens the issuer explicitly revoked.
const InvalidTokenPrefix = "invalid_"

// PlaceholderValidator is the minimal format check: non-empty, at least
// MinTokenLength characters, and not carrying InvalidTokenPrefix. It performs
// no signature, expiry or permission checks; use SignedApprovalValidator for that.
type PlaceholderValidator struct{}

// Validate implements ApprovalValidator.
func (PlaceholderValidator) Validate(_ context.Context, planID, token string) (Grant, error) {
	switch {
	case token == "":
		return Grant{}, errors.ApprovalRejected(planID, "approval token is empty")
	case len(token) < MinTokenLength:
		return Grant{}, errors.ApprovalRejected(planID, "approval token is too short")
	case strings.HasPrefix(token, InvalidTokenPrefix):
		return Grant{}, errors.ApprovalRejected(planID, "approval token is marked invalid")
	}
	return Grant{PlanID: planID, Subject: "placeholder"}, nil
}

var _ ApprovalValidator = PlaceholderValidator{}
