// SPDX-License-Identifier: Apache-2.0

package governance

import (
	"context"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/Royal-Equips-Org/royal-equips-orchestrator-sub008/pkg/core"
	"github.com/Royal-Equips-Org/royal-equips-orchestrator-sub008/pkg/errors"
)

// ApprovalIssuer is the issuer claim stamped on approval tokens.
const ApprovalIssuer = "orchestrator/approval"

// ApprovalClaims are carried by signed approval tokens.
type ApprovalClaims struct {
	jwt.RegisteredClaims
	PlanID  string            `json:"plan_id"`
	Kind    core.ApprovalKind `json:"kind,omitempty"`
	MaxRisk core.RiskLevel    `json:"max_risk,omitempty"`
}

// SignedApprovalValidator verifies HS256 approval tokens: signature, expiry,
// plan scoping and the approver's permitted risk ceiling.
type SignedApprovalValidator struct {
	secret []byte
	clock  func() time.Time
}

// NewSignedApprovalValidator creates a validator for secret.
func NewSignedApprovalValidator(secret []byte) (*SignedApprovalValidator, error) {
	if len(secret) < 32 {
		return nil, fmt.Errorf("approval signing secret must be at least 32 bytes")
	}
	return &SignedApprovalValidator{secret: secret, clock: time.Now}, nil
}

// Validate implements ApprovalValidator.
func (v *SignedApprovalValidator) Validate(_ context.Context, planID, token string) (Grant, error) {
	if token == "" {
		return Grant{}, errors.ApprovalRejected(planID, "approval token is empty")
	}

	claims := &ApprovalClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims,
		func(*jwt.Token) (any, error) { return v.secret, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithIssuer(ApprovalIssuer),
		jwt.WithTimeFunc(v.clock),
	)
	if err != nil || !parsed.Valid {
		e := errors.ApprovalRejected(planID, "approval token failed verification")
		e.Err = err
		return Grant{}, e
	}
	if claims.PlanID != planID {
		return Grant{}, errors.ApprovalRejected(planID, "approval token is scoped to a different plan")
	}
	if claims.MaxRisk != "" {
		if _, ok := core.ParseRiskLevel(string(claims.MaxRisk)); !ok {
			return Grant{}, errors.ApprovalRejected(planID, "approval token carries an unknown risk ceiling")
		}
	}
	switch claims.Kind {
	case "", core.ApprovalUI, core.ApprovalOwner, core.ApprovalSecurity:
	default:
		return Grant{}, errors.ApprovalRejected(planID, "approval token carries an unknown approval kind")
	}

	g := Grant{PlanID: planID, Subject: claims.Subject, Kind: claims.Kind, MaxRisk: claims.MaxRisk}
	if claims.ExpiresAt != nil {
		g.ExpiresAt = claims.ExpiresAt.Time
	}
	return g, nil
}

// IssueApprovalToken mints a signed approval token.
func IssueApprovalToken(secret []byte, planID, subject string, kind core.ApprovalKind, maxRisk core.RiskLevel, ttl time.Duration) (string, error) {
	if planID == "" {
		return "", fmt.Errorf("plan id is required")
	}
	now := time.Now().UTC()
	claims := ApprovalClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    ApprovalIssuer,
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		PlanID:  planID,
		Kind:    kind,
		MaxRisk: maxRisk,
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
}

var _ ApprovalValidator = (*SignedApprovalValidator)(nil)
