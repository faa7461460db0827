// SPDX-License-Identifier: Apache-2.0

package core

import "time"

// RiskLevel is a pure step function of a risk score.
type RiskLevel string

const (
	RiskLow    RiskLevel = "LOW"
	RiskMedium RiskLevel = "MEDIUM"
	RiskHigh   RiskLevel = "HIGH"
)

// Risk level boundaries.
const (
	MediumThreshold = 0.3
	HighThreshold   = 0.7
)

// LevelForScore maps a score in [0,1] to its level.
func LevelForScore(score float64) RiskLevel {
	switch {
	case score >= HighThreshold:
		return RiskHigh
	case score >= MediumThreshold:
		return RiskMedium
	default:
		return RiskLow
	}
}

// Rank orders levels for comparisons (LOW < MEDIUM < HIGH).
func (l RiskLevel) Rank() int {
	switch l {
	case RiskLow:
		return 1
	case RiskMedium:
		return 2
	case RiskHigh:
		return 3
	default:
		return 0
	}
}

// ParseRiskLevel accepts the level names case-sensitively; unknown values return false.
func ParseRiskLevel(s string) (RiskLevel, bool) {
	switch RiskLevel(s) {
	case RiskLow, RiskMedium, RiskHigh:
		return RiskLevel(s), true
	}
	return "", false
}

// RiskAssessment is derived from a plan and its verifications.
// Factors holds each additive term of the score.
type RiskAssessment struct {
	Score   float64            `json:"score"`
	Level   RiskLevel          `json:"level"`
	Factors map[string]float64 `json:"factors,omitempty"`
}

// Verification is one policy check result. It is audit evidence and is kept on success too.
type Verification struct {
	Type      string    `json:"type"`
	Result    string    `json:"result"`
	Pass      bool      `json:"pass"`
	CheckedAt time.Time `json:"checked_at"`
}

// Equal compares verifications ignoring CheckedAt.
func (v Verification) Equal(o Verification) bool {
	return v.Type == o.Type && v.Result == o.Result && v.Pass == o.Pass
}

// FailedCount returns the number of failing verifications.
func FailedCount(vs []Verification) int {
	n := 0
	for _, v := range vs {
		if !v.Pass {
			n++
		}
	}
	return n
}

// ApprovalKind names who must approve.
type ApprovalKind string

const (
	ApprovalUI       ApprovalKind = "ui"
	ApprovalOwner    ApprovalKind = "owner"
	ApprovalSecurity ApprovalKind = "security"
)

// ApprovalRequest blocks execution until resolved.
type ApprovalRequest struct {
	ID         string       `json:"id"`
	Kind       ApprovalKind `json:"kind"`
	Reason     string       `json:"reason"`
	Risk       float64      `json:"risk"`
	Resolved   bool         `json:"resolved"`
	ResolvedBy string       `json:"resolved_by,omitempty"`
	ResolvedAt time.Time    `json:"resolved_at,omitempty"`
}

// PendingApprovals returns the unresolved requests.
func PendingApprovals(reqs []ApprovalRequest) []ApprovalRequest {
	var out []ApprovalRequest
	for _, r := range reqs {
		if !r.Resolved {
			out = append(out, r)
		}
	}
	return out
}
