// SPDX-License-Identifier: Apache-2.0
// Package governance verifies plans, scores their risk and gates risky plans
// behind approvals.
package governance

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/Royal-Equips-Org/royal-equips-orchestrator-sub008/pkg/core"
	"github.com/Royal-Equips-Org/royal-equips-orchestrator-sub008/pkg/errors"
)

// Verification types produced by Verify.
const (
	CheckStructure      = "structure"
	CheckSecurity       = "security"
	CheckResourceImpact = "resource_impact"
	CheckToolAccess     = "tool_access"
)

// Score terms recorded in RiskAssessment.Factors.
const (
	FactorActionType    = "action_type"
	FactorVerifications = "failed_verifications"
	FactorProduction    = "production_impact"
	FactorDataMigration = "data_migration"
	FactorSecurityFloor = "security_floor"
)

const (
	maxActionTypeRisk     = 0.5
	perFailedVerification = 0.2
	productionImpactRisk  = 0.3
	dataMigrationRisk     = 0.2
)

// DefaultVerbWeights is the per-action risk weight table.
var DefaultVerbWeights = map[core.Verb]float64{
	core.VerbDelete:   0.4,
	core.VerbDrop:     0.4,
	core.VerbTruncate: 0.4,
	core.VerbDeploy:   0.3,
	core.VerbMigrate:  0.3,
	core.VerbModify:   0.2,
	core.VerbScale:    0.2,
	core.VerbRestart:  0.2,
	core.VerbAccess:   0.2,
	core.VerbCreate:   0.1,
	core.VerbBackup:   0.1,
	core.VerbRead:     0.0,
	core.VerbAnalyze:  0.0,
	core.VerbMonitor:  0.0,
	core.VerbNotify:   0.0,
	core.VerbUnknown:  0.2,
}

var resourceImpactVerbs = map[core.Verb]bool{
	core.VerbDeploy:  true,
	core.VerbMigrate: true,
	core.VerbScale:   true,
	core.VerbRestart: true,
	core.VerbBackup:  true,
}

// Evaluation bundles everything the engine needs to decide on a plan.
type Evaluation struct {
	Verifications []core.Verification    `json:"verifications"`
	Risk          core.RiskAssessment    `json:"risk"`
	Allowed       bool                   `json:"allowed"`
	Approvals     []core.ApprovalRequest `json:"approvals,omitempty"`
}

// PolicyEngine is stateless apart from its configuration; all methods are safe
// for concurrent use and free of external side effects.
type PolicyEngine struct {
	filter  *ToolFilter
	weights map[core.Verb]float64
	clock   func() time.Time
}

// PolicyOption configures a PolicyEngine.
type PolicyOption func(*PolicyEngine)

// WithToolFilter adds the tool_access verification.
func WithToolFilter(f *ToolFilter) PolicyOption {
	return func(p *PolicyEngine) { p.filter = f }
}

// WithPolicyClock injects the time source for CheckedAt stamps.
func WithPolicyClock(clock func() time.Time) PolicyOption {
	return func(p *PolicyEngine) { p.clock = clock }
}

// NewPolicyEngine creates a policy engine.
func NewPolicyEngine(opts ...PolicyOption) *PolicyEngine {
	p := &PolicyEngine{weights: DefaultVerbWeights, clock: time.Now}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Evaluate runs Verify, AssessRisk, Allows and RequiredApprovals in one pass.
func (p *PolicyEngine) Evaluate(ctx context.Context, plan *core.ExecutionPlan) Evaluation {
	vs := p.Verify(ctx, plan)
	risk := p.AssessRisk(plan, vs)
	return Evaluation{
		Verifications: vs,
		Risk:          risk,
		Allowed:       p.Allows(plan, risk),
		Approvals:     p.RequiredApprovals(plan, risk),
	}
}

// Verify runs every check concurrently and returns the results in a fixed order.
// A failing check is a result, never an error.
func (p *PolicyEngine) Verify(ctx context.Context, plan *core.ExecutionPlan) []core.Verification {
	checks := []func(context.Context, *core.ExecutionPlan) core.Verification{
		p.checkStructure,
		p.checkSecurity,
		p.checkResourceImpact,
	}
	if p.filter != nil {
		checks = append(checks, p.checkToolAccess)
	}

	out := make([]core.Verification, len(checks))
	var g errgroup.Group
	for i, check := range checks {
		g.Go(func() error {
			out[i] = check(ctx, plan)
			return nil
		})
	}
	_ = g.Wait()
	return out
}

func (p *PolicyEngine) verification(typ string, pass bool, result string) core.Verification {
	return core.Verification{Type: typ, Pass: pass, Result: result, CheckedAt: p.clock().UTC()}
}

func (p *PolicyEngine) checkStructure(_ context.Context, plan *core.ExecutionPlan) core.Verification {
	if err := plan.Validate(); err != nil {
		return p.verification(CheckStructure, false, errors.As(err).Message)
	}
	return p.verification(CheckStructure, true, fmt.Sprintf("%d typed actions", len(plan.Actions)))
}

// sensitive reports whether an action is security sensitive: deletions,
// permission changes and secret access.
func sensitive(t core.ActionType) bool {
	switch t.Verb {
	case core.VerbDelete, core.VerbDrop, core.VerbTruncate:
		return true
	case core.VerbModify, core.VerbCreate:
		return permissionObjects.matchAny(t.ObjectTokens())
	case core.VerbAccess, core.VerbRead:
		return secretObjects.matchAny(t.ObjectTokens())
	case core.VerbUnknown:
		// Without a known leading verb every token is scanned.
		toks := t.ObjectTokens()
		return destructiveWords.matchAny(toks) || permissionObjects.matchAny(toks) || secretObjects.matchAny(toks)
	}
	return false
}

func (p *PolicyEngine) checkSecurity(_ context.Context, plan *core.ExecutionPlan) core.Verification {
	var hits []string
	if plan != nil {
		for _, a := range plan.Actions {
			if sensitive(a.Parsed()) {
				hits = append(hits, a.Type)
			}
		}
	}
	if len(hits) > 0 {
		return p.verification(CheckSecurity, false, "security-sensitive actions: "+strings.Join(hits, ", "))
	}
	return p.verification(CheckSecurity, true, "no security-sensitive actions")
}

func (p *PolicyEngine) checkResourceImpact(_ context.Context, plan *core.ExecutionPlan) core.Verification {
	var hits []string
	if plan != nil {
		for _, a := range plan.Actions {
			if resourceImpactVerbs[a.Parsed().Verb] {
				hits = append(hits, a.Type)
			}
		}
	}
	if len(hits) > 0 {
		return p.verification(CheckResourceImpact, true, "resource-impacting actions: "+strings.Join(hits, ", "))
	}
	return p.verification(CheckResourceImpact, true, "no resource-impacting actions")
}

func (p *PolicyEngine) checkToolAccess(ctx context.Context, plan *core.ExecutionPlan) core.Verification {
	var denied []string
	if plan != nil {
		for _, a := range plan.Actions {
			if a.Tool == "" {
				continue
			}
			if d := p.filter.IsAllowed(ctx, a.Tool); !d.IsAllowed() {
				denied = append(denied, fmt.Sprintf("%s (%s)", a.Tool, d.Reason))
			}
		}
	}
	if len(denied) > 0 {
		return p.verification(CheckToolAccess, false, "denied tools: "+strings.Join(denied, ", "))
	}
	return p.verification(CheckToolAccess, true, "all tools permitted")
}

// AssessRisk scores a plan:
//
//	clamp(actionTypeRisk + 0.2*failed + productionImpact + dataMigration, 0, 1)
//
// floored at the MEDIUM boundary when the security check failed.
func (p *PolicyEngine) AssessRisk(plan *core.ExecutionPlan, vs []core.Verification) core.RiskAssessment {
	factors := map[string]float64{}

	var actionRisk float64
	if plan != nil && len(plan.Actions) > 0 {
		var sum float64
		for _, a := range plan.Actions {
			w, ok := p.weights[a.Parsed().Verb]
			if !ok {
				w = p.weights[core.VerbUnknown]
			}
			sum += w
		}
		actionRisk = math.Min(sum/float64(len(plan.Actions)), maxActionTypeRisk)
	}
	factors[FactorActionType] = actionRisk

	failed := core.FailedCount(vs)
	factors[FactorVerifications] = perFailedVerification * float64(failed)

	if plan != nil && touchesProduction(plan) {
		factors[FactorProduction] = productionImpactRisk
	}
	if plan != nil && touchesData(plan) {
		factors[FactorDataMigration] = dataMigrationRisk
	}

	score := 0.0
	for _, f := range factors {
		score += f
	}
	score = clamp(round4(score), 0, 1)

	for _, v := range vs {
		if v.Type == CheckSecurity && !v.Pass && score < core.MediumThreshold {
			factors[FactorSecurityFloor] = core.MediumThreshold - score
			score = core.MediumThreshold
		}
	}

	return core.RiskAssessment{Score: score, Level: core.LevelForScore(score), Factors: factors}
}

func touchesProduction(plan *core.ExecutionPlan) bool {
	if productionKeywords.matchText(plan.Goal) {
		return true
	}
	for _, a := range plan.Actions {
		if argsMatch(a.Args, productionKeywords) {
			return true
		}
	}
	return false
}

func touchesData(plan *core.ExecutionPlan) bool {
	for _, a := range plan.Actions {
		if dataKeywords.matchText(a.Type) {
			return true
		}
	}
	return false
}

// Allows is true iff the level is LOW. There is no bypass for MEDIUM or HIGH.
func (p *PolicyEngine) Allows(_ *core.ExecutionPlan, risk core.RiskAssessment) bool {
	return risk.Level == core.RiskLow
}

// RequiredApprovals lists the approvals a plan needs: one UI approval for
// MEDIUM; an owner approval for HIGH, plus a security approval when any action
// type or argument mentions credentials or permissions.
func (p *PolicyEngine) RequiredApprovals(plan *core.ExecutionPlan, risk core.RiskAssessment) []core.ApprovalRequest {
	switch risk.Level {
	case core.RiskMedium:
		return []core.ApprovalRequest{{
			ID:     uuid.NewString(),
			Kind:   core.ApprovalUI,
			Reason: fmt.Sprintf("medium risk plan (score %.2f) requires operator approval", risk.Score),
			Risk:   risk.Score,
		}}
	case core.RiskHigh:
		reqs := []core.ApprovalRequest{{
			ID:     uuid.NewString(),
			Kind:   core.ApprovalOwner,
			Reason: fmt.Sprintf("high risk plan (score %.2f) requires owner approval", risk.Score),
			Risk:   risk.Score,
		}}
		if plan != nil && mentionsSecurity(plan) {
			reqs = append(reqs, core.ApprovalRequest{
				ID:     uuid.NewString(),
				Kind:   core.ApprovalSecurity,
				Reason: "plan touches credentials or permissions; security team approval required",
				Risk:   risk.Score,
			})
		}
		return reqs
	}
	return nil
}

func mentionsSecurity(plan *core.ExecutionPlan) bool {
	for _, a := range plan.Actions {
		if securityKeywords.matchText(a.Type) || argsMatch(a.Args, securityKeywords) {
			return true
		}
	}
	return false
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}

func round4(v float64) float64 {
	return math.Round(v*1e4) / 1e4
}
