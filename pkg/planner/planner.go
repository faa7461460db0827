// SPDX-License-Identifier: Apache-2.0
// Package planner turns a goal into a deterministic, validated execution plan.
//
// Goals are classified into a closed set of intents and every intent maps to a
// fixed, ordered template of actions, so the same goal always yields the same
// actions. The planner never scores risk.
package planner

import (
	"context"
	"maps"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/Royal-Equips-Org/royal-equips-orchestrator-sub008/pkg/core"
	"github.com/Royal-Equips-Org/royal-equips-orchestrator-sub008/pkg/errors"
)

// Intent is the classified purpose of a goal.
type Intent string

const (
	IntentDeletion       Intent = "deletion"
	IntentDeployment     Intent = "deployment"
	IntentDataManagement Intent = "data_management"
	IntentModification   Intent = "modification"
	IntentCreation       Intent = "creation"
	IntentMonitoring     Intent = "monitoring"
	IntentAnalysis       Intent = "analysis"
)

// Priority is the classification order; the first intent with a matching
// keyword wins. IntentAnalysis is the fallback and has no keywords.
var Priority = []Intent{
	IntentDeletion,
	IntentDeployment,
	IntentDataManagement,
	IntentModification,
	IntentCreation,
	IntentMonitoring,
}

var intentKeywords = map[Intent][]string{
	IntentDeletion:       {"delete", "remove", "destroy", "drop", "purge", "truncate", "decommission", "uninstall", "wipe"},
	IntentDeployment:     {"deploy", "release", "rollout", "ship", "publish", "launch"},
	IntentDataManagement: {"migrat", "schema", "database", "data", "backup", "restore", "import", "export", "table", "column"},
	IntentModification:   {"update", "modify", "change", "edit", "patch", "upgrade", "configur", "rename", "tune", "scale", "restart", "fix"},
	IntentCreation:       {"create", "add", "new", "generate", "provision", "build", "setup", "make"},
	IntentMonitoring:     {"monitor", "watch", "observe", "alert", "track", "health", "status", "metric"},
}

// DefaultTemplates are the ordered action types per intent.
var DefaultTemplates = map[Intent][]string{
	IntentDeployment:     {"analyze_changes", "backup_current_release", "deploy_release", "monitor_rollout"},
	IntentCreation:       {"analyze_requirements", "create_resource", "verify_resource"},
	IntentModification:   {"read_current_state", "backup_current_state", "modify_resource", "verify_changes"},
	IntentDeletion:       {"identify_target", "check_dependencies", "backup_target", "delete_target"},
	IntentMonitoring:     {"collect_metrics", "analyze_metrics", "notify_status"},
	IntentDataManagement: {"analyze_data", "backup_data", "migrate_data", "verify_data"},
	IntentAnalysis:       {"collect_context", "analyze_goal", "report_findings"},
}

// Snapshot is the situational context accompanying a goal. The keys
// "target", "environment" and "tool" flow into every generated action.
type Snapshot map[string]any

// Snapshot keys copied into generated actions.
const (
	SnapshotTarget      = "target"
	SnapshotEnvironment = "environment"
	SnapshotTool        = "tool"
)

// Planner builds plans from goals.
type Planner struct {
	templates map[Intent][]string
	newID     func() string
	clock     func() time.Time
	tracer    trace.Tracer
}

// Option configures a Planner.
type Option func(*Planner)

// WithIDGenerator overrides plan id generation.
func WithIDGenerator(fn func() string) Option {
	return func(p *Planner) { p.newID = fn }
}

// WithTemplates overrides the templates of the given intents.
func WithTemplates(t map[Intent][]string) Option {
	return func(p *Planner) {
		for intent, types := range t {
			p.templates[intent] = append([]string(nil), types...)
		}
	}
}

// WithClock injects the time source for CreatedAt.
func WithClock(clock func() time.Time) Option {
	return func(p *Planner) { p.clock = clock }
}

// New creates a planner with the default templates.
func New(opts ...Option) *Planner {
	p := &Planner{
		templates: maps.Clone(DefaultTemplates),
		newID:     uuid.NewString,
		clock:     time.Now,
		tracer:    otel.Tracer("orchestrator/planner"),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Classify returns the intent of goal.
func Classify(goal string) Intent {
	toks := core.Tokenize(goal)
	for _, intent := range Priority {
		for _, kw := range intentKeywords[intent] {
			if matchKeyword(toks, kw) {
				return intent
			}
		}
	}
	return IntentAnalysis
}

// matchKeyword matches keywords of four or more characters as token prefixes
// ("deploying" matches "deploy"); shorter keywords must match whole tokens.
func matchKeyword(toks []string, kw string) bool {
	for _, t := range toks {
		if t == kw || (len(kw) >= 4 && strings.HasPrefix(t, kw)) {
			return true
		}
	}
	return false
}

// Plan classifies goal and expands its template into a validated plan.
func (p *Planner) Plan(ctx context.Context, goal string, snapshot Snapshot) (*core.ExecutionPlan, error) {
	_, span := p.tracer.Start(ctx, "Planner.Plan")
	defer span.End()

	goal = strings.TrimSpace(goal)
	if goal == "" {
		return nil, errors.PlanValidation("", "goal is empty")
	}

	intent := Classify(goal)
	span.SetAttributes(attribute.String("planner.intent", string(intent)))

	types := p.templates[intent]
	if len(types) == 0 {
		return nil, errors.PlanValidation("", "no actions could be derived for intent "+string(intent))
	}

	actions := make([]core.Action, 0, len(types))
	for _, typ := range types {
		a := core.Action{Type: typ, Args: actionArgs(snapshot)}
		if tool, ok := snapshot[SnapshotTool].(string); ok {
			a.Tool = tool
		}
		a.Preview = a.Mutating()
		actions = append(actions, a)
	}

	plan := &core.ExecutionPlan{
		ID:        p.newID(),
		Goal:      goal,
		Intent:    string(intent),
		Actions:   actions,
		CreatedAt: p.clock().UTC(),
	}
	if err := plan.Validate(); err != nil {
		return nil, err
	}
	span.SetAttributes(
		attribute.String("plan.id", plan.ID),
		attribute.Int("plan.actions", len(plan.Actions)),
	)
	return plan, nil
}

func actionArgs(snapshot Snapshot) map[string]any {
	args := map[string]any{}
	for _, key := range []string{SnapshotTarget, SnapshotEnvironment} {
		if v, ok := snapshot[key]; ok && v != nil {
			args[key] = v
		}
	}
	return args
}
