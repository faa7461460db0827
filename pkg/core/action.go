// SPDX-License-Identifier: Apache-2.0
// Package core holds the value types shared by the planner, the policy engine,
// the tool registry and the orchestrator.
package core

import (
	"strings"
	"unicode"
)

// TaxonomyVersion identifies the verb set ParseActionType classifies into.
const TaxonomyVersion = "v1"

// Verb is the closed, versioned classification of an action type.
type Verb string

const (
	VerbRead     Verb = "read"
	VerbAnalyze  Verb = "analyze"
	VerbCreate   Verb = "create"
	VerbModify   Verb = "modify"
	VerbDelete   Verb = "delete"
	VerbDrop     Verb = "drop"
	VerbTruncate Verb = "truncate"
	VerbDeploy   Verb = "deploy"
	VerbMigrate  Verb = "migrate"
	VerbScale    Verb = "scale"
	VerbRestart  Verb = "restart"
	VerbBackup   Verb = "backup"
	VerbAccess   Verb = "access"
	VerbMonitor  Verb = "monitor"
	VerbNotify   Verb = "notify"

	// VerbUnknown is the escape hatch for action types outside the taxonomy.
	// ActionType.Raw keeps the original string.
	VerbUnknown Verb = "unknown"
)

var verbAliases = map[string]Verb{
	"read": VerbRead, "identify": VerbRead, "list": VerbRead, "get": VerbRead,
	"collect": VerbRead, "fetch": VerbRead,

	"analyze": VerbAnalyze, "analyse": VerbAnalyze, "check": VerbAnalyze, "verify": VerbAnalyze,
	"validate": VerbAnalyze, "inspect": VerbAnalyze, "review": VerbAnalyze,

	"create": VerbCreate, "add": VerbCreate, "new": VerbCreate, "generate": VerbCreate,
	"provision": VerbCreate,

	"modify": VerbModify, "update": VerbModify, "edit": VerbModify, "change": VerbModify,
	"patch": VerbModify, "set": VerbModify,

	"delete": VerbDelete, "remove": VerbDelete, "destroy": VerbDelete, "purge": VerbDelete,
	"drop":     VerbDrop,
	"truncate": VerbTruncate,

	"deploy": VerbDeploy, "release": VerbDeploy, "rollout": VerbDeploy, "ship": VerbDeploy,
	"publish": VerbDeploy,

	"migrate": VerbMigrate,
	"scale":   VerbScale,
	"restart": VerbRestart,
	"backup":  VerbBackup,
	"access":  VerbAccess,

	"monitor": VerbMonitor, "watch": VerbMonitor, "observe": VerbMonitor,

	"notify": VerbNotify, "report": VerbNotify, "alert": VerbNotify, "announce": VerbNotify,
}

// ActionType is the parsed form of Action.Type.
type ActionType struct {
	Verb   Verb
	Object string
	Raw    string
}

// Known reports whether the verb belongs to the taxonomy.
func (t ActionType) Known() bool { return t.Verb != VerbUnknown }

// ObjectTokens returns the tokens after the verb.
func (t ActionType) ObjectTokens() []string {
	if t.Object == "" {
		return nil
	}
	return strings.Split(t.Object, "_")
}

// ParseActionType classifies an action type string by its first token.
// "read_delete_log" is a read of a delete log, never a delete.
func ParseActionType(raw string) ActionType {
	toks := Tokenize(raw)
	if len(toks) == 0 {
		return ActionType{Verb: VerbUnknown, Raw: raw}
	}
	verb, ok := verbAliases[toks[0]]
	if !ok {
		return ActionType{Verb: VerbUnknown, Object: strings.Join(toks, "_"), Raw: raw}
	}
	return ActionType{Verb: verb, Object: strings.Join(toks[1:], "_"), Raw: raw}
}

// Tokenize lowercases s and splits it on separators and camelCase boundaries.
func Tokenize(s string) []string {
	var (
		toks []string
		cur  strings.Builder
		prev rune
	)
	flush := func() {
		if cur.Len() > 0 {
			toks = append(toks, cur.String())
			cur.Reset()
		}
	}
	for _, r := range s {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			if unicode.IsUpper(r) && unicode.IsLower(prev) {
				flush()
			}
			cur.WriteRune(unicode.ToLower(r))
		default:
			flush()
		}
		prev = r
	}
	flush()
	return toks
}

// Action is one discrete step of a plan. Type is matched through ParseActionType;
// Tool optionally pins the adapter, otherwise the engine's route table decides.
type Action struct {
	Type    string         `json:"type" yaml:"type"`
	Tool    string         `json:"tool,omitempty" yaml:"tool,omitempty"`
	Args    map[string]any `json:"args,omitempty" yaml:"args,omitempty"`
	Preview bool           `json:"preview,omitempty" yaml:"preview,omitempty"`
}

// Parsed returns the classified action type.
func (a Action) Parsed() ActionType { return ParseActionType(a.Type) }

// Mutating reports whether the action's verb changes external state.
func (a Action) Mutating() bool {
	switch a.Parsed().Verb {
	case VerbRead, VerbAnalyze, VerbMonitor, VerbNotify:
		return false
	default:
		return true
	}
}
