// SPDX-License-Identifier: Apache-2.0

package governance

import (
	"fmt"
	"sort"
	"strings"

	"github.com/Royal-Equips-Org/royal-equips-orchestrator-sub008/pkg/core"
)

// keywordSet matches whole tokens, tolerating a trailing plural "s".
type keywordSet map[string]struct{}

func newKeywordSet(words ...string) keywordSet {
	ks := make(keywordSet, len(words))
	for _, w := range words {
		ks[w] = struct{}{}
	}
	return ks
}

func (ks keywordSet) matchToken(tok string) bool {
	if _, ok := ks[tok]; ok {
		return true
	}
	if strings.HasSuffix(tok, "s") {
		_, ok := ks[strings.TrimSuffix(tok, "s")]
		return ok
	}
	return false
}

func (ks keywordSet) matchAny(toks []string) bool {
	for _, t := range toks {
		if ks.matchToken(t) {
			return true
		}
	}
	return false
}

func (ks keywordSet) matchText(s string) bool {
	return ks.matchAny(core.Tokenize(s))
}

var (
	productionKeywords = newKeywordSet("prod", "production", "live", "main", "master")
	dataKeywords       = newKeywordSet("migrate", "migration", "schema", "database", "db", "table", "column")
	securityKeywords   = newKeywordSet("secret", "key", "token", "password", "auth", "permission", "credential")
	permissionObjects  = newKeywordSet("permission", "acl", "role", "policy", "grant")
	secretObjects      = newKeywordSet("secret", "credential", "key", "token", "password")
	destructiveWords   = newKeywordSet("delete", "drop", "truncate", "remove", "destroy", "purge")
)

// walkStrings visits every string reachable in v: map keys, map values,
// slice elements and scalar values rendered with fmt.
func walkStrings(v any, visit func(string) bool) bool {
	switch x := v.(type) {
	case nil:
		return false
	case string:
		return visit(x)
	case map[string]any:
		keys := make([]string, 0, len(x))
		for k := range x {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			if visit(k) || walkStrings(x[k], visit) {
				return true
			}
		}
		return false
	case map[string]string:
		for k, val := range x {
			if visit(k) || visit(val) {
				return true
			}
		}
		return false
	case []any:
		for _, e := range x {
			if walkStrings(e, visit) {
				return true
			}
		}
		return false
	case []string:
		for _, e := range x {
			if visit(e) {
				return true
			}
		}
		return false
	default:
		return visit(fmt.Sprint(x))
	}
}

// argsMatch reports whether any string inside args contains a keyword token.
func argsMatch(args map[string]any, ks keywordSet) bool {
	if len(args) == 0 {
		return false
	}
	return walkStrings(args, ks.matchText)
}
