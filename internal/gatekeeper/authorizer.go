package gatekeeper

import (
	"strings"

	"github.com/vtxmedia/vtx/internal/apperrors"
	"github.com/vtxmedia/vtx/internal/policy"
)

// tableRefKeywords precede a table name in the statement shapes this
// authorizer recognizes: FROM, JOIN, UPDATE, INTO.
var tableRefKeywords = map[string]bool{"from": true, "join": true, "update": true, "into": true}

var readOnlyVerbs = map[string]bool{"select": true, "with": true}
var allowedVerbs = map[string]bool{"select": true, "with": true, "insert": true, "update": true, "delete": true, "replace": true}

// Authorize implements the per-query authorizer (§4.C). modernc.org/sqlite
// does not expose a sqlite3_set_authorizer-style callback through
// database/sql, so this runs as a pre-execution statement analyzer: it
// classifies the leading verb and walks FROM/JOIN/UPDATE/INTO references
// before the statement reaches the driver, giving the same row-level
// tenancy guarantee the spec describes for a connection-level callback.
// See DESIGN.md for the grounding of this substitution.
//
// allowedPhysical is the plugin's current physical-resource set (lower-cased
// keys). Under tier == policy.Root the authorizer is bypassed entirely.
func Authorize(tier policy.Tier, perms policy.Set, statement string, allowedPhysical map[string]bool) error {
	if tier == policy.Root {
		return nil
	}
	if err := ensureSingleStatement(statement); err != nil {
		return apperrors.PermissionDenied()
	}

	leading, ok := firstKeyword(statement)
	if !ok || !allowedVerbs[leading] {
		return apperrors.PermissionDenied()
	}

	readOnly := readOnlyVerbs[leading]
	if !readOnly {
		if tier == policy.Restricted {
			return apperrors.PermissionDenied()
		}
		if tier == policy.Plugin && !perms.Has(policy.PermSQLWrite) {
			return apperrors.PermissionDenied()
		}
	}

	used := extractTableNames(statement)
	if !readOnly && len(used) == 0 {
		return apperrors.PermissionDenied()
	}

	for _, table := range used {
		name := strings.ToLower(table)
		if strings.HasPrefix(name, "sys_") || strings.Contains(name, ".") {
			return apperrors.PermissionDenied()
		}
		if !allowedPhysical[name] {
			return apperrors.PermissionDenied()
		}
	}
	return nil
}

func firstKeyword(statement string) (string, bool) {
	tokens, err := tokenize(statement)
	if err != nil {
		return "", false
	}
	for _, t := range tokens {
		if t.kind == tokenWord {
			return strings.ToLower(t.value), true
		}
	}
	return "", false
}

// extractTableNames walks the token stream for identifiers following
// FROM/JOIN/UPDATE/INTO, skipping the case of a subquery (SELECT/WITH)
// appearing in that position.
func extractTableNames(statement string) []string {
	tokens, err := tokenize(statement)
	if err != nil {
		return nil
	}
	var tables []string
	for i, t := range tokens {
		if t.kind != tokenWord {
			continue
		}
		lower := strings.ToLower(t.value)
		if !tableRefKeywords[lower] {
			continue
		}
		if i+1 >= len(tokens) {
			continue
		}
		next := tokens[i+1]
		nextLower := strings.ToLower(next.value)
		if nextLower == "select" || nextLower == "with" {
			continue
		}
		tables = append(tables, next.value)
	}
	return tables
}
