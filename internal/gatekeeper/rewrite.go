// Package gatekeeper implements the SQL Gatekeeper (§4.C): a migration
// DDL validator/rewriter that tenant-prefixes plugin-declared tables, and
// a pre-execution statement authorizer that enforces row-level tenancy on
// every query a plugin issues.
package gatekeeper

import (
	"sort"
	"strings"

	"github.com/vtxmedia/vtx/internal/apperrors"
)

type replacement struct {
	start, end int
	value      string
}

// RewriteMigration validates and rewrites a single DDL statement for
// pluginID, using declaredPhysical as the set of already-prefixed physical
// table names the plugin is permitted to reference (computed by the
// Lifecycle Manager from the plugin's declared logical tables). It returns
// the rewritten statement or a *apperrors.AppError with CodeBadMigrationSQL.
func RewriteMigration(pluginID string, declaredPhysical map[string]bool, statement string) (string, error) {
	if err := ensureSingleStatement(statement); err != nil {
		return "", err
	}

	tokens, err := tokenize(statement)
	if err != nil {
		return "", err
	}
	if len(tokens) == 0 || tokens[0].kind != tokenWord {
		return "", apperrors.BadMigrationSQL("empty statement")
	}

	prefix := pluginPrefix(pluginID)
	lead := strings.ToLower(tokens[0].value)

	var reps []replacement
	switch lead {
	case "create":
		reps, err = rewriteCreate(tokens, prefix, declaredPhysical)
	case "alter":
		reps, err = rewriteAlter(tokens, prefix, declaredPhysical)
	case "drop":
		reps, err = rewriteDrop(tokens, prefix, declaredPhysical)
	default:
		return "", apperrors.BadMigrationSQL("statement must begin with CREATE, ALTER, or DROP")
	}
	if err != nil {
		return "", err
	}
	return applyReplacements(statement, reps), nil
}

func rewriteCreate(tokens []token, prefix string, declared map[string]bool) ([]replacement, error) {
	idx, word, err := nextWord(tokens, 1)
	if err != nil {
		return nil, err
	}
	switch word {
	case "table":
		tableIdx, err := nextTableIdent(tokens, idx+1)
		if err != nil {
			return nil, err
		}
		if err := rejectQualified(tokens, tableIdx); err != nil {
			return nil, err
		}
		rep, err := rewriteDeclaredIdent(tokens[tableIdx], prefix, declared)
		if err != nil {
			return nil, err
		}
		return []replacement{rep}, nil
	case "unique":
		idx2, word2, err := nextWord(tokens, idx+1)
		if err != nil || word2 != "index" {
			return nil, apperrors.BadMigrationSQL("unsupported CREATE form")
		}
		return rewriteCreateIndex(tokens, idx2+1, prefix, declared)
	case "index":
		return rewriteCreateIndex(tokens, idx+1, prefix, declared)
	default:
		return nil, apperrors.BadMigrationSQL("unsupported CREATE form")
	}
}

func rewriteCreateIndex(tokens []token, after int, prefix string, declared map[string]bool) ([]replacement, error) {
	idxIdent, err := nextIdentifier(tokens, after)
	if err != nil {
		return nil, err
	}
	if err := rejectQualified(tokens, idxIdent); err != nil {
		return nil, err
	}
	idxRep, err := rewriteAnyIdent(tokens[idxIdent], prefix)
	if err != nil {
		return nil, err
	}

	onIdx, onWord, err := nextWord(tokens, idxIdent+1)
	if err != nil || onWord != "on" {
		return nil, apperrors.BadMigrationSQL("CREATE INDEX must specify ON <table>")
	}
	tableIdx, err := nextIdentifier(tokens, onIdx+1)
	if err != nil {
		return nil, err
	}
	if err := rejectQualified(tokens, tableIdx); err != nil {
		return nil, err
	}
	tableRep, err := rewriteDeclaredIdent(tokens[tableIdx], prefix, declared)
	if err != nil {
		return nil, err
	}
	return []replacement{idxRep, tableRep}, nil
}

func rewriteAlter(tokens []token, prefix string, declared map[string]bool) ([]replacement, error) {
	idx, word, err := nextWord(tokens, 1)
	if err != nil || word != "table" {
		return nil, apperrors.BadMigrationSQL("unsupported ALTER form")
	}
	tableIdx, err := nextTableIdent(tokens, idx+1)
	if err != nil {
		return nil, err
	}
	if err := rejectQualified(tokens, tableIdx); err != nil {
		return nil, err
	}
	rep, err := rewriteDeclaredIdent(tokens[tableIdx], prefix, declared)
	if err != nil {
		return nil, err
	}
	return []replacement{rep}, nil
}

func rewriteDrop(tokens []token, prefix string, _ map[string]bool) ([]replacement, error) {
	idx, word, err := nextWord(tokens, 1)
	if err != nil || word != "index" {
		return nil, apperrors.BadMigrationSQL("only DROP INDEX is permitted")
	}
	idxIdent, err := nextTableIdent(tokens, idx+1)
	if err != nil {
		return nil, err
	}
	if err := rejectQualified(tokens, idxIdent); err != nil {
		return nil, err
	}
	rep, err := rewriteAnyIdent(tokens[idxIdent], prefix)
	if err != nil {
		return nil, err
	}
	return []replacement{rep}, nil
}

// rejectQualified rejects a qualified identifier the tokenizer split into
// separate word/"."/word tokens (e.g. `schema.table`), which a single-token
// lookup at identIdx would otherwise only ever see the first segment of.
func rejectQualified(tokens []token, identIdx int) error {
	next := identIdx + 1
	if next < len(tokens) && tokens[next].kind == tokenOther && tokens[next].value == "." {
		return apperrors.BadMigrationSQL("qualified identifiers are not permitted")
	}
	return nil
}

// rewriteDeclaredIdent normalizes tok's identifier and requires it to be
// in the plugin's declared physical-table set.
func rewriteDeclaredIdent(tok token, prefix string, declared map[string]bool) (replacement, error) {
	normalized, err := normalizeName(prefix, tok.value)
	if err != nil {
		return replacement{}, err
	}
	if !declared[normalized] {
		return replacement{}, apperrors.BadMigrationSQL("table is not declared by this plugin")
	}
	return replacement{tok.start, tok.end, tok.wrap(normalized)}, nil
}

// rewriteAnyIdent normalizes tok's identifier without checking declared
// membership — used for index names, which may be any logical name.
func rewriteAnyIdent(tok token, prefix string) (replacement, error) {
	normalized, err := normalizeName(prefix, tok.value)
	if err != nil {
		return replacement{}, err
	}
	return replacement{tok.start, tok.end, tok.wrap(normalized)}, nil
}

// applyReplacements splices non-overlapping, sorted replacements into
// statement.
func applyReplacements(statement string, reps []replacement) string {
	sorted := append([]replacement(nil), reps...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].start < sorted[j].start })

	var out strings.Builder
	last := 0
	for _, r := range sorted {
		if r.start < last {
			continue
		}
		out.WriteString(statement[last:r.start])
		out.WriteString(r.value)
		last = r.end
	}
	out.WriteString(statement[last:])
	return out.String()
}

// DeclaredPhysicalNames computes the physical (prefixed) table-name set
// for pluginID from its declared logical table names, for use both as
// RewriteMigration's declaredPhysical argument and as the authorizer's
// allow-list.
func DeclaredPhysicalNames(pluginID string, logicalTables []string) map[string]bool {
	prefix := pluginPrefix(pluginID)
	out := make(map[string]bool, len(logicalTables))
	for _, name := range logicalTables {
		out[prefix+name] = true
	}
	return out
}
