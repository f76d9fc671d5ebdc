package gatekeeper

import (
	"strings"

	"github.com/vtxmedia/vtx/internal/apperrors"
)

// pluginPrefix is the physical-table prefix a plugin's logical names are
// rewritten under: vtx_plugin_{id}_.
func pluginPrefix(pluginID string) string {
	return "vtx_plugin_" + pluginID + "_"
}

// normalizeName maps a logical or already-prefixed identifier to its
// physical form under prefix, rejecting dotted names, foreign-plugin
// prefixes, and anything that isn't a plain identifier once prefixed.
func normalizeName(prefix, name string) (string, error) {
	name = strings.TrimSpace(name)
	if strings.Contains(name, ".") {
		return "", apperrors.BadMigrationSQL("qualified identifiers are not permitted")
	}

	var normalized string
	if strings.HasPrefix(name, "vtx_plugin_") {
		if !strings.HasPrefix(name, prefix) {
			return "", apperrors.BadMigrationSQL("identifier belongs to a different plugin")
		}
		normalized = name
	} else {
		normalized = prefix + name
	}

	if !isValidIdentifier(normalized) {
		return "", apperrors.BadMigrationSQL("invalid identifier after rewrite")
	}
	return normalized, nil
}

func isValidIdentifier(name string) bool {
	if name == "" {
		return false
	}
	for i := 0; i < len(name); i++ {
		if !isIdentChar(name[i]) {
			return false
		}
	}
	return true
}
