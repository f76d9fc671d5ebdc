package gatekeeper

import (
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/vtxmedia/vtx/internal/apperrors"
	"github.com/vtxmedia/vtx/internal/policy"
)

func TestRewriteMigrationCreateIndex(t *testing.T) {
	declared := DeclaredPhysicalNames("p1", []string{"items"})
	out, err := RewriteMigration("p1", declared, "CREATE INDEX idx_items ON items(id)")
	require.NoError(t, err)
	require.Equal(t, "CREATE INDEX vtx_plugin_p1_idx_items ON vtx_plugin_p1_items(id)", out)
}

func TestRewriteMigrationRejectsUndeclaredTable(t *testing.T) {
	declared := DeclaredPhysicalNames("p1", []string{"items"})
	_, err := RewriteMigration("p1", declared, "CREATE TABLE other (id INTEGER)")
	require.Error(t, err)
	require.True(t, apperrors.Is(err, apperrors.CodeBadMigrationSQL))
}

func TestRewriteMigrationRejectsMultipleStatements(t *testing.T) {
	declared := DeclaredPhysicalNames("p1", []string{"items"})
	_, err := RewriteMigration("p1", declared, "CREATE TABLE items (id INTEGER); DROP TABLE items;")
	require.Error(t, err)
}

func TestRewriteMigrationAllowsTrailingCommentAfterSemicolon(t *testing.T) {
	declared := DeclaredPhysicalNames("p1", []string{"items"})
	out, err := RewriteMigration("p1", declared, "CREATE TABLE items (id INTEGER); -- trailing comment\n")
	require.NoError(t, err)
	require.Contains(t, out, "vtx_plugin_p1_items")
}

func TestRewriteMigrationRejectsDottedIdentifier(t *testing.T) {
	declared := DeclaredPhysicalNames("p1", []string{"items"})
	_, err := RewriteMigration("p1", declared, "ALTER TABLE main.items ADD COLUMN x TEXT")
	require.Error(t, err)
}

func TestRewriteMigrationRejectsDottedIdentifierWhosePrefixIsDeclared(t *testing.T) {
	declared := DeclaredPhysicalNames("p1", []string{"items"})
	_, err := RewriteMigration("p1", declared, "ALTER TABLE items.foo ADD COLUMN x TEXT")
	require.Error(t, err)
	require.True(t, apperrors.Is(err, apperrors.CodeBadMigrationSQL))
}

func TestRewriteMigrationPreservesQuoteStyle(t *testing.T) {
	declared := DeclaredPhysicalNames("p1", []string{"items"})
	out, err := RewriteMigration("p1", declared, `CREATE TABLE "items" (id INTEGER)`)
	require.NoError(t, err)
	require.Equal(t, `CREATE TABLE "vtx_plugin_p1_items" (id INTEGER)`, out)
}

func TestRewriteMigrationRejectsDropTable(t *testing.T) {
	declared := DeclaredPhysicalNames("p1", []string{"items"})
	_, err := RewriteMigration("p1", declared, "DROP TABLE items")
	require.Error(t, err)
}

func TestAuthorizeTenantIsolation(t *testing.T) {
	allowed := map[string]bool{"vtx_plugin_p1_items": true}
	perms := policy.NewSet(policy.PermSQLWrite)

	err := Authorize(policy.Plugin, perms, "INSERT INTO vtx_plugin_p1_items VALUES(1)", allowed)
	require.NoError(t, err)

	err = Authorize(policy.Plugin, perms, "SELECT * FROM sys_plugin_versions", allowed)
	require.Error(t, err)

	err = Authorize(policy.Plugin, perms, "SELECT * FROM main.vtx_plugin_p1_items", allowed)
	require.Error(t, err)
}

func TestAuthorizeWriteRequiresPermission(t *testing.T) {
	allowed := map[string]bool{"vtx_plugin_p1_items": true}
	err := Authorize(policy.Plugin, policy.NewSet(), "INSERT INTO vtx_plugin_p1_items VALUES(1)", allowed)
	require.Error(t, err)
}

func TestAuthorizeRootBypassesEverything(t *testing.T) {
	err := Authorize(policy.Root, nil, "SELECT * FROM sys_plugin_versions", map[string]bool{})
	require.NoError(t, err)
}

func TestAuthorizeRestrictedDeniesWrites(t *testing.T) {
	allowed := map[string]bool{"vtx_plugin_p1_items": true}
	err := Authorize(policy.Restricted, policy.NewSet(policy.PermSQLWrite), "INSERT INTO vtx_plugin_p1_items VALUES(1)", allowed)
	require.Error(t, err)
}
