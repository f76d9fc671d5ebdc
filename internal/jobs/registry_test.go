package jobs

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/vtxmedia/vtx/internal/apperrors"
)

func TestLookupUnknownJobType(t *testing.T) {
	_, err := Lookup("does-not-exist")
	require.Error(t, err)
	require.True(t, apperrors.Is(err, apperrors.CodeUnsupportedJobType))
}

func TestNormalizePayloadRejectsNewerVersion(t *testing.T) {
	def, err := Lookup("scan-directory")
	require.NoError(t, err)

	_, err = NormalizePayload(def, map[string]any{"path": "/videos"}, 2)
	require.Error(t, err)
	require.True(t, apperrors.Is(err, apperrors.CodeUnsupportedPayloadVer))
}

func TestNormalizePayloadMigratesLegacyDirectoryKey(t *testing.T) {
	def, err := Lookup("scan-directory")
	require.NoError(t, err)

	out, err := NormalizePayload(def, map[string]any{"directory": "/videos"}, 0)
	require.NoError(t, err)
	require.Equal(t, "/videos", out["path"])
}

func TestNormalizePayloadValidatesCurrentVersion(t *testing.T) {
	def, err := Lookup("scan-directory")
	require.NoError(t, err)

	_, err = NormalizePayload(def, map[string]any{}, 1)
	require.Error(t, err)
}

func TestValidateSubmissionEnforcesRequiredGroup(t *testing.T) {
	_, err := ValidateSubmission("scan-directory", 1, map[string]any{"path": "/videos"}, map[string]bool{})
	require.Error(t, err)
	require.True(t, apperrors.Is(err, apperrors.CodePermissionDenied))

	_, err = ValidateSubmission("scan-directory", 1, map[string]any{"path": "/videos"}, map[string]bool{"admin": true})
	require.NoError(t, err)
}
