package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoadDefaultsWhenFileMissing(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)
	require.Equal(t, Defaults().JobQueue.LeaseSecs, cfg.JobQueue.LeaseSecs)
}

func TestLoadYAMLOverlay(t *testing.T) {
	path := filepath.Join(t.TempDir(), "vtx.yaml")
	require.NoError(t, os.WriteFile(path, []byte("job_queue:\n  lease_secs: 45\n"), 0o644))
	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, 45, cfg.JobQueue.LeaseSecs)
	require.Equal(t, Defaults().JobQueue.PollIntervalMs, cfg.JobQueue.PollIntervalMs)
}

func TestApplyEnvOverridesNestedField(t *testing.T) {
	cfg := Defaults()
	ApplyEnv(cfg, []string{"VTX_JOB_QUEUE__ADAPTIVE_SCAN__STEP_UP=3", "IRRELEVANT=x"})
	require.Equal(t, 3, cfg.JobQueue.AdaptiveScan.StepUp)
}
