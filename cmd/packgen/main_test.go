package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunExitCodes(t *testing.T) {
	t.Setenv("GREENTIC_PROVIDER_WASM", "")
	t.Setenv("GREENTIC_PACK_BIN", "")
	dir := t.TempDir()
	good := filepath.Join(dir, "dummy.toml")
	require.NoError(t, os.WriteFile(good, []byte("provider = \"dummy\"\nversion = \"0.1.0\"\n[flows]\negress = true\n"), 0o644))
	bad := filepath.Join(dir, "bad.toml")
	require.NoError(t, os.WriteFile(bad, []byte("provider = \"dummy\"\nversion = \"x\"\n[flows]\negress = true\n"), 0o644))

	assert.Equal(t, 0, run([]string{"generate", "--spec", good, "--out", filepath.Join(dir, "out")}))
	assert.FileExists(t, filepath.Join(dir, "out", "manifest.json"))
	assert.Equal(t, 1, run([]string{"generate", "--spec", bad, "--out", filepath.Join(dir, "out2")}))
	assert.Equal(t, 2, run([]string{"generate", "--spec", filepath.Join(dir, "missing.toml"), "--out", dir}))
	assert.Equal(t, 1, run([]string{"generate"}))
	assert.Equal(t, 1, run([]string{"generate-all", "--spec-dir", dir, "--out", filepath.Join(dir, "all")}))
	assert.FileExists(t, filepath.Join(dir, "all", "dummy", "manifest.json"))
}
