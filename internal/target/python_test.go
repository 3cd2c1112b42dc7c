package target

import (
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ctagard/dap-relay/internal/config"
)

func TestResolvePython(t *testing.T) {
	t.Parallel()

	cfg := config.DefaultConfig()
	cfg.PythonPath = ""
	fallback := "python3"
	if runtime.GOOS == "windows" {
		fallback = "python"
	}

	assert.Equal(t, []string{"py", "-3"}, resolvePython([]string{"py", "-3"}, cfg, ""))
	assert.Equal(t, []string{fallback}, resolvePython(nil, cfg, t.TempDir()))

	cfg.PythonPath = "/opt/python/bin/python3"
	assert.Equal(t, []string{"/opt/python/bin/python3"}, resolvePython(nil, cfg, ""))
}

func TestFindVenvPython(t *testing.T) {
	t.Parallel()
	if runtime.GOOS == "windows" {
		t.Skip("unix venv layout")
	}

	dir := t.TempDir()
	assert.Empty(t, findVenvPython(dir))

	bin := filepath.Join(dir, "venv", "bin")
	require.NoError(t, os.MkdirAll(bin, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(bin, "python"), nil, 0o755))
	assert.Equal(t, filepath.Join(bin, "python"), findVenvPython(dir))

	dotBin := filepath.Join(dir, ".venv", "bin")
	require.NoError(t, os.MkdirAll(dotBin, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dotBin, "python"), nil, 0o755))
	assert.Equal(t, filepath.Join(dotBin, "python"), findVenvPython(dir), ".venv wins")
}

func TestVenvEnv(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	bin := filepath.Join(dir, "bin")
	require.NoError(t, os.MkdirAll(bin, 0o755))
	python := filepath.Join(bin, "python")

	assert.Nil(t, venvEnv(python, []string{"PATH=/usr/bin"}), "no pyvenv.cfg")

	require.NoError(t, os.WriteFile(filepath.Join(dir, "pyvenv.cfg"), nil, 0o644))
	env := venvEnv(python, []string{"HOME=/root", "PATH=/usr/bin"})
	assert.Equal(t, dir, env["VIRTUAL_ENV"])
	assert.Equal(t, bin+string(os.PathListSeparator)+"/usr/bin", env["PATH"])

	env = venvEnv(python, nil)
	assert.Equal(t, bin, env["PATH"])
}
