package target

import (
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/ctagard/dap-relay/internal/config"
)

// venvDirs are checked under cwd, in order, when no interpreter was given.
var venvDirs = []string{".venv", "venv"}

// resolvePython picks the interpreter: the request's "python"/"pythonPath",
// then the configured default, then a virtualenv under cwd, then whatever
// is on PATH.
func resolvePython(requested []string, cfg *config.Config, cwd string) []string {
	if len(requested) > 0 {
		return requested
	}
	if cfg.PythonPath != "" {
		return []string{cfg.PythonPath}
	}
	if cwd != "" {
		if p := findVenvPython(cwd); p != "" {
			return []string{p}
		}
	}
	if runtime.GOOS == "windows" {
		return []string{"python"}
	}
	return []string{"python3"}
}

func findVenvPython(dir string) string {
	bin, exe := "bin", "python"
	if runtime.GOOS == "windows" {
		bin, exe = "Scripts", "python.exe"
	}
	for _, name := range venvDirs {
		p := filepath.Join(dir, name, bin, exe)
		if info, err := os.Stat(p); err == nil && !info.IsDir() {
			return p
		}
	}
	return ""
}

// detectVenvRoot checks if pythonPath is inside a venv and returns the root directory.
// Returns empty string if not a venv or venv cannot be detected.
func detectVenvRoot(pythonPath string) string {
	// Python path is typically: /path/to/venv/bin/python -> venv root: /path/to/venv
	binDir := filepath.Dir(pythonPath)
	venvRoot := filepath.Dir(binDir)

	// Check for pyvenv.cfg (standard venv marker created by python -m venv)
	if _, err := os.Stat(filepath.Join(venvRoot, "pyvenv.cfg")); err == nil {
		return venvRoot
	}
	return ""
}

// venvEnv returns the variables that activate the venv pythonPath lives in,
// or nil when it is not in one.
func venvEnv(pythonPath string, environ []string) map[string]string {
	root := detectVenvRoot(pythonPath)
	if root == "" {
		return nil
	}

	binDir := filepath.Dir(pythonPath)
	path := binDir
	for _, kv := range environ {
		if k, v, ok := strings.Cut(kv, "="); ok && strings.EqualFold(k, "PATH") {
			path = binDir + string(os.PathListSeparator) + v
			break
		}
	}
	return map[string]string{
		"VIRTUAL_ENV": root,
		"PATH":        path,
	}
}
