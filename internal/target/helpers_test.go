package target

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ctagard/dap-relay/internal/config"
	"github.com/ctagard/dap-relay/internal/dap"
	"github.com/ctagard/dap-relay/internal/target/targettest"
)

func testConfig() *config.Config {
	cfg := config.DefaultConfig()
	cfg.PythonPath = "/usr/bin/python3"
	cfg.PydevdFile = "/opt/pydevd/pydevd.py"
	cfg.DefaultTimeout = config.Duration(5 * time.Second)
	cfg.PidFileTimeout = config.Duration(5 * time.Second)
	cfg.LivenessInterval = config.Duration(10 * time.Millisecond)
	return cfg
}

func testEnviron() []string {
	return []string{"PATH=/usr/bin", "HOME=/home/dev"}
}

// writeProgram creates an empty script and returns its path.
func writeProgram(t *testing.T, dir, name string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(p, []byte("print('hi')\n"), 0o600))
	return p
}

func launchRequest(seq int, args map[string]any) *dap.Envelope {
	req := dap.NewRequest("launch", args)
	req.Seq = seq
	return req
}

func testOptions(client *targettest.Client, host *targettest.Host, cfg *config.Config) Options {
	return Options{
		Config:  cfg,
		Link:    client.Link,
		Host:    host,
		Environ: testEnviron,
		SelfExe: "/opt/dap-relay",
	}
}

func decodeArgs(t *testing.T, m *dap.Envelope) map[string]any {
	t.Helper()
	out := map[string]any{}
	require.NoError(t, m.DecodeArguments(&out))
	return out
}

func decodeBody(t *testing.T, m *dap.Envelope) map[string]any {
	t.Helper()
	out := map[string]any{}
	require.NoError(t, m.DecodeBody(&out))
	return out
}
