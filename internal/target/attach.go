package target

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/ctagard/dap-relay/internal/config"
	"github.com/ctagard/dap-relay/internal/dap"
	relayerrors "github.com/ctagard/dap-relay/internal/errors"
	"github.com/ctagard/dap-relay/pkg/types"
)

const placeholderScript = `import sys
import time

print(sys.argv[1] if len(sys.argv) > 1 else "Waiting for new connections...")
sys.stdout.flush()

while True:
    time.sleep(50000)
`

// NewAttach validates an attach request.
//
// In client mode the backend is already listening and Start dials it. In
// server mode the relay listens on host:port instead: Start launches a
// placeholder program under pydevd that takes the first connection and
// prints how to connect, and the user's own processes then arrive through
// the subprocess tunnel.
func NewAttach(req *dap.Envelope, opts Options) (*Target, error) {
	var args types.AttachArguments
	if err := req.DecodeArguments(&args); err != nil {
		return nil, relayerrors.Configuration(fmt.Sprintf("Unable to make attach: %v", err))
	}
	if args.Port == nil || *args.Port == 0 {
		return nil, relayerrors.MissingParameter("port")
	}
	mode := args.Mode
	if mode == "" {
		mode = types.AttachModeClient
	}
	host := args.Host
	if host == "" {
		host = Localhost()
	}
	port := int(*args.Port)

	switch mode {
	case types.AttachModeClient:
		t := newTarget(KindAttachClient, req, opts)
		t.attachHost = host
		t.attachPort = port
		return t, nil

	case types.AttachModeServer:
		cfg := opts.Config
		if cfg == nil {
			cfg = config.DefaultConfig()
		}
		pydevd := args.Bootstrap()
		if pydevd == "" {
			pydevd = cfg.PydevdFile
		}

		t := newTarget(KindAttachServer, req, opts)
		t.attachHost = host
		t.attachPort = port
		t.launch = &launchPlan{
			args:     []string{waitingMessage(host, port, pydevd)},
			console:  types.ConsoleInternal,
			python:   resolvePython(nil, cfg, ""),
			pydevd:   pydevd,
			env:      map[string]string{},
			bindHost: host,
			bindPort: port,
		}
		if wd, err := os.Getwd(); err == nil {
			t.launch.cwd = wd
		}
		return t, nil
	}

	return nil, relayerrors.Configuration(fmt.Sprintf(
		"Unable to make attach. Invalid \"mode\": %s (must be either %q or %q)", mode, types.AttachModeClient, types.AttachModeServer))
}

func (t *Target) startAttachClient(ctx context.Context) error {
	t.log.Info("Connecting to debugger backend", "host", t.attachHost, "port", t.attachPort)
	conn, err := dial(ctx, t.attachHost, t.attachPort, t.cfg.ConnectTimeout.D())
	if err != nil {
		return relayerrors.Connection(t.attachHost, t.attachPort, err)
	}
	return t.connected(conn)
}

// preparePlaceholder writes the placeholder program for server attach and
// makes the launch request the backend gets refer to it.
func (t *Target) preparePlaceholder() error {
	dir := filepath.Join(os.TempDir(), "pydevd-run")
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return relayerrors.Wrap(relayerrors.CodeSpawn, fmt.Sprintf("Error when creating spawning attach/server mode at host:%s, port:%d. Error: %v", t.attachHost, t.attachPort, err), err)
	}
	path := filepath.Join(dir, "server_attach_launch.py")
	if data, err := os.ReadFile(path); err != nil || string(data) != placeholderScript {
		if err := writeFileAtomic(path, []byte(placeholderScript)); err != nil {
			return relayerrors.Wrap(relayerrors.CodeSpawn, fmt.Sprintf("Error when creating spawning attach/server mode at host:%s, port:%d. Error: %v", t.attachHost, t.attachPort, err), err)
		}
	}

	t.launch.program = path
	t.forward = dap.NewRequest("launch", map[string]any{
		"program": path,
		"args":    t.launch.args,
		"noDebug": false,
		"console": string(types.ConsoleInternal),
	})
	return nil
}

// waitingMessage is what the placeholder prints: where to connect and the
// code that does it.
func waitingMessage(host string, port int, pydevd string) string {
	return fmt.Sprintf(`Waiting for connections in %s:%d
The code below may be used to connect:

import sys
sys.path.append(%s)

import pydevd
pydevd.settrace(host=%s, port=%d, protocol='dap')
`, host, port, pyRepr(filepath.Dir(pydevd)), pyRepr(host), port)
}

// pyRepr quotes s as a Python string literal.
func pyRepr(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `'`, `\'`, "\n", `\n`)
	return "'" + r.Replace(s) + "'"
}

func writeFileAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+"-*")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), path)
}
