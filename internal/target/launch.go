package target

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sort"
	"strings"

	godap "github.com/google/go-dap"

	"github.com/ctagard/dap-relay/internal/config"
	"github.com/ctagard/dap-relay/internal/dap"
	relayerrors "github.com/ctagard/dap-relay/internal/errors"
	"github.com/ctagard/dap-relay/internal/process"
	"github.com/ctagard/dap-relay/internal/terminal"
	"github.com/ctagard/dap-relay/pkg/types"
)

const terminalTitle = "Python Debug Console"

// launchPlan is a validated launch request.
type launchPlan struct {
	program string
	module  string
	args    []string
	cwd     string
	env     map[string]string
	console types.ConsoleKind
	python  []string
	pydevd  string

	// where the backend connects to
	bindHost string
	bindPort int
}

// NewLaunch validates a launch request. Nothing is started until Start.
func NewLaunch(req *dap.Envelope, opts Options) (*Target, error) {
	var args types.LaunchArguments
	if err := req.DecodeArguments(&args); err != nil {
		return nil, relayerrors.Configuration(fmt.Sprintf("Invalid launch arguments: %v", err))
	}

	cfg := opts.Config
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	environ := opts.Environ
	if environ == nil {
		environ = os.Environ
	}

	plan, err := planLaunch(args, cfg, environ())
	if err != nil {
		return nil, err
	}

	t := newTarget(KindLaunch, req, opts)
	t.noDebug = args.NoDebug
	t.launch = plan
	return t, nil
}

func planLaunch(args types.LaunchArguments, cfg *config.Config, environ []string) (*launchPlan, error) {
	console := args.Console
	if console == "" {
		console = types.ConsoleIntegrated
	}
	if !console.Valid() {
		return nil, relayerrors.Configuration(fmt.Sprintf(
			"Invalid console option: %s (must be one of: %s, %s, %s)",
			console, types.ConsoleInternal, types.ConsoleIntegrated, types.ConsoleExternal))
	}

	switch {
	case args.Program == "" && args.Module == "":
		return nil, relayerrors.Configuration("Either 'program' or 'module' must be specified.")
	case args.Program != "" && args.Module != "":
		return nil, relayerrors.Configuration("Only one of 'program' or 'module' may be specified.")
	}

	cwd := args.Cwd
	program := args.Program
	if program != "" {
		if !filepath.IsAbs(program) {
			if cwd == "" {
				return nil, relayerrors.Configuration(fmt.Sprintf("Target: %s is relative and cwd was not given.", program))
			}
			program = filepath.Join(cwd, program)
		}
		abs, err := filepath.Abs(program)
		if err == nil {
			program = abs
		}
		info, err := os.Stat(program)
		if err != nil {
			return nil, relayerrors.Configuration(fmt.Sprintf("File: %s does not exist.", program))
		}
		if cwd == "" {
			if info.IsDir() {
				cwd = program
			} else {
				cwd = filepath.Dir(program)
			}
		}
	}

	if cwd != "" {
		if _, err := os.Stat(cwd); err != nil {
			return nil, relayerrors.Configuration(fmt.Sprintf("cwd specified does not exist: %s", cwd))
		}
		if abs, err := filepath.Abs(cwd); err == nil {
			cwd = abs
		}
	} else if wd, err := os.Getwd(); err == nil {
		cwd = wd
	}

	python := resolvePython(args.Interpreter(), cfg, cwd)

	env := make(map[string]string, len(args.Env)+2)
	for k, v := range venvEnv(python[0], environ) {
		env[k] = v
	}
	// Explicit entries win over detected ones.
	for k, v := range args.Env {
		env[k] = v
	}

	pydevd := args.Bootstrap()
	if pydevd == "" {
		pydevd = cfg.PydevdFile
	}

	return &launchPlan{
		program:  program,
		module:   args.Module,
		args:     args.Args,
		cwd:      cwd,
		env:      env,
		console:  console,
		python:   python,
		pydevd:   pydevd,
		bindHost: Localhost(),
	}, nil
}

// commandLine builds the debuggee command. In debug mode the program runs
// under pydevd, which connects back to localhost:port.
func (p *launchPlan) commandLine(noDebug bool, port int, multiprocess bool) []string {
	cmd := append([]string{}, p.python...)
	cmd = append(cmd, "-u")

	if noDebug {
		if p.module != "" {
			cmd = append(cmd, "-m", p.module)
		} else {
			cmd = append(cmd, p.program)
		}
		return append(cmd, p.args...)
	}

	cmd = append(cmd, p.pydevd, "--client", Localhost(), "--port", fmt.Sprint(port))
	if multiprocess {
		cmd = append(cmd, "--multiprocess")
	}
	cmd = append(cmd, "--debug-mode", "debugpy-dap", "--json-dap-http")
	if p.module != "" {
		cmd = append(cmd, "--module", "--file", p.module)
	} else {
		cmd = append(cmd, "--file", p.program)
	}
	return append(cmd, p.args...)
}

func (t *Target) startLaunch(ctx context.Context) error {
	p := t.launch

	if t.kind == KindAttachServer {
		if err := t.preparePlaceholder(); err != nil {
			return err
		}
	}

	port := 0
	if !t.noDebug {
		l, err := listen(ctx, p.bindHost, p.bindPort)
		if err != nil {
			return relayerrors.Wrap(relayerrors.CodeConnection,
				fmt.Sprintf("Error creating server socket to wait for connection: %v", err), err)
		}
		t.listenMu.Lock()
		t.listener = l
		t.listenMu.Unlock()
		port = l.Addr().(*net.TCPAddr).Port
	}

	cmdline := p.commandLine(t.noDebug, port, t.cfg.Multiprocess)

	console := p.console
	if console != types.ConsoleInternal && !t.supportsRunInTerminal {
		t.log.V(1).Info("Client cannot run in a terminal, using the debug console", "console", console)
		console = types.ConsoleInternal
	}

	var err error
	if console == types.ConsoleInternal {
		err = t.spawnPiped(ctx, cmdline)
	} else {
		err = t.runInTerminal(ctx, cmdline, console)
	}
	if err != nil {
		return err
	}

	if !t.noDebug {
		conn, err := acceptBackend(t.Listener(), t.cfg.DefaultTimeout.D(), t.exited())
		if err != nil {
			return err
		}
		if err := t.connected(conn); err != nil {
			return err
		}
	}

	t.startWatchers()
	return nil
}

func (t *Target) spawnPiped(ctx context.Context, cmdline []string) error {
	p := t.launch
	t.log.Info("Launching in debug console", "cmdline", cmdline, "cwd", p.cwd)

	h, err := t.host.Spawn(ctx, process.SpawnOptions{
		Args:      cmdline,
		Dir:       p.cwd,
		Env:       mergeEnv(t.environ(), p.env),
		PipeStdio: true,
	})
	if err != nil {
		return relayerrors.SpawnFailed(cmdline, err)
	}

	t.procMu.Lock()
	t.handle = h
	t.pid = h.Pid()
	t.stdin = h.Stdin
	t.procMu.Unlock()
	return nil
}

func (t *Target) runInTerminal(ctx context.Context, cmdline []string, console types.ConsoleKind) error {
	p := t.launch
	t.log.Info("Launching in terminal", "kind", console.TerminalKind(), "cmdline", cmdline)

	pidFile := terminal.PidFilePath()
	defer func() {
		if err := os.Remove(pidFile); err != nil && !errors.Is(err, os.ErrNotExist) {
			t.log.V(1).Info("Error removing pid file", "path", pidFile, "error", err.Error())
		}
	}()

	args, env, err := terminal.RewriteForTerminal(cmdline, p.env, pidFile, terminal.Options{
		SelfExe:   t.selfExe,
		EnvScript: t.cfg.LaunchEnvScript,
		Log:       t.log,
	})
	if err != nil {
		return relayerrors.SpawnFailed(cmdline, err)
	}

	var envBody map[string]interface{}
	if len(env) > 0 {
		envBody = make(map[string]interface{}, len(env))
		for k, v := range env {
			envBody[k] = v
		}
	}
	req := dap.NewRequest("runInTerminal", godap.RunInTerminalRequestArguments{
		Kind:  console.TerminalKind(),
		Title: terminalTitle,
		Cwd:   p.cwd,
		Args:  args,
		Env:   envBody,
	})
	if !t.link.Send(req) {
		return relayerrors.Terminated("runInTerminal")
	}
	t.log.V(1).Info("Waiting for terminal to report the debuggee pid", "pidFile", pidFile)

	timeout := t.cfg.PidFileTimeout.D()
	pid, err := t.host.WaitForPidFile(ctx, pidFile, timeout)
	if err != nil {
		return relayerrors.Timeout(fmt.Sprintf(
			"runInTerminal requested, but the process did not start (waited for %d seconds)", int(timeout.Seconds())))
	}

	t.procMu.Lock()
	t.pid = pid
	t.procMu.Unlock()
	return nil
}

// exited is closed when a piped debuggee exits; nil otherwise.
func (t *Target) exited() <-chan struct{} {
	t.procMu.Lock()
	defer t.procMu.Unlock()
	if t.handle == nil {
		return nil
	}
	return t.handle.Done()
}

// mergeEnv overlays env on base. Inherited variables keep their position;
// new ones are appended in sorted order.
func mergeEnv(base []string, env map[string]string) []string {
	out := make([]string, 0, len(base)+len(env))
	seen := make(map[string]bool, len(env))
	for _, kv := range base {
		k, _, ok := strings.Cut(kv, "=")
		if !ok {
			out = append(out, kv)
			continue
		}
		if key, found := lookupKey(env, k); found {
			out = append(out, k+"="+env[key])
			seen[key] = true
			continue
		}
		out = append(out, kv)
	}

	var added []string
	for k := range env {
		if !seen[k] {
			added = append(added, k)
		}
	}
	sort.Strings(added)
	for _, k := range added {
		out = append(out, k+"="+env[k])
	}
	return out
}
