// Package target owns the debugger backend a session talks to: it validates
// launch and attach arguments, starts the debuggee (or connects to it),
// establishes the backend connection and tracks the debuggee's lifetime.
package target

import (
	"context"
	"errors"
	"io"
	"net"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/go-logr/logr"
	godap "github.com/google/go-dap"

	"github.com/ctagard/dap-relay/internal/config"
	"github.com/ctagard/dap-relay/internal/dap"
	relayerrors "github.com/ctagard/dap-relay/internal/errors"
	"github.com/ctagard/dap-relay/internal/process"
)

const adapterID = "pydevd-launch-process-adapter"

// ClientName identifies the relay to the backend.
const ClientName = "dap-relay"

// Kind is the way a target was obtained.
type Kind int

const (
	KindLaunch Kind = iota
	KindAttachClient
	KindAttachServer
)

func (k Kind) String() string {
	switch k {
	case KindLaunch:
		return "launch"
	case KindAttachClient:
		return "attach-client"
	case KindAttachServer:
		return "attach-server"
	}
	return "unknown"
}

// ProcessHost starts and supervises OS processes.
type ProcessHost interface {
	Spawn(ctx context.Context, opts process.SpawnOptions) (*process.Handle, error)
	IsAlive(pid int) bool
	KillTree(pid int) error
	WaitForPidFile(ctx context.Context, path string, timeout time.Duration) (int, error)
}

// Options carries what a target needs from its session.
type Options struct {
	Config *config.Config
	Log    logr.Logger
	// Link reaches the IDE; output, terminal requests and relayed backend
	// traffic go through it.
	Link *dap.ClientLink
	// Host defaults to the real OS.
	Host ProcessHost
	// SupportsRunInTerminal is what the IDE declared in initialize.
	SupportsRunInTerminal bool
	// OnTerminated runs once after the IDE was told the target terminated.
	OnTerminated func()
	// Environ defaults to os.Environ.
	Environ func() []string
	// SelfExe is the binary used for run-and-save-pid; defaults to
	// os.Executable.
	SelfExe string
}

// Target is one debuggee and its backend connection.
type Target struct {
	kind    Kind
	request *dap.Envelope
	cfg     *config.Config
	log     logr.Logger
	link    *dap.ClientLink
	host    ProcessHost
	environ func() []string

	supportsRunInTerminal bool
	selfExe               string

	channel *dap.TargetChannel
	noDebug bool

	ctx    context.Context
	cancel context.CancelFunc

	// launch (and the launch behind a server attach)
	launch *launchPlan
	// forwarded to the backend after initialize
	forward *dap.Envelope

	// attach
	attachHost string
	attachPort int

	listenMu sync.Mutex
	listener net.Listener

	procMu sync.Mutex
	handle *process.Handle
	pid    int
	stdin  io.WriteCloser

	closeOnce sync.Once
}

func newTarget(kind Kind, req *dap.Envelope, opts Options) *Target {
	if opts.Config == nil {
		opts.Config = config.DefaultConfig()
	}
	if opts.Host == nil {
		opts.Host = process.Host{}
	}
	if opts.Environ == nil {
		opts.Environ = os.Environ
	}
	if opts.Log.GetSink() == nil {
		opts.Log = logr.Discard()
	}

	ctx, cancel := context.WithCancel(context.Background())
	t := &Target{
		kind:                  kind,
		request:               req,
		cfg:                   opts.Config,
		log:                   opts.Log.WithValues("target", kind.String()),
		link:                  opts.Link,
		host:                  opts.Host,
		environ:               opts.Environ,
		supportsRunInTerminal: opts.SupportsRunInTerminal,
		selfExe:               opts.SelfExe,
		forward:               req,
		ctx:                   ctx,
		cancel:                cancel,
	}
	t.channel = dap.NewTargetChannel(opts.Link, t.log.WithName("channel"), dap.WithTerminationHandler(opts.OnTerminated))
	return t
}

// Kind reports how the target was obtained.
func (t *Target) Kind() Kind { return t.kind }

// Request returns the launch or attach request the target was built from.
func (t *Target) Request() *dap.Envelope { return t.request }

// Channel returns the backend channel.
func (t *Target) Channel() *dap.TargetChannel { return t.channel }

// NoDebug reports whether the debuggee runs without the backend.
func (t *Target) NoDebug() bool { return t.noDebug }

// IsLaunch reports whether the relay started the debuggee on the user's
// behalf.
func (t *Target) IsLaunch() bool { return t.kind == KindLaunch }

// Listener returns the socket backends connect to, or nil when the target
// dialed out or runs without debugging. Once the first backend connected,
// further connections on it come from debuggee subprocesses.
func (t *Target) Listener() net.Listener {
	t.listenMu.Lock()
	defer t.listenMu.Unlock()
	return t.listener
}

// Env returns the environment overrides requested for the debuggee.
func (t *Target) Env() map[string]string {
	if t.launch == nil {
		return nil
	}
	return t.launch.env
}

// Program returns the launched program or module, or "" for an attach.
func (t *Target) Program() string {
	if t.launch == nil || t.kind != KindLaunch {
		return ""
	}
	if t.launch.module != "" {
		return t.launch.module
	}
	return t.launch.program
}

// Pid returns the tracked debuggee pid, or 0.
func (t *Target) Pid() int {
	t.procMu.Lock()
	defer t.procMu.Unlock()
	return t.pid
}

// Start obtains the backend connection. Nothing is left running when it
// fails.
func (t *Target) Start(ctx context.Context) error {
	var err error
	switch t.kind {
	case KindLaunch, KindAttachServer:
		err = t.startLaunch(ctx)
	case KindAttachClient:
		err = t.startAttachClient(ctx)
	}
	if err != nil {
		t.log.Error(err, "Target failed to start")
		t.killProcess()
		_ = t.Close()
	}
	return err
}

// connected runs the handshake every fresh backend connection goes through.
func (t *Target) connected(conn net.Conn) error {
	t.log.Info("Debugger backend connected", "remote", conn.RemoteAddr().String())
	t.channel.Start(conn)

	initialize := dap.NewRequest("initialize", godap.InitializeRequestArguments{
		ClientID:        ClientName,
		ClientName:      ClientName,
		AdapterID:       adapterID,
		PathFormat:      "path",
		LinesStartAt1:   true,
		ColumnsStartAt1: true,
	})
	t.channel.Send(initialize, func(resp *dap.Envelope) {
		t.log.V(1).Info("Backend initialized", "success", resp.Success)
	})
	t.channel.Send(withJustMyCodeDefault(t.forward), nil)

	if !t.channel.WaitForProcessEvent(t.cfg.DefaultTimeout.D()) {
		return relayerrors.Timeout("Debug adapter timed out waiting for process event.")
	}
	return nil
}

// withJustMyCodeDefault turns justMyCode off unless the IDE chose either
// way.
func withJustMyCodeDefault(req *dap.Envelope) *dap.Envelope {
	out := req.Clone()
	args := map[string]any{}
	if err := req.DecodeArguments(&args); err != nil {
		return out
	}
	_, hasJMC := args["justMyCode"]
	_, hasStdLib := args["debugStdLib"]
	if hasJMC || hasStdLib {
		return out
	}
	args["justMyCode"] = false
	out.Arguments = args
	return out
}

// Disconnect tears the debuggee down when the relay is responsible for it.
// An attached debuggee is never killed.
func (t *Target) Disconnect(killZombies bool) {
	switch t.kind {
	case KindLaunch:
		if killZombies || !t.channel.Terminated() {
			t.killProcess()
		}
	case KindAttachServer:
		// Only the placeholder process is ours.
		t.killProcess()
	}
}

func (t *Target) killProcess() {
	t.procMu.Lock()
	pid, handle := t.pid, t.handle
	t.procMu.Unlock()

	if pid <= 0 {
		return
	}
	if handle != nil {
		select {
		case <-handle.Done():
			return
		default:
		}
	}
	if err := t.host.KillTree(pid); err != nil {
		t.log.Error(err, "Failed to kill debuggee", "pid", pid)
		return
	}
	t.log.Info("Killed debuggee process tree", "pid", pid)
}

// SendToStdin writes expression, newline terminated, to the debuggee's
// stdin without blocking the caller. It reports false when stdin is not
// piped.
func (t *Target) SendToStdin(expression string) bool {
	t.procMu.Lock()
	stdin := t.stdin
	t.procMu.Unlock()
	if stdin == nil {
		return false
	}

	if !strings.HasSuffix(expression, "\n") && !strings.HasSuffix(expression, "\r") {
		expression += "\n"
	}
	go func() {
		if _, err := io.WriteString(stdin, expression); err != nil && !errors.Is(err, os.ErrClosed) {
			t.log.V(1).Info("Error writing to debuggee stdin", "error", err.Error())
		}
	}()
	return true
}

// Close releases the listener, the backend connection and the watchers.
// The debuggee itself is left alone; see Disconnect.
func (t *Target) Close() error {
	t.closeOnce.Do(func() {
		t.cancel()

		t.listenMu.Lock()
		if t.listener != nil {
			_ = t.listener.Close()
		}
		t.listenMu.Unlock()

		t.procMu.Lock()
		if t.stdin != nil {
			_ = t.stdin.Close()
		}
		t.procMu.Unlock()

		_ = t.channel.Close()
	})
	return nil
}
