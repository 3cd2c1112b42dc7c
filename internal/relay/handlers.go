package relay

import (
	godap "github.com/google/go-dap"

	"github.com/ctagard/dap-relay/internal/dap"
	relayerrors "github.com/ctagard/dap-relay/internal/errors"
	"github.com/ctagard/dap-relay/internal/target"
	"github.com/ctagard/dap-relay/internal/tunnel"
	"github.com/ctagard/dap-relay/pkg/types"
)

// forwardedCommands go to the backend as they are.
var forwardedCommands = []string{
	"continue",
	"next",
	"stepIn",
	"stepOut",
	"stepInTargets",
	"stackTrace",
	"scopes",
	"variables",
	"setFunctionBreakpoints",
	"terminate",
	"gotoTargets",
	"goto",
	"completions",
	"setVariable",
	"setExpression",
	"exceptionInfo",
	"modules",
	"source",
}

func (s *Session) buildHandlers() map[string]requestHandler {
	h := map[string]requestHandler{
		"initialize":              s.onInitialize,
		"launch":                  s.onLaunch,
		"attach":                  s.onAttach,
		"configurationDone":       s.onConfigurationDone,
		"disconnect":              s.onDisconnect,
		"setBreakpoints":          s.onSetBreakpoints,
		"setExceptionBreakpoints": s.forwardOrAcknowledge,
		"pause":                   s.forwardOrAcknowledge,
		"threads":                 s.onThreads,
		"evaluate":                s.onEvaluate,
	}
	for _, command := range forwardedCommands {
		h[command] = s.forward
	}
	return h
}

func (s *Session) onInitialize(req *dap.Envelope) error {
	var args godap.InitializeRequestArguments
	if err := req.DecodeArguments(&args); err != nil {
		return relayerrors.InvalidParameter("arguments", err.Error(), "initialize arguments")
	}

	s.mu.Lock()
	s.supportsRunInTerminal = args.SupportsRunInTerminalRequest
	s.mu.Unlock()
	s.log.V(1).Info("Client initialized", "clientID", args.ClientID, "runInTerminal", args.SupportsRunInTerminalRequest)

	s.respond(dap.NewResponse(req, true, "", capabilities()))
	return nil
}

func (s *Session) onLaunch(req *dap.Envelope) error {
	return s.startTarget(req, target.NewLaunch)
}

func (s *Session) onAttach(req *dap.Envelope) error {
	return s.startTarget(req, target.NewAttach)
}

// startTarget builds the session's one target and brings it up. The
// request is answered last, after initialized, so breakpoints the IDE sends
// in reaction already reach the backend.
func (s *Session) startTarget(req *dap.Envelope, build func(*dap.Envelope, target.Options) (*target.Target, error)) error {
	s.mu.Lock()
	if s.handled {
		s.mu.Unlock()
		return relayerrors.AlreadyLaunched()
	}
	supportsRunInTerminal := s.supportsRunInTerminal
	s.mu.Unlock()

	tgt, err := build(req, target.Options{
		Config:                s.cfg,
		Log:                   s.log,
		Link:                  s.link,
		Host:                  s.opts.Host,
		SupportsRunInTerminal: supportsRunInTerminal,
		OnTerminated:          s.onTargetTerminated,
		Environ:               s.opts.Environ,
		SelfExe:               s.opts.SelfExe,
	})
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.handled = true
	s.request = req.Command
	s.target = tgt
	s.mu.Unlock()

	if err := tgt.Start(s.ctx); err != nil {
		s.mu.Lock()
		s.target = nil
		s.mu.Unlock()
		return err
	}
	s.setStatus(types.SessionStatusRunning)

	s.link.Send(dap.NewEvent("initialized", nil))
	if !tgt.NoDebug() {
		tgt.Channel().Send(dap.NewRequest("setDebuggerProperty", map[string]any{
			"skipSuspendOnBreakpointException": []string{"BaseException"},
			"skipPrintBreakpointException":     []string{"NameError"},
		}), nil)
		s.startTunnel(tgt)
	}

	s.respond(dap.NewResponse(req, true, "", nil))
	return nil
}

// startTunnel bridges subprocess backends arriving on the target's
// listener. A client-mode attach has no listener and no subprocesses.
func (s *Session) startTunnel(tgt *target.Target) {
	l := tgt.Listener()
	if l == nil || !s.cfg.Multiprocess {
		s.log.V(1).Info("Not tracking subprocess connections", "target", tgt.Kind().String())
		return
	}

	tun := tunnel.New(l, s.link, tunnel.Options{
		Host:          target.Localhost(),
		Env:           tgt.Env(),
		AcceptTimeout: s.cfg.DefaultTimeout.D(),
		Log:           s.log,
	})
	s.mu.Lock()
	s.tunnel = tun
	s.mu.Unlock()
	tun.Start()
}

func (s *Session) onConfigurationDone(req *dap.Envelope) error {
	tgt := s.activeTarget()
	if tgt == nil {
		return relayerrors.Configuration("Launch is not done (configurationDone uncomplete).")
	}
	if !tgt.NoDebug() && !tgt.Channel().WaitForConfigurationDone(s.cfg.DefaultTimeout.D()) {
		return relayerrors.Timeout("Timed out waiting for configurationDone event.")
	}
	s.respond(dap.NewResponse(req, true, "", nil))
	return nil
}

func (s *Session) onDisconnect(req *dap.Envelope) error {
	s.mu.Lock()
	tgt, tun := s.target, s.tunnel
	s.mu.Unlock()

	if tun != nil {
		_ = tun.Close()
	}
	if tgt != nil {
		tgt.Disconnect(s.cfg.KillZombieProcesses)
	}
	s.respond(dap.NewResponse(req, true, "", nil))
	return nil
}

// forward resends req to the debug target; the response comes back through
// the target channel.
func (s *Session) forward(req *dap.Envelope) error {
	tgt := s.debugTarget()
	if tgt == nil {
		return relayerrors.NoSession()
	}
	if !tgt.Channel().Resend(req) {
		// The backend is gone; like everything else sent after that, the
		// request goes unanswered.
		s.log.V(1).Info("Dropping request for a terminated backend", "command", req.Command, "seq", req.Seq)
	}
	return nil
}

// forwardOrAcknowledge forwards req, or answers success when nothing is
// being debugged.
func (s *Session) forwardOrAcknowledge(req *dap.Envelope) error {
	if s.debugTarget() != nil {
		return s.forward(req)
	}
	s.respond(dap.NewResponse(req, true, "", nil))
	return nil
}

// onSetBreakpoints reports every breakpoint unverified when nothing is being
// debugged.
func (s *Session) onSetBreakpoints(req *dap.Envelope) error {
	if s.debugTarget() != nil {
		return s.forward(req)
	}

	var args godap.SetBreakpointsArguments
	if err := req.DecodeArguments(&args); err != nil {
		return relayerrors.InvalidParameter("arguments", err.Error(), "setBreakpoints arguments")
	}
	breakpoints := make([]godap.Breakpoint, 0, len(args.Breakpoints))
	for _, bp := range args.Breakpoints {
		source := args.Source
		breakpoints = append(breakpoints, godap.Breakpoint{
			Verified: false,
			Line:     bp.Line,
			Source:   &source,
		})
	}
	s.respond(dap.NewResponse(req, true, "", godap.SetBreakpointsResponseBody{Breakpoints: breakpoints}))
	return nil
}

func (s *Session) onThreads(req *dap.Envelope) error {
	if s.debugTarget() != nil {
		return s.forward(req)
	}
	s.respond(dap.NewResponse(req, true, "", godap.ThreadsResponseBody{Threads: []godap.Thread{}}))
	return nil
}

// onEvaluate sends REPL input to a program running without the debugger.
func (s *Session) onEvaluate(req *dap.Envelope) error {
	tgt := s.activeTarget()
	if tgt != nil && tgt.NoDebug() {
		var args godap.EvaluateArguments
		if err := req.DecodeArguments(&args); err == nil && args.Context == "repl" && tgt.SendToStdin(args.Expression) {
			s.respond(dap.NewResponse(req, true, "", godap.EvaluateResponseBody{}))
			return nil
		}
	}
	return s.forward(req)
}
