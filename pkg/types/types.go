// Package types defines shared data types used across the DAP relay.
//
// This package provides type definitions for:
//   - ConsoleKind: where a launched debuggee's stdio goes
//   - AttachMode: whether the relay dials the backend or waits for it
//   - SessionStatus: relay session states (initializing, running, terminated)
//   - LaunchArguments / AttachArguments: the relay-relevant subset of the
//     client's launch and attach request arguments
//   - SessionInfo: a summary of a live session
//
// Launch and attach arguments are otherwise opaque: the relay forwards the
// client's original JSON to the backend untouched, so only the fields the
// relay itself acts on are declared here.
package types

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// ConsoleKind selects how a launched debuggee is hosted
type ConsoleKind string

const (
	ConsoleInternal   ConsoleKind = "internalConsole"
	ConsoleIntegrated ConsoleKind = "integratedTerminal"
	ConsoleExternal   ConsoleKind = "externalTerminal"
)

// Valid reports whether c is one of the known console kinds
func (c ConsoleKind) Valid() bool {
	switch c {
	case ConsoleInternal, ConsoleIntegrated, ConsoleExternal:
		return true
	}
	return false
}

// TerminalKind returns the runInTerminal "kind" for c, or "" when c does not
// use a terminal
func (c ConsoleKind) TerminalKind() string {
	switch c {
	case ConsoleIntegrated:
		return "integrated"
	case ConsoleExternal:
		return "external"
	}
	return ""
}

// AttachMode selects who opens the backend connection during attach
type AttachMode string

const (
	// AttachModeClient dials a backend that is already listening
	AttachModeClient AttachMode = "client"
	// AttachModeServer listens and waits for the backend to dial in
	AttachModeServer AttachMode = "server"
)

// SessionStatus represents the status of a relay session
type SessionStatus string

const (
	SessionStatusInitializing SessionStatus = "initializing"
	SessionStatusRunning      SessionStatus = "running"
	SessionStatusTerminated   SessionStatus = "terminated"
)

// CommandLine is a command given either as a single string or as a list
type CommandLine []string

// UnmarshalJSON accepts "python3" as well as ["py", "-3"]
func (c *CommandLine) UnmarshalJSON(data []byte) error {
	var single string
	if err := json.Unmarshal(data, &single); err == nil {
		if single == "" {
			*c = nil
		} else {
			*c = CommandLine{single}
		}
		return nil
	}
	var list []string
	if err := json.Unmarshal(data, &list); err != nil {
		return fmt.Errorf("expected a string or a list of strings, got %s", data)
	}
	*c = list
	return nil
}

// Port is a TCP port given either as a JSON number or a numeric string
type Port int

// UnmarshalJSON accepts 5678 as well as "5678"
func (p *Port) UnmarshalJSON(data []byte) error {
	raw := strings.TrimSpace(string(data))
	if s, err := strconv.Unquote(raw); err == nil {
		raw = strings.TrimSpace(s)
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return fmt.Errorf("expected a port number, got %s", data)
	}
	*p = Port(n)
	return nil
}

// LaunchArguments is the part of a launch request the relay acts on
type LaunchArguments struct {
	Program     string            `json:"program,omitempty"`
	Module      string            `json:"module,omitempty"`
	Args        []string          `json:"args,omitempty"`
	Cwd         string            `json:"cwd,omitempty"`
	Env         map[string]string `json:"env,omitempty"`
	Console     ConsoleKind       `json:"console,omitempty"`
	NoDebug     bool              `json:"noDebug,omitempty"`
	Python      CommandLine       `json:"python,omitempty"`
	PythonPath  string            `json:"pythonPath,omitempty"`
	PydevdFile  string            `json:"pydevdFile,omitempty"`
	PydevdAlt   string            `json:"pydevdPyDebuggerFile,omitempty"`
	JustMyCode  *bool             `json:"justMyCode,omitempty"`
	DebugStdLib *bool             `json:"debugStdLib,omitempty"`
}

// Bootstrap returns the requested pydevd.py, if any
func (a LaunchArguments) Bootstrap() string {
	return firstNonEmpty(a.PydevdFile, a.PydevdAlt)
}

// Interpreter returns the requested Python command, if any
func (a LaunchArguments) Interpreter() []string {
	if len(a.Python) > 0 {
		return a.Python
	}
	if a.PythonPath != "" {
		return []string{a.PythonPath}
	}
	return nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

// AttachArguments is the part of an attach request the relay acts on
type AttachArguments struct {
	Host       string     `json:"host,omitempty"`
	Port       *Port      `json:"port,omitempty"`
	Mode       AttachMode `json:"mode,omitempty"`
	PydevdFile string     `json:"pydevdFile,omitempty"`
	PydevdAlt  string     `json:"pydevdPyDebuggerFile,omitempty"`
}

// Bootstrap returns the requested pydevd.py, if any
func (a AttachArguments) Bootstrap() string {
	return firstNonEmpty(a.PydevdFile, a.PydevdAlt)
}

// SessionInfo represents information about a relay session
type SessionInfo struct {
	SessionID string        `json:"sessionId"`
	Status    SessionStatus `json:"status"`
	Request   string        `json:"request,omitempty"` // "launch" or "attach"
	NoDebug   bool          `json:"noDebug,omitempty"`
	PID       int           `json:"pid,omitempty"`
	Program   string        `json:"program,omitempty"`
}
