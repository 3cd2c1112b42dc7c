// Package terminal prepares command lines for the client's runInTerminal
// request.
//
// A terminal-hosted debuggee is started by the IDE, not by the relay, so the
// relay never learns its pid directly. The command is therefore wrapped in
// this binary's run-and-save-pid subcommand, which records the pid in a file
// the relay waits on. Long environments are moved into a generated shell
// script because some terminals choke on large env blocks.
package terminal

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/go-logr/logr"
	"github.com/google/uuid"
)

// RunAndSavePidCommand is the hidden subcommand that records the pid.
const RunAndSavePidCommand = "run-and-save-pid"

const (
	// Generated scripts shorter than this are not worth a file.
	scriptThreshold = 240
	// argv[:embeddedArgs] of the wrapped command is baked into the script:
	// the relay binary, the subcommand and the pid file.
	embeddedArgs = 3
	scriptPrefix = "run_env_"
	scriptMaxAge = 48 * time.Hour
)

// Options controls RewriteForTerminal.
type Options struct {
	// SelfExe is the relay binary; defaults to os.Executable().
	SelfExe string
	// EnvScript enables moving long environments into a script.
	EnvScript bool
	// ScriptDir defaults to <tmp>/pydevd-run.
	ScriptDir string
	// GOOS selects the script dialect; defaults to the running OS.
	GOOS string
	Log  logr.Logger
}

// PidFilePath returns a fresh, not yet existing pid file location.
func PidFilePath() string {
	return filepath.Join(os.TempDir(), "pydevd_"+uuid.NewString()+".pid")
}

// RewriteForTerminal wraps cmdline so that it writes its pid to pidFile and
// returns the command and environment to put in the runInTerminal request.
func RewriteForTerminal(cmdline []string, env map[string]string, pidFile string, opts Options) ([]string, map[string]string, error) {
	if len(cmdline) == 0 {
		return nil, nil, errors.New("empty command line")
	}

	self := opts.SelfExe
	if self == "" {
		exe, err := os.Executable()
		if err != nil {
			return nil, nil, fmt.Errorf("cannot locate relay executable: %w", err)
		}
		self = exe
	}

	wrapped := make([]string, 0, len(cmdline)+4)
	wrapped = append(wrapped, self, RunAndSavePidCommand, pidFile, "--")
	wrapped = append(wrapped, cmdline...)

	if !opts.EnvScript {
		return wrapped, env, nil
	}

	goos := opts.GOOS
	if goos == "" {
		goos = runtime.GOOS
	}
	code := scriptCode(goos, env, wrapped[:embeddedArgs])
	if len(code) <= scriptThreshold {
		return wrapped, env, nil
	}

	dir := opts.ScriptDir
	if dir == "" {
		dir = filepath.Join(os.TempDir(), "pydevd-run")
	}
	script, err := writeScript(dir, scriptExt(goos), code)
	if err != nil {
		return nil, nil, err
	}
	go deleteOld(dir, scriptMaxAge, opts.Log)

	rewritten := append([]string{script}, wrapped[embeddedArgs:]...)
	return rewritten, map[string]string{}, nil
}

func scriptExt(goos string) string {
	if goos == "windows" {
		return ".bat"
	}
	return ".sh"
}

// scriptCode renders a script that sets env and runs argv followed by the
// script's own arguments.
func scriptCode(goos string, env map[string]string, argv []string) string {
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	if goos == "windows" {
		var sets []string
		newLine := false
		for _, k := range keys {
			v, nl := escapeBatch(env[k])
			newLine = newLine || nl
			sets = append(sets, fmt.Sprintf(`SET "%s=%s"`, k, v))
		}
		b.WriteString("@echo off\n\n")
		if newLine {
			b.WriteString("setlocal EnableDelayedExpansion\n(set __NEW_LINE_IN_ENV__=^\n%=Do not remove this line=%\n)\n")
		}
		b.WriteString(strings.Join(sets, "\n"))
		b.WriteString("\n")
		b.WriteString(windowsCmdline(argv))
		b.WriteString(" %*\n")
		return b.String()
	}

	b.WriteString("#!/usr/bin/env bash\n\n")
	for i, k := range keys {
		if i > 0 {
			b.WriteString("\n")
		}
		fmt.Fprintf(&b, "export %s=%s", k, shellQuote(env[k]))
	}
	b.WriteString("\n")
	quoted := make([]string, len(argv))
	for i, a := range argv {
		quoted[i] = shellQuote(a)
	}
	b.WriteString(strings.Join(quoted, " "))
	b.WriteString(` "$@"`)
	b.WriteString("\n")
	return b.String()
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// escapeBatch escapes a value for SET "k=v" under delayed expansion and
// reports whether it contained line breaks.
func escapeBatch(v string) (string, bool) {
	r := strings.NewReplacer(
		"^", "^^",
		"%", "%%",
		"!", "^!",
		"|", "^|",
		"&", "^&",
		">", "^>",
		"<", "^<",
		"'", "^'",
	)
	v = r.Replace(v)
	if !strings.ContainsAny(v, "\r\n") {
		return v, false
	}
	v = strings.ReplaceAll(v, "\r\n", "\n")
	v = strings.ReplaceAll(v, "\r", "\n")
	return strings.ReplaceAll(v, "\n", "!__NEW_LINE_IN_ENV__!"), true
}

// windowsCmdline joins argv using the MS C runtime quoting rules.
func windowsCmdline(argv []string) string {
	parts := make([]string, len(argv))
	for i, a := range argv {
		parts[i] = windowsQuote(a)
	}
	return strings.Join(parts, " ")
}

func windowsQuote(a string) string {
	if a != "" && !strings.ContainsAny(a, " \t\"") {
		return a
	}
	var b strings.Builder
	b.WriteByte('"')
	slashes := 0
	for _, c := range a {
		switch c {
		case '\\':
			slashes++
			continue
		case '"':
			b.WriteString(strings.Repeat(`\`, slashes*2+1))
		default:
			b.WriteString(strings.Repeat(`\`, slashes))
		}
		slashes = 0
		b.WriteRune(c)
	}
	b.WriteString(strings.Repeat(`\`, slashes*2))
	b.WriteByte('"')
	return b.String()
}

// writeScript creates a new executable script in dir. Names are random and
// created exclusively; a collision just picks another name.
func writeScript(dir, ext, code string) (string, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("cannot create script directory: %w", err)
	}

	create := func() (string, error) {
		path := filepath.Join(dir, scriptPrefix+strings.ReplaceAll(uuid.NewString(), "-", "")[:12]+ext)
		//nolint:gosec // G302: the script must be executable
		f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o700)
		if err != nil {
			if errors.Is(err, os.ErrExist) {
				return "", err
			}
			return "", backoff.Permanent(err)
		}
		if _, err := f.WriteString(code); err != nil {
			f.Close()
			os.Remove(path)
			return "", backoff.Permanent(err)
		}
		if err := f.Close(); err != nil {
			os.Remove(path)
			return "", backoff.Permanent(err)
		}
		return path, nil
	}

	path, err := backoff.RetryWithData(create, backoff.NewExponentialBackOff(
		backoff.WithInitialInterval(10*time.Millisecond),
		backoff.WithMaxInterval(100*time.Millisecond),
		backoff.WithMaxElapsedTime(2*time.Second),
	))
	if err != nil {
		return "", fmt.Errorf("cannot write launch script: %w", err)
	}
	return path, nil
}

// deleteOld removes generated scripts older than maxAge from dir.
func deleteOld(dir string, maxAge time.Duration, log logr.Logger) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		log.V(1).Info("Cannot list launch scripts", "dir", dir, "error", err.Error())
		return
	}
	cutoff := time.Now().Add(-maxAge)
	for _, e := range entries {
		if !strings.HasPrefix(e.Name(), scriptPrefix) {
			continue
		}
		info, err := e.Info()
		if err != nil || !info.ModTime().Before(cutoff) {
			continue
		}
		path := filepath.Join(dir, e.Name())
		if err := os.Remove(path); err != nil {
			log.V(1).Info("Unable to remove old launch script", "path", path, "error", err.Error())
		}
	}
}
