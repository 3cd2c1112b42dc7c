package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ctagard/dap-relay/internal/terminal"
)

// ExitCodeError carries the exit code a command wants the process to end
// with.
type ExitCodeError struct {
	Code int
	Err  error
}

func (e *ExitCodeError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("exit status %d", e.Code)
	}
	return e.Err.Error()
}

func (e *ExitCodeError) Unwrap() error { return e.Err }

// NewRunAndSavePidCommand is the hidden helper used to host a debuggee in a
// client terminal: it records the debuggee's pid so the relay can watch it.
func NewRunAndSavePidCommand() *cobra.Command {
	return &cobra.Command{
		Use:    terminal.RunAndSavePidCommand + " <pid file> -- <command> [args...]",
		Short:  "Runs a command and records its process id",
		Hidden: true,
		Args:   cobra.MinimumNArgs(2),
		// The persistent pre-run would attach a log file inside the terminal.
		PersistentPreRunE: func(*cobra.Command, []string) error { return nil },
		RunE: func(cmd *cobra.Command, args []string) error {
			code, err := terminal.RunAndSavePid(args[0], args[1:])
			if err != nil || code != 0 {
				return &ExitCodeError{Code: code, Err: err}
			}
			return nil
		},
	}
}
