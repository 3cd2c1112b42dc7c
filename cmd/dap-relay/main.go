package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"

	"github.com/ctagard/dap-relay/internal/commands"
	"github.com/ctagard/dap-relay/internal/logger"
)

const (
	errCommandError = 1
	errSetup        = 2
	errPanic        = 3
)

func main() {
	log := logger.New("dap-relay")
	defer func() {
		if r := recover(); r != nil {
			trace := fmt.Sprintf("panic: %v\n%s", r, debug.Stack())
			logger.WriteCritical(logger.CriticalLogPath(), trace)
			fmt.Fprintln(os.Stderr, trace)
			log.Flush()
			os.Exit(errPanic)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	root, err := commands.NewRootCommand(log)
	if err != nil {
		exit(log, err, errSetup)
	}

	err = root.ExecuteContext(ctx)
	var exitErr *commands.ExitCodeError
	switch {
	case errors.As(err, &exitErr):
		if exitErr.Err != nil {
			fmt.Fprintln(os.Stderr, exitErr.Err)
		}
		log.Flush()
		os.Exit(exitErr.Code)
	case err != nil:
		exit(log, err, errCommandError)
	default:
		log.Flush()
	}
}

func exit(log *logger.Logger, err error, code int) {
	log.Error(err, "dap-relay failed")
	logger.WriteCritical(logger.CriticalLogPath(), err.Error())
	log.Flush()
	os.Exit(code)
}
