// Package commands holds the dap-relay command line.
package commands

import (
	"context"
	"fmt"
	"net"
	"os"

	"github.com/spf13/cobra"

	"github.com/ctagard/dap-relay/internal/config"
	"github.com/ctagard/dap-relay/internal/dap"
	"github.com/ctagard/dap-relay/internal/logger"
	"github.com/ctagard/dap-relay/internal/relay"
	"github.com/ctagard/dap-relay/internal/version"
)

const (
	configFlagName = "config"
	listenFlagName = "listen"
)

// NewRootCommand builds the dap-relay command. Without --listen it serves a
// single client over stdin/stdout and exits when that session ends.
func NewRootCommand(log *logger.Logger) (*cobra.Command, error) {
	rootCmd := &cobra.Command{
		SilenceErrors: true,
		SilenceUsage:  true,
		Use:           "dap-relay",
		Short:         "Relays Debug Adapter Protocol traffic between an IDE and pydevd",
		Long: `Relays Debug Adapter Protocol traffic between an IDE and pydevd.

	By default the relay talks to one client over stdin/stdout. With --listen it accepts
	any number of clients over TCP, each with its own debug session.`,
		Args: cobra.NoArgs,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if err := log.AttachFile("dap-relay", logger.LogFileFlag(cmd.Flags())); err != nil {
				return err
			}
			log.V(1).Info("Starting dap-relay", "version", version.Version)
			return nil
		},
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runRelay(cmd, log)
		},
	}

	rootCmd.CompletionOptions.HiddenDefaultCmd = true

	log.AddFlags(rootCmd.PersistentFlags())
	rootCmd.Flags().String(configFlagName, "", "Path to a JSON or YAML configuration file")
	rootCmd.Flags().String(listenFlagName, "", "Serve clients over TCP on this host:port instead of stdin/stdout")

	var err error
	var cmd *cobra.Command

	if cmd, err = NewVersionCommand(log.Logger); err != nil {
		return nil, fmt.Errorf("could not set up 'version' command: %w", err)
	} else {
		rootCmd.AddCommand(cmd)
	}

	rootCmd.AddCommand(NewRunAndSavePidCommand())

	return rootCmd, nil
}

func runRelay(cmd *cobra.Command, log *logger.Logger) error {
	configPath, _ := cmd.Flags().GetString(configFlagName)
	listenAddr, _ := cmd.Flags().GetString(listenFlagName)

	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return fmt.Errorf("could not load configuration: %w", err)
	}

	selfExe, err := os.Executable()
	if err != nil {
		return fmt.Errorf("could not determine the relay executable: %w", err)
	}

	opts := relay.Options{
		Config:  cfg,
		Log:     log.Logger,
		SelfExe: selfExe,
	}

	if listenAddr == "" {
		opts.Terminator = relay.ExitProcess(log.Flush)
		return serveStdio(cmd.Context(), opts)
	}
	opts.Terminator = relay.CloseSession
	return serveTCP(cmd.Context(), opts, listenAddr)
}

func serveStdio(ctx context.Context, opts relay.Options) error {
	manager := relay.NewManager(opts)
	defer manager.Close()

	opts.Log.Info("Serving a single client on stdio")
	return manager.Serve(ctx, dap.NewStdioConn(os.Stdin, os.Stdout))
}

func serveTCP(ctx context.Context, opts relay.Options, addr string) error {
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("could not listen on %s: %w", addr, err)
	}

	opts.Log.Info("Listening for clients", "address", l.Addr().String())
	return relay.NewManager(opts).ListenAndServe(ctx, l)
}
