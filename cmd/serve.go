package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"toolmesh/internal/config"
	"toolmesh/internal/orchestrator"
	"toolmesh/pkg/logging"
)

// serveConfigPath is the configuration file to load.
var serveConfigPath string

// serveDebug forces debug logging regardless of the configured level.
var serveDebug bool

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Join the control plane and serve the configured capabilities",
	Long: `Starts the runtime: connects to the message bus, registers with the
control plane, maintains the liveness heartbeat and runs the enabled
capability proxies until interrupted.

A runtime with the tool capability hosts the MCP tool servers pushed by
the control plane and answers routed tool calls. A runtime with the
agent capability exposes the workspace tool catalog as one MCP endpoint
for an agent client. With agent set to auto, the capability is
advertised only after the first agent actually connects.`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(serveConfigPath)
	if err != nil {
		return err
	}

	level := logging.ParseLevel(cfg.LogLevel)
	if serveDebug {
		level = logging.LevelDebug
	}
	logging.Init(level, os.Stderr)

	// Config changes require a restart; the watcher only tells the
	// operator so.
	watcher := config.NewWatcher(serveConfigPath, func(path string) {
		logging.Warn("Config", "%s changed on disk, restart to apply", path)
	})
	if err := watcher.Start(); err != nil {
		logging.Warn("Config", "Config watch unavailable: %v", err)
	} else {
		defer watcher.Stop()
	}

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	orch := orchestrator.New(cfg, GetVersion())
	if err := orch.Run(ctx); err != nil {
		return fmt.Errorf("runtime failed: %w", err)
	}
	return nil
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().StringVarP(&serveConfigPath, "config", "c", "toolmesh.yaml", "Path to the configuration file")
	serveCmd.Flags().BoolVar(&serveDebug, "debug", false, "Enable debug logging")
}
