package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/oriys/vela/internal/config"
	"github.com/oriys/vela/internal/logging"
	"github.com/oriys/vela/internal/portpool"
	"github.com/oriys/vela/internal/session"
	"github.com/oriys/vela/internal/supervisor"
)

var configFile string

func main() {
	rootCmd := &cobra.Command{
		Use:   "vela",
		Short: "Vela VNC session broker",
		Long:  "Vela hands out WebSocket ports and supervises websockify bridges for VM VNC consoles",
	}

	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "Path to config file (json or yaml)")
	rootCmd.AddCommand(daemonCmd())
	rootCmd.AddCommand(startCmd())
	rootCmd.AddCommand(stopCmd())
	rootCmd.AddCommand(listCmd())
	rootCmd.AddCommand(statsCmd())
	rootCmd.AddCommand(reconcileCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// loadConfig resolves defaults, then the config file, then environment
// overrides, and validates the result.
func loadConfig() (*config.Config, error) {
	cfg := config.DefaultConfig()
	if configFile != "" {
		var err error
		cfg, err = config.LoadFromFile(configFile)
		if err != nil {
			return nil, fmt.Errorf("load config: %w", err)
		}
	}
	config.LoadFromEnv(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// buildCoordinator wires supervisor, pool, and coordinator from the config
// and rebuilds the session registry from durable state. Every CLI
// subcommand is a separate OS process going through the same cross-process
// lock as the daemon and any API workers.
func buildCoordinator(cfg *config.Config) (*session.Coordinator, error) {
	logging.InitStructured(cfg.Observability.Logging.Format, cfg.Observability.Logging.Level)
	logging.SetLevelFromString(cfg.Daemon.LogLevel)

	sup, err := supervisor.New(cfg.Supervisor())
	if err != nil {
		return nil, err
	}
	pool, err := portpool.New(cfg.PortPool(), sup)
	if err != nil {
		return nil, err
	}
	coord, err := session.New(session.Config{ServerIP: cfg.Broker.ServerIP}, pool, sup)
	if err != nil {
		return nil, err
	}
	ctx, cancel := cmdContext()
	defer cancel()
	if err := coord.Rebuild(ctx); err != nil {
		logging.Op().Warn("registry rebuild failed", "error", err)
	}
	return coord, nil
}
