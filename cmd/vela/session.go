package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
)

// cmdContext bounds one-shot CLI calls so a wedged lock or spawn cannot
// hang the terminal.
func cmdContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), 30*time.Second)
}

func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func startCmd() *cobra.Command {
	var (
		vncHost string
		vncPort int
	)

	cmd := &cobra.Command{
		Use:   "start <vm-name>",
		Short: "Start a console session for a VM",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			coord, err := buildCoordinator(cfg)
			if err != nil {
				return err
			}
			ctx, cancel := cmdContext()
			defer cancel()
			sess, err := coord.Start(ctx, args[0], vncHost, vncPort)
			if err != nil {
				return err
			}
			return printJSON(sess)
		},
	}

	cmd.Flags().StringVar(&vncHost, "vnc-host", "127.0.0.1", "VNC backend host")
	cmd.Flags().IntVar(&vncPort, "vnc-port", 5900, "VNC backend port")
	return cmd
}

func stopCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stop <vm-name>",
		Short: "Stop a VM's console session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			coord, err := buildCoordinator(cfg)
			if err != nil {
				return err
			}
			ctx, cancel := cmdContext()
			defer cancel()
			ok, err := coord.Stop(ctx, args[0])
			if err != nil {
				return err
			}
			if !ok {
				fmt.Printf("no session for %s\n", args[0])
				return nil
			}
			fmt.Printf("session for %s stopped\n", args[0])
			return nil
		},
	}
}

func listCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List live console sessions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			coord, err := buildCoordinator(cfg)
			if err != nil {
				return err
			}
			ctx, cancel := cmdContext()
			defer cancel()
			return printJSON(coord.List(ctx))
		},
	}
}

func statsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show port pool occupancy",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			coord, err := buildCoordinator(cfg)
			if err != nil {
				return err
			}
			ctx, cancel := cmdContext()
			defer cancel()
			stats, err := coord.Stats(ctx)
			if err != nil {
				return err
			}
			return printJSON(stats)
		},
	}
}

func reconcileCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reconcile",
		Short: "Run one reconciliation pass now",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			coord, err := buildCoordinator(cfg)
			if err != nil {
				return err
			}
			ctx, cancel := cmdContext()
			defer cancel()
			rep, err := coord.ReconcileOnce(ctx)
			if err != nil {
				return err
			}
			return printJSON(rep)
		},
	}
}
