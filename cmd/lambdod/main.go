package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sys/unix"

	"github.com/ccheshirecat/lambdo/internal/server/app"
	"github.com/ccheshirecat/lambdo/internal/server/config"
	"github.com/ccheshirecat/lambdo/internal/setup"
	"github.com/ccheshirecat/lambdo/internal/shared/logging"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "lambdod: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var (
		configPath string
		checkOnly  bool
	)

	cmd := &cobra.Command{
		Use:           "lambdod",
		Short:         "Lambdo microVM control plane daemon",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := logging.New("lambdod")

			cfg, err := config.Load(configPath)
			if err != nil {
				logger.Error("load config", "path", configPath, "error", err)
				return err
			}
			if checkOnly {
				fmt.Fprintf(cmd.OutOrStdout(), "config %s ok\n", configPath)
				return nil
			}

			if cfg.API.NetworkDriver == config.NetworkDriverNetlink && unix.Geteuid() != 0 {
				logger.Warn("not running as root; bridge and tap setup will likely fail")
			}

			ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()

			daemon, err := app.Build(ctx, cfg, logger)
			if err != nil {
				logger.Error("init app", "error", err)
				return err
			}

			logger.Info("starting", "listen", cfg.ListenAddr(), "backend", cfg.Backend.Kind, "bridge", cfg.API.Bridge)
			if err := daemon.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("daemon exit", "error", err)
				return err
			}
			logger.Info("stopped")
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", envOrDefault("LAMBDO_CONFIG", config.DefaultPath), "Path to the YAML config file")
	cmd.Flags().BoolVar(&checkOnly, "check", false, "Validate the config and exit")
	cmd.AddCommand(newSetupCmd())
	return cmd
}

func newSetupCmd() *cobra.Command {
	var (
		configPath  string
		servicePath string
		binaryPath  string
		dryRun      bool
		backend     string
		bridge      string
		bridgeAddr  string
		imagesPath  string
	)

	cmd := &cobra.Command{
		Use:   "setup",
		Short: "Prepare this host for lambdod",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.Default()
			if backend != "" {
				cfg.Backend.Kind = backend
			}
			if bridge != "" {
				cfg.API.Bridge = bridge
			}
			if bridgeAddr != "" {
				cfg.API.BridgeAddress = bridgeAddr
			}
			if imagesPath != "" {
				cfg.Images.Path = imagesPath
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			if binaryPath == "" && servicePath != "" {
				exe, err := os.Executable()
				if err != nil {
					return fmt.Errorf("resolve lambdod path: %w", err)
				}
				binaryPath = exe
			}

			res, err := setup.Run(cmd.Context(), setup.Options{
				Config:      cfg,
				ConfigPath:  configPath,
				ServicePath: servicePath,
				BinaryPath:  binaryPath,
				DryRun:      dryRun,
			})
			if err != nil {
				return err
			}
			for _, line := range res.Commands {
				fmt.Fprintln(cmd.OutOrStdout(), line)
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", envOrDefault("LAMBDO_CONFIG", config.DefaultPath), "Config file to create when missing")
	cmd.Flags().StringVar(&servicePath, "service", "", "Write a systemd unit to this path (e.g. /etc/systemd/system/lambdod.service)")
	cmd.Flags().StringVar(&binaryPath, "binary", "", "lambdod path used by the unit (defaults to this executable)")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "Print the actions without applying them")
	cmd.Flags().StringVar(&backend, "backend", "", "Execution backend (firecracker|cloud-hypervisor|stub)")
	cmd.Flags().StringVar(&bridge, "bridge", "", "Bridge name")
	cmd.Flags().StringVar(&bridgeAddr, "bridge-address", "", "Bridge address in CIDR form")
	cmd.Flags().StringVar(&imagesPath, "images", "", "Image folder or cache directory")
	return cmd
}

func envOrDefault(key, fallback string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return fallback
}
