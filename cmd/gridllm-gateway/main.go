package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/GridLLM/GridLLM/cmd/gridllm-gateway/app"
	"github.com/GridLLM/GridLLM/pkg/config"
)

func main() {
	var configPath string
	var addr string

	rootCmd := &cobra.Command{
		Use:   "gridllm-gateway",
		Short: "GridLLM inference gateway",
		Long: `gridllm-gateway routes inference requests across a fleet of
worker processes: it registers workers, queues and dispatches jobs by
priority, and streams responses back to clients over its native API or
an OpenAI-compatible one.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if addr != "" {
				cfg.Server.Addr = addr
			}

			server := app.NewServer(cfg)

			signalCh := make(chan os.Signal, 1)
			signal.Notify(signalCh, syscall.SIGINT, syscall.SIGTERM)

			stop := make(chan struct{})
			errCh := make(chan error, 1)
			go func() {
				errCh <- server.Run(stop)
			}()

			select {
			case <-signalCh:
				close(stop)
				return <-errCh
			case err := <-errCh:
				return err
			}
		},
	}

	rootCmd.Flags().StringVar(&configPath, "config", "", "path to a YAML config file")
	rootCmd.Flags().StringVar(&addr, "addr", "", "override the listen address from config")

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
