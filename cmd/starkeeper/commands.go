package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/starkeeper/starkeeper"
)

var version = "dev"

func buildRoot() *cobra.Command {
	root := &cobra.Command{
		Use:   "starkeeper",
		Short: "Game-server fleet orchestrator",
	}
	root.AddCommand(serveCmd(), initCmd(), versionCmd())
	return root
}

func serveCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the fleet and the control API",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := starkeeper.LoadConfig(configPath)
			if err != nil {
				return fmt.Errorf("loading %s: %w", configPath, err)
			}
			starkeeper.SetupLogging(cfg.LogLevel)
			if err := starkeeper.RegisterMetricsDefault(); err != nil {
				slog.Warn("metrics registration failed", "err", err)
			}

			st, err := starkeeper.New(cfg)
			if err != nil {
				return err
			}
			defer st.Close()

			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()

			httpSrv := starkeeper.NewHTTPServer(cfg.HTTPListen, st, cancel)
			slog.Info("control api listening", "addr", cfg.HTTPListen)
			defer func() {
				shutdownCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
				defer done()
				_ = httpSrv.Shutdown(shutdownCtx)
			}()

			sig := make(chan os.Signal, 1)
			signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
			go func() {
				s := <-sig
				slog.Info("signal received, shutting down", "signal", s)
				cancel()
			}()

			if err := st.Run(ctx); err != nil && err != context.Canceled {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "starter.json", "path to starter.json")
	return cmd
}

const defaultConfig = `{
  "owner": "your name",
  "httpListen": ":5000",
  "registryUrl": "https://registry.example.com",
  "dataDir": "data",
  "servers": [
    {
      "id": "server1",
      "hostMode": "local",
      "name": "My local server",
      "ip": "_public",
      "port": 8777,
      "consolePort": "_auto",
      "consolePassword": "_random",
      "whitelist": false,
      "saveInterval": 900,
      "backupInterval": 3600,
      "serverDir": "servers/server1",
      "command": "servers/server1/serverFiles/bin/server"
    }
  ]
}
`

func initCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a starter.json template",
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := os.Stat(configPath); err == nil {
				return fmt.Errorf("%s already exists", configPath)
			}
			if err := os.WriteFile(configPath, []byte(defaultConfig), 0o600); err != nil {
				return err
			}
			fmt.Printf("wrote %s\n", configPath)
			return nil
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "starter.json", "path to write")
	return cmd
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println("starkeeper", version)
		},
	}
}
