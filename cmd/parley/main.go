package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/parley-dev/parley/internal/config"
	"github.com/parley-dev/parley/internal/server"
	"github.com/pkg/browser"
	"github.com/spf13/cobra"
)

var version = "0.1.0"

func main() {
	rootCmd := &cobra.Command{
		Use:   "parley",
		Short: "Browser chat bridge for a command-line AI agent",
		Long:  "Parley runs a local server that connects a browser chat client to the Claude CLI, streaming its output and relaying its interactive permission prompts.",
	}

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("parley version %s\n", version)
		},
	}

	var serveHost string
	var servePort int
	var uiDir string
	var commandsDir string
	var noBrowser bool

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the parley server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}

			// Override with flags if provided
			if serveHost != "" {
				cfg.Server.Host = serveHost
			}
			if servePort != 0 {
				cfg.Server.Port = servePort
			}
			if uiDir != "" {
				cfg.Server.UIDir = uiDir
			}
			if commandsDir != "" {
				cfg.Agent.CommandsDir = commandsDir
			}

			if _, err := os.Stat(cfg.Server.UIDir); err != nil {
				log.Printf("UI directory %s not found; serving API only", cfg.Server.UIDir)
			}

			srv, err := server.New(cfg)
			if err != nil {
				return fmt.Errorf("failed to create server: %w", err)
			}

			url, err := srv.Listen()
			if err != nil {
				return err
			}
			log.Printf("parley running on %s", url)

			if !noBrowser {
				if err := browser.OpenURL(url); err != nil {
					log.Printf("could not open browser: %v (open %s manually)", err, url)
				}
			}

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

			go func() {
				<-sigCh
				srv.Shutdown(context.Background())
			}()

			// Blocks until shutdown
			if err := srv.Serve(); err != nil {
				return fmt.Errorf("server error: %w", err)
			}

			return nil
		},
	}

	serveCmd.Flags().StringVar(&serveHost, "host", "", "host to bind (default from config)")
	serveCmd.Flags().IntVar(&servePort, "port", 0, "base port to bind (default from config)")
	serveCmd.Flags().StringVar(&uiDir, "ui-dir", "", "directory with the built browser client (default from config)")
	serveCmd.Flags().StringVar(&commandsDir, "commands-dir", "", "directory with prompt templates (default from config)")
	serveCmd.Flags().BoolVar(&noBrowser, "no-browser", false, "do not open the browser on startup")

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(serveCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
