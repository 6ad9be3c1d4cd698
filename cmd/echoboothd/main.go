package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/echobooth/echobooth/internal/config"
	"github.com/echobooth/echobooth/internal/invite"
	"github.com/echobooth/echobooth/internal/server"
	"github.com/echobooth/echobooth/internal/store"
	"github.com/echobooth/echobooth/internal/version"
)

const shutdownTimeout = 10 * time.Second

func main() {
	rootCmd := &cobra.Command{
		Use:           "echoboothd",
		Short:         "Echobooth daemon - invite tokens and audio capture over WebSocket",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          runDaemon,
	}
	rootCmd.Version = version.String()
	rootCmd.SetVersionTemplate("{{printf \"%s\\n\" .Version}}")

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runDaemon(cmd *cobra.Command, args []string) error {
	if err := setupLogging(); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialise logging: %v\n", err)
	}

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	paths, err := config.EnsureInstanceDirs()
	if err != nil {
		return fmt.Errorf("failed to prepare instance directories: %w", err)
	}

	st, err := store.Open(store.Options{DBPath: paths.DB})
	if err != nil {
		return fmt.Errorf("failed to open invite store: %w", err)
	}
	defer st.Close()

	srv, err := server.New(server.Options{
		Config:     cfg,
		Store:      st,
		Invites:    invite.NewManager(st, cfg.TokenTTL),
		UploadsDir: paths.Uploads,
	})
	if err != nil {
		return fmt.Errorf("failed to create server: %w", err)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	errChan := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil {
			errChan <- err
		}
	}()

	log.Printf("Echobooth daemon started (PID: %d)", os.Getpid())
	log.Printf("Listening on %s", cfg.Bind)
	log.Printf("Uploads directory: %s", paths.Uploads)

	select {
	case sig := <-sigChan:
		log.Printf("Received signal %s, shutting down...", sig)
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(ctx); err != nil {
			log.Printf("Error during shutdown: %v", err)
		}
	case err := <-errChan:
		log.Printf("Server error: %v", err)
		return err
	}

	log.Println("Daemon stopped")
	return nil
}

func setupLogging() error {
	paths, err := config.EnsureInstanceDirs()
	if err != nil {
		return fmt.Errorf("initialise instance directories: %w", err)
	}

	logPath := filepath.Join(paths.Logs, "daemon.log")
	logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open log file: %w", err)
	}

	multi := io.MultiWriter(os.Stdout, logFile)
	log.SetOutput(multi)
	log.SetFlags(log.LstdFlags | log.Lshortfile)

	log.Printf("=== Echobooth Daemon Starting (PID: %d) ===", os.Getpid())
	log.Printf("Log file: %s", logPath)
	return nil
}
