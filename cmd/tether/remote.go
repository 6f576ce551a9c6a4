package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/livinlefevreloca/tether/internal/logging"
	"github.com/livinlefevreloca/tether/internal/remote"
)

var remoteCmd = &cobra.Command{
	Use:     "remote",
	GroupID: "daemon",
	Short:   "Reference remote record service",
}

var remoteServeCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve an in-memory remote for local testing",
	Long: `Serve an in-memory record service speaking the protocol the sync client
uses. Records live only as long as the process.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		listen, _ := cmd.Flags().GetString("listen")
		token, _ := cmd.Flags().GetString("remote-token")
		level, _ := cmd.Flags().GetString("log-level")

		logConfig := logging.DefaultConfig()
		logConfig.Level = level
		logger, closer, err := logging.New(logConfig, os.Stderr)
		if err != nil {
			return err
		}
		defer closer.Close()

		handler := remote.NewHandler(remote.NewMemory(), token, logger)
		srv := &http.Server{
			Addr:              listen,
			Handler:           handler.Routes(),
			ReadHeaderTimeout: 5 * time.Second,
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		errCh := make(chan error, 1)
		go func() {
			logger.Info("remote listening", "addr", listen, "auth", token != "")
			errCh <- srv.ListenAndServe()
		}()

		select {
		case err := <-errCh:
			if !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("remote server failed: %w", err)
			}
			return nil
		case <-ctx.Done():
		}

		logger.Info("shutting down remote")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	},
}

func init() {
	remoteServeCmd.Flags().String("listen", "127.0.0.1:8081", "Address to listen on")
	remoteServeCmd.Flags().String("remote-token", "", "Bearer token clients must send")
	remoteServeCmd.Flags().String("log-level", "info", "Log level")

	remoteCmd.AddCommand(remoteServeCmd)
	rootCmd.AddCommand(remoteCmd)
}
