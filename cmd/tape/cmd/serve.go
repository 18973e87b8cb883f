package cmd

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
	"golang.org/x/sync/errgroup"

	"github.com/king-prawns/Tape/internal/api"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the player control API",
	Long: `Start the HTTP control API. Players are created with POST /players and
driven through /players/{id}/...; their events stream over the
/players/{id}/events websocket. Prometheus metrics are served on /metrics.`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().StringP("listen", "l", "", "HTTP listen address (overrides server.listen)")
}

func runServe(cmd *cobra.Command, _ []string) error {
	if cmd.Flags().Changed("listen") {
		appConfig.Server.Listen, _ = cmd.Flags().GetString("listen")
	}

	sessionMgr, err := newSessionManager()
	if err != nil {
		return err
	}

	server := &http.Server{
		Addr:              appConfig.Server.Listen,
		Handler:           api.New(sessionMgr, log),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		log.Infof("Server starting on %s", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("could not listen on %s: %w", server.Addr, err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		log.Infof("Server is shutting down...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), appConfig.Server.ShutdownTimeout)
		defer cancel()

		// Stopping the players closes their event websockets.
		if err := sessionMgr.StopAll(shutdownCtx); err != nil {
			log.Errorf("Player shutdown failed: %v", err)
		}
		if err := server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown failed: %w", err)
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		log.Errorf("%v", err)
		return err
	}
	log.Infof("Server exited gracefully")
	return nil
}
