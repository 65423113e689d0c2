package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"

	"hades/internal/app"
	"hades/internal/server"
)

func relayCmd() *cobra.Command {
	relay := &cobra.Command{
		Use:   "relay",
		Short: "Local stand-in for the HADES backend",
	}
	relay.AddCommand(relayServeCmd())
	return relay
}

func relayServeCmd() *cobra.Command {
	var addr, natsURL string
	var openChannels bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve submission, listing, reports and transcript channels",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			logger, closeLog, err := app.OpenLogger(cfg, os.Stderr)
			if err != nil {
				return err
			}
			defer closeLog()
			if addr == "" {
				addr = cfg.Relay.Addr
			}
			if natsURL == "" {
				natsURL = cfg.Relay.NATSURL
			}

			var broker server.Broker = server.NewMemoryBroker()
			if natsURL != "" {
				nb, err := server.DialNATS(natsURL)
				if err != nil {
					return err
				}
				broker = nb
				logger.Info("using nats broker", slog.String("url", natsURL))
			}
			defer broker.Close()

			relay, err := server.New(server.Config{
				Broker:       broker,
				Logger:       logger,
				Webhooks:     cfg.Relay.Webhooks,
				OpenChannels: openChannels,
			})
			if err != nil {
				return err
			}
			ln, err := net.Listen("tcp", addr)
			if err != nil {
				relay.Close()
				return err
			}
			fmt.Printf("Serving HADES relay on http://%s (OpenAPI at /openapi.json, metrics at /metrics)\n", ln.Addr())
			return serveRelay(cmd.Context(), &http.Server{Handler: relay}, ln, relay, logger)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (default relay.addr)")
	cmd.Flags().StringVar(&natsURL, "nats-url", "", "NATS server URL; in-memory broker when empty")
	cmd.Flags().BoolVar(&openChannels, "open-channels", false, "serve channels and reports for task ids this relay did not register")
	return cmd
}

// serveRelay serves on ln until ctx ends. Channels get their going-away frame
// before the listener stops, and it returns only once shutdown has finished.
func serveRelay(ctx context.Context, srv *http.Server, ln net.Listener, relay *server.Relay, logger *slog.Logger) error {
	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		<-ctx.Done()
		relay.Close()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Warn("relay shutdown", slog.String("error", err.Error()))
		}
	}()
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		relay.Close()
		return err
	}
	<-stopped
	logger.Info("relay stopped")
	return nil
}
