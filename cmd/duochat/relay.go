package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/LuminPulse-AI/duochat"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	relayListen  string
	relayBackend string
	relayOrigins []string
)

func init() {
	rootCmd.AddCommand(relayCmd)
	relayCmd.Flags().StringVar(&relayListen, "listen", "", "Address to listen on (default: relay.listen)")
	relayCmd.Flags().StringVar(&relayBackend, "backend", "", "Backing mirror: memory or redis (default: relay.backend)")
	relayCmd.Flags().StringSliceVar(&relayOrigins, "allow-origin", nil, "Extra origin patterns allowed to connect")
}

var relayCmd = &cobra.Command{
	Use:   "relay",
	Short: "Serve a mirror to duochat clients over WebSocket",
	Long: "Run a relay: clients with mirror.kind = relay connect to /ws.\n" +
		"Prometheus metrics are served on /metrics and a liveness probe on /healthz.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		if relayListen != "" {
			cfg.Relay.Listen = relayListen
		}
		if relayBackend != "" {
			if err := setConfigValue(cfg, "relay.backend", relayBackend); err != nil {
				return err
			}
		}
		log, err := newLogger(cfg.Log)
		if err != nil {
			return err
		}
		defer log.Sync()

		ctx, stop := signalContext()
		defer stop()

		var backing duochat.Mirror
		switch cfg.Relay.Backend {
		case "redis":
			rm, err := duochat.NewRedisMirror(ctx, duochat.RedisOptions{
				Addr:     cfg.Mirror.RedisAddr,
				Password: cfg.Mirror.RedisPassword,
				DB:       cfg.Mirror.RedisDB,
			}, log)
			if err != nil {
				return err
			}
			defer rm.Close()
			backing = rm
		default:
			backing = duochat.NewMemoryMirror()
		}

		reg := prometheus.NewRegistry()
		reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		metrics := duochat.NewMetrics(reg)

		opts := []duochat.RelayOption{
			duochat.WithRelayLogger(log),
			duochat.WithRelayMetrics(metrics),
		}
		if len(relayOrigins) > 0 {
			opts = append(opts, duochat.WithOriginPatterns(relayOrigins...))
		}

		mux := http.NewServeMux()
		mux.Handle("/ws", duochat.NewRelay(backing, opts...))
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
			w.Write([]byte("ok"))
		})

		srv := &http.Server{
			Addr:              cfg.Relay.Listen,
			Handler:           mux,
			ReadHeaderTimeout: 10 * time.Second,
		}

		errCh := make(chan error, 1)
		go func() {
			log.Info("relay_listening", zap.String("addr", cfg.Relay.Listen), zap.String("backend", cfg.Relay.Backend))
			errCh <- srv.ListenAndServe()
		}()
		fmt.Printf("Relay listening on %s (backend: %s)\n", cfg.Relay.Listen, cfg.Relay.Backend)

		select {
		case err := <-errCh:
			if !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("relay server: %w", err)
			}
			return nil
		case <-ctx.Done():
		}

		log.Info("relay_shutting_down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("relay shutdown: %w", err)
		}
		return nil
	},
}
