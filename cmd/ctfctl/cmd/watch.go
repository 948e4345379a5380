package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/pwndepot/ctfgate/bus"
	"github.com/pwndepot/ctfgate/client"
	"github.com/pwndepot/ctfgate/metrics"
	"github.com/pwndepot/ctfgate/status"
)

var (
	watchRoute  string
	metricsAddr string
)

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Follow the event status until interrupted or the session ends",
	RunE: func(cmd *cobra.Command, args []string) error {
		reg := prometheus.NewRegistry()
		c, cfg, err := openClient(cmd, client.WithRegisterer(reg), client.WithStartPath(watchRoute))
		if err != nil {
			return err
		}
		defer c.Close()

		out := &lockedWriter{w: cmd.OutOrStdout()}
		ctx, cancel := context.WithCancel(cmd.Context())
		defer cancel()

		if _, err := c.Probe(ctx); err != nil && !errors.Is(err, client.ErrMFAPending) {
			return err
		}

		c.Status().Subscribe(func(st status.EventStatus) {
			fmt.Fprintf(out, "%s  %s\n", time.Now().Format(time.TimeOnly), formatStatus(st))
		})
		ended := make(chan bus.SessionEndedPayload, 1)
		unsubscribe := c.Bus().Subscribe(bus.SessionEnded, func(p any) {
			if payload, ok := p.(bus.SessionEndedPayload); ok {
				select {
				case ended <- payload:
				default:
				}
			}
		})
		defer unsubscribe()

		addr := metricsAddr
		if addr == "" {
			addr = cfg.MetricsAddr
		}
		var server *http.Server
		serveErr := make(chan error, 1)
		if addr != "" {
			server = metricsServer(addr, reg)
			go func() {
				if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					serveErr <- fmt.Errorf("metrics server failed: %w", err)
				}
			}()
		}

		printBanner(cmd.ErrOrStderr())
		if server != nil {
			fmt.Fprintf(cmd.ErrOrStderr(), "Serving metrics on %s\n", addr)
		}

		runErr := make(chan error, 1)
		go func() { runErr <- c.Run(ctx) }()

		// Stop on SIGINT/SIGTERM, a lost session or a failed metrics server.
		quit := make(chan os.Signal, 1)
		signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
		defer signal.Stop(quit)

		var result error
		select {
		case sig := <-quit:
			fmt.Fprintf(out, "\nReceived %s, stopping...\n", sig)
		case p := <-ended:
			fmt.Fprintf(out, "Session ended (%s)\n", p.Reason)
		case err := <-serveErr:
			result = err
		case <-ctx.Done():
		}
		cancel()
		<-runErr

		if server != nil {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := server.Shutdown(shutdownCtx); err != nil {
				return fmt.Errorf("metrics server shutdown failed: %w", err)
			}
		}
		return result
	},
}

func metricsServer(addr string, reg *prometheus.Registry) *http.Server {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("OK"))
	})
	r.Handle("/metrics", metrics.Handler(reg))

	return &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
}

// lockedWriter serializes writes from the status goroutines.
type lockedWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (l *lockedWriter) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.w.Write(p)
}

func init() {
	rootCmd.AddCommand(watchCmd)
	watchCmd.Flags().StringVar(&watchRoute, "route", "/challenges", "Route the client reports as active")
	watchCmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address, e.g. :9102")
}
