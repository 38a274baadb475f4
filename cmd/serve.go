package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"

	"github.com/chaos-io/facecrop/admission"
	"github.com/chaos-io/facecrop/config"
	"github.com/chaos-io/facecrop/monitor"
	"github.com/chaos-io/facecrop/server"
)

const (
	shutdownTimeout   = 30 * time.Second
	readHeaderTimeout = 10 * time.Second
)

var (
	serveAddr     string
	serveCapacity int
	serveTimeout  time.Duration
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP service (POST /process, GET /health)",
	RunE: func(cmd *cobra.Command, args []string) error {
		if serveAddr != "" {
			cfg.Addr = serveAddr
		}
		if cmd.Flags().Changed("capacity") {
			cfg.Capacity = serveCapacity
		}
		if cmd.Flags().Changed("timeout") {
			cfg.RequestTimeout = serveTimeout
		}
		if err := cfg.Validate(); err != nil {
			return fmt.Errorf("invalid config: %w", err)
		}
		return runServe(cmd.Context())
	},
}

func init() {
	serveCmd.Flags().StringVar(&serveAddr, "addr", "", "listen address (default: $FACECROP_ADDR or :8000)")
	serveCmd.Flags().IntVar(&serveCapacity, "capacity", admission.DefaultCapacity, "max concurrent requests, also the worker count")
	serveCmd.Flags().DurationVar(&serveTimeout, "timeout", 60*time.Second, "per-request processing timeout, 0 disables")
	rootCmd.AddCommand(serveCmd)
}

// newHTTPServer ReadTimeout 覆盖整个请求体，慢速上传不能一直占着名额
func newHTTPServer(c *config.Config, handler http.Handler) *http.Server {
	srv := &http.Server{
		Addr:              c.Addr,
		Handler:           handler,
		ReadHeaderTimeout: readHeaderTimeout,
	}
	if c.UploadTimeout > 0 {
		srv.ReadTimeout = readHeaderTimeout + c.UploadTimeout
	}
	return srv
}

func runServe(ctx context.Context) error {
	collab, err := buildCollaborators(cfg)
	if err != nil {
		return err
	}

	gate := admission.New(cfg.Capacity)
	defer gate.Close()

	mon := monitor.New(gate, collab.pingTargets())
	if err := mon.Start(cfg.HealthSchedule); err != nil {
		return err
	}
	defer mon.Stop()

	gin.SetMode(gin.ReleaseMode)
	srv := server.New(collab.processor(cfg), gate, mon, server.Options{
		RequestTimeout: cfg.RequestTimeout,
		UploadTimeout:  cfg.UploadTimeout,
		MaxUploadBytes: cfg.MaxUploadBytes,
		CORSOrigins:    cfg.CORSOrigins,
	})

	httpSrv := newHTTPServer(cfg, srv.Handler())

	errCh := make(chan error, 1)
	go func() {
		slog.Info("listening", "addr", cfg.Addr, "capacity", cfg.Capacity, "detector", cfg.Detector)
		errCh <- httpSrv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("listen %s: %w", cfg.Addr, err)
		}
		return nil
	case <-ctx.Done():
	}

	slog.Info("shutting down", "in_flight", gate.InFlight())
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}
