package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/archessay/wildduck/config"
	"github.com/archessay/wildduck/logger"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type pinger interface {
	Ping(ctx context.Context) error
}

// connStats is implemented by *lmtp.Server.
type connStats interface {
	GetActiveConnections() int64
	GetTotalConnections() int64
}

// newRouter serves Prometheus metrics and a database-backed health check
// that also reports the LMTP connection counts.
func newRouter(metricsPath string, db pinger, conns connStats) *mux.Router {
	if metricsPath == "" {
		metricsPath = "/metrics"
	}

	r := mux.NewRouter()
	r.Handle(metricsPath, promhttp.Handler()).Methods(http.MethodGet)
	r.HandleFunc("/healthz", func(w http.ResponseWriter, req *http.Request) {
		ctx, cancel := context.WithTimeout(req.Context(), 2*time.Second)
		defer cancel()
		if err := db.Ping(ctx); err != nil {
			logger.Warn("Health: Database ping failed", "error", err)
			http.Error(w, "database unavailable", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		fmt.Fprintf(w, "ok active=%d total=%d\n", conns.GetActiveConnections(), conns.GetTotalConnections())
	}).Methods(http.MethodGet)
	return r
}

func newHTTPServer(cfg config.MetricsConfig, db pinger, conns connStats) *http.Server {
	return &http.Server{
		Addr:              cfg.Addr,
		Handler:           newRouter(cfg.Path, db, conns),
		ReadHeaderTimeout: 10 * time.Second,
	}
}

// serveHTTP runs srv until ctx is cancelled.
func serveHTTP(ctx context.Context, srv *http.Server) error {
	go func() {
		<-ctx.Done()
		logger.Info("Shutting down metrics server...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Warn("Error shutting down metrics server", "error", err)
		}
	}()

	logger.Info("Metrics server listening", "addr", srv.Addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("metrics server failed: %w", err)
	}
	return nil
}
