package obs

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// MetricsServer serves Prometheus metrics and a liveness endpoint.
type MetricsServer struct {
	server *http.Server
	log    *zap.Logger
}

func NewMetricsServer(addr string, logger *zap.Logger) *MetricsServer {
	if logger == nil {
		logger = zap.Must(zap.NewDevelopment())
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	return &MetricsServer{
		server: &http.Server{
			Addr:              addr,
			Handler:           mux,
			ReadHeaderTimeout: 10 * time.Second,
		},
		log: logger.With(zap.String("handler", "Metrics")),
	}
}

// Start blocks until ctx is cancelled and the server has shut down, or
// returns early with the error if the server cannot listen.
func (m *MetricsServer) Start(ctx context.Context) error {
	errCh := make(chan error, 1)

	wg := sync.WaitGroup{}
	wg.Add(1)
	go func() {
		defer wg.Done()
		m.log.Info("Starting metrics server", zap.String("addr", m.server.Addr))
		if err := m.server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			m.log.Error("Unexpected metrics server close!", zap.Error(err))
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		wg.Wait()
		return err
	case <-ctx.Done():
	}

	shutdownCtx, shutdownRelease := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownRelease()
	if err := m.server.Shutdown(shutdownCtx); err != nil {
		m.log.Error("Failed to gracefully shut down metrics server", zap.Error(err))
	}

	wg.Wait()
	select {
	case err := <-errCh:
		return err
	default:
		return nil
	}
}
