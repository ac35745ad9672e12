package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/charmbracelet/log"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/becomeliminal/nim-recall/memory/embedder"
	"github.com/becomeliminal/nim-recall/memory/embedder/remote"
)

const (
	// embedPath is the websocket endpoint.
	embedPath = "/embed"

	// healthService is the service name reported by the health endpoint, in
	// addition to the overall "" status.
	healthService = "recall.Embedder"
)

// daemon ties one embedder.Service to its websocket and health endpoints.
type daemon struct {
	svc     *embedder.Service
	handler *remote.Handler
	health  *health.Server
	logger  *log.Logger
}

func newDaemon(model embedder.Model, cacheSize int64, logger *log.Logger) (*daemon, error) {
	d := &daemon{
		health: health.NewServer(),
		logger: logger,
	}
	d.setServing(false)

	opts := []embedder.Option{embedder.WithProgress(d.progress)}
	if cacheSize > 0 {
		opts = append(opts, embedder.WithCache(cacheSize))
	}
	svc, err := embedder.New(model, opts...)
	if err != nil {
		return nil, err
	}
	d.svc = svc
	d.handler = remote.NewHandler(svc)
	return d, nil
}

// progress runs on the service worker. The handler is set before any load
// can start because loads are triggered by requests or Warmup.
func (d *daemon) progress(p embedder.Progress) {
	d.logger.Info("model", "stage", p.Stage, "file", p.File, "percent", p.Percent)
	if d.handler != nil {
		d.handler.Broadcast(p)
	}
}

// Warmup loads the model and flips health to SERVING on success.
func (d *daemon) Warmup(ctx context.Context) error {
	if err := d.svc.Warmup(ctx); err != nil {
		d.logger.Error("model failed to load", "err", err)
		return err
	}
	d.setServing(true)
	d.logger.Info("model ready", "dimensions", d.svc.Dimensions())
	return nil
}

func (d *daemon) setServing(ok bool) {
	status := healthpb.HealthCheckResponse_NOT_SERVING
	if ok {
		status = healthpb.HealthCheckResponse_SERVING
	}
	d.health.SetServingStatus("", status)
	d.health.SetServingStatus(healthService, status)
}

// Serve runs both endpoints until ctx is done or one of them fails.
func (d *daemon) Serve(ctx context.Context, wsLis, grpcLis net.Listener) error {
	mux := http.NewServeMux()
	mux.Handle(embedPath, d.handler)
	httpSrv := &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}

	grpcSrv := grpc.NewServer()
	healthpb.RegisterHealthServer(grpcSrv, d.health)

	errc := make(chan error, 2)
	go func() {
		if err := httpSrv.Serve(wsLis); !errors.Is(err, http.ErrServerClosed) {
			errc <- err
			return
		}
		errc <- nil
	}()
	go func() {
		errc <- grpcSrv.Serve(grpcLis)
	}()

	var err error
	select {
	case <-ctx.Done():
	case err = <-errc:
	}

	d.health.Shutdown()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = httpSrv.Shutdown(shutdownCtx)
	grpcSrv.GracefulStop()
	return err
}

// Close stops the embedding service.
func (d *daemon) Close() error {
	return d.svc.Close()
}
