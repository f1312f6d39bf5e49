package server

import (
	"context"
	"net/http"
	"sync/atomic"

	"github.com/go-logr/logr"
)

// OpsServer exposes /healthz and /readyz probes plus the Prometheus
// /metrics endpoint on a dedicated port, separate from the API.
type OpsServer struct {
	ready  atomic.Bool
	server *http.Server
	log    logr.Logger
}

// NewOpsServer creates an ops server on the given address (e.g., ":8081").
func NewOpsServer(addr string, metrics http.Handler, log logr.Logger) *OpsServer {
	srv := &OpsServer{log: log.WithName("ops")}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", srv.handleHealthz)
	mux.HandleFunc("/readyz", srv.handleReadyz)
	mux.Handle("/metrics", metrics)

	srv.server = &http.Server{
		Addr:    addr,
		Handler: mux,
	}
	return srv
}

// MarkReady signals that bring-up has completed.
func (o *OpsServer) MarkReady() {
	o.ready.Store(true)
}

// Start begins serving probes and metrics. Blocks until ctx is cancelled.
func (o *OpsServer) Start(ctx context.Context) {
	go func() {
		<-ctx.Done()
		_ = o.server.Close()
	}()

	o.log.Info("ops server starting", "addr", o.server.Addr)
	if err := o.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		o.log.Error(err, "ops server error")
	}
}

func (o *OpsServer) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (o *OpsServer) handleReadyz(w http.ResponseWriter, _ *http.Request) {
	if o.ready.Load() {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	} else {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("not ready"))
	}
}
