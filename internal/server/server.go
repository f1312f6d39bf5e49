package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/go-logr/logr"

	"github.com/ia-eknorr/gitconfig-server/internal/encryption"
	"github.com/ia-eknorr/gitconfig-server/internal/environment"
	"github.com/ia-eknorr/gitconfig-server/internal/monitor"
)

// Refresher is the repository capability the monitor endpoint arms.
type Refresher interface {
	ForceNextPull()
}

// Server is the configuration and encryption HTTP API.
type Server struct {
	Addr              string
	Repo              environment.Repository
	Refresher         Refresher
	Locator           encryption.Locator
	Metrics           *Metrics
	MonitorHMACSecret string
	Log               logr.Logger
}

// Routes builds the API mux.
func (s *Server) Routes() *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /{application}/{profiles}", s.handleTwoSegments)
	mux.HandleFunc("GET /{application}/{profiles}/{label}", s.handleEnvironmentWithLabel)
	mux.HandleFunc("GET /{file}", s.handleFileNoLabel)

	mux.HandleFunc("GET /key", s.handleKey)
	mux.HandleFunc("GET /key/{name}/{profiles}", s.handleKey)
	mux.HandleFunc("POST /encrypt", s.handleEncrypt)
	mux.HandleFunc("POST /encrypt/{name}/{profiles}", s.handleEncrypt)
	mux.HandleFunc("GET /encrypt/status", s.handleEncryptStatus)
	mux.HandleFunc("POST /decrypt", s.handleDecrypt)
	mux.HandleFunc("POST /decrypt/{name}/{profiles}", s.handleDecrypt)

	mux.Handle("POST /monitor", &monitor.Receiver{
		Refresher:  s.Refresher,
		HMACSecret: s.MonitorHMACSecret,
		Log:        s.Log,
		Accepted:   s.Metrics.MonitorEvents.Inc,
	})

	return mux
}

// Start serves the API. Blocks until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	log := s.Log.WithName("api")

	server := &http.Server{
		Addr:              s.Addr,
		Handler:           s.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(_ net.Listener) context.Context { return ctx },
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	log.Info("starting config server", "addr", s.Addr)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("api server error: %w", err)
	}
	return nil
}

// handleTwoSegments serves both GET /{app}/{profiles} and the labelled
// file form GET /{label}/{app}-{profiles}.{ext}, which are
// indistinguishable at the routing layer.
func (s *Server) handleTwoSegments(w http.ResponseWriter, r *http.Request) {
	second := r.PathValue("profiles")
	if app, profiles, format, ok := parseFileName(second); ok {
		label := environment.DecodeSegment(r.PathValue("application"))
		s.serveFile(w, r, app, profiles, label, format)
		return
	}
	s.serveEnvironment(w, r, r.PathValue("application"), second, "")
}

func (s *Server) handleEnvironmentWithLabel(w http.ResponseWriter, r *http.Request) {
	s.serveEnvironment(w, r, r.PathValue("application"), r.PathValue("profiles"), r.PathValue("label"))
}

func (s *Server) handleFileNoLabel(w http.ResponseWriter, r *http.Request) {
	app, profiles, format, ok := parseFileName(r.PathValue("file"))
	if !ok {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "no such resource")
		return
	}
	s.serveFile(w, r, app, profiles, "", format)
}

func (s *Server) serveEnvironment(w http.ResponseWriter, r *http.Request, app, profiles, label string) {
	env, ok := s.findEnvironment(w, r, app, profiles, label)
	if !ok {
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(env)
}

func (s *Server) serveFile(w http.ResponseWriter, r *http.Request, app, profiles, label, format string) {
	env, ok := s.findEnvironment(w, r, app, profiles, label)
	if !ok {
		return
	}
	body, contentType, err := renderEnvironment(env, format)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "INTERNAL_SERVER_ERROR", err.Error())
		return
	}
	w.Header().Set("Content-Type", contentType)
	_, _ = w.Write(body)
}

// findEnvironment resolves the triple and writes the error response itself
// on failure.
func (s *Server) findEnvironment(w http.ResponseWriter, r *http.Request, app, profiles, label string) (*environment.Environment, bool) {
	application := environment.DecodeSegment(app)
	profileList := environment.SplitProfiles(profiles)
	decodedLabel := environment.DecodeSegment(label)

	start := time.Now()
	env, err := s.Repo.FindOne(r.Context(), application, profileList, decodedLabel)
	s.Metrics.ResolveDuration.Observe(time.Since(start).Seconds())

	if err != nil {
		s.Metrics.EnvironmentRequests.WithLabelValues(outcomeFor(err)).Inc()
		s.writeEnvironmentError(w, err)
		return nil, false
	}
	s.Metrics.EnvironmentRequests.WithLabelValues("success").Inc()
	return env, true
}

func (s *Server) writeEnvironmentError(w http.ResponseWriter, err error) {
	switch {
	case environment.IsNoSuchLabel(err):
		writeError(w, http.StatusNotFound, "NOT_FOUND", err.Error())
	case environment.IsNoSuchRepository(err):
		writeError(w, http.StatusNotFound, "NOT_FOUND", err.Error())
	default:
		s.Log.Error(err, "environment request failed")
		writeError(w, http.StatusInternalServerError, "INTERNAL_SERVER_ERROR", "cannot load environment")
	}
}

func outcomeFor(err error) string {
	switch {
	case environment.IsNoSuchLabel(err):
		return "no_such_label"
	case environment.IsNoSuchRepository(err):
		return "no_such_repository"
	default:
		return "error"
	}
}

// parseFileName splits "app-profiles.ext" into its parts. The extension
// decides whether a segment is a file request at all; the profile list is
// whatever follows the last hyphen.
func parseFileName(segment string) (app, profiles, format string, ok bool) {
	dot := strings.LastIndex(segment, ".")
	if dot <= 0 {
		return "", "", "", false
	}
	format = segment[dot+1:]
	switch format {
	case "yml", "yaml", "properties", "json":
	default:
		return "", "", "", false
	}

	base := segment[:dot]
	if dash := strings.LastIndex(base, "-"); dash > 0 {
		return base[:dash], base[dash+1:], format, true
	}
	return base, "default", format, true
}

func writeError(w http.ResponseWriter, code int, status, description string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(map[string]string{
		"status":      status,
		"description": description,
	})
}
