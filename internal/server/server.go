// Package server is the HTTP surface of the gateway. Every capability in the
// catalog is served at its own POST path; responses always use the success
// or error envelope.
package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"toolgate/internal/credential"
	"toolgate/internal/dispatch"
	"toolgate/internal/domain"
	"toolgate/internal/envelope"
	"toolgate/internal/metrics"
)

const (
	defaultMaxBodyBytes = 1 << 20 // 1MB
	defaultMaxBatch     = 8
	Version             = "1.0.0"
)

// Server serves the gateway API.
type Server struct {
	addr       string
	dispatcher *dispatch.Dispatcher
	logger     *slog.Logger
	metrics    *metrics.Gateway
	server     *http.Server

	corsOrigins      []string
	maxBodyBytes     int64
	maxBatch         int
	batchConcurrency int
	mcp              http.Handler
	mcpPath          string
	serveMetrics     bool
	now              func() time.Time
}

type Config struct {
	Host        string
	Port        int
	CORSOrigins []string
	// MaxBodyBytes caps request bodies; larger bodies are rejected as
	// validation errors.
	MaxBodyBytes     int64
	MaxBatch         int
	BatchConcurrency int

	Logger *slog.Logger
	// Metrics is exposed at /metrics when ServeMetrics is set.
	Metrics      *metrics.Gateway
	ServeMetrics bool

	// MCP, when set, is mounted at MCPPath (default /mcp).
	MCP     http.Handler
	MCPPath string

	Now func() time.Time
}

func New(d *dispatch.Dispatcher, cfg Config) *Server {
	if cfg.Host == "" {
		cfg.Host = "0.0.0.0"
	}
	if cfg.Port == 0 {
		cfg.Port = 8000
	}
	if len(cfg.CORSOrigins) == 0 {
		cfg.CORSOrigins = []string{"*"}
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = defaultMaxBodyBytes
	}
	if cfg.MaxBatch <= 0 {
		cfg.MaxBatch = defaultMaxBatch
	}
	if cfg.BatchConcurrency <= 0 {
		cfg.BatchConcurrency = 4
	}
	if cfg.MCPPath == "" {
		cfg.MCPPath = "/mcp"
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Server{
		addr:             fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		dispatcher:       d,
		logger:           cfg.Logger,
		metrics:          cfg.Metrics,
		corsOrigins:      cfg.CORSOrigins,
		maxBodyBytes:     cfg.MaxBodyBytes,
		maxBatch:         cfg.MaxBatch,
		batchConcurrency: cfg.BatchConcurrency,
		mcp:              cfg.MCP,
		mcpPath:          cfg.MCPPath,
		serveMetrics:     cfg.ServeMetrics,
		now:              cfg.Now,
	}
}

// Addr returns the listen address.
func (s *Server) Addr() string { return s.addr }

// Handler returns the full middleware-wrapped router.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	for _, cp := range s.dispatcher.Catalog().List() {
		desc := cp.Descriptor()
		route(mux, http.MethodPost, desc.Path, s.handleCapability(desc.ID))
	}
	route(mux, http.MethodPost, "/api/batch", s.handleBatch)
	route(mux, http.MethodGet, "/api/health", s.handleHealth)
	route(mux, http.MethodGet, "/api/info", s.handleInfo)
	if s.serveMetrics && s.metrics != nil {
		route(mux, http.MethodGet, "/metrics", s.metrics.Collector().Handler())
	}
	if s.mcp != nil {
		mux.Handle(s.mcpPath, s.mcp)
		mux.Handle(s.mcpPath+"/", s.mcp)
	}
	mux.HandleFunc("/", s.handleNotFound)

	return s.withRequestID(s.withLogging(s.withRecovery(s.withCORS(mux))))
}

// route registers h for method on path, and a JSON 405 for every other
// method on the same path.
func route(mux *http.ServeMux, method, path string, h http.HandlerFunc) {
	mux.HandleFunc(method+" "+path, h)
	mux.HandleFunc(path, func(rw http.ResponseWriter, r *http.Request) {
		rw.Header().Set("Allow", method)
		envelope.WriteJSON(rw, http.StatusMethodNotAllowed, map[string]string{"detail": "Method Not Allowed"})
	})
}

// Start serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:              s.addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      180 * time.Second, // music generation polls for up to two minutes
		IdleTimeout:       120 * time.Second,
		MaxHeaderBytes:    1 << 20,
	}

	s.logger.Info("gateway started", "addr", s.addr, "capabilities", len(s.dispatcher.Catalog().IDs()))

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			s.logger.Warn("gateway shutdown", "err", err)
		}
	}()

	if err := s.server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) handleCapability(id string) http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		body, err := s.readBody(rw, r)
		if err != nil {
			envelope.WriteError(rw, err)
			return
		}
		out := s.dispatcher.Dispatch(r.Context(), RequestID(r.Context()), id, body)
		if !out.OK() {
			envelope.WriteError(rw, out.Err)
			return
		}
		envelope.WriteResult(rw, out.Result)
	}
}

func (s *Server) handleBatch(rw http.ResponseWriter, r *http.Request) {
	body, err := s.readBody(rw, r)
	if err != nil {
		envelope.WriteError(rw, err)
		return
	}
	calls, err := dispatch.ParseBatch(body, s.maxBatch)
	if err != nil {
		envelope.WriteError(rw, err)
		return
	}
	res := s.dispatcher.Batch(r.Context(), RequestID(r.Context()), calls, s.batchConcurrency)
	envelope.WriteJSON(rw, http.StatusOK, map[string]any{
		"result":    res.Items,
		"succeeded": res.Succeeded,
		"failed":    res.Failed,
		"timestamp": s.now().Format(time.RFC3339Nano),
	})
}

func (s *Server) readBody(rw http.ResponseWriter, r *http.Request) ([]byte, error) {
	body, err := io.ReadAll(http.MaxBytesReader(rw, r.Body, s.maxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return nil, domain.Validationf("request body exceeds %d bytes", s.maxBodyBytes)
		}
		return nil, domain.Validationf("could not read request body")
	}
	return body, nil
}

type serviceStatus struct {
	ID     string `json:"id"`
	Path   string `json:"path"`
	Family string `json:"family"`
	credential.Availability
}

func (s *Server) handleHealth(rw http.ResponseWriter, r *http.Request) {
	cat := s.dispatcher.Catalog()
	creds := s.dispatcher.Credentials()

	statuses := make([]serviceStatus, 0, len(cat.IDs()))
	for _, d := range cat.Descriptors() {
		statuses = append(statuses, serviceStatus{
			ID:           d.ID,
			Path:         d.Path,
			Family:       d.Family,
			Availability: creds.Check(d),
		})
	}
	envelope.WriteJSON(rw, http.StatusOK, map[string]any{
		"status":       "healthy",
		"timestamp":    s.now().Format(time.RFC3339Nano),
		"version":      Version,
		"services":     cat.Families(),
		"capabilities": statuses,
	})
}

func (s *Server) handleInfo(rw http.ResponseWriter, r *http.Request) {
	envelope.WriteJSON(rw, http.StatusOK, map[string]any{
		"name":         "toolgate",
		"version":      Version,
		"capabilities": Describe(s.dispatcher),
	})
}

// CapabilityInfo is one /api/info entry.
type CapabilityInfo struct {
	ID                 string         `json:"id"`
	Path               string         `json:"path"`
	Method             string         `json:"method"`
	Family             string         `json:"family"`
	Description        string         `json:"description"`
	Credentials        []string       `json:"credentials,omitempty"`
	EnhancedCredential string         `json:"enhanced_credential,omitempty"`
	InputSchema        map[string]any `json:"input_schema"`
	Output             []string       `json:"output"`
	TimeoutSeconds     float64        `json:"timeout_seconds"`
	Billed             bool           `json:"billed,omitempty"`
	Status             string         `json:"status"`
}

// Describe renders the dispatcher's catalog for /api/info and the CLI. The
// timeout is the one the dispatcher enforces.
func Describe(d *dispatch.Dispatcher) []CapabilityInfo {
	cat, creds := d.Catalog(), d.Credentials()
	out := make([]CapabilityInfo, 0, len(cat.IDs()))
	for _, desc := range cat.Descriptors() {
		out = append(out, CapabilityInfo{
			ID:                 desc.ID,
			Path:               desc.Path,
			Method:             http.MethodPost,
			Family:             desc.Family,
			Description:        desc.Description,
			Credentials:        desc.Credentials,
			EnhancedCredential: desc.EnhancedCredential,
			InputSchema:        desc.Input.JSONSchema(),
			Output:             desc.Output,
			TimeoutSeconds:     d.Timeout(desc).Seconds(),
			Billed:             desc.Billed,
			Status:             string(creds.Check(desc).Status),
		})
	}
	return out
}

func (s *Server) handleNotFound(rw http.ResponseWriter, r *http.Request) {
	envelope.WriteJSON(rw, http.StatusNotFound, map[string]string{"detail": "Not Found"})
}
