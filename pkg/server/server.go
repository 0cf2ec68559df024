// Package server provides the HTTP API for the encrypted retrieval service.
//
// It carries the ops endpoints (/healthz, /readyz) and a JSON mirror of the
// gRPC methods for callers that do not speak gRPC.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/opaque/cipherrag/internal/service"
	"github.com/opaque/cipherrag/pkg/auth"
	"github.com/opaque/cipherrag/pkg/crypto"
	"github.com/opaque/cipherrag/pkg/search"
	"github.com/opaque/cipherrag/pkg/storage"
)

// maxBodyBytes bounds request bodies. Ingest requests carry full embeddings.
const maxBodyBytes = 32 << 20

// Server handles HTTP requests for the retrieval service.
type Server struct {
	svc        *service.RetrievalService
	logger     *zap.Logger
	httpServer *http.Server
	router     chi.Router
}

// Config holds server configuration.
type Config struct {
	// Address to listen on (e.g., ":8080")
	Address string

	ReadTimeout  time.Duration
	WriteTimeout time.Duration

	// RequestTimeout bounds one request end to end. Encrypted ranking of
	// large documents takes a while on the BFV backend.
	RequestTimeout time.Duration

	// Auth enables bearer-token checks on /api/v1 when set.
	Auth *auth.Service
}

// DefaultConfig returns sensible defaults for local development.
func DefaultConfig() Config {
	return Config{
		Address:        ":8080",
		ReadTimeout:    30 * time.Second,
		WriteTimeout:   120 * time.Second,
		RequestTimeout: 90 * time.Second,
	}
}

// New creates a new server instance.
func New(cfg Config, svc *service.RetrievalService, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{svc: svc, logger: logger}
	s.router = s.routes(cfg)
	s.httpServer = &http.Server{
		Addr:         cfg.Address,
		Handler:      s.router,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}
	return s
}

func (s *Server) routes(cfg Config) chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.requestLogger)
	if cfg.RequestTimeout > 0 {
		r.Use(middleware.Timeout(cfg.RequestTimeout))
	}

	r.Get("/healthz", s.handleHealth)
	r.Get("/readyz", s.handleReady)

	r.Route("/api/v1", func(r chi.Router) {
		if cfg.Auth != nil {
			r.Use(auth.HTTPMiddleware(cfg.Auth, routeScope))
			r.Post("/auth/token", s.handleLogin(cfg.Auth))
		}
		r.Get("/documents", s.handleListDocuments)
		r.Post("/documents", s.handleIngest)
		r.Delete("/documents/{id}", s.handleDeleteDocument)
		r.Post("/documents/{id}/retrieve", s.handleRetrieve)
		r.Post("/keys", s.handleGenerateKeyPair)
	})
	return r
}

// routeScope maps an /api/v1 request to the scope it requires.
func routeScope(r *http.Request) string {
	path := strings.TrimPrefix(r.URL.Path, "/api/v1")
	switch {
	case path == "/auth/token":
		return ""
	case path == "/keys":
		return auth.ScopeAdmin
	case strings.HasSuffix(path, "/retrieve"), r.Method == http.MethodGet:
		return auth.ScopeRetrieve
	default:
		return auth.ScopeIngest
	}
}

// Handler returns the router, for tests and embedding in other servers.
func (s *Server) Handler() http.Handler { return s.router }

// Start starts the HTTP server.
func (s *Server) Start() error {
	s.logger.Info("http server listening", zap.String("addr", s.httpServer.Addr))
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.logger.Debug("http request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Int("bytes", ww.BytesWritten()),
			zap.Duration("elapsed", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())))
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	h, err := s.svc.Health(r.Context())
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, h)
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if !s.svc.Ready() {
		writeError(w, http.StatusServiceUnavailable, "encryption context not compiled")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// IngestRequest is the body of POST /api/v1/documents.
type IngestRequest struct {
	DocumentID string `json:"document_id"`
	Chunks     []struct {
		Text      string    `json:"text"`
		Embedding []float64 `json:"embedding,omitempty"`
	} `json:"chunks"`
}

func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	var req IngestRequest
	if !decode(w, r, &req) {
		return
	}
	inputs := make([]service.ChunkInput, len(req.Chunks))
	for i, c := range req.Chunks {
		inputs[i] = service.ChunkInput{Text: c.Text, Embedding: c.Embedding}
	}

	res, err := s.svc.Ingest(r.Context(), req.DocumentID, inputs)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"document_id": res.DocumentID,
		"chunks":      res.Chunks,
		"elapsed_ms":  res.Elapsed.Milliseconds(),
	})
}

// RetrieveRequest is the body of POST /api/v1/documents/{id}/retrieve.
type RetrieveRequest struct {
	Question  string    `json:"question"`
	Embedding []float64 `json:"embedding,omitempty"`
	K         int       `json:"k,omitempty"`
}

func (s *Server) handleRetrieve(w http.ResponseWriter, r *http.Request) {
	var req RetrieveRequest
	if !decode(w, r, &req) {
		return
	}
	if req.K < 0 {
		writeError(w, http.StatusBadRequest, "k must not be negative")
		return
	}

	res, err := s.svc.Retrieve(r.Context(), service.Query{
		DocumentID: chi.URLParam(r, "id"),
		Question:   req.Question,
		Embedding:  req.Embedding,
		K:          req.K,
	})
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleListDocuments(w http.ResponseWriter, r *http.Request) {
	docs, err := s.svc.Documents(r.Context())
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	if docs == nil {
		docs = []storage.DocumentInfo{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"documents": docs})
}

func (s *Server) handleDeleteDocument(w http.ResponseWriter, r *http.Request) {
	if err := s.svc.DeleteDocument(r.Context(), chi.URLParam(r, "id")); err != nil {
		s.writeServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleGenerateKeyPair(w http.ResponseWriter, r *http.Request) {
	keys, err := s.svc.GenerateKeyPair()
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string][]byte{
		"public_key": keys.PublicKey,
		"secret_key": keys.SecretKey,
	})
}

// LoginRequest is the body of POST /api/v1/auth/token.
type LoginRequest struct {
	UserID   string `json:"user_id"`
	Password string `json:"password"`
}

func (s *Server) handleLogin(svc *auth.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req LoginRequest
		if !decode(w, r, &req) {
			return
		}
		token, err := svc.Authenticate(r.Context(), req.UserID, []byte(req.Password))
		if err != nil {
			// Do not reveal whether the user exists.
			writeError(w, http.StatusUnauthorized, auth.ErrInvalidCredentials.Error())
			return
		}
		writeJSON(w, http.StatusOK, token)
	}
}

func (s *Server) writeServiceError(w http.ResponseWriter, err error) {
	code := statusFor(err)
	if code == http.StatusInternalServerError {
		s.logger.Error("request failed", zap.Error(err))
	}
	writeError(w, code, err.Error())
}

// statusFor maps service errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.Is(err, service.ErrInvalidRequest),
		errors.Is(err, service.ErrNoEmbedding),
		errors.Is(err, storage.ErrInvalidDocument),
		errors.Is(err, crypto.ErrDomain),
		errors.Is(err, crypto.ErrMalformedCiphertext),
		errors.Is(err, crypto.ErrCircuitMismatch):
		return http.StatusBadRequest
	case errors.Is(err, search.ErrNoContent),
		errors.Is(err, storage.ErrDocumentNotFound):
		return http.StatusNotFound
	case errors.Is(err, storage.ErrDocumentExists):
		return http.StatusConflict
	case errors.Is(err, crypto.ErrNotCompiled):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
