package http

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"golang.org/x/sync/semaphore"

	"ringdb/pkg/cluster"
	"ringdb/pkg/config"
	"ringdb/pkg/dberrors"
	"ringdb/pkg/metrics"
	"ringdb/pkg/replication"
	"ringdb/pkg/store"
)

const (
	contentTypeJSON        = "application/json"
	contentTypeBinary      = "application/octet-stream"
	defaultShutdownTimeout = time.Second * 5
	maxBodyBytes           = 16 << 20
)

type iCoordinator interface {
	Get(ctx context.Context, key []byte, rf replication.Replicas, proxied bool) (replication.ResponseValue, error)
	Upsert(ctx context.Context, key, value []byte, rf replication.Replicas, proxied bool) error
	Delete(ctx context.Context, key []byte, rf replication.Replicas, proxied bool) error
	DefaultReplicas() replication.Replicas
	Nodes() []string
	Local() string
}

// iAdmin - локальные операции над движком
type iAdmin interface {
	Flush() error
	Compact() error
	Stats() store.Stats
}

// Server is the HTTP face of one node.
type Server struct {
	coord iCoordinator
	admin iAdmin

	// running requests, and requests allowed to wait for a running slot
	running *semaphore.Weighted
	waiting *semaphore.Weighted

	httpServer *http.Server
	cfg        config.ServerConfig
	URL        string
	addr       string
}

func NewServer(coord iCoordinator, admin iAdmin, cfg config.ServerConfig) *Server {
	port := strconv.Itoa(cfg.Port)
	s := &Server{
		coord:   coord,
		admin:   admin,
		running: semaphore.NewWeighted(int64(max(cfg.Workers, 1))),
		cfg:     cfg,
		URL:     "http://localhost:" + port,
		addr:    ":" + port,
	}
	if cfg.QueueSize > 0 {
		s.waiting = semaphore.NewWeighted(int64(cfg.QueueSize))
	}
	return s
}

// Start starts the server
func (s *Server) Start() error {
	s.httpServer = &http.Server{
		Addr:              s.addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: s.cfg.ReadHeaderTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("HTTP server error", "error", err)
			errCh <- err
		}
	}()

	// ловим ошибку bind сразу, остальное только логируется
	select {
	case err := <-errCh:
		return errors.Wrap(err, "failed to start HTTP server")
	case <-time.After(100 * time.Millisecond):
	}
	slog.Info("HTTP server started", "addr", s.addr)
	return nil
}

// Stop stops the server
func (s *Server) Stop() error {
	if s.httpServer == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), defaultShutdownTimeout)
	defer cancel()

	if err := s.httpServer.Shutdown(ctx); err != nil {
		return errors.Wrap(err, "failed to shutdown HTTP server")
	}
	return nil
}

// Handler builds chi router
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/health", s.handleHealth)
	r.Get("/v0/status", s.handleStatus)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Group(func(r chi.Router) {
		r.Use(s.admission, observe)
		r.Get(cluster.EntityPath, s.handleGet)
		r.Put(cluster.EntityPath, s.handlePut)
		r.Delete(cluster.EntityPath, s.handleDelete)
	})

	r.Post("/v0/admin/flush", s.handleFlush)
	r.Post("/v0/admin/compact", s.handleCompact)

	return r
}

// admission rejects requests once every worker slot and queue slot is taken.
func (s *Server) admission(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.running.TryAcquire(1) {
			if s.waiting == nil || !s.waiting.TryAcquire(1) {
				http.Error(w, "overloaded", http.StatusServiceUnavailable)
				return
			}
			err := s.running.Acquire(r.Context(), 1)
			s.waiting.Release(1)
			if err != nil {
				http.Error(w, "overloaded", http.StatusServiceUnavailable)
				return
			}
		}
		defer s.running.Release(1)
		next.ServeHTTP(w, r)
	})
}

func observe(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		metrics.RequestDuration.
			WithLabelValues(r.Method, strconv.Itoa(ww.Status())).
			Observe(time.Since(start).Seconds())
	})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", contentTypeJSON)
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Warn("Error encoding response", "error", err)
	}
}

func writeBytes(w http.ResponseWriter, status int, body []byte) {
	if len(body) > 0 {
		w.Header().Set("Content-Type", contentTypeBinary)
	}
	w.WriteHeader(status)
	if len(body) == 0 {
		return
	}
	if _, err := w.Write(body); err != nil {
		slog.Warn("Failed to write response", "error", err)
	}
}

func errorStatus(err error) int {
	switch {
	case errors.Is(err, dberrors.ErrInvalidArgument):
		return http.StatusBadRequest
	case errors.Is(err, dberrors.ErrQuorumUnreachable),
		errors.Is(err, dberrors.ErrRejected),
		errors.Is(err, dberrors.ErrClosed):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := errorStatus(err)
	if status == http.StatusInternalServerError {
		slog.Error("request failed", "method", r.Method, "url", r.URL.String(), "error", err)
	} else {
		slog.Debug("request refused", "method", r.Method, "status", status, "error", err)
	}
	writeBytes(w, status, nil)
}

type entityRequest struct {
	key     []byte
	rf      replication.Replicas
	proxied bool
}

func (s *Server) parseEntity(r *http.Request) (entityRequest, error) {
	q := r.URL.Query()
	id := q.Get("id")
	if id == "" {
		return entityRequest{}, errors.Wrap(dberrors.ErrInvalidArgument, "empty id")
	}
	req := entityRequest{
		key:     []byte(id),
		proxied: r.Header.Get(cluster.ProxyHeader) != "",
	}
	if req.proxied {
		return req, nil
	}

	replicas := q.Get("replicas")
	if replicas == "" {
		req.rf = s.coord.DefaultReplicas()
		return req, nil
	}
	rf, err := replication.ParseReplicas(replicas)
	if err != nil {
		return entityRequest{}, err
	}
	req.rf = rf
	return req, nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, NewOKResponse())
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	st := s.admin.Stats()
	s.writeJSON(w, http.StatusOK, StatusResponse{
		Status:         StatusOK,
		Self:           s.coord.Local(),
		Nodes:          s.coord.Nodes(),
		MemtableBytes:  st.MemtableBytes,
		MemtableCells:  st.MemtableCells,
		PendingFlushes: st.PendingFlushes,
		Tables:         st.Tables,
		NextGeneration: int64(st.NextGeneration),
	})
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	req, err := s.parseEntity(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	rv, err := s.coord.Get(r.Context(), req.key, req.rf, req.proxied)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	// ответ другой ноде всегда несёт timestamp
	if req.proxied {
		status := http.StatusNotFound
		if rv.State == replication.Active {
			status = http.StatusOK
		}
		writeBytes(w, status, rv.ProxyBody())
		return
	}

	switch rv.State {
	case replication.Active:
		writeBytes(w, http.StatusOK, rv.Body)
	case replication.Deleted:
		writeBytes(w, http.StatusNotFound, replication.EncodeTimestamp(rv.Timestamp))
	default:
		writeBytes(w, http.StatusNotFound, nil)
	}
}

func (s *Server) handlePut(w http.ResponseWriter, r *http.Request) {
	req, err := s.parseEntity(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	value, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		s.writeError(w, r, errors.Wrap(dberrors.ErrInvalidArgument, err.Error()))
		return
	}

	if err := s.coord.Upsert(r.Context(), req.key, value, req.rf, req.proxied); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeBytes(w, http.StatusCreated, nil)
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	req, err := s.parseEntity(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.coord.Delete(r.Context(), req.key, req.rf, req.proxied); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeBytes(w, http.StatusAccepted, nil)
}

func (s *Server) handleFlush(w http.ResponseWriter, r *http.Request) {
	if err := s.admin.Flush(); err != nil {
		s.writeJSON(w, errorStatus(err), NewErrorResponse(err.Error()))
		return
	}
	s.writeJSON(w, http.StatusOK, NewSuccessResponse())
}

func (s *Server) handleCompact(w http.ResponseWriter, r *http.Request) {
	if err := s.admin.Compact(); err != nil {
		s.writeJSON(w, errorStatus(err), NewErrorResponse(err.Error()))
		return
	}
	s.writeJSON(w, http.StatusOK, NewSuccessResponse())
}
