// Package coord is the manager's front door: the HTTP API and the packet
// sockets that clients, upload workers and thumbnail workers connect to.
package coord

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/chunkvault/chunkvault/internal/auth"
	"github.com/chunkvault/chunkvault/internal/booking"
	"github.com/chunkvault/chunkvault/internal/cipher"
	"github.com/chunkvault/chunkvault/internal/config"
	"github.com/chunkvault/chunkvault/internal/files"
	"github.com/chunkvault/chunkvault/internal/locks"
	"github.com/chunkvault/chunkvault/internal/logging/audit"
	"github.com/chunkvault/chunkvault/internal/metrics"
	"github.com/chunkvault/chunkvault/internal/pathcache"
	"github.com/chunkvault/chunkvault/internal/store"
	"github.com/chunkvault/chunkvault/internal/stream"
	"github.com/chunkvault/chunkvault/internal/thumbstore"
	"github.com/chunkvault/chunkvault/internal/upload"
	"github.com/chunkvault/chunkvault/pkg/proto"
)

const (
	collectInterval = 15 * time.Second
	shutdownTimeout = 10 * time.Second
)

// Deps are the collaborators a Server is built from.
type Deps struct {
	Store *store.Store
	Auth  *auth.Service
	Blobs stream.Blobs
	// Thumbnails is nil when thumbnail serving is disabled.
	Thumbnails *thumbstore.Store
	// Metrics is nil when metrics are not collected.
	Metrics *metrics.ManagerMetrics
	Audit   *audit.Logger
}

// Server is the manager.
type Server struct {
	cfg     *config.ManagerConfig
	router  chi.Router
	db      *store.Store
	auth    *auth.Service
	paths   *pathcache.Cache
	locks   *locks.Registry
	booking *booking.Engine
	uploads *upload.Orchestrator
	files   *files.Service
	streams *stream.Pipeline
	signer  *cipher.Signer // nil without a master key
	thumbs  *thumbstore.Store
	metrics *metrics.ManagerMetrics
	audit   *audit.Logger
	log     zerolog.Logger

	ready atomic.Bool

	mu       sync.Mutex
	closing  bool
	clients  map[string]*session
	sockets  map[string]*session
	sessions sync.WaitGroup

	// packet handlers running off a session's read loop
	handlers sync.WaitGroup
}

// NewServer wires the manager's components together.
func NewServer(cfg *config.ManagerConfig, deps Deps) (*Server, error) {
	if deps.Store == nil || deps.Auth == nil || deps.Blobs == nil {
		return nil, errors.New("store, auth and blobs are required")
	}
	master, err := cfg.Crypto.MasterKeyBytes()
	if err != nil {
		return nil, err
	}
	if deps.Audit == nil {
		deps.Audit = audit.Nop()
	}

	s := &Server{
		cfg:     cfg,
		db:      deps.Store,
		auth:    deps.Auth,
		thumbs:  deps.Thumbnails,
		metrics: deps.Metrics,
		audit:   deps.Audit,
		log:     log.With().Str("component", "coord").Logger(),
		clients: make(map[string]*session),
		sockets: make(map[string]*session),
	}
	if len(master) > 0 {
		if s.signer, err = cipher.NewSigner(master); err != nil {
			return nil, fmt.Errorf("signed downloads: %w", err)
		}
	}

	s.paths = pathcache.New(deps.Store)
	s.locks = locks.New()
	s.booking = booking.New(s.notifyBooking)
	s.uploads = upload.New(deps.Store, s.paths, s.locks, s.booking, upload.Options{
		ChunkSize:         int64(cfg.Upload.ChunkSize),
		MaxRenameAttempts: cfg.Upload.MaxRenameAttempts,
		MaxFileSize:       int64(cfg.Upload.MaxFileSize),
		Audit:             deps.Audit,
		Metrics:           deps.Metrics,
	})

	var thumbs files.Thumbnails
	if deps.Thumbnails != nil {
		thumbs = deps.Thumbnails
	}
	s.files = files.NewService(deps.Store, s.paths, s.locks, thumbs, deps.Audit)
	s.streams = stream.New(deps.Blobs, stream.Config{
		MasterKey:    master,
		DrainTimeout: cfg.Download.DrainTimeout,
	})

	s.setupRoutes()
	return s, nil
}

func (s *Server) setupRoutes() {
	origins := s.cfg.CORS.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}

	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type", "Range"},
		ExposedHeaders: []string{"Content-Disposition", "Content-Length", "Content-Range", "Accept-Ranges", "ETag"},
		MaxAge:         300,
	}))

	r.Get("/health", s.handleHealth)
	r.Get("/ws", s.handleSocket)
	if s.metrics != nil {
		r.Handle("/metrics", metrics.Handler())
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/auth/login", s.handleLogin)
		r.Post("/auth/register", s.handleRegister)
		r.With(s.requireAuth).Post("/auth/password", s.handlePassword)

		r.Group(func(r chi.Router) {
			r.Use(s.requireAuth)
			r.Get("/files/*", s.handleList)
			r.Delete("/files/*", s.handleDeleteFile)
			r.Post("/files/rename", s.handleRenameFile)
			r.Post("/folders", s.handleCreateFolder)
			r.Delete("/folders/*", s.handleDeleteFolder)
			r.Post("/folders/rename", s.handleRenameFolder)
			r.Post("/signed", s.handleCreateSigned)
			r.Post("/bulk", s.handleBulk)
			r.Get("/thumbnails/{fileID}", s.handleThumbnail)
		})

		r.With(s.optionalAuth).Get("/download/*", s.handleDownload)
		r.Get("/signed/{token}", s.handleSigned)
		r.Get("/signed/{token}/meta", s.handleSignedMeta)
	})

	s.router = r
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// MarkReady lets sockets in. Connections that arrive earlier are closed with
// too-early-connection.
func (s *Server) MarkReady() { s.ready.Store(true) }

// Uploads exposes the upload orchestrator.
func (s *Server) Uploads() *upload.Orchestrator { return s.uploads }

// Files exposes the file service.
func (s *Server) Files() *files.Service { return s.files }

// ListenAndServe serves on cfg.Listen until ctx ends, then closes every
// socket and waits for in-flight packet handlers.
func (s *Server) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Listen)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.cfg.Listen, err)
	}
	return s.Serve(ctx, ln)
}

// Serve is ListenAndServe on an existing listener.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s,
		ReadHeaderTimeout: 10 * time.Second,
	}

	collectDone := make(chan struct{})
	collectCtx, stopCollect := context.WithCancel(ctx)
	go func() {
		defer close(collectDone)
		if s.metrics == nil {
			return
		}
		metrics.NewCollector(s.metrics, metrics.CollectorConfig{
			Booking:    s.booking,
			PathCache:  s.paths,
			Locks:      s.locks,
			Streams:    s.streams,
			Thumbnails: s.uploads,
		}).Run(collectCtx, collectInterval)
	}()

	serveErr := make(chan error, 1)
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	s.MarkReady()
	s.log.Info().Str("listen", ln.Addr().String()).Msg("manager listening")

	var err error
	select {
	case <-ctx.Done():
	case err = <-serveErr:
	}

	s.ready.Store(false)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
	s.closeSockets()
	s.handlers.Wait()
	stopCollect()
	<-collectDone
	s.log.Info().Msg("manager stopped")
	return err
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.mu.Lock()
	sockets := len(s.sockets)
	s.mu.Unlock()
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"sockets": sockets,
		"uploads": s.uploads.Active(),
	})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func jsonError(w http.ResponseWriter, message string, code int) {
	writeJSON(w, code, proto.ErrorResponse{
		Error:   http.StatusText(code),
		Code:    code,
		Message: message,
	})
}
