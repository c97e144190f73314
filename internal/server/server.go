package server

import (
	"context"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/parley-dev/parley/internal/command"
	"github.com/parley-dev/parley/internal/config"
	"github.com/parley-dev/parley/internal/terminal"
)

// portScanRange is how many ports above the configured base we try before
// giving up. Running out is fatal at startup; nothing retries at runtime.
const portScanRange = 100

type Server struct {
	cfg      *config.Config
	router   *chi.Mux
	server   *http.Server
	listener net.Listener
	resolver *command.Resolver
	detector *terminal.Detector
	conns    *registry
}

func New(cfg *config.Config) (*Server, error) {
	detector, err := terminal.NewDetector(cfg.Agent.PromptPatterns...)
	if err != nil {
		return nil, fmt.Errorf("prompt detector: %w", err)
	}

	s := &Server{
		cfg:      cfg,
		router:   chi.NewRouter(),
		resolver: command.NewResolver(cfg.Agent.CommandsDir),
		detector: detector,
		conns:    newRegistry(),
	}

	s.setupRoutes()
	return s, nil
}

func (s *Server) setupRoutes() {
	s.router.Use(middleware.Recoverer)

	s.router.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	})

	s.router.Get("/ws", s.handleWS)

	// Built browser client.
	s.router.Get("/*", s.handleUI)
}

// handleUI serves the client build directory, falling back to index.html
// for paths without a file so client-side routing works.
func (s *Server) handleUI(w http.ResponseWriter, r *http.Request) {
	dir := s.cfg.Server.UIDir

	rel := strings.TrimPrefix(r.URL.Path, "/")
	if rel == "" {
		rel = "index.html"
	}
	path := filepath.Join(dir, filepath.Clean("/"+rel))
	if info, err := os.Stat(path); err != nil || info.IsDir() {
		path = filepath.Join(dir, "index.html")
	}
	http.ServeFile(w, r, path)
}

// Listen binds the first free port at or above the configured one and
// returns the server's base URL. Call before Serve.
func (s *Server) Listen() (string, error) {
	host := s.cfg.Server.Host
	base := s.cfg.Server.Port
	for port := base; port < base+portScanRange; port++ {
		ln, err := net.Listen("tcp", net.JoinHostPort(host, strconv.Itoa(port)))
		if err != nil {
			continue
		}
		s.listener = ln
		return "http://" + ln.Addr().String(), nil
	}
	return "", fmt.Errorf("no free port in range %d-%d on %s", base, base+portScanRange-1, host)
}

// Serve runs the HTTP server on the listener from Listen. Blocks until
// Shutdown or a listener error.
func (s *Server) Serve() error {
	if s.listener == nil {
		return fmt.Errorf("serve called before listen")
	}
	s.server = &http.Server{Handler: s.router}
	if err := s.server.Serve(s.listener); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	log.Printf("shutting down")
	return s.server.Shutdown(ctx)
}

// Router exposes the handler for tests.
func (s *Server) Router() http.Handler {
	return s.router
}
