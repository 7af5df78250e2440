package metric

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/c360/refdata/errors"
)

// DefaultPath is where the Prometheus handler is mounted
const DefaultPath = "/metrics"

// ServerOption configures a Server
type ServerOption func(*Server)

// WithPath mounts the metrics handler somewhere other than /metrics
func WithPath(path string) ServerOption {
	return func(s *Server) {
		if path != "" {
			s.path = path
		}
	}
}

// WithHandler mounts an additional handler, e.g. a health endpoint
func WithHandler(pattern string, h http.Handler) ServerOption {
	return func(s *Server) {
		s.extra[pattern] = h
	}
}

// WithServerLogger sets the logger
func WithServerLogger(logger *slog.Logger) ServerOption {
	return func(s *Server) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithShutdownTimeout bounds the graceful shutdown in Run
func WithShutdownTimeout(d time.Duration) ServerOption {
	return func(s *Server) {
		if d > 0 {
			s.shutdownTimeout = d
		}
	}
}

// Server represents the metrics HTTP server
type Server struct {
	addr            string
	path            string
	registry        *MetricsRegistry
	extra           map[string]http.Handler
	logger          *slog.Logger
	shutdownTimeout time.Duration

	mu       sync.Mutex // protects server and listener
	server   *http.Server
	listener net.Listener
}

// NewServer creates a metrics server for registry listening on addr
func NewServer(addr string, registry *MetricsRegistry, opts ...ServerOption) *Server {
	s := &Server{
		addr:            addr,
		path:            DefaultPath,
		registry:        registry,
		extra:           make(map[string]http.Handler),
		logger:          slog.Default(),
		shutdownTimeout: 5 * time.Second,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("component", "metrics-server")
	return s
}

// Handler returns the server's mux
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.Handle(s.path, promhttp.HandlerFor(
		s.registry.PrometheusRegistry(),
		promhttp.HandlerOpts{EnableOpenMetrics: true},
	))

	patterns := make([]string, 0, len(s.extra))
	for pattern, h := range s.extra {
		mux.Handle(pattern, h)
		patterns = append(patterns, pattern)
	}
	sort.Strings(patterns)

	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "text/html")
		_, _ = fmt.Fprintf(w, "<html>\n<head><title>refdata</title></head>\n<body>\n<h1>refdata</h1>\n")
		_, _ = fmt.Fprintf(w, "<p><a href=\"%s\">%s</a></p>\n", s.path, s.path)
		for _, p := range patterns {
			_, _ = fmt.Fprintf(w, "<p><a href=\"%s\">%s</a></p>\n", p, p)
		}
		_, _ = fmt.Fprint(w, "</body>\n</html>\n")
	})

	return mux
}

// Listen binds the listener without serving, so Addr is known before Run.
func (s *Server) Listen() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.listener != nil {
		return errors.WrapInvalid(errors.ErrAlreadyStarted, "Server", "Listen", "bind "+s.addr)
	}
	if s.registry == nil {
		return errors.WrapInvalid(errors.ErrMissingConfig, "Server", "Listen", "metrics registry not provided")
	}

	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return errors.WrapInvalid(err, "Server", "Listen", "bind "+s.addr)
	}
	s.listener = ln
	s.server = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	return nil
}

// Addr returns the bound address, or the configured one before Listen
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.addr
}

// Run serves until ctx is cancelled, then shuts down gracefully.
// It calls Listen if that has not happened yet.
func (s *Server) Run(ctx context.Context) error {
	s.mu.Lock()
	bound := s.listener != nil
	s.mu.Unlock()
	if !bound {
		if err := s.Listen(); err != nil {
			return err
		}
	}

	s.mu.Lock()
	srv, ln := s.server, s.listener
	s.mu.Unlock()

	serveErr := make(chan error, 1)
	go func() {
		s.logger.Info("Metrics server listening", "addr", ln.Addr().String(), "path", s.path)
		serveErr <- srv.Serve(ln)
	}()

	select {
	case err := <-serveErr:
		s.reset()
		if err != nil && err != http.ErrServerClosed {
			return errors.WrapTransient(err, "Server", "Run", "serve")
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.shutdownTimeout)
	defer cancel()

	err := srv.Shutdown(shutdownCtx)
	<-serveErr
	s.reset()
	if err != nil {
		return errors.WrapTransient(err, "Server", "Run", "shutdown")
	}
	s.logger.Info("Metrics server stopped")
	return nil
}

func (s *Server) reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.server = nil
	s.listener = nil
}
