package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/whookdev/actionproxy/internal/config"
	"github.com/whookdev/actionproxy/internal/endpoint"
	"github.com/whookdev/actionproxy/internal/models"
)

// Service is the action execution service behind /init and /run. InitCode
// and RunCode report controlled failures as *models.Failure.
type Service interface {
	InitCode(ctx context.Context, req *models.Request) (*models.Outcome, error)
	RunCode(ctx context.Context, req *models.Request) (*models.Outcome, error)
	Start(srv *http.Server) error
}

type Server struct {
	httpServer   *http.Server
	initEndpoint endpoint.Endpoint
	runEndpoint  endpoint.Endpoint
	logger       *slog.Logger
}

func New(cfg *config.Config, svc Service, logger *slog.Logger) (*Server, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}
	if svc == nil {
		return nil, fmt.Errorf("service cannot be nil")
	}

	s := &Server{
		logger:       logger.With("component", "server"),
		initEndpoint: endpoint.Wrap("init", svc.InitCode, logger),
		runEndpoint:  endpoint.Wrap("run", svc.RunCode, logger),
	}

	// No read or write timeouts: a slow action holds its request open for
	// as long as the invoker lets it.
	s.httpServer = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:           s.routes(),
		ReadHeaderTimeout: 10 * time.Second,
		ErrorLog:          slog.NewLogLogger(s.logger.Handler(), slog.LevelError),
	}

	return s, nil
}

// HTTPServer returns the underlying server so the execution service can
// attach to its lifecycle.
func (s *Server) HTTPServer() *http.Server {
	return s.httpServer
}

func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

func (s *Server) routes() http.Handler {
	return withRequestLogging(http.HandlerFunc(s.handleRequest), s.logger)
}

func (s *Server) handleRequest(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		endpoint.ReplyError(w, http.StatusUnsupportedMediaType, "Method Not Allowed")
		return
	}

	body, err := decodeBody(w, r)
	if err != nil {
		s.logger.Warn("cannot decode request body",
			"request_id", requestID(r.Context()),
			"error", err)
		if errors.Is(err, errBodyTooLarge) {
			endpoint.ReplyError(w, http.StatusRequestEntityTooLarge, "Request body too large.")
		} else {
			endpoint.ReplyError(w, http.StatusBadRequest, "Invalid JSON body.")
		}
		return
	}

	req := models.NewRequest(requestID(r.Context()), r.Method, r.URL.Path, body)

	// The query string is part of the route: /run?x=1 is not /run.
	switch r.URL.RequestURI() {
	case "/init":
		s.initEndpoint(w, r, req)
	case "/run":
		s.runEndpoint(w, r, req)
	default:
		endpoint.ReplyError(w, http.StatusNotFound, "Not Found")
	}
}

// Start binds the listening port and serves until ctx is cancelled, then
// shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.httpServer.Addr, err)
	}

	serveErr := make(chan error, 1)
	go func() {
		defer close(serveErr)
		s.logger.Info("starting HTTP server", "address", ln.Addr().String())
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()

	select {
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("serving HTTP: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	return s.Shutdown()
}

func (s *Server) Shutdown() error {
	s.logger.Info("shutting down server")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("error shutting down HTTP server: %w", err)
	}

	return nil
}
