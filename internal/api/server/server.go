package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"

	"go.uber.org/zap"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"
	"golang.org/x/sync/errgroup"

	"github.com/remiblancher/qsign/internal/api/router"
)

// Server represents the HTTP server(s).
type Server struct {
	cfg     *Config
	routes  router.Config
	log     *zap.Logger
	servers []*http.Server
}

// New creates a new Server. routes supplies the handlers; its Services
// field is overwritten per listener.
func New(cfg *Config, routes router.Config, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	routes.Logger = log
	return &Server{cfg: cfg, routes: routes, log: log}
}

// Run starts the HTTP server(s) and blocks until ctx is done or a listener
// fails, then shuts everything down.
func (s *Server) Run(ctx context.Context) error {
	for _, l := range s.cfg.Listeners() {
		s.add(l.Addr, l.Services)
	}
	if len(s.servers) == 0 {
		return errors.New("no service enabled")
	}

	listeners := make([]net.Listener, len(s.servers))
	for i, srv := range s.servers {
		ln, err := net.Listen("tcp", srv.Addr)
		if err != nil {
			for _, l := range listeners[:i] {
				_ = l.Close()
			}
			return fmt.Errorf("listen %s: %w", srv.Addr, err)
		}
		listeners[i] = ln
	}
	return s.serve(ctx, listeners)
}

// Serve runs the configured services on an existing listener. Used by
// tests and by callers that manage sockets themselves.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.add(ln.Addr().String(), s.cfg.Services)
	return s.serve(ctx, []net.Listener{ln})
}

func (s *Server) add(addr string, services []string) {
	routes := s.routes
	routes.Services = services
	var handler http.Handler = router.New(&routes)
	tls := s.cfg.TLS()
	if s.cfg.H2C && !tls {
		handler = h2c.NewHandler(handler, &http2.Server{IdleTimeout: s.cfg.IdleTimeout})
	}
	s.servers = append(s.servers, &http.Server{
		Addr:         addr,
		Handler:      handler,
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
		IdleTimeout:  s.cfg.IdleTimeout,
		ErrorLog:     zap.NewStdLog(s.log),
	})
	s.log.Info("listener configured",
		zap.String("address", addr),
		zap.Strings("services", services),
		zap.Bool("tls", tls),
		zap.Bool("h2c", s.cfg.H2C && !tls),
	)
}

func (s *Server) serve(ctx context.Context, listeners []net.Listener) error {
	g, gctx := errgroup.WithContext(ctx)
	for i, srv := range s.servers {
		ln := listeners[i]
		g.Go(func() error {
			var err error
			if s.cfg.TLS() {
				err = srv.ServeTLS(ln, s.cfg.TLSCert, s.cfg.TLSKey)
			} else {
				err = srv.Serve(ln)
			}
			if errors.Is(err, http.ErrServerClosed) {
				return nil
			}
			return fmt.Errorf("server %s: %w", srv.Addr, err)
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		return s.shutdownAll()
	})
	err := g.Wait()
	s.log.Info("all servers stopped")
	return err
}

// shutdownAll gracefully shuts down all servers.
func (s *Server) shutdownAll() error {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()

	var errs []error
	for _, srv := range s.servers {
		if err := srv.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("shutdown %s: %w", srv.Addr, err))
		}
	}
	return errors.Join(errs...)
}
