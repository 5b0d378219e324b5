// Package httputil wraps the auxiliary HTTP endpoints of the node:
// metrics and profiling.
package httputil

import (
	"context"
	"errors"
	"net/http"
	"net/http/pprof"
	"time"
)

// Prm groups the required parameters of the Server's constructor.
type Prm struct {
	// TCP address for the server to listen on.
	Address string

	// Handler to serve. Must not be nil.
	Handler http.Handler
}

// Server is a wrapper over http.Server with a bounded graceful
// shutdown.
type Server struct {
	shutdownTimeout time.Duration

	srv *http.Server
}

// Option is an option of the Server's constructor.
type Option func(*cfg)

type cfg struct {
	shutdownTimeout time.Duration
}

// WithShutdownTimeout returns option to set the graceful shutdown
// bound.
func WithShutdownTimeout(d time.Duration) Option {
	return func(c *cfg) {
		c.shutdownTimeout = d
	}
}

// New creates a Server instance.
func New(prm Prm, opts ...Option) *Server {
	c := &cfg{
		shutdownTimeout: 30 * time.Second,
	}

	for i := range opts {
		opts[i](c)
	}

	return &Server{
		shutdownTimeout: c.shutdownTimeout,
		srv: &http.Server{
			Addr:    prm.Address,
			Handler: prm.Handler,
		},
	}
}

// Serve listens and serves the wrapped server. A shutdown-induced
// close is not an error.
func (x *Server) Serve() error {
	err := x.srv.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		err = nil
	}
	return err
}

// Shutdown gracefully shuts the server down, waiting at most the
// configured timeout. The server may not be reused afterwards.
func (x *Server) Shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), x.shutdownTimeout)
	defer cancel()

	return x.srv.Shutdown(ctx)
}

// Handler returns the profiling handler tree.
func Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/debug/pprof/", pprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", pprof.Trace)

	return mux
}
