// SPDX-FileCopyrightText: 2025 Paulo Almeida <almeidapaulopt@gmail.com>
// SPDX-License-Identifier: MIT

package core

import (
	"context"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/yichenchong/proxyfleet/internal/consts"
)

const ReadHeaderTimeout = 5 * time.Second

type (
	Middleware func(http.Handler) http.Handler

	// HTTPServer is a small router over http.ServeMux with middlewares.
	HTTPServer struct {
		Log         zerolog.Logger
		Mux         *http.ServeMux
		server      *http.Server
		middlewares []Middleware
	}
)

func NewHTTPServer(log zerolog.Logger) *HTTPServer {
	return &HTTPServer{
		Log: log.With().Str("module", "http").Logger(),
		Mux: http.NewServeMux(),
	}
}

// Use adds a middleware applied to every route.
func (s *HTTPServer) Use(mw Middleware) {
	s.middlewares = append(s.middlewares, mw)
}

func (s *HTTPServer) Get(pattern string, h http.Handler) {
	s.Handle(http.MethodGet, pattern, h)
}

func (s *HTTPServer) Post(pattern string, h http.Handler) {
	s.Handle(http.MethodPost, pattern, h)
}

func (s *HTTPServer) Put(pattern string, h http.Handler) {
	s.Handle(http.MethodPut, pattern, h)
}

func (s *HTTPServer) Delete(pattern string, h http.Handler) {
	s.Handle(http.MethodDelete, pattern, h)
}

func (s *HTTPServer) Handle(method, pattern string, h http.Handler) {
	s.Mux.Handle(method+" "+pattern, h)
}

// Handler returns the mux wrapped by all middlewares and the request logger.
func (s *HTTPServer) Handler() http.Handler {
	var h http.Handler = s.Mux
	for i := len(s.middlewares) - 1; i >= 0; i-- {
		h = s.middlewares[i](h)
	}

	return LoggerMiddleware(s.Log, h)
}

// StartServer blocks serving srv with the router as handler.
func (s *HTTPServer) StartServer(srv *http.Server) error {
	if srv.Handler == nil {
		srv.Handler = s.Handler()
	}
	s.server = srv

	s.Log.Info().Str("address", srv.Addr).Msg("WebServer listening")

	return srv.ListenAndServe()
}

func (s *HTTPServer) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}

	return s.server.Shutdown(ctx)
}

// RequestIDMiddleware makes sure every request carries an id.
func RequestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(consts.HeaderRequestID)
		if id == "" {
			id = uuid.NewString()
			r.Header.Set(consts.HeaderRequestID, id)
		}
		w.Header().Set(consts.HeaderRequestID, id)

		next.ServeHTTP(w, r)
	})
}
