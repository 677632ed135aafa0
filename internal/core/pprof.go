// SPDX-FileCopyrightText: 2025 Paulo Almeida <almeidapaulopt@gmail.com>
// SPDX-License-Identifier: MIT

package core

import (
	"net/http"
	"net/http/pprof"
)

func PprofAddRoutes(s *HTTPServer) {
	s.Get("/debug/pprof/", http.HandlerFunc(pprof.Index))
	s.Get("/debug/pprof/cmdline", http.HandlerFunc(pprof.Cmdline))
	s.Get("/debug/pprof/profile", http.HandlerFunc(pprof.Profile))
	s.Get("/debug/pprof/symbol", http.HandlerFunc(pprof.Symbol))
	s.Get("/debug/pprof/trace", http.HandlerFunc(pprof.Trace))
	s.Get("/debug/pprof/{profile}", http.HandlerFunc(pprof.Index))
}
