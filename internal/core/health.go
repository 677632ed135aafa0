// SPDX-FileCopyrightText: 2025 Paulo Almeida <almeidapaulopt@gmail.com>
// SPDX-License-Identifier: MIT

package core

import (
	"net/http"
	"sync/atomic"

	"github.com/rs/zerolog"
)

// Health serves liveness and readiness endpoints.
type Health struct {
	log   zerolog.Logger
	ready atomic.Bool
}

func NewHealthHandler(s *HTTPServer, log zerolog.Logger) *Health {
	h := &Health{
		log: log.With().Str("module", "health").Logger(),
	}

	s.Get("/health/live", http.HandlerFunc(h.live))
	s.Get("/health/ready", http.HandlerFunc(h.readiness))

	return h
}

func (h *Health) SetReady() {
	h.ready.Store(true)
	h.log.Info().Msg("Ready")
}

func (h *Health) SetNotReady() {
	h.ready.Store(false)
	h.log.Info().Msg("Not ready")
}

func (h *Health) live(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

func (h *Health) readiness(w http.ResponseWriter, _ *http.Request) {
	if !h.ready.Load() {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("NOT READY"))
		return
	}

	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}
