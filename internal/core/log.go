// SPDX-FileCopyrightText: 2025 Paulo Almeida <almeidapaulopt@gmail.com>
// SPDX-License-Identifier: MIT

package core

import (
	"bufio"
	"errors"
	"net"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/yichenchong/proxyfleet/internal/config"
	"github.com/yichenchong/proxyfleet/internal/consts"
)

var ErrHijackNotSupported = errors.New("hijack not supported")

// NewLog builds the root logger from the log configuration.
func NewLog(cfg config.LogConfig) zerolog.Logger {
	var logger zerolog.Logger

	if cfg.JSON {
		logger = zerolog.New(os.Stderr).With().Timestamp().Logger()
	} else {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}

	logLevel, err := zerolog.ParseLevel(cfg.Level)
	if err != nil {
		logger.Fatal().Err(err).Msg("Could not parse log level")
	}

	if logLevel == zerolog.DebugLevel || logLevel == zerolog.TraceLevel {
		logger = logger.With().Caller().Logger()
	}

	log.Logger = logger
	zerolog.SetGlobalLevel(logLevel)
	logger.Info().Str("level", cfg.Level).Bool("json", cfg.JSON).Msg("Logger ready")

	return logger
}

// LogRecord wraps a http.ResponseWriter and records the status.
type LogRecord struct {
	err error
	http.ResponseWriter
	status int
}

// WriteHeader overrides ResponseWriter.WriteHeader to keep track of the response code.
func (r *LogRecord) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (r *LogRecord) Write(data []byte) (int, error) {
	n, err := r.ResponseWriter.Write(data)
	if err != nil {
		r.err = err
	}

	return n, err
}

func (r *LogRecord) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, ErrHijackNotSupported
	}
	return h.Hijack()
}

func (r *LogRecord) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// LoggerMiddleware logs every request with its request id. Failed requests
// are logged at error level, health probes at trace level.
func LoggerMiddleware(l zerolog.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		lw := &LogRecord{
			ResponseWriter: w,
			status:         http.StatusOK,
		}

		start := time.Now()
		next.ServeHTTP(lw, r)

		var ev *zerolog.Event
		switch {
		case lw.status >= http.StatusInternalServerError:
			ev = l.Error().Err(lw.err)
		case lw.status >= http.StatusBadRequest:
			ev = l.Warn().Err(lw.err)
		case strings.HasPrefix(r.URL.Path, "/health/"):
			ev = l.Trace()
		default:
			ev = l.Debug()
		}

		ev.Int("status", lw.status).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Str("client", r.RemoteAddr).
			Str("request_id", r.Header.Get(consts.HeaderRequestID)).
			Dur("duration", time.Since(start)).
			Msg("request")
	})
}
