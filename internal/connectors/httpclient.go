// SPDX-FileCopyrightText: 2025 Paulo Almeida <almeidapaulopt@gmail.com>
// SPDX-License-Identifier: MIT

package connectors

import (
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/rs/zerolog"
)

// NewRetryableClient returns an HTTP client for provider REST APIs. Server
// errors and connection failures are retried up to retryMax times.
func NewRetryableClient(log zerolog.Logger, timeout time.Duration, retryMax int) *retryablehttp.Client {
	rc := retryablehttp.NewClient()
	rc.HTTPClient.Timeout = timeout
	rc.RetryMax = retryMax
	rc.RetryWaitMin = 100 * time.Millisecond
	rc.RetryWaitMax = 2 * time.Second
	rc.Logger = leveledLogger{log: log}

	return rc
}

// leveledLogger sends retryablehttp logs to zerolog.
type leveledLogger struct {
	log zerolog.Logger
}

func (l leveledLogger) Error(msg string, kv ...any) { l.log.Error().Fields(kv).Msg(msg) }
func (l leveledLogger) Info(msg string, kv ...any)  { l.log.Debug().Fields(kv).Msg(msg) }
func (l leveledLogger) Debug(msg string, kv ...any) { l.log.Trace().Fields(kv).Msg(msg) }
func (l leveledLogger) Warn(msg string, kv ...any)  { l.log.Warn().Fields(kv).Msg(msg) }
