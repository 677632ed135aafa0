// SPDX-FileCopyrightText: 2025 Paulo Almeida <almeidapaulopt@gmail.com>
// SPDX-License-Identifier: MIT

// Package fingerprint checks that proxies reach the outside world and
// records the identity they expose.
package fingerprint

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/Jigsaw-Code/outline-sdk/x/configurl"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/net/proxy"

	"github.com/yichenchong/proxyfleet/internal/config"
	"github.com/yichenchong/proxyfleet/internal/connectors"
	"github.com/yichenchong/proxyfleet/internal/core"
	"github.com/yichenchong/proxyfleet/internal/model"
)

const maxBodySize = 1 << 20

type (
	// Payload is reported to the fingerprint service with every probe.
	Payload struct {
		InstallID     string
		Mode          model.FingerprintMode
		ConnectorType string
		ProxyID       string
		Requests      int64
		BytesReceived int64
		BytesSent     int64
	}

	// Prober requests the fingerprint endpoint through a proxy.
	Prober struct {
		log    zerolog.Logger
		tracer trace.Tracer

		url               string
		userAgent         string
		followRedirectMax int
		retryMax          int
		timeout           time.Duration
	}
)

var (
	ErrRedirectLoop      = errors.New("cannot redirect to same location")
	ErrTooManyRedirects  = errors.New("too many redirects")
	ErrNoProxyAddress    = errors.New("proxy has no address")
	ErrUnsupportedDialer = errors.New("socks5 dialer does not support contexts")
)

func NewProber(log zerolog.Logger, cfg config.FingerprintConfig) *Prober {
	return &Prober{
		log:               log.With().Str("module", "fingerprint").Logger(),
		tracer:            core.Tracer("fingerprint"),
		url:               cfg.URL,
		userAgent:         core.AppName + "/" + core.GetVersion(),
		followRedirectMax: cfg.FollowRedirectMax,
		retryMax:          cfg.RetryMax,
		timeout:           cfg.Timeout,
	}
}

// Fingerprint probes the fingerprint service through p.
func (pr *Prober) Fingerprint(ctx context.Context, p *model.Proxy, payload Payload) (fp *model.Fingerprint, err error) {
	ctx, span := core.StartSpan(ctx, pr.tracer, "fingerprint.probe",
		"proxy.id", p.ID, "proxy.transport", p.TransportType)
	defer func() { core.EndSpan(span, err) }()

	client, err := pr.Client(p)
	if err != nil {
		return nil, err
	}
	defer client.CloseIdleConnections()

	return pr.fingerprint(ctx, client, pr.url, payload, pr.followRedirectMax, pr.retryMax)
}

func (pr *Prober) fingerprint(ctx context.Context, client *http.Client, target string,
	payload Payload, redirects, retries int,
) (*model.Fingerprint, error) {
	fp, location, err := pr.request(ctx, client, target, payload)
	if err == nil && location == "" {
		return fp, nil
	}

	if location != "" {
		if location == target {
			return nil, ErrRedirectLoop
		}
		if redirects <= 0 {
			return nil, ErrTooManyRedirects
		}

		return pr.fingerprint(ctx, client, location, payload, redirects-1, retries)
	}

	if retries > 0 && ctx.Err() == nil {
		pr.log.Trace().Err(err).Str("proxy", payload.ProxyID).Int("retries", retries).Msg("Retrying fingerprint")
		return pr.fingerprint(ctx, client, target, payload, redirects, retries-1)
	}

	return nil, err
}

// request returns either a fingerprint or the location of a redirect.
func (pr *Prober) request(ctx context.Context, client *http.Client, target string, payload Payload) (*model.Fingerprint, string, error) {
	u, err := url.Parse(target)
	if err != nil {
		return nil, "", fmt.Errorf("invalid url: %w", err)
	}

	q := u.Query()
	q.Set("version", "2")
	q.Set("installId", payload.InstallID)
	q.Set("mode", string(payload.Mode))
	q.Set("connectorType", payload.ConnectorType)
	q.Set("proxyId", payload.ProxyID)
	q.Set("requests", strconv.FormatInt(payload.Requests, 10))
	q.Set("bytesReceived", strconv.FormatInt(payload.BytesReceived, 10))
	q.Set("bytesSent", strconv.FormatInt(payload.BytesSent, 10))
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, "", err
	}
	req.Header.Set("User-Agent", pr.userAgent)

	resp, err := client.Do(req)
	if err != nil {
		return nil, "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode > 300 && resp.StatusCode < 400 {
		if loc := resp.Header.Get("Location"); loc != "" {
			next, err := u.Parse(loc)
			if err != nil {
				return nil, "", fmt.Errorf("invalid redirect location %q: %w", loc, err)
			}
			// compare without the probe parameters
			next.RawQuery = stripPayload(next.Query()).Encode()
			return nil, next.String(), nil
		}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		return nil, "", err
	}

	if resp.StatusCode != http.StatusOK {
		return nil, "", fmt.Errorf("get %d status code: %s", resp.StatusCode, body)
	}

	fp := &model.Fingerprint{}
	if err := json.Unmarshal(body, fp); err != nil {
		return nil, "", fmt.Errorf("decoding fingerprint: %w", err)
	}

	return fp, "", nil
}

func stripPayload(q url.Values) url.Values {
	for _, k := range []string{"version", "installId", "mode", "connectorType", "proxyId", "requests", "bytesReceived", "bytesSent"} {
		q.Del(k)
	}
	return q
}

// Client returns an HTTP client whose connections go through p.
func (pr *Prober) Client(p *model.Proxy) (*http.Client, error) {
	cfg, err := p.TransportConfig()
	if err != nil {
		return nil, fmt.Errorf("proxy %s transport config: %w", p.ID, err)
	}

	transport, err := pr.transport(p.TransportType, cfg)
	if err != nil {
		return nil, err
	}

	return &http.Client{
		Transport: transport,
		Timeout:   pr.timeout,
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}, nil
}

func (pr *Prober) transport(kind string, cfg *model.ProxyTransportConfig) (*http.Transport, error) {
	if cfg.Transport != "" || kind == connectors.TransportOutline {
		dialer, err := configurl.NewDefaultConfigToDialer().NewStreamDialer(cfg.Transport)
		if err != nil {
			return nil, fmt.Errorf("could not create dialer: %w", err)
		}

		return &http.Transport{
			DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
				if !strings.HasPrefix(network, "tcp") {
					return nil, fmt.Errorf("protocol not supported: %v", network)
				}
				return dialer.DialStream(ctx, addr)
			},
		}, nil
	}

	if cfg.Address == nil {
		return nil, ErrNoProxyAddress
	}
	addr := net.JoinHostPort(cfg.Address.Hostname, strconv.Itoa(cfg.Address.Port))

	if kind == connectors.TransportSocks5 {
		var auth *proxy.Auth
		if cfg.Auth != nil {
			auth = &proxy.Auth{User: cfg.Auth.Username, Password: cfg.Auth.Password}
		}

		dialer, err := proxy.SOCKS5("tcp", addr, auth, &net.Dialer{Timeout: pr.timeout})
		if err != nil {
			return nil, fmt.Errorf("failed to create SOCKS5 dialer: %w", err)
		}
		cd, ok := dialer.(proxy.ContextDialer)
		if !ok {
			return nil, ErrUnsupportedDialer
		}

		return &http.Transport{DialContext: cd.DialContext}, nil
	}

	u := &url.URL{Scheme: "http", Host: addr}
	if cfg.Auth != nil {
		u.User = url.UserPassword(cfg.Auth.Username, cfg.Auth.Password)
	}

	t := &http.Transport{
		Proxy:               http.ProxyURL(u),
		TLSHandshakeTimeout: pr.timeout / 2,
	}

	if cfg.Certificate != nil {
		pair, err := tls.X509KeyPair([]byte(cfg.Certificate.Cert), []byte(cfg.Certificate.Key))
		if err != nil {
			return nil, fmt.Errorf("proxy certificate: %w", err)
		}
		u.Scheme = "https"
		// the proxy presents a certificate of the project CA, not a public one
		t.TLSClientConfig = &tls.Config{
			Certificates:       []tls.Certificate{pair},
			InsecureSkipVerify: true, //nolint:gosec
		}
	}

	return t, nil
}
