// SPDX-FileCopyrightText: 2025 Paulo Almeida <almeidapaulopt@gmail.com>
// SPDX-License-Identifier: MIT

package certmanager

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/crypto/acme"
	"golang.org/x/crypto/acme/autocert"

	"github.com/yichenchong/proxyfleet/internal/config"
	"github.com/yichenchong/proxyfleet/internal/consts"
)

// CertManager serves the API over TLS with Let's Encrypt certificates.
type CertManager struct {
	log         zerolog.Logger
	config      config.LetsEncryptConfig
	certManager *autocert.Manager
}

func NewCertManager(log zerolog.Logger, cfg config.LetsEncryptConfig) (*CertManager, error) {
	cacheDir := cfg.CacheDir
	if _, err := os.Stat(cacheDir); os.IsNotExist(err) {
		if err := os.MkdirAll(cacheDir, consts.PermOwnerAll); err != nil {
			return nil, fmt.Errorf("creating cert cache directory: %w", err)
		}
	}

	m := &autocert.Manager{
		Cache:      autocert.DirCache(cacheDir),
		Prompt:     autocert.AcceptTOS,
		HostPolicy: hostPolicy(cfg.DomainName),
		Client: &acme.Client{
			DirectoryURL: acme.LetsEncryptURL,
		},
	}

	return &CertManager{
		log:         log.With().Str("module", "certmanager").Logger(),
		config:      cfg,
		certManager: m,
	}, nil
}

func hostPolicy(domainName string) autocert.HostPolicy {
	return func(_ context.Context, host string) error {
		if host == domainName {
			return nil
		}
		return fmt.Errorf("disallowed host: %s", host)
	}
}

func (cm *CertManager) GetCertificate(hello *tls.ClientHelloInfo) (*tls.Certificate, error) {
	return cm.certManager.GetCertificate(hello)
}

// GetTLSConfig returns a TLS configuration that uses Let's Encrypt certificates.
func (cm *CertManager) GetTLSConfig() *tls.Config {
	return &tls.Config{
		GetCertificate: cm.GetCertificate,
		NextProtos:     []string{"h2", "http/1.1", acme.ALPNProto},
		MinVersion:     tls.VersionTLS12,
	}
}

// HTTPHandler answers ACME http-01 challenges and passes everything else
// to fallback.
func (cm *CertManager) HTTPHandler(fallback http.Handler) http.Handler {
	return cm.certManager.HTTPHandler(fallback)
}

// StartRenewalProcess asks for the certificate once a day so autocert
// renews it before it expires.
func (cm *CertManager) StartRenewalProcess(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(24 * time.Hour)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				cm.log.Info().Msg("Certificate renewal process stopped.")
				return
			case <-ticker.C:
				cm.log.Info().Msg("Checking certificate expiry...")

				cert, err := cm.certManager.GetCertificate(&tls.ClientHelloInfo{ServerName: cm.config.DomainName})
				if err != nil {
					cm.log.Error().Err(err).Msg("Error renewing certificate")
					continue
				}
				if cert.Leaf != nil {
					cm.log.Info().Time("notAfter", cert.Leaf.NotAfter).Msg("Certificate is valid")
				}
			}
		}
	}()
}

// Listen opens a TLS listener on hostname:port.
func (cm *CertManager) Listen(hostname string, port uint16) (net.Listener, error) {
	addr := fmt.Sprintf("%s:%d", hostname, port)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listening on %s: %w", addr, err)
	}

	return tls.NewListener(listener, cm.GetTLSConfig()), nil
}
