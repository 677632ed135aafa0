// SPDX-FileCopyrightText: 2025 Paulo Almeida <almeidapaulopt@gmail.com>
// SPDX-License-Identifier: MIT

package certmanager

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"errors"
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/yichenchong/proxyfleet/internal/config"
	"github.com/yichenchong/proxyfleet/internal/consts"
	"github.com/yichenchong/proxyfleet/internal/core"
	"github.com/yichenchong/proxyfleet/internal/model"
)

type (
	// Issuer mints connector certificates signed by a per-project CA.
	Issuer struct {
		log zerolog.Logger
		now func() time.Time

		dir           string
		caValidity    time.Duration
		proxyValidity time.Duration

		authorities map[string]*authority
		mtx         sync.Mutex
	}

	authority struct {
		cert    *x509.Certificate
		key     *ecdsa.PrivateKey
		certPEM []byte
	}
)

var ErrInvalidCA = errors.New("invalid CA")

func NewIssuer(log zerolog.Logger, cfg config.CertificatesConfig) *Issuer {
	return &Issuer{
		log:           log.With().Str("module", "issuer").Logger(),
		now:           time.Now,
		dir:           cfg.Dir,
		caValidity:    cfg.CAValidity,
		proxyValidity: cfg.ProxyValidity,
		authorities:   make(map[string]*authority),
	}
}

// Issue returns a new leaf certificate for commonName, signed by the CA of
// projectID. The CA is created on first use.
func (i *Issuer) Issue(projectID, commonName string) (*model.Certificate, error) {
	ca, err := i.authority(projectID)
	if err != nil {
		return nil, err
	}

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generating key: %w", err)
	}

	now := i.now()
	tmpl := &x509.Certificate{
		SerialNumber: serial(),
		Subject:      pkix.Name{CommonName: commonName, Organization: []string{core.AppName}},
		DNSNames:     []string{commonName},
		NotBefore:    now.Add(-time.Minute),
		NotAfter:     now.Add(i.proxyValidity),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
	}

	der, err := x509.CreateCertificate(rand.Reader, tmpl, ca.cert, &key.PublicKey, ca.key)
	if err != nil {
		return nil, fmt.Errorf("signing certificate: %w", err)
	}

	keyPEM, err := encodeKey(key)
	if err != nil {
		return nil, err
	}

	i.log.Info().Str("project", projectID).Str("cn", commonName).Time("notAfter", tmpl.NotAfter).Msg("Certificate issued")

	return &model.Certificate{
		Cert:      string(pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})),
		Key:       string(keyPEM),
		ExpiresAt: tmpl.NotAfter.UnixMilli(),
	}, nil
}

// CA returns the PEM certificate of the project CA.
func (i *Issuer) CA(projectID string) (string, error) {
	ca, err := i.authority(projectID)
	if err != nil {
		return "", err
	}

	return string(ca.certPEM), nil
}

func (i *Issuer) authority(projectID string) (*authority, error) {
	i.mtx.Lock()
	defer i.mtx.Unlock()

	if ca, ok := i.authorities[projectID]; ok {
		return ca, nil
	}

	ca, err := i.loadAuthority(projectID)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}

	if ca == nil {
		if ca, err = i.newAuthority(projectID); err != nil {
			return nil, err
		}
	}

	i.authorities[projectID] = ca

	return ca, nil
}

func (i *Issuer) newAuthority(projectID string) (*authority, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generating CA key: %w", err)
	}

	now := i.now()
	tmpl := &x509.Certificate{
		SerialNumber:          serial(),
		Subject:               pkix.Name{CommonName: core.AppName + " CA " + projectID, Organization: []string{core.AppName}},
		NotBefore:             now.Add(-time.Minute),
		NotAfter:              now.Add(i.caValidity),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign,
		BasicConstraintsValid: true,
		IsCA:                  true,
		MaxPathLenZero:        true,
	}

	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		return nil, fmt.Errorf("creating CA: %w", err)
	}

	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, err
	}

	ca := &authority{
		cert:    cert,
		key:     key,
		certPEM: pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}),
	}

	if err := i.saveAuthority(projectID, ca); err != nil {
		return nil, err
	}

	i.log.Info().Str("project", projectID).Msg("Project CA created")

	return ca, nil
}

func (i *Issuer) caFiles(projectID string) (string, string) {
	base := filepath.Join(i.dir, filepath.Base(projectID))
	return base + ".crt", base + ".key"
}

func (i *Issuer) loadAuthority(projectID string) (*authority, error) {
	if i.dir == "" {
		return nil, os.ErrNotExist
	}

	certFile, keyFile := i.caFiles(projectID)
	pair, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		if _, statErr := os.Stat(certFile); errors.Is(statErr, os.ErrNotExist) {
			return nil, os.ErrNotExist
		}
		return nil, fmt.Errorf("%w: %w", ErrInvalidCA, err)
	}

	key, ok := pair.PrivateKey.(*ecdsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("%w: key is not ECDSA", ErrInvalidCA)
	}

	cert, err := x509.ParseCertificate(pair.Certificate[0])
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidCA, err)
	}

	certPEM, err := os.ReadFile(certFile)
	if err != nil {
		return nil, err
	}

	return &authority{cert: cert, key: key, certPEM: certPEM}, nil
}

func (i *Issuer) saveAuthority(projectID string, ca *authority) error {
	if i.dir == "" {
		return nil
	}

	if err := os.MkdirAll(i.dir, consts.PermOwnerAll); err != nil {
		return fmt.Errorf("creating CA directory: %w", err)
	}

	keyPEM, err := encodeKey(ca.key)
	if err != nil {
		return err
	}

	certFile, keyFile := i.caFiles(projectID)
	if err := os.WriteFile(keyFile, keyPEM, consts.PermOwnerWrite|0o400); err != nil {
		return err
	}

	return os.WriteFile(certFile, ca.certPEM, consts.PermAllRead|consts.PermOwnerWrite)
}

func encodeKey(key *ecdsa.PrivateKey) ([]byte, error) {
	der, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		return nil, fmt.Errorf("encoding key: %w", err)
	}

	return pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: der}), nil
}

func serial() *big.Int {
	n, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 127))
	if err != nil {
		return big.NewInt(time.Now().UnixNano())
	}

	return n
}
