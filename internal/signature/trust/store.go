// Package trust holds the ICP-Brasil certificate authorities used to verify
// NFe signatures and the authorities' TLS endpoints.
package trust

import (
	"context"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// TrustStore manages trusted CA certificates and revocation checking
type TrustStore struct {
	roots         *x509.CertPool
	rootCerts     []*x509.Certificate
	intermediates *x509.CertPool
	ocspCache     *OCSPCache
	ocspTimeout   time.Duration
	ocspClient    *http.Client
	softFail      bool
	err           error
}

// TrustStoreOption configures a TrustStore
type TrustStoreOption func(*TrustStore)

// NewTrustStore creates a trust store. Without options it trusts nothing;
// use WithSystemRoots and WithBundle to populate it.
func NewTrustStore(opts ...TrustStoreOption) (*TrustStore, error) {
	store := NewEmptyTrustStore(opts...)
	if store.err != nil {
		return nil, store.err
	}
	return store, nil
}

// NewEmptyTrustStore creates a trust store, ignoring option errors
func NewEmptyTrustStore(opts ...TrustStoreOption) *TrustStore {
	store := &TrustStore{
		roots:         x509.NewCertPool(),
		rootCerts:     make([]*x509.Certificate, 0),
		intermediates: x509.NewCertPool(),
		ocspCache:     NewOCSPCache(DefaultOCSPCacheTTL),
		ocspTimeout:   DefaultOCSPTimeout,
		ocspClient:    http.DefaultClient,
	}

	for _, opt := range opts {
		opt(store)
	}

	return store
}

// WithSystemRoots starts from the operating system pool
func WithSystemRoots() TrustStoreOption {
	return func(s *TrustStore) {
		pool, err := x509.SystemCertPool()
		if err != nil {
			s.fail(fmt.Errorf("load system roots: %w", err))
			return
		}
		for _, c := range s.rootCerts {
			pool.AddCert(c)
		}
		s.roots = pool
	}
}

// WithBundle loads PEM certificates from a file, or every .pem/.crt/.cer
// file of a directory. Self-signed certificates become roots, the rest
// intermediates. The ICP-Brasil chain is distributed this way.
func WithBundle(path string) TrustStoreOption {
	return func(s *TrustStore) {
		if path == "" {
			return
		}
		files, err := bundleFiles(path)
		if err != nil {
			s.fail(err)
			return
		}
		for _, f := range files {
			data, err := os.ReadFile(f)
			if err != nil {
				s.fail(fmt.Errorf("read bundle %s: %w", f, err))
				return
			}
			if err := s.AddCertificatesFromPEM(data); err != nil {
				s.fail(fmt.Errorf("bundle %s: %w", f, err))
				return
			}
		}
	}
}

// WithSoftFail makes OCSP failures non-fatal
func WithSoftFail() TrustStoreOption {
	return func(s *TrustStore) {
		s.softFail = true
	}
}

// WithOCSPTimeout sets the timeout for OCSP requests
func WithOCSPTimeout(d time.Duration) TrustStoreOption {
	return func(s *TrustStore) {
		s.ocspTimeout = d
	}
}

// WithOCSPCacheTTL sets the TTL for OCSP cache entries
func WithOCSPCacheTTL(d time.Duration) TrustStoreOption {
	return func(s *TrustStore) {
		s.ocspCache = NewOCSPCache(d)
	}
}

// WithOCSPClient sets the HTTP client used for OCSP queries
func WithOCSPClient(c *http.Client) TrustStoreOption {
	return func(s *TrustStore) {
		s.ocspClient = c
	}
}

func (s *TrustStore) fail(err error) {
	if s.err == nil {
		s.err = err
	}
}

func bundleFiles(path string) ([]string, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("trust bundle: %w", err)
	}
	if !info.IsDir() {
		return []string{path}, nil
	}
	entries, err := os.ReadDir(path)
	if err != nil {
		return nil, fmt.Errorf("trust bundle: %w", err)
	}
	var files []string
	for _, e := range entries {
		switch strings.ToLower(filepath.Ext(e.Name())) {
		case ".pem", ".crt", ".cer":
			files = append(files, filepath.Join(path, e.Name()))
		}
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("trust bundle %s: no certificate files", path)
	}
	return files, nil
}

// AddCertificate trusts a root certificate
func (s *TrustStore) AddCertificate(cert *x509.Certificate) {
	if cert != nil {
		s.roots.AddCert(cert)
		s.rootCerts = append(s.rootCerts, cert)
	}
}

// AddIntermediate registers a CA certificate usable for chain building
func (s *TrustStore) AddIntermediate(cert *x509.Certificate) {
	if cert != nil {
		s.intermediates.AddCert(cert)
	}
}

// AddCertificatesFromPEM parses PEM data and files each certificate as a
// root or an intermediate.
func (s *TrustStore) AddCertificatesFromPEM(pemData []byte) error {
	var added int
	for {
		block, rest := pem.Decode(pemData)
		if block == nil {
			break
		}
		if block.Type == "CERTIFICATE" {
			cert, err := x509.ParseCertificate(block.Bytes)
			if err != nil {
				return fmt.Errorf("failed to parse certificate: %w", err)
			}
			if isSelfSigned(cert) {
				s.AddCertificate(cert)
			} else {
				s.AddIntermediate(cert)
			}
			added++
		}
		pemData = rest
	}
	if added == 0 {
		return errors.New("no certificates found in PEM data")
	}
	return nil
}

func isSelfSigned(cert *x509.Certificate) bool {
	if cert.Subject.String() != cert.Issuer.String() {
		return false
	}
	return cert.CheckSignatureFrom(cert) == nil
}

// VerifyChain verifies the certificate against the trusted roots now
func (s *TrustStore) VerifyChain(cert *x509.Certificate, intermediates []*x509.Certificate) ([]*x509.Certificate, error) {
	return s.VerifyChainAt(cert, intermediates, time.Now())
}

// VerifyChainAt verifies the certificate as of the given instant, which
// for a signed document is its emission time.
func (s *TrustStore) VerifyChainAt(cert *x509.Certificate, intermediates []*x509.Certificate, at time.Time) ([]*x509.Certificate, error) {
	if cert == nil {
		return nil, errors.New("certificate is nil")
	}

	interPool := s.intermediates.Clone()
	for _, inter := range intermediates {
		interPool.AddCert(inter)
	}

	chains, err := cert.Verify(x509.VerifyOptions{
		Roots:         s.roots,
		Intermediates: interPool,
		CurrentTime:   at,
		KeyUsages:     []x509.ExtKeyUsage{x509.ExtKeyUsageAny},
	})
	if err != nil {
		return nil, fmt.Errorf("chain verification failed: %w", err)
	}
	if len(chains) == 0 {
		return nil, errors.New("no valid certificate chains found")
	}

	return chains[0], nil
}

// CheckRevocation reports whether cert is still good according to OCSP.
// Certificates without a responder are treated as not revoked. In soft-fail
// mode an unreachable responder yields true together with the error.
func (s *TrustStore) CheckRevocation(ctx context.Context, cert *x509.Certificate, issuer *x509.Certificate) (bool, error) {
	if cert == nil || issuer == nil {
		return false, errors.New("certificate or issuer is nil")
	}

	if rev, found := s.ocspCache.Get(cert); found {
		return !rev.Revoked(), nil
	}

	ctx, cancel := context.WithTimeout(ctx, s.ocspTimeout)
	defer cancel()

	rev, err := CheckOCSP(ctx, s.ocspClient, cert, issuer)
	switch {
	case errors.Is(err, ErrNoResponder):
		return true, nil
	case err != nil && s.softFail:
		return true, fmt.Errorf("OCSP check failed (soft-fail enabled): %w", err)
	case err != nil:
		return false, fmt.Errorf("OCSP check failed: %w", err)
	}

	s.ocspCache.Set(cert, rev)
	if rev.Revoked() {
		return false, nil
	}
	return true, nil
}

// Roots returns the certificate pool
func (s *TrustStore) Roots() *x509.CertPool {
	return s.roots
}

// RootCerts returns the explicitly added roots
func (s *TrustStore) RootCerts() []*x509.Certificate {
	return s.rootCerts
}

// IsSoftFail returns whether soft-fail mode is enabled
func (s *TrustStore) IsSoftFail() bool {
	return s.softFail
}
