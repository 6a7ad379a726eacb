// Package certificate loads A1 (PKCS#12) signing certificates for the
// lifetime of a single request.
package certificate

import (
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap/zapcore"
	pkcs12 "software.sslmate.com/src/go-pkcs12"

	"github.com/rezonia/nfe-service/internal/model"
)

// Material is a decoded certificate and its private key. It must be
// destroyed when the request ends; after Destroy the key is unusable.
type Material struct {
	mu        sync.Mutex
	key       *rsa.PrivateKey
	leaf      *x509.Certificate
	chain     []*x509.Certificate
	destroyed bool
}

// Option configures Load
type Option func(*loadOptions)

type loadOptions struct {
	now func() time.Time
}

// WithClock sets the clock used for validity checks
func WithClock(now func() time.Time) Option {
	return func(o *loadOptions) {
		o.now = now
	}
}

// Load decodes a PKCS#12 bundle. pfx is zeroed before returning, whatever
// the outcome. Failures are *model.CertificateError and never contain the
// passphrase.
func Load(pfx []byte, passphrase string, opts ...Option) (*Material, error) {
	defer wipe(pfx)

	o := loadOptions{now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}

	if len(pfx) == 0 {
		return nil, model.NewCertificateError(model.CertReasonMalformed, "empty certificate", nil)
	}

	key, leaf, chain, err := pkcs12.DecodeChain(pfx, passphrase)
	if err != nil {
		if errors.Is(err, pkcs12.ErrIncorrectPassword) {
			return nil, model.NewCertificateError(model.CertReasonPassphrase, "incorrect passphrase", nil)
		}
		return nil, model.NewCertificateError(model.CertReasonMalformed, "cannot decode PKCS#12 bundle", scrub(err, passphrase))
	}

	rsaKey, ok := key.(*rsa.PrivateKey)
	switch {
	case key == nil:
		return nil, model.NewCertificateError(model.CertReasonNoKey, "bundle has no private key", nil)
	case !ok:
		return nil, model.NewCertificateError(model.CertReasonUnsupported, fmt.Sprintf("key type %T is not RSA", key), nil)
	case leaf == nil:
		return nil, model.NewCertificateError(model.CertReasonMalformed, "bundle has no certificate", nil)
	}

	pub, ok := leaf.PublicKey.(*rsa.PublicKey)
	if !ok || pub.N.Cmp(rsaKey.N) != 0 {
		zeroKey(rsaKey)
		return nil, model.NewCertificateError(model.CertReasonMalformed, "certificate does not match private key", nil)
	}

	now := o.now()
	if now.Before(leaf.NotBefore) {
		zeroKey(rsaKey)
		return nil, model.NewCertificateError(model.CertReasonNotYetValid,
			fmt.Sprintf("certificate valid from %s", leaf.NotBefore.Format(time.RFC3339)), nil)
	}
	if now.After(leaf.NotAfter) {
		zeroKey(rsaKey)
		return nil, model.NewCertificateError(model.CertReasonExpired,
			fmt.Sprintf("certificate expired at %s", leaf.NotAfter.Format(time.RFC3339)), nil)
	}

	return &Material{key: rsaKey, leaf: leaf, chain: chain}, nil
}

// LoadBase64 decodes a base64 PKCS#12 bundle and loads it.
func LoadBase64(encoded, passphrase string, opts ...Option) (*Material, error) {
	raw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(encoded))
	if err != nil {
		return nil, model.NewCertificateError(model.CertReasonMalformed, "certificate is not valid base64", nil)
	}
	return Load(raw, passphrase, opts...)
}

// Leaf returns the signing certificate.
func (m *Material) Leaf() *x509.Certificate {
	return m.leaf
}

// Chain returns intermediate certificates shipped in the bundle.
func (m *Material) Chain() []*x509.Certificate {
	return m.chain
}

// Holder returns the CNPJ found in the certificate subject, if any.
// ICP-Brasil e-CNPJ subjects end the common name with ":<CNPJ>".
func (m *Material) Holder() string {
	cn := m.leaf.Subject.CommonName
	if i := strings.LastIndex(cn, ":"); i >= 0 {
		if d := model.OnlyDigits(cn[i+1:]); len(d) == 14 || len(d) == 11 {
			return d
		}
	}
	return ""
}

// PrivateKey returns the key, or an error after Destroy.
func (m *Material) PrivateKey() (*rsa.PrivateKey, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.destroyed {
		return nil, model.NewCertificateError(model.CertReasonNoKey, "certificate material destroyed", nil)
	}
	return m.key, nil
}

// TLSCertificate returns the client certificate for mutual TLS.
func (m *Material) TLSCertificate() (tls.Certificate, error) {
	key, err := m.PrivateKey()
	if err != nil {
		return tls.Certificate{}, err
	}
	chain := [][]byte{m.leaf.Raw}
	for _, c := range m.chain {
		chain = append(chain, c.Raw)
	}
	return tls.Certificate{Certificate: chain, PrivateKey: key, Leaf: m.leaf}, nil
}

// Destroy zeroes the private key. It is safe to call more than once.
func (m *Material) Destroy() {
	if m == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.destroyed {
		return
	}
	zeroKey(m.key)
	m.key = nil
	m.destroyed = true
}

// String never reveals key material.
func (m *Material) String() string {
	if m == nil || m.leaf == nil {
		return "certificate(<nil>)"
	}
	return fmt.Sprintf("certificate(subject=%q, serial=%s)", m.leaf.Subject.CommonName, m.leaf.SerialNumber)
}

// MarshalLogObject logs the certificate identity, never key material.
func (m *Material) MarshalLogObject(enc zapcore.ObjectEncoder) error {
	if m == nil || m.leaf == nil {
		return nil
	}
	enc.AddString("subject", m.leaf.Subject.CommonName)
	enc.AddString("serial", m.leaf.SerialNumber.Text(16))
	enc.AddTime("not_after", m.leaf.NotAfter)
	m.mu.Lock()
	enc.AddBool("destroyed", m.destroyed)
	m.mu.Unlock()
	return nil
}

func zeroKey(k *rsa.PrivateKey) {
	if k == nil {
		return
	}
	if k.D != nil {
		k.D.SetInt64(0)
	}
	for _, p := range k.Primes {
		p.SetInt64(0)
	}
	if k.Precomputed.Dp != nil {
		k.Precomputed.Dp.SetInt64(0)
	}
	if k.Precomputed.Dq != nil {
		k.Precomputed.Dq.SetInt64(0)
	}
	if k.Precomputed.Qinv != nil {
		k.Precomputed.Qinv.SetInt64(0)
	}
}

func wipe(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

// scrub removes any occurrence of the passphrase from a library error.
func scrub(err error, passphrase string) error {
	if err == nil || passphrase == "" || !strings.Contains(err.Error(), passphrase) {
		return err
	}
	return errors.New(strings.ReplaceAll(err.Error(), passphrase, "[redacted]"))
}
