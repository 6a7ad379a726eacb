// Package certtest builds throwaway A1 certificates for tests.
package certtest

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"math/big"
	"testing"
	"time"

	pkcs12 "software.sslmate.com/src/go-pkcs12"
)

// Passphrase protects every bundle produced by this package.
const Passphrase = "s3cr3t-pfx"

// Bundle is a generated certificate with its key and PKCS#12 encoding.
type Bundle struct {
	Key  *rsa.PrivateKey
	Cert *x509.Certificate
	PFX  []byte
}

// Options tunes New.
type Options struct {
	CommonName string
	NotBefore  time.Time
	NotAfter   time.Time
}

// New creates a self-signed RSA certificate valid around now.
func New(t testing.TB, opts ...Options) *Bundle {
	t.Helper()

	o := Options{
		CommonName: "LOJA MAE COMERCIO LTDA:11222333000181",
		NotBefore:  time.Now().Add(-time.Hour),
		NotAfter:   time.Now().Add(365 * 24 * time.Hour),
	}
	if len(opts) > 0 {
		if opts[0].CommonName != "" {
			o.CommonName = opts[0].CommonName
		}
		if !opts[0].NotBefore.IsZero() {
			o.NotBefore = opts[0].NotBefore
		}
		if !opts[0].NotAfter.IsZero() {
			o.NotAfter = opts[0].NotAfter
		}
	}

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}

	tmpl := &x509.Certificate{
		SerialNumber:          big.NewInt(time.Now().UnixNano()),
		Subject:               pkix.Name{CommonName: o.CommonName, Organization: []string{"ICP-Brasil"}},
		NotBefore:             o.NotBefore,
		NotAfter:              o.NotAfter,
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment | x509.KeyUsageCertSign,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth},
		BasicConstraintsValid: true,
		IsCA:                  true,
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		t.Fatalf("create certificate: %v", err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		t.Fatalf("parse certificate: %v", err)
	}

	pfx, err := pkcs12.Modern.Encode(key, cert, nil, Passphrase)
	if err != nil {
		t.Fatalf("encode pkcs12: %v", err)
	}

	return &Bundle{Key: key, Cert: cert, PFX: pfx}
}

// PFXCopy returns a fresh copy of the bundle bytes; loading zeroes its input.
func (b *Bundle) PFXCopy() []byte {
	return append([]byte(nil), b.PFX...)
}
