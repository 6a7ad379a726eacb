package trust

import (
	"bytes"
	"context"
	"crypto"
	"crypto/x509"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"golang.org/x/crypto/ocsp"
)

// Default OCSP configuration
const (
	DefaultOCSPTimeout  = 10 * time.Second
	DefaultOCSPCacheTTL = 1 * time.Hour
)

// ErrNoResponder is returned for certificates that list no OCSP URL
var ErrNoResponder = errors.New("certificate lists no OCSP responder")

// RevocationStatus is a responder verdict
type RevocationStatus string

const (
	RevocationGood    RevocationStatus = "good"
	RevocationRevoked RevocationStatus = "revoked"
)

// Revocation is a verified OCSP answer for one certificate
type Revocation struct {
	Status     RevocationStatus
	RevokedAt  time.Time
	Reason     int
	ThisUpdate time.Time
	NextUpdate time.Time
	Responder  string
}

// Revoked reports whether the responder revoked the certificate
func (r *Revocation) Revoked() bool {
	return r.Status == RevocationRevoked
}

// OCSPCache remembers verified answers per issuer and serial. An entry
// lives for the cache TTL or until the responder's NextUpdate, whichever
// comes first.
type OCSPCache struct {
	mu      sync.Mutex
	entries map[string]ocspCacheEntry
	ttl     time.Duration
	now     func() time.Time
}

type ocspCacheEntry struct {
	rev       *Revocation
	expiresAt time.Time
}

// NewOCSPCache creates a new OCSP response cache
func NewOCSPCache(ttl time.Duration) *OCSPCache {
	return &OCSPCache{
		entries: make(map[string]ocspCacheEntry),
		ttl:     ttl,
		now:     time.Now,
	}
}

// Get returns the cached answer for cert, if still fresh
func (c *OCSPCache) Get(cert *x509.Certificate) (*Revocation, bool) {
	if cert == nil {
		return nil, false
	}
	key := certCacheKey(cert)

	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.entries[key]
	if !ok {
		return nil, false
	}
	if !c.now().Before(entry.expiresAt) {
		delete(c.entries, key)
		return nil, false
	}
	return entry.rev, true
}

// Set caches a verified answer
func (c *OCSPCache) Set(cert *x509.Certificate, rev *Revocation) {
	if cert == nil || rev == nil {
		return
	}
	expires := c.now().Add(c.ttl)
	if !rev.NextUpdate.IsZero() && rev.NextUpdate.Before(expires) {
		expires = rev.NextUpdate
	}

	c.mu.Lock()
	c.entries[certCacheKey(cert)] = ocspCacheEntry{rev: rev, expiresAt: expires}
	c.mu.Unlock()
}

// Clear removes all cached entries
func (c *OCSPCache) Clear() {
	c.mu.Lock()
	c.entries = make(map[string]ocspCacheEntry)
	c.mu.Unlock()
}

// Size returns the number of cached entries
func (c *OCSPCache) Size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// serials are only unique per issuer
func certCacheKey(cert *x509.Certificate) string {
	return hex.EncodeToString(cert.RawIssuer) + ":" + cert.SerialNumber.Text(16)
}

// CheckOCSP asks each responder listed in cert until one gives a
// definitive answer signed for issuer.
func CheckOCSP(ctx context.Context, client *http.Client, cert, issuer *x509.Certificate) (*Revocation, error) {
	if client == nil {
		client = http.DefaultClient
	}
	if len(cert.OCSPServer) == 0 {
		return nil, ErrNoResponder
	}

	body, err := ocsp.CreateRequest(cert, issuer, &ocsp.RequestOptions{Hash: crypto.SHA256})
	if err != nil {
		return nil, fmt.Errorf("create OCSP request: %w", err)
	}

	var errs []error
	for _, url := range cert.OCSPServer {
		rev, err := queryResponder(ctx, client, url, body, cert, issuer)
		if err == nil {
			return rev, nil
		}
		errs = append(errs, fmt.Errorf("%s: %w", url, err))
		if ctx.Err() != nil {
			break
		}
	}
	return nil, fmt.Errorf("no OCSP responder answered: %w", errors.Join(errs...))
}

func queryResponder(ctx context.Context, client *http.Client, url string, body []byte, cert, issuer *x509.Certificate) (*Revocation, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/ocsp-request")
	req.Header.Set("Accept", "application/ocsp-response")

	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("responder returned HTTP %d", resp.StatusCode)
	}
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	parsed, err := ocsp.ParseResponseForCert(raw, cert, issuer)
	if err != nil {
		return nil, fmt.Errorf("parse response: %w", err)
	}
	if !parsed.NextUpdate.IsZero() && parsed.NextUpdate.Before(time.Now()) {
		return nil, fmt.Errorf("stale response, next update was %s", parsed.NextUpdate.Format(time.RFC3339))
	}

	rev := &Revocation{
		ThisUpdate: parsed.ThisUpdate,
		NextUpdate: parsed.NextUpdate,
		Responder:  url,
	}
	switch parsed.Status {
	case ocsp.Good:
		rev.Status = RevocationGood
	case ocsp.Revoked:
		rev.Status = RevocationRevoked
		rev.RevokedAt = parsed.RevokedAt
		rev.Reason = parsed.RevocationReason
	case ocsp.Unknown:
		return nil, errors.New("responder does not know the certificate")
	default:
		return nil, fmt.Errorf("unexpected OCSP status %d", parsed.Status)
	}
	return rev, nil
}
