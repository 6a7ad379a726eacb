package trust

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"errors"
	"io"
	"math/big"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"golang.org/x/crypto/ocsp"
)

// testCA issues leaf certificates and answers OCSP for them
type testCA struct {
	cert *x509.Certificate
	key  *rsa.PrivateKey
}

func newTestCA(t *testing.T) *testCA {
	t.Helper()
	cert, key := createTestCert(t, "AC Teste ICP-Brasil", true)
	return &testCA{cert: cert, key: key}
}

func (ca *testCA) issue(t *testing.T, cn string, serial int64, ocspURL string) *x509.Certificate {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("failed to generate key: %v", err)
	}
	template := &x509.Certificate{
		SerialNumber: big.NewInt(serial),
		Subject:      pkix.Name{CommonName: cn},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
	}
	if ocspURL != "" {
		template.OCSPServer = []string{ocspURL}
	}
	der, err := x509.CreateCertificate(rand.Reader, template, ca.cert, &key.PublicKey, ca.key)
	if err != nil {
		t.Fatalf("failed to create certificate: %v", err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		t.Fatalf("failed to parse certificate: %v", err)
	}
	return cert
}

// responder answers Revoked for serials in revoked and Good otherwise
func (ca *testCA) responder(t *testing.T, revoked map[int64]bool, calls *atomic.Int32) *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		body, _ := io.ReadAll(r.Body)
		req, err := ocsp.ParseRequest(body)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		tmpl := ocsp.Response{
			Status:       ocsp.Good,
			SerialNumber: req.SerialNumber,
			IssuerHash:   req.HashAlgorithm,
			ThisUpdate:   time.Now().Add(-time.Minute),
			NextUpdate:   time.Now().Add(time.Hour),
		}
		if revoked[req.SerialNumber.Int64()] {
			tmpl.Status = ocsp.Revoked
			tmpl.RevokedAt = time.Now().Add(-time.Minute)
		}
		resp, err := ocsp.CreateResponse(ca.cert, ca.cert, tmpl, ca.key)
		if err != nil {
			t.Errorf("create response: %v", err)
			return
		}
		w.Header().Set("Content-Type", "application/ocsp-response")
		_, _ = w.Write(resp)
	}))
}

func TestCheckOCSP(t *testing.T) {
	ca := newTestCA(t)
	var calls atomic.Int32
	srv := ca.responder(t, map[int64]bool{7: true}, &calls)
	defer srv.Close()

	good := ca.issue(t, "good", 6, srv.URL)
	bad := ca.issue(t, "bad", 7, srv.URL)

	rev, err := CheckOCSP(context.Background(), srv.Client(), good, ca.cert)
	if err != nil {
		t.Fatalf("CheckOCSP failed: %v", err)
	}
	if rev.Revoked() || rev.Status != RevocationGood {
		t.Errorf("good certificate: got %+v", rev)
	}
	if rev.Responder != srv.URL || rev.NextUpdate.IsZero() {
		t.Errorf("responder details missing: %+v", rev)
	}

	rev, err = CheckOCSP(context.Background(), srv.Client(), bad, ca.cert)
	if err != nil {
		t.Fatalf("CheckOCSP failed: %v", err)
	}
	if !rev.Revoked() || rev.RevokedAt.IsZero() {
		t.Errorf("revoked certificate: got %+v", rev)
	}
}

func TestCheckOCSP_NoResponder(t *testing.T) {
	ca := newTestCA(t)
	cert := ca.issue(t, "no ocsp", 3, "")

	if _, err := CheckOCSP(context.Background(), nil, cert, ca.cert); !errors.Is(err, ErrNoResponder) {
		t.Errorf("expected ErrNoResponder, got %v", err)
	}
}

func TestCheckOCSP_FallsBackToNextResponder(t *testing.T) {
	ca := newTestCA(t)
	var calls atomic.Int32
	srv := ca.responder(t, nil, &calls)
	defer srv.Close()
	down := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer down.Close()

	cert := ca.issue(t, "two responders", 5, down.URL)
	cert.OCSPServer = append(cert.OCSPServer, srv.URL)

	rev, err := CheckOCSP(context.Background(), srv.Client(), cert, ca.cert)
	if err != nil {
		t.Fatalf("CheckOCSP failed: %v", err)
	}
	if rev.Responder != srv.URL {
		t.Errorf("responder: got %s, want %s", rev.Responder, srv.URL)
	}
}

func TestTrustStore_CheckRevocation(t *testing.T) {
	ca := newTestCA(t)
	var calls atomic.Int32
	srv := ca.responder(t, map[int64]bool{9: true}, &calls)
	defer srv.Close()

	store := NewEmptyTrustStore(WithOCSPClient(srv.Client()))
	store.AddCertificate(ca.cert)

	good := ca.issue(t, "good", 8, srv.URL)
	notRevoked, err := store.CheckRevocation(context.Background(), good, ca.cert)
	if err != nil || !notRevoked {
		t.Fatalf("got notRevoked=%v err=%v", notRevoked, err)
	}

	// second lookup is served from the cache
	notRevoked, err = store.CheckRevocation(context.Background(), good, ca.cert)
	if err != nil || !notRevoked {
		t.Fatalf("got notRevoked=%v err=%v", notRevoked, err)
	}
	if calls.Load() != 1 {
		t.Errorf("responder calls: got %d, want 1", calls.Load())
	}

	bad := ca.issue(t, "bad", 9, srv.URL)
	notRevoked, err = store.CheckRevocation(context.Background(), bad, ca.cert)
	if err != nil || notRevoked {
		t.Fatalf("got notRevoked=%v err=%v", notRevoked, err)
	}
}

func TestTrustStore_CheckRevocation_SoftFail(t *testing.T) {
	ca := newTestCA(t)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()
	cert := ca.issue(t, "unreachable", 4, srv.URL)

	strict := NewEmptyTrustStore(WithOCSPClient(srv.Client()))
	if ok, err := strict.CheckRevocation(context.Background(), cert, ca.cert); err == nil || ok {
		t.Errorf("strict store: got ok=%v err=%v", ok, err)
	}

	soft := NewEmptyTrustStore(WithOCSPClient(srv.Client()), WithSoftFail())
	if ok, err := soft.CheckRevocation(context.Background(), cert, ca.cert); err == nil || !ok {
		t.Errorf("soft store: got ok=%v err=%v", ok, err)
	}
}

func TestOCSPCache(t *testing.T) {
	now := time.Date(2024, 1, 15, 10, 0, 0, 0, time.UTC)
	cache := NewOCSPCache(time.Hour)
	cache.now = func() time.Time { return now }

	ca := newTestCA(t)
	a := ca.issue(t, "a", 1, "")
	b := ca.issue(t, "b", 2, "")

	if _, found := cache.Get(a); found {
		t.Error("expected miss for new cert")
	}

	cache.Set(a, &Revocation{Status: RevocationGood})
	cache.Set(b, &Revocation{Status: RevocationRevoked, NextUpdate: now.Add(10 * time.Minute)})
	if rev, found := cache.Get(a); !found || rev.Revoked() {
		t.Errorf("a: got %+v, %v", rev, found)
	}
	if rev, found := cache.Get(b); !found || !rev.Revoked() {
		t.Errorf("b: got %+v, %v", rev, found)
	}
	if cache.Size() != 2 {
		t.Errorf("size: got %d, want 2", cache.Size())
	}

	now = now.Add(15 * time.Minute)
	if _, found := cache.Get(b); found {
		t.Error("b should expire at the responder's next update")
	}
	if _, found := cache.Get(a); !found {
		t.Error("a should live for the cache TTL")
	}

	now = now.Add(time.Hour)
	if _, found := cache.Get(a); found {
		t.Error("expected entry to expire")
	}

	cache.Set(nil, &Revocation{})
	cache.Set(a, nil)
	cache.Clear()
	if cache.Size() != 0 {
		t.Errorf("size after clear: got %d", cache.Size())
	}
}
