package xml

import (
	"bytes"
	"context"
	"crypto/x509"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/beevik/etree"

	"github.com/rezonia/nfe-service/internal/certificate"
	"github.com/rezonia/nfe-service/internal/certificate/certtest"
	"github.com/rezonia/nfe-service/internal/model"
	"github.com/rezonia/nfe-service/internal/signature"
	"github.com/rezonia/nfe-service/internal/signature/trust"
)

const testKey = "35240111222333000181550010000001241123456788"

func unsignedNFe(id string) []byte {
	return []byte(fmt.Sprintf(`<?xml version="1.0" encoding="UTF-8"?>`+
		`<NFe xmlns="http://www.portalfiscal.inf.br/nfe">`+
		`<infNFe Id="%s" versao="4.00">`+
		`<ide><cUF>35</cUF><nNF>124</nNF><dhEmi>%s</dhEmi></ide>`+
		`<emit><CNPJ>11222333000181</CNPJ><xNome>LOJA MAE COMERCIO LTDA</xNome></emit>`+
		`<det nItem="1"><prod><cProd>SKU-1</cProd><vProd>20.00</vProd></prod></det>`+
		`<total><ICMSTot><vNF>20.00</vNF></ICMSTot></total>`+
		`</infNFe></NFe>`, id, time.Now().Add(-time.Minute).Format("2006-01-02T15:04:05-07:00")))
}

func loadMaterial(t *testing.T, b *certtest.Bundle) *certificate.Material {
	t.Helper()
	m, err := certificate.Load(b.PFXCopy(), certtest.Passphrase)
	if err != nil {
		t.Fatalf("load certificate: %v", err)
	}
	t.Cleanup(m.Destroy)
	return m
}

func signFixture(t *testing.T) ([]byte, *certtest.Bundle) {
	t.Helper()
	b := certtest.New(t)
	signed, err := NewSigner().Sign(unsignedNFe("NFe"+testKey), loadMaterial(t, b))
	if err != nil {
		t.Fatalf("Sign failed: %v", err)
	}
	return signed, b
}

func trusting(b *certtest.Bundle) *trust.TrustStore {
	ts := trust.NewEmptyTrustStore()
	ts.AddCertificate(b.Cert)
	return ts
}

func TestSigner_Layout(t *testing.T) {
	signed, _ := signFixture(t)

	doc := etree.NewDocument()
	if err := doc.ReadFromBytes(signed); err != nil {
		t.Fatalf("signed output is not XML: %v", err)
	}
	nfe := doc.Root()
	children := nfe.ChildElements()
	if len(children) != 2 || children[0].Tag != "infNFe" || children[1].Tag != "Signature" {
		t.Fatalf("NFe children: got %d, want infNFe then Signature", len(children))
	}

	sig := children[1]
	if got := sig.SelectAttrValue("xmlns", ""); got != XMLDSigNamespace {
		t.Errorf("Signature xmlns: got %q", got)
	}
	if got := ReferenceURI(sig); got != "#NFe"+testKey {
		t.Errorf("Reference URI: got %q", got)
	}

	checks := map[string]string{
		"SignedInfo/CanonicalizationMethod": "http://www.w3.org/TR/2001/REC-xml-c14n-20010315",
		"SignedInfo/SignatureMethod":        "http://www.w3.org/2000/09/xmldsig#rsa-sha1",
		"SignedInfo/Reference/DigestMethod": "http://www.w3.org/2000/09/xmldsig#sha1",
	}
	for path, want := range checks {
		el := descend(sig, strings.Split(path, "/")...)
		if el == nil {
			t.Errorf("%s missing", path)
			continue
		}
		if got := el.SelectAttrValue("Algorithm", ""); got != want {
			t.Errorf("%s: got %q, want %q", path, got, want)
		}
	}

	transforms := descend(sig, "SignedInfo", "Reference", "Transforms")
	if transforms == nil || len(transforms.ChildElements()) != 2 {
		t.Fatal("expected enveloped and c14n transforms")
	}
	if _, err := ExtractCertificateData(sig); err != nil {
		t.Errorf("KeyInfo certificate: %v", err)
	}
}

func TestSigner_InputUntouched(t *testing.T) {
	b := certtest.New(t)
	in := unsignedNFe("NFe" + testKey)
	orig := append([]byte(nil), in...)

	if _, err := NewSigner().Sign(in, loadMaterial(t, b)); err != nil {
		t.Fatalf("Sign failed: %v", err)
	}
	if !bytes.Equal(in, orig) {
		t.Error("Sign modified its input")
	}
}

func TestSigner_Errors(t *testing.T) {
	b := certtest.New(t)
	m := loadMaterial(t, b)
	signer := NewSigner()

	var serr *model.SigningError
	if _, err := signer.Sign([]byte("<NFe><broken"), m); !errors.As(err, &serr) {
		t.Errorf("malformed XML: got %v", err)
	}
	if _, err := signer.Sign(unsignedNFe("NFe123"), m); !errors.As(err, &serr) {
		t.Errorf("bad Id: got %v", err)
	}
	if _, err := signer.Sign([]byte(`<cteProc/>`), m); !errors.As(err, &serr) {
		t.Errorf("foreign root: got %v", err)
	}

	signed, err := signer.Sign(unsignedNFe("NFe"+testKey), m)
	if err != nil {
		t.Fatalf("Sign failed: %v", err)
	}
	if _, err := signer.Sign(signed, m); !errors.As(err, &serr) {
		t.Errorf("already signed: got %v", err)
	}

	var cerr *model.CertificateError
	if _, err := signer.Sign(unsignedNFe("NFe"+testKey), nil); !errors.As(err, &cerr) {
		t.Errorf("nil material: got %v", err)
	}
	m.Destroy()
	if _, err := signer.Sign(unsignedNFe("NFe"+testKey), m); !errors.As(err, &cerr) {
		t.Errorf("destroyed material: got %v", err)
	}
}

func TestXMLVerifier_Valid(t *testing.T) {
	signed, b := signFixture(t)

	result, err := NewXMLVerifier(trusting(b)).Verify(context.Background(), signed)
	if err != nil {
		t.Fatalf("Verify failed: %v", err)
	}
	if !result.Valid {
		t.Fatalf("expected valid signature, errors: %v", result.Errors)
	}
	if result.Format != signature.FormatNFe {
		t.Errorf("Format: got %q", result.Format)
	}
	if result.AccessKey != testKey {
		t.Errorf("AccessKey: got %q", result.AccessKey)
	}
	if result.Signer == nil || result.Signer.TaxID != "11222333000181" {
		t.Errorf("Signer: got %+v", result.Signer)
	}
	if result.IssuedAt == nil {
		t.Error("IssuedAt should be read from dhEmi")
	}
}

func TestXMLVerifier_Tampered(t *testing.T) {
	signed, b := signFixture(t)
	tampered := bytes.Replace(signed, []byte("<vNF>20.00</vNF>"), []byte("<vNF>2.00</vNF>"), 1)
	if bytes.Equal(tampered, signed) {
		t.Fatal("fixture did not change")
	}

	result, err := NewXMLVerifier(trusting(b)).Verify(context.Background(), tampered)
	if err != nil {
		t.Fatalf("Verify failed: %v", err)
	}
	if result.SignatureValid || result.Valid {
		t.Error("tampered document must not verify")
	}
}

func TestXMLVerifier_UntrustedSigner(t *testing.T) {
	signed, _ := signFixture(t)

	result, err := NewXMLVerifier(trust.NewEmptyTrustStore()).Verify(context.Background(), signed)
	if err != nil {
		t.Fatalf("Verify failed: %v", err)
	}
	if !result.SignatureValid {
		t.Errorf("signature itself should verify: %v", result.Errors)
	}
	if result.CertChainValid || result.Valid {
		t.Error("untrusted signer must not be valid")
	}
}

func TestXMLVerifier_NFeProc(t *testing.T) {
	signed, b := signFixture(t)
	nfe := signed[bytes.Index(signed, []byte("<NFe")):]

	proc := []byte(`<?xml version="1.0" encoding="UTF-8"?>` +
		`<nfeProc xmlns="http://www.portalfiscal.inf.br/nfe" versao="4.00">` +
		string(nfe) +
		`<protNFe versao="4.00"><infProt><chNFe>` + testKey + `</chNFe>` +
		`<nProt>135240000000001</nProt><cStat>100</cStat></infProt></protNFe></nfeProc>`)

	result, err := NewXMLVerifier(trusting(b)).Verify(context.Background(), proc)
	if err != nil {
		t.Fatalf("Verify failed: %v", err)
	}
	if !result.Valid {
		t.Fatalf("expected valid nfeProc, errors: %v", result.Errors)
	}
	if result.Format != signature.FormatNFeProc || result.Protocol != "135240000000001" {
		t.Errorf("got format %q protocol %q", result.Format, result.Protocol)
	}
}

func TestXMLVerifier_Unsigned(t *testing.T) {
	result, err := NewXMLVerifier(trust.NewEmptyTrustStore()).Verify(context.Background(), unsignedNFe("NFe"+testKey))

	var serr *signature.SignatureError
	if !errors.As(err, &serr) || serr.Code != signature.ErrCodeNoSignature {
		t.Fatalf("expected NO_SIGNATURE, got %v", err)
	}
	if result.AccessKey != testKey || result.SignatureFound {
		t.Errorf("unexpected result: %+v", result)
	}
}

func TestSignatureExtractor(t *testing.T) {
	extractor := NewSignatureExtractor()

	if _, err := extractor.Extract([]byte(`<Invoice/>`)); err == nil {
		t.Error("expected error for unsupported root")
	}
	if _, err := extractor.Extract([]byte(`<nfeProc/>`)); err == nil {
		t.Error("expected error for nfeProc without NFe")
	}
	if _, err := extractor.Extract([]byte(`not xml`)); err == nil {
		t.Error("expected parse error")
	}

	signed, _ := signFixture(t)
	tests := []struct {
		name     string
		data     []byte
		expected bool
	}{
		{"signed NFe", signed, true},
		{"unsigned NFe", unsignedNFe("NFe" + testKey), false},
		{"other signed XML", []byte(`<Invoice><Signature/></Invoice>`), false},
		{"not XML", []byte(`{"type": "json"}`), false},
		{"empty", nil, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := extractor.CanExtract(tt.data); got != tt.expected {
				t.Errorf("CanExtract: got %v, want %v", got, tt.expected)
			}
		})
	}
}

func TestChainError(t *testing.T) {
	b := certtest.New(t)

	expired := fmt.Errorf("chain verification failed: %w",
		x509.CertificateInvalidError{Cert: b.Cert, Reason: x509.Expired})
	if got := chainError(b.Cert, expired); got.Code != signature.ErrCodeCertExpired {
		t.Errorf("expired leaf: got %s", got.Code)
	}

	other := certtest.New(t)
	intermediate := x509.CertificateInvalidError{Cert: other.Cert, Reason: x509.Expired}
	if got := chainError(b.Cert, intermediate); got.Code != signature.ErrCodeChainInvalid {
		t.Errorf("expired intermediate: got %s", got.Code)
	}

	unknown := x509.UnknownAuthorityError{Cert: b.Cert}
	got := chainError(b.Cert, unknown)
	if got.Code != signature.ErrCodeChainInvalid || !errors.As(got, &x509.UnknownAuthorityError{}) {
		t.Errorf("unknown authority: got %v", got)
	}
}
