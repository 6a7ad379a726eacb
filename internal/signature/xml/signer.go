package xml

import (
	"crypto/rsa"

	"github.com/beevik/etree"
	dsig "github.com/russellhaering/goxmldsig"

	"github.com/rezonia/nfe-service/internal/certificate"
	"github.com/rezonia/nfe-service/internal/model"
	"github.com/rezonia/nfe-service/internal/signature"
)

// Signer applies the enveloped signature required by the NFe layout:
// C14N 1.0, RSA-SHA1 and a Reference to the infNFe Id.
type Signer struct {
	extractor *SignatureExtractor
}

// NewSigner creates a signer
func NewSigner() *Signer {
	return &Signer{extractor: NewSignatureExtractor()}
}

// keyStore hands goxmldsig the request's key and only the leaf certificate
type keyStore struct {
	key  *rsa.PrivateKey
	cert []byte
}

func (k keyStore) GetKeyPair() (*rsa.PrivateKey, []byte, error) {
	return k.key, k.cert, nil
}

// Sign returns the document with a Signature appended to NFe after infNFe.
// Input bytes are not modified.
func (s *Signer) Sign(unsigned []byte, m *certificate.Material) ([]byte, error) {
	if m == nil {
		return nil, model.NewCertificateError(model.CertReasonNoKey, "no certificate material", nil)
	}
	key, err := m.PrivateKey()
	if err != nil {
		return nil, err
	}

	ext, err := s.extractor.Extract(unsigned)
	if err != nil {
		return nil, model.NewSigningError("cannot locate infNFe", err)
	}
	if ext.Format != signature.FormatNFe {
		return nil, model.NewSigningError("only a bare NFe can be signed", nil)
	}
	if ext.Signature != nil {
		return nil, model.NewSigningError("document is already signed", nil)
	}
	if _, err := model.ParseAccessKey(ext.ID()); err != nil {
		return nil, model.NewSigningError("infNFe Id is not a valid access key", err)
	}

	ctx := dsig.NewDefaultSigningContext(keyStore{key: key, cert: m.Leaf().Raw})
	ctx.IdAttribute = "Id"
	ctx.Prefix = ""
	ctx.Canonicalizer = dsig.MakeC14N10RecCanonicalizer()
	if err := ctx.SetSignatureMethod(dsig.RSASHA1SignatureMethod); err != nil {
		return nil, model.NewSigningError("unsupported signature method", err)
	}

	sig, err := ctx.ConstructSignature(detach(ext.InfNFe), true)
	if err != nil {
		return nil, model.NewSigningError("signature computation failed", err)
	}
	ext.NFe.AddChild(sig)

	out, err := ext.Document.WriteToBytes()
	if err != nil {
		return nil, model.NewSigningError("cannot serialize signed document", err)
	}
	return out, nil
}

// detach copies el and declares the default namespace it inherits, so the
// copy canonicalizes as it does in place.
func detach(el *etree.Element) *etree.Element {
	cp := el.Copy()
	if cp.SelectAttr("xmlns") != nil {
		return cp
	}
	for p := el.Parent(); p != nil; p = p.Parent() {
		if a := p.SelectAttr("xmlns"); a != nil {
			cp.CreateAttr("xmlns", a.Value)
			break
		}
	}
	return cp
}
