// Package xml signs and verifies NFe documents with enveloped XML-DSig.
package xml

import (
	"bytes"
	"errors"
	"strings"

	"github.com/beevik/etree"

	"github.com/rezonia/nfe-service/internal/signature"
)

// XMLDSigNamespace is the namespace of the Signature element
const XMLDSigNamespace = "http://www.w3.org/2000/09/xmldsig#"

// SignatureExtractor locates the signed parts of an NFe or nfeProc
type SignatureExtractor struct{}

// NewSignatureExtractor creates a new signature extractor
func NewSignatureExtractor() *SignatureExtractor {
	return &SignatureExtractor{}
}

// ExtractionResult holds the elements involved in an NFe signature
type ExtractionResult struct {
	Document *etree.Document
	NFe      *etree.Element
	InfNFe   *etree.Element
	// Signature is nil for unsigned documents
	Signature *etree.Element
	// Protocol is the protNFe element of an nfeProc
	Protocol *etree.Element
	Format   string
}

// ID returns the infNFe Id attribute
func (r *ExtractionResult) ID() string {
	return r.InfNFe.SelectAttrValue("Id", "")
}

// Extract parses data and finds NFe, infNFe and the Signature. A missing
// signature is not an error here; callers check Signature.
func (e *SignatureExtractor) Extract(data []byte) (*ExtractionResult, error) {
	doc := etree.NewDocument()
	if err := doc.ReadFromBytes(data); err != nil {
		return nil, signature.ErrMalformed("failed to parse XML", err)
	}

	root := doc.Root()
	if root == nil {
		return nil, signature.ErrMalformed("empty XML document", nil)
	}

	res := &ExtractionResult{Document: doc}
	switch root.Tag {
	case "NFe":
		res.NFe = root
		res.Format = signature.FormatNFe
	case "nfeProc":
		res.NFe = child(root, "NFe")
		res.Protocol = child(root, "protNFe")
		res.Format = signature.FormatNFeProc
	default:
		return nil, signature.ErrUnsupportedFormat(root.Tag)
	}
	if res.NFe == nil {
		return nil, signature.ErrMalformed("nfeProc without NFe", nil)
	}

	res.InfNFe = child(res.NFe, "infNFe")
	if res.InfNFe == nil {
		return nil, signature.ErrMalformed("NFe without infNFe", nil)
	}
	res.Signature = child(res.NFe, "Signature")

	return res, nil
}

// child returns the first child element with the given local name
func child(parent *etree.Element, localName string) *etree.Element {
	if parent == nil {
		return nil
	}
	for _, c := range parent.ChildElements() {
		if c.Tag == localName {
			return c
		}
	}
	return nil
}

// descend follows a path of local names
func descend(el *etree.Element, path ...string) *etree.Element {
	for _, name := range path {
		el = child(el, name)
		if el == nil {
			return nil
		}
	}
	return el
}

// ExtractCertificateData returns the base64 certificate from KeyInfo
func ExtractCertificateData(sig *etree.Element) ([]byte, error) {
	if certElem := descend(sig, "KeyInfo", "X509Data", "X509Certificate"); certElem != nil {
		if text := strings.TrimSpace(certElem.Text()); text != "" {
			return []byte(text), nil
		}
	}
	return nil, errors.New("no X509Certificate found in Signature")
}

// ReferenceURI returns the URI of the first SignedInfo Reference
func ReferenceURI(sig *etree.Element) string {
	if ref := descend(sig, "SignedInfo", "Reference"); ref != nil {
		return ref.SelectAttrValue("URI", "")
	}
	return ""
}

// CanExtract reports whether data looks like a signed NFe or nfeProc
func (e *SignatureExtractor) CanExtract(data []byte) bool {
	trimmed := bytes.TrimSpace(data)
	if !bytes.HasPrefix(trimmed, []byte("<")) {
		return false
	}
	if !bytes.Contains(data, []byte("<NFe")) {
		return false
	}
	return bytes.Contains(data, []byte("<Signature")) ||
		bytes.Contains(data, []byte(":Signature"))
}
