package transmission

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/beevik/etree"
)

const (
	soapNamespace = "http://www.w3.org/2003/05/soap-envelope"
	wsdlNamespace = "http://www.portalfiscal.inf.br/nfe/wsdl/"

	// NFeNamespace is the namespace of every NFe message
	NFeNamespace = "http://www.portalfiscal.inf.br/nfe"
)

// wrapperTags are the SOAP result wrappers between Body and the ret* message
var wrapperTags = map[string]bool{
	"nfeResultMsg":                true,
	"nfeDistDFeInteresseResponse": true,
	"nfeDistDFeInteresseResult":   true,
	"nfeAutorizacaoLoteResult":    true,
	"nfeRetAutorizacaoLoteResult": true,
	"nfeStatusServicoNFResult":    true,
	"nfeConsultaNFResult":         true,
}

// soapAction returns the action of a service operation
func soapAction(service Service) string {
	return wsdlNamespace + string(service) + "/" + operations[service]
}

// contentType returns the SOAP 1.2 content type with the action parameter
func contentType(service Service) string {
	return fmt.Sprintf(`application/soap+xml; charset=utf-8; action="%s"`, soapAction(service))
}

// envelope wraps payload in a SOAP 1.2 envelope for service. The payload
// element is moved into the envelope.
func envelope(service Service, payload *etree.Element) ([]byte, error) {
	doc := etree.NewDocument()
	doc.CreateProcInst("xml", `version="1.0" encoding="UTF-8"`)

	env := doc.CreateElement("soap12:Envelope")
	env.CreateAttr("xmlns:xsi", "http://www.w3.org/2001/XMLSchema-instance")
	env.CreateAttr("xmlns:xsd", "http://www.w3.org/2001/XMLSchema")
	env.CreateAttr("xmlns:soap12", soapNamespace)
	body := env.CreateElement("soap12:Body")

	ns := wsdlNamespace + string(service)
	var msg *etree.Element
	if service == ServiceDistribution {
		op := body.CreateElement(operations[service])
		op.CreateAttr("xmlns", ns)
		msg = op.CreateElement("nfeDadosMsg")
	} else {
		msg = body.CreateElement("nfeDadosMsg")
		msg.CreateAttr("xmlns", ns)
	}
	msg.AddChild(payload)

	return doc.WriteToBytes()
}

// faultError is a SOAP Fault returned by the authority
type faultError struct {
	code   string
	reason string
}

func (f *faultError) Error() string {
	return fmt.Sprintf("soap fault %s: %s", f.code, f.reason)
}

// unwrap parses a SOAP response and returns the authority message inside
// the Body.
func unwrap(raw []byte) (*etree.Element, error) {
	doc := etree.NewDocument()
	if err := doc.ReadFromBytes(raw); err != nil {
		return nil, fmt.Errorf("malformed response: %w", err)
	}
	root := doc.Root()
	if root == nil || root.Tag != "Envelope" {
		return nil, errors.New("response is not a SOAP envelope")
	}
	body := child(root, "Body")
	if body == nil || len(body.ChildElements()) == 0 {
		return nil, errors.New("SOAP envelope has an empty Body")
	}

	el := body.ChildElements()[0]
	if el.Tag == "Fault" {
		return nil, &faultError{
			code:   strings.TrimSpace(text(el, "Code", "Value")),
			reason: strings.TrimSpace(text(el, "Reason", "Text")),
		}
	}
	for wrapperTags[el.Tag] {
		children := el.ChildElements()
		if len(children) == 0 {
			return nil, fmt.Errorf("empty %s", el.Tag)
		}
		el = children[0]
	}
	return el, nil
}

// child returns the first child element with the given local name
func child(parent *etree.Element, name string) *etree.Element {
	if parent == nil {
		return nil
	}
	for _, c := range parent.ChildElements() {
		if c.Tag == name {
			return c
		}
	}
	return nil
}

// find follows a path of local names
func find(el *etree.Element, path ...string) *etree.Element {
	for _, name := range path {
		if el = child(el, name); el == nil {
			return nil
		}
	}
	return el
}

// text returns the trimmed text at path, or ""
func text(el *etree.Element, path ...string) string {
	if el = find(el, path...); el == nil {
		return ""
	}
	return strings.TrimSpace(el.Text())
}

// status reads cStat and xMotivo of an authority message
func status(el *etree.Element) (int, string, error) {
	raw := text(el, "cStat")
	if raw == "" {
		return 0, "", fmt.Errorf("%s has no cStat", el.Tag)
	}
	code, err := strconv.Atoi(raw)
	if err != nil || code < 100 || code > 999 {
		return 0, "", fmt.Errorf("%s has invalid cStat %q", el.Tag, raw)
	}
	return code, text(el, "xMotivo"), nil
}

// message creates an authority message element in the NFe namespace
func message(tag string) *etree.Element {
	el := etree.NewElement(tag)
	el.CreateAttr("xmlns", NFeNamespace)
	el.CreateAttr("versao", "4.00")
	return el
}
