package transmission

import (
	"context"

	"github.com/beevik/etree"

	"github.com/rezonia/nfe-service/internal/certificate"
	"github.com/rezonia/nfe-service/internal/model"
)

// Consultation is the authority's current view of a document
type Consultation struct {
	Result *model.AuthorizationResult
	// Protocol is the protNFe element, present once the document was processed
	Protocol []byte
}

// Consult queries the protocol service for an access key. The UF comes
// from the key itself.
func (c *Client) Consult(ctx context.Context, m *certificate.Material, key model.AccessKey, env model.Environment) (*Consultation, error) {
	if !key.Valid() {
		return nil, model.NewValidationError("access_key", string(key), "access_key", "invalid access key")
	}
	uf, ok := model.UFByCode(key.Parts().UFCode)
	if !ok {
		return nil, model.NewRoutingError(string(key[:2]), string(ServiceProtocol), env)
	}

	q := message("consSitNFe")
	q.CreateElement("tpAmb").SetText(env.Code())
	q.CreateElement("xServ").SetText("CONSULTAR")
	q.CreateElement("chNFe").SetText(string(key))

	resp, err := c.Call(ctx, m, Request{UF: uf, Service: ServiceProtocol, Environment: env, Payload: q})
	if err != nil {
		return nil, err
	}
	code, reason, err := status(resp.Message)
	if err != nil {
		return nil, model.NewTransmissionError(resp.Endpoint, 0, false, "unexpected consultation response", err)
	}

	out := &Consultation{}
	prot := child(resp.Message, "protNFe")
	if info := child(prot, "infProt"); info != nil {
		pcode, preason, err := status(info)
		if err != nil {
			return nil, model.NewTransmissionError(resp.Endpoint, 0, false, "unreadable protocol", err)
		}
		out.Result = model.NewAuthorizationResult(pcode, preason, key, text(info, "nProt"), parseTime(text(info, "dhRecbto")), nil, resp.Raw)

		doc := etree.NewDocument()
		p := prot.Copy()
		p.Space = ""
		if p.SelectAttr("xmlns") == nil {
			p.CreateAttr("xmlns", NFeNamespace)
		}
		doc.SetRoot(p)
		if out.Protocol, err = doc.WriteToBytes(); err != nil {
			return nil, model.NewTransmissionError(resp.Endpoint, 0, false, "cannot serialize protocol", err)
		}
		return out, nil
	}

	out.Result = model.NewAuthorizationResult(code, reason, key, "", parseTime(text(resp.Message, "dhRecbto")), nil, resp.Raw)
	return out, nil
}

// Attach builds the nfeProc of a signed NFe from an authorized consultation,
// used when a transmission is answered as a duplicate of an earlier one.
func Attach(signed []byte, cons *Consultation) (*model.AuthorizationResult, error) {
	if cons == nil || cons.Result == nil || !cons.Result.Authorized() || len(cons.Protocol) == 0 {
		return nil, model.NewValidationError("protocol", nil, "authorized", "consultation carries no authorization")
	}
	nfe, key, err := signedNFe(signed)
	if err != nil {
		return nil, err
	}
	if key != cons.Result.AccessKey() {
		return nil, model.NewValidationError("access_key", string(key), "match", "protocol belongs to another document")
	}

	doc := etree.NewDocument()
	if err := doc.ReadFromBytes(cons.Protocol); err != nil || doc.Root() == nil {
		return nil, model.NewValidationError("protocol", nil, "xml", "protocol is not well-formed XML")
	}
	prot := doc.Root()
	prot.RemoveAttr("xmlns")

	proc, err := buildProc(nfe, prot)
	if err != nil {
		return nil, model.NewSigningError("cannot build nfeProc", err)
	}
	r := cons.Result
	return model.NewAuthorizationResult(r.Code(), r.Reason(), key, r.Protocol(), r.ReceivedAt(), proc, r.RawResponse()), nil
}
