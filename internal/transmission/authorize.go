package transmission

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/beevik/etree"

	"github.com/rezonia/nfe-service/internal/certificate"
	"github.com/rezonia/nfe-service/internal/model"
)

// Authorize submits a signed NFe in synchronous mode and interprets the
// verdict. A lot queued by the authority (103) is polled on the receipt
// until it is processed or PollTimeout elapses. Verdicts other than 100
// come back as *model.AuthorityRejection.
func (c *Client) Authorize(ctx context.Context, m *certificate.Material, signed []byte, uf model.UF, env model.Environment) (*model.AuthorizationResult, error) {
	nfe, key, err := signedNFe(signed)
	if err != nil {
		return nil, err
	}

	lot := message("enviNFe")
	lot.CreateElement("idLote").SetText(c.lotID())
	lot.CreateElement("indSinc").SetText("1")
	lot.AddChild(nfe.Copy())

	resp, err := c.Call(ctx, m, Request{UF: uf, Service: ServiceAuthorization, Environment: env, Payload: lot})
	if err != nil {
		return nil, err
	}
	code, reason, err := status(resp.Message)
	if err != nil {
		return nil, model.NewTransmissionError(resp.Endpoint, 0, false, "unexpected authorization response", err)
	}

	switch code {
	case model.StatusLotProcessed:
		return protocolResult(resp, nfe, key)
	case model.StatusLotReceived:
		receipt := text(resp.Message, "infRec", "nRec")
		if receipt == "" {
			return nil, model.NewTransmissionError(resp.Endpoint, 0, false, "lot received without a receipt number", nil)
		}
		c.logger.Info("lot queued by authority, polling receipt")
		return c.poll(ctx, m, uf, env, receipt, nfe, key)
	default:
		return nil, model.NewAuthorityRejection(code, reason, key, resp.Raw)
	}
}

func (c *Client) poll(ctx context.Context, m *certificate.Material, uf model.UF, env model.Environment, receipt string, nfe *etree.Element, key model.AccessKey) (*model.AuthorizationResult, error) {
	deadline := c.now().Add(c.cfg.PollTimeout)
	for {
		timer := time.NewTimer(c.cfg.PollInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, model.NewTransmissionError(string(ServiceAuthorizationReturn), 0, false, "cancelled while polling receipt "+receipt, ctx.Err())
		case <-timer.C:
		}

		q := message("consReciNFe")
		q.CreateElement("tpAmb").SetText(env.Code())
		q.CreateElement("nRec").SetText(receipt)

		resp, err := c.Call(ctx, m, Request{UF: uf, Service: ServiceAuthorizationReturn, Environment: env, Payload: q})
		if err != nil {
			return nil, err
		}
		code, reason, err := status(resp.Message)
		if err != nil {
			return nil, model.NewTransmissionError(resp.Endpoint, 0, false, "unexpected receipt response", err)
		}

		switch code {
		case model.StatusLotProcessed:
			return protocolResult(resp, nfe, key)
		case model.StatusLotInProcess:
			if !c.now().Before(deadline) {
				return nil, model.NewTransmissionError(resp.Endpoint, 0, true, "receipt "+receipt+" still in process", nil)
			}
		default:
			return nil, model.NewAuthorityRejection(code, reason, key, resp.Raw)
		}
	}
}

// protocolResult reads the protNFe of a processed lot
func protocolResult(resp *Response, nfe *etree.Element, key model.AccessKey) (*model.AuthorizationResult, error) {
	prot := child(resp.Message, "protNFe")
	info := child(prot, "infProt")
	if info == nil {
		return nil, model.NewTransmissionError(resp.Endpoint, 0, false, "processed lot without protNFe", nil)
	}
	code, reason, err := status(info)
	if err != nil {
		return nil, model.NewTransmissionError(resp.Endpoint, 0, false, "unreadable protocol", err)
	}
	if ch := text(info, "chNFe"); ch != "" && ch != string(key) {
		return nil, model.NewTransmissionError(resp.Endpoint, 0, false, fmt.Sprintf("protocol refers to access key %s", ch), nil)
	}
	if code != model.StatusAuthorized {
		return nil, model.NewAuthorityRejection(code, reason, key, resp.Raw)
	}

	proc, err := buildProc(nfe, prot)
	if err != nil {
		return nil, model.NewTransmissionError(resp.Endpoint, 0, false, "cannot build nfeProc", err)
	}
	return model.NewAuthorizationResult(code, reason, key, text(info, "nProt"), parseTime(text(info, "dhRecbto")), proc, resp.Raw), nil
}

// buildProc wraps the signed NFe and its protocol in an nfeProc document
func buildProc(nfe, prot *etree.Element) ([]byte, error) {
	doc := etree.NewDocument()
	doc.CreateProcInst("xml", `version="1.0" encoding="UTF-8"`)
	proc := message("nfeProc")
	doc.AddChild(proc)
	proc.AddChild(nfe.Copy())

	p := prot.Copy()
	p.Space = ""
	if p.SelectAttr("versao") == nil {
		p.CreateAttr("versao", "4.00")
	}
	proc.AddChild(p)
	return doc.WriteToBytes()
}

// signedNFe parses a signed NFe and returns its root and access key
func signedNFe(signed []byte) (*etree.Element, model.AccessKey, error) {
	doc := etree.NewDocument()
	if err := doc.ReadFromBytes(signed); err != nil {
		return nil, "", model.NewValidationError("xml", nil, "xml", "signed document is not well-formed XML")
	}
	nfe := doc.Root()
	if nfe == nil || nfe.Tag != "NFe" {
		return nil, "", model.NewValidationError("xml", nil, "root", "signed document root must be NFe")
	}
	if child(nfe, "Signature") == nil {
		return nil, "", model.NewValidationError("xml", nil, "signature", "document is not signed")
	}
	info := child(nfe, "infNFe")
	if info == nil {
		return nil, "", model.NewValidationError("xml", nil, "infNFe", "document has no infNFe")
	}
	key, err := model.ParseAccessKey(info.SelectAttrValue("Id", ""))
	if err != nil {
		return nil, "", model.NewValidationError("access_key", info.SelectAttrValue("Id", ""), "access_key", "invalid infNFe Id")
	}
	return nfe, key, nil
}

func parseTime(s string) time.Time {
	for _, layout := range []string{time.RFC3339, "2006-01-02T15:04:05"} {
		if t, err := time.Parse(layout, strings.TrimSpace(s)); err == nil {
			return t
		}
	}
	return time.Time{}
}

// IsRetryable reports whether a failed call may be repeated later
func IsRetryable(err error) bool {
	var terr *model.TransmissionError
	return errors.As(err, &terr) && terr.Retryable
}
