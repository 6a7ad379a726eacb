package distribution

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/beevik/etree"
	"github.com/klauspost/compress/gzip"

	"github.com/rezonia/nfe-service/internal/model"
	"github.com/rezonia/nfe-service/internal/transmission"
)

const (
	layoutVersion = "1.01"

	// maxDocumentSize bounds one decompressed docZip
	maxDocumentSize = 8 << 20
)

// builder appends the query group to distDFeInt
type builder func(parent *etree.Element)

func distNSU(cursor model.NSU) builder {
	return func(parent *etree.Element) {
		parent.CreateElement("distNSU").CreateElement("ultNSU").SetText(cursor.String())
	}
}

func consNSU(nsu model.NSU) builder {
	return func(parent *etree.Element) {
		parent.CreateElement("consNSU").CreateElement("NSU").SetText(nsu.String())
	}
}

func consChNFe(key model.AccessKey) builder {
	return func(parent *etree.Element) {
		parent.CreateElement("consChNFe").CreateElement("chNFe").SetText(string(key))
	}
}

// payload builds the distDFeInt message
func payload(req Request, build builder) *etree.Element {
	el := etree.NewElement("distDFeInt")
	el.CreateAttr("xmlns", transmission.NFeNamespace)
	el.CreateAttr("versao", layoutVersion)
	el.CreateElement("tpAmb").SetText(req.Environment.Code())
	el.CreateElement("cUFAutor").SetText(strconv.Itoa(req.UF.Code()))

	party := model.OnlyDigits(req.Party)
	if len(party) == 11 {
		el.CreateElement("CPF").SetText(party)
	} else {
		el.CreateElement("CNPJ").SetText(party)
	}
	build(el)
	return el
}

// parse turns retDistDFeInt into a batch or a typed error
func parse(resp *transmission.Response, req Request) (*model.DistributionBatch, error) {
	msg := resp.Message
	if msg == nil || msg.Tag != "retDistDFeInt" {
		return nil, model.NewTransmissionError(resp.Endpoint, 0, false, "unexpected distribution response", nil)
	}

	code, err := strconv.Atoi(textOf(msg, "cStat"))
	if err != nil {
		return nil, model.NewTransmissionError(resp.Endpoint, 0, false, "distribution response has no valid cStat", err)
	}
	reason := textOf(msg, "xMotivo")

	ult, err := model.ParseNSU(textOf(msg, "ultNSU"))
	if err != nil {
		return nil, model.NewTransmissionError(resp.Endpoint, 0, false, "invalid ultNSU", err)
	}
	maxNSU, err := model.ParseNSU(textOf(msg, "maxNSU"))
	if err != nil {
		return nil, model.NewTransmissionError(resp.Endpoint, 0, false, "invalid maxNSU", err)
	}

	batch := &model.DistributionBatch{
		Party:       model.OnlyDigits(req.Party),
		Environment: req.Environment,
		Code:        code,
		Reason:      reason,
		Cursor:      req.Cursor,
		UltNSU:      ult,
		MaxNSU:      maxNSU,
		RespondedAt: parseTime(textOf(msg, "dhResp")),
		Raw:         resp.Raw,
	}

	switch code {
	case model.StatusNoDocuments:
		batch.State = model.DistributionEmpty
	case model.StatusDocumentsFound:
		docs, err := documents(msg)
		if err != nil {
			return nil, model.NewTransmissionError(resp.Endpoint, 0, false, "invalid docZip", err)
		}
		batch.Documents = docs
		batch.State = model.DistributionHasBatch
		if len(docs) == 0 {
			batch.State = model.DistributionEmpty
		}
	case model.StatusCursorAboveMax:
		return nil, model.NewInvalidCursor(req.Cursor, maxNSU, reason)
	case model.StatusExcessConsumption:
		return nil, model.NewAuthorityUnavailable(code, reason, nil)
	default:
		return nil, model.NewAuthorityRejection(code, reason, "", resp.Raw)
	}

	if len(batch.Documents) == 0 && req.Cursor == maxNSU && maxNSU == ult {
		batch.State = model.DistributionEmpty
	}

	batch.NextCursor = ult
	for _, d := range batch.Documents {
		if d.NSU > batch.NextCursor {
			batch.NextCursor = d.NSU
		}
	}
	if batch.NextCursor < req.Cursor {
		batch.NextCursor = req.Cursor
	}
	return batch, nil
}

// documents decodes every docZip of loteDistDFeInt, ascending by NSU
func documents(msg *etree.Element) ([]model.DistributedDocument, error) {
	var docs []model.DistributedDocument
	for _, el := range msg.FindElements("./loteDistDFeInt/docZip") {
		nsu, err := model.ParseNSU(el.SelectAttrValue("NSU", ""))
		if err != nil {
			return nil, err
		}
		content, err := unzip(el.Text())
		if err != nil {
			return nil, fmt.Errorf("NSU %s: %w", nsu, err)
		}
		docs = append(docs, model.DistributedDocument{
			NSU:    nsu,
			Schema: el.SelectAttrValue("schema", ""),
			XML:    content,
		})
	}
	sort.SliceStable(docs, func(i, j int) bool { return docs[i].NSU < docs[j].NSU })
	return docs, nil
}

// unzip decodes base64 and gunzips one document
func unzip(encoded string) ([]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(strings.Join(strings.Fields(encoded), ""))
	if err != nil {
		return nil, fmt.Errorf("decode base64: %w", err)
	}
	zr, err := gzip.NewReader(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("open gzip: %w", err)
	}
	defer zr.Close()

	content, err := io.ReadAll(io.LimitReader(zr, maxDocumentSize+1))
	if err != nil {
		return nil, fmt.Errorf("gunzip: %w", err)
	}
	if len(content) > maxDocumentSize {
		return nil, fmt.Errorf("document exceeds %d bytes", maxDocumentSize)
	}
	return content, nil
}

func textOf(el *etree.Element, name string) string {
	if c := el.SelectElement(name); c != nil {
		return strings.TrimSpace(c.Text())
	}
	return ""
}

func parseTime(s string) time.Time {
	for _, layout := range []string{time.RFC3339, "2006-01-02T15:04:05"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t
		}
	}
	return time.Time{}
}
