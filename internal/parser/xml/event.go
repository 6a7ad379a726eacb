package xml

import (
	"bytes"
	"context"
	"encoding/xml"
	"io"
	"strconv"
	"strings"

	"github.com/rezonia/nfe-service/internal/model"
)

// Event is an event registered against a document, such as a
// cancellation or a correction letter
type Event struct {
	Type          string `json:"type"`
	Sequence      int    `json:"sequence"`
	Description   string `json:"description,omitempty"`
	Justification string `json:"justification,omitempty"`
	Correction    string `json:"correction,omitempty"`
	Code          int    `json:"code,omitempty"`
	Reason        string `json:"reason,omitempty"`
}

// Event types most often seen in distribution
const (
	EventCancellation    = "110111"
	EventCorrection      = "110110"
	EventAcknowledgement = "210210"
	EventConfirmation    = "210200"
)

// resEvento structures
type resEventoXML struct {
	XMLName    xml.Name `xml:"resEvento"`
	COrgao     string   `xml:"cOrgao"`
	CNPJ       string   `xml:"CNPJ"`
	CPF        string   `xml:"CPF"`
	ChNFe      string   `xml:"chNFe"`
	DhEvento   string   `xml:"dhEvento"`
	TpEvento   string   `xml:"tpEvento"`
	NSeqEvento string   `xml:"nSeqEvento"`
	XEvento    string   `xml:"xEvento"`
	DhRecbto   string   `xml:"dhRecbto"`
	NProt      string   `xml:"nProt"`
}

// procEventoNFe structures
type procEventoXML struct {
	XMLName xml.Name `xml:"procEventoNFe"`
	Evento  struct {
		InfEvento struct {
			CNPJ       string `xml:"CNPJ"`
			CPF        string `xml:"CPF"`
			ChNFe      string `xml:"chNFe"`
			DhEvento   string `xml:"dhEvento"`
			TpEvento   string `xml:"tpEvento"`
			NSeqEvento string `xml:"nSeqEvento"`
			DetEvento  struct {
				DescEvento string `xml:"descEvento"`
				XJust      string `xml:"xJust"`
				XCorrecao  string `xml:"xCorrecao"`
			} `xml:"detEvento"`
		} `xml:"infEvento"`
	} `xml:"evento"`
	RetEvento struct {
		InfEvento struct {
			CStat       string `xml:"cStat"`
			XMotivo     string `xml:"xMotivo"`
			XEvento     string `xml:"xEvento"`
			DhRegEvento string `xml:"dhRegEvento"`
			NProt       string `xml:"nProt"`
		} `xml:"infEvento"`
	} `xml:"retEvento"`
}

// ResEventoDecoder decodes event summaries
type ResEventoDecoder struct{}

// NewResEventoDecoder creates a new resEvento decoder
func NewResEventoDecoder() *ResEventoDecoder {
	return &ResEventoDecoder{}
}

// Kind returns the schema kind
func (d *ResEventoDecoder) Kind() string {
	return KindResEvento
}

// CanDecode checks for a resEvento root
func (d *ResEventoDecoder) CanDecode(content []byte) bool {
	return bytes.Contains(content, []byte("<resEvento"))
}

// Decode parses a resEvento
func (d *ResEventoDecoder) Decode(ctx context.Context, r io.Reader) (*Summary, error) {
	content, err := io.ReadAll(r)
	if err != nil {
		return nil, NewParseError(KindResEvento, "content", "failed to read content", err)
	}

	var res resEventoXML
	if err := xml.Unmarshal(content, &res); err != nil {
		return nil, NewParseError(KindResEvento, "xml", "failed to parse XML", err)
	}
	key, err := model.ParseAccessKey(res.ChNFe)
	if err != nil {
		return nil, NewParseError(KindResEvento, "chNFe", "invalid access key", err)
	}

	seq, _ := strconv.Atoi(strings.TrimSpace(res.NSeqEvento))
	s := &Summary{
		Kind:        KindResEvento,
		AccessKey:   key,
		IssuerTaxID: firstNonEmpty(res.CNPJ, res.CPF),
		Protocol:    strings.TrimSpace(res.NProt),
		Event: &Event{
			Type:        strings.TrimSpace(res.TpEvento),
			Sequence:    seq,
			Description: res.XEvento,
		},
	}
	if t, err := parseDate(res.DhEvento); err == nil {
		s.IssuedAt = t
	}
	if t, err := parseDate(res.DhRecbto); err == nil {
		s.ReceivedAt = t
	}
	return s, nil
}

// ProcEventoDecoder decodes full events with their registration
type ProcEventoDecoder struct{}

// NewProcEventoDecoder creates a new procEventoNFe decoder
func NewProcEventoDecoder() *ProcEventoDecoder {
	return &ProcEventoDecoder{}
}

// Kind returns the schema kind
func (d *ProcEventoDecoder) Kind() string {
	return KindProcEventoNFe
}

// CanDecode checks for a procEventoNFe root
func (d *ProcEventoDecoder) CanDecode(content []byte) bool {
	return bytes.Contains(content, []byte("<procEventoNFe"))
}

// Decode parses a procEventoNFe
func (d *ProcEventoDecoder) Decode(ctx context.Context, r io.Reader) (*Summary, error) {
	content, err := io.ReadAll(r)
	if err != nil {
		return nil, NewParseError(KindProcEventoNFe, "content", "failed to read content", err)
	}

	var proc procEventoXML
	if err := xml.Unmarshal(content, &proc); err != nil {
		return nil, NewParseError(KindProcEventoNFe, "xml", "failed to parse XML", err)
	}
	inf := proc.Evento.InfEvento
	ret := proc.RetEvento.InfEvento

	key, err := model.ParseAccessKey(inf.ChNFe)
	if err != nil {
		return nil, NewParseError(KindProcEventoNFe, "chNFe", "invalid access key", err)
	}

	seq, _ := strconv.Atoi(strings.TrimSpace(inf.NSeqEvento))
	code, _ := strconv.Atoi(strings.TrimSpace(ret.CStat))
	s := &Summary{
		Kind:        KindProcEventoNFe,
		AccessKey:   key,
		IssuerTaxID: firstNonEmpty(inf.CNPJ, inf.CPF),
		Protocol:    strings.TrimSpace(ret.NProt),
		Event: &Event{
			Type:          strings.TrimSpace(inf.TpEvento),
			Sequence:      seq,
			Description:   firstNonEmpty(inf.DetEvento.DescEvento, ret.XEvento),
			Justification: strings.TrimSpace(inf.DetEvento.XJust),
			Correction:    strings.TrimSpace(inf.DetEvento.XCorrecao),
			Code:          code,
			Reason:        ret.XMotivo,
		},
	}
	if s.Event.Type == EventCancellation && code >= 135 && code <= 136 {
		s.Situation = SituationCancelled
	}
	if t, err := parseDate(inf.DhEvento); err == nil {
		s.IssuedAt = t
	}
	if t, err := parseDate(ret.DhRegEvento); err == nil {
		s.ReceivedAt = t
	}
	return s, nil
}
