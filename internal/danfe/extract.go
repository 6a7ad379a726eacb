package danfe

import (
	"bytes"
	"strings"

	"github.com/pdfcpu/pdfcpu/pkg/api"
	pdfmodel "github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"

	"github.com/rezonia/nfe-service/internal/model"
)

func init() {
	// keep pdfcpu from creating a user config directory
	pdfmodel.ConfigPath = "disable"
}

// Metadata is what a DANFE carries about its document
type Metadata struct {
	AccessKey model.AccessKey `json:"access_key"`
	Protocol  string          `json:"protocol"`
	Title     string          `json:"title,omitempty"`
	Pages     int             `json:"pages"`
}

// Extract validates a DANFE PDF and reads back its access key and
// authorization protocol.
func Extract(pdf []byte) (*Metadata, error) {
	conf := pdfmodel.NewDefaultConfiguration()
	conf.ValidationMode = pdfmodel.ValidationRelaxed

	ctx, err := api.ReadAndValidate(bytes.NewReader(pdf), conf)
	if err != nil {
		return nil, model.NewRenderError("invalid PDF", err)
	}

	meta := &Metadata{
		Title: ctx.XRefTable.Title,
		Pages: ctx.XRefTable.PageCount,
	}
	for _, src := range []string{ctx.XRefTable.Subject, ctx.XRefTable.Keywords} {
		key, prot := parseSubject(src)
		if key != "" && prot != "" {
			meta.AccessKey, meta.Protocol = key, prot
			break
		}
	}
	if !meta.AccessKey.Valid() || meta.Protocol == "" {
		return nil, model.NewRenderError("PDF does not identify an authorized NF-e", nil)
	}
	return meta, nil
}

func parseSubject(s string) (model.AccessKey, string) {
	var key model.AccessKey
	var prot string
	for _, part := range strings.Split(s, ";") {
		name, value, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			continue
		}
		switch name {
		case "chNFe":
			key = model.AccessKey(value)
		case "nProt":
			prot = value
		}
	}
	return key, prot
}
