// Package xml decodes NFe documents and the summaries delivered by the
// distribution service.
package xml

import (
	"bytes"
	"context"
	"fmt"
	"io"

	"github.com/rezonia/nfe-service/internal/model"
)

// Schema kinds delivered by the distribution service
const (
	KindResNFe        = "resNFe"
	KindProcNFe       = "procNFe"
	KindResEvento     = "resEvento"
	KindProcEventoNFe = "procEventoNFe"
)

// ParseError reports a document that cannot be decoded
type ParseError struct {
	Schema  string
	Field   string
	Message string
	Cause   error
}

func (e *ParseError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %s (%v)", e.Schema, e.Field, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s: %s", e.Schema, e.Field, e.Message)
}

func (e *ParseError) Unwrap() error         { return e.Cause }
func (e *ParseError) Kind() model.ErrorKind { return model.KindValidation }

// NewParseError creates a new parse error
func NewParseError(schema, field, message string, cause error) *ParseError {
	return &ParseError{Schema: schema, Field: field, Message: message, Cause: cause}
}

// Decoder turns one schema into a Summary
type Decoder interface {
	// Decode parses content into a Summary
	Decode(ctx context.Context, r io.Reader) (*Summary, error)

	// CanDecode returns true if the decoder handles this content
	CanDecode(content []byte) bool

	// Kind returns the schema kind, e.g. "resNFe"
	Kind() string
}

// Registry holds all registered decoders
type Registry struct {
	decoders []Decoder
}

// NewRegistry creates a registry with every distribution schema.
// Order matters: full documents come before their summaries since a
// procNFe also contains elements a summary matcher would accept.
func NewRegistry() *Registry {
	return &Registry{
		decoders: []Decoder{
			NewProcNFeDecoder(),
			NewProcEventoDecoder(),
			NewResNFeDecoder(),
			NewResEventoDecoder(),
		},
	}
}

// Detect identifies the decoder for content
func (r *Registry) Detect(content []byte) (Decoder, error) {
	for _, d := range r.decoders {
		if d.CanDecode(content) {
			return d, nil
		}
	}
	return nil, NewParseError("unknown", "root", "unknown XML schema, no matching decoder found", nil)
}

// Decode parses content with the matching decoder
func (r *Registry) Decode(ctx context.Context, content []byte) (*Summary, error) {
	d, err := r.Detect(content)
	if err != nil {
		return nil, err
	}
	return d.Decode(ctx, bytes.NewReader(content))
}

// DecodeDocument decodes a distributed document, preferring the decoder
// named by its schema attribute.
func (r *Registry) DecodeDocument(ctx context.Context, doc model.DistributedDocument) (*Summary, error) {
	d := r.Decoder(doc.Kind())
	if d == nil {
		var err error
		if d, err = r.Detect(doc.XML); err != nil {
			return nil, err
		}
	}
	s, err := d.Decode(ctx, bytes.NewReader(doc.XML))
	if err != nil {
		return nil, err
	}
	s.NSU = doc.NSU
	s.Schema = doc.Schema
	return s, nil
}

// Register adds a custom decoder to the registry
func (r *Registry) Register(d Decoder) {
	// custom decoders take priority
	r.decoders = append([]Decoder{d}, r.decoders...)
}

// Decoder returns the decoder for a schema kind
func (r *Registry) Decoder(kind string) Decoder {
	for _, d := range r.decoders {
		if d.Kind() == kind {
			return d
		}
	}
	return nil
}
