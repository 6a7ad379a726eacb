package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/rezonia/nfe-service/internal/danfe"
	"github.com/rezonia/nfe-service/internal/document"
	"github.com/rezonia/nfe-service/internal/model"
	"github.com/rezonia/nfe-service/internal/processor"
	"github.com/rezonia/nfe-service/internal/sequence"
	sigxml "github.com/rezonia/nfe-service/internal/signature/xml"
)

var (
	emitCreds  credentialFlags
	emitOutDir string
	emitNoPDF  bool
)

var emitCmd = &cobra.Command{
	Use:   "emit <input.json>",
	Short: "Emit one NF-e",
	Long: `Assemble, sign and transmit one NF-e, then render its DANFE.

The input file carries the same issuer, recipient, items, payments, metadata
and last_used_number fields as POST /api/v1/nfe/emit, without the
certificate. Use "-" to read it from stdin.

The document number is reserved from the configured store, so repeated runs
against the same database never reuse a number.

Examples:
  nfe-service emit invoice.json --cert company.pfx
  nfe-service emit invoice.json --cert company.pfx -o out/ -f json`,
	Args: cobra.ExactArgs(1),
	RunE: runEmit,
}

func init() {
	rootCmd.AddCommand(emitCmd)

	emitCreds.register(emitCmd)
	emitCmd.Flags().StringVarP(&emitOutDir, "output", "o", ".", "Directory for the authorized XML and the DANFE")
	emitCmd.Flags().BoolVar(&emitNoPDF, "no-danfe", false, "Skip DANFE rendering")
}

// emitInput is the JSON layout of an emission input file
type emitInput struct {
	Issuer         model.Issuer     `json:"issuer"`
	Recipient      model.Recipient  `json:"recipient"`
	Items          []model.LineItem `json:"items"`
	Payments       []model.Payment  `json:"payments"`
	Metadata       model.Metadata   `json:"metadata"`
	LastUsedNumber int64            `json:"last_used_number"`
}

func (in emitInput) document() document.Input {
	return document.Input{
		Issuer:         in.Issuer,
		Recipient:      in.Recipient,
		Items:          in.Items,
		Payments:       in.Payments,
		Metadata:       in.Metadata,
		LastUsedNumber: in.LastUsedNumber,
	}
}

func readInput(path string) (document.Input, error) {
	var r io.Reader = os.Stdin
	if path != "-" {
		f, err := os.Open(path)
		if err != nil {
			return document.Input{}, fmt.Errorf("failed to open input: %w", err)
		}
		defer f.Close()
		r = f
	}
	var in emitInput
	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&in); err != nil {
		return document.Input{}, fmt.Errorf("failed to parse input %s: %w", path, err)
	}
	return in.document(), nil
}

func runEmit(cmd *cobra.Command, args []string) error {
	in, err := readInput(args[0])
	if err != nil {
		return err
	}
	pfx, passphrase, err := emitCreds.read()
	if err != nil {
		return err
	}

	store, err := openStore()
	if err != nil {
		return err
	}
	defer store.Close()

	client, err := newClient(nil)
	if err != nil {
		return err
	}

	opts := []processor.Option{
		processor.WithNumerator(sequence.NewNumerator(store.Sequences(), logger)),
		processor.WithSigner(sigxml.NewSigner()),
		processor.WithTransmitter(client),
		processor.WithStore(store.Authorizations()),
		processor.WithLogger(logger),
	}
	if emitNoPDF {
		opts = append(opts, processor.WithRenderer(nil))
	} else {
		opts = append(opts, processor.WithRenderer(danfe.NewRenderer(danfe.WithLogger(logger))))
	}
	pipeline := processor.NewPipeline(opts...)

	ctx, cancel := context.WithTimeout(cmd.Context(), 3*time.Minute)
	defer cancel()

	printVerbose("Emitting series %d for %s\n", in.Metadata.Series, in.Issuer.CNPJ)
	res := pipeline.Emit(ctx, processor.EmitRequest{Certificate: pfx, Passphrase: passphrase, Input: in})

	var written []string
	if res.Authorized() {
		written, err = writeArtifacts(emitOutDir, res)
		if err != nil {
			return err
		}
	}

	if outputFormat == "json" {
		out := struct {
			*processor.Result
			Error string   `json:"error,omitempty"`
			Files []string `json:"files,omitempty"`
		}{Result: res, Files: written}
		if res.Error != nil {
			out.Error = res.Error.Error()
		}
		if err := printJSON(out); err != nil {
			return err
		}
	} else {
		printEmitResult(res, written)
	}

	if !res.Authorized() {
		return fmt.Errorf("emission %s", res.Status)
	}
	return nil
}

func writeArtifacts(dir string, res *processor.Result) ([]string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create output directory: %w", err)
	}
	var files []string
	xmlPath := filepath.Join(dir, string(res.AccessKey)+"-procNFe.xml")
	if err := os.WriteFile(xmlPath, res.AuthorizedXML, 0o644); err != nil {
		return files, fmt.Errorf("failed to write %s: %w", xmlPath, err)
	}
	files = append(files, xmlPath)
	if len(res.DANFE) > 0 {
		pdfPath := filepath.Join(dir, string(res.AccessKey)+"-danfe.pdf")
		if err := os.WriteFile(pdfPath, res.DANFE, 0o644); err != nil {
			return files, fmt.Errorf("failed to write %s: %w", pdfPath, err)
		}
		files = append(files, pdfPath)
	}
	return files, nil
}

func printEmitResult(res *processor.Result, files []string) {
	switch res.Status {
	case processor.StatusAuthorized:
		fmt.Printf("✓ %s: AUTHORIZED\n", res.AccessKey)
	case processor.StatusRejected:
		fmt.Printf("✗ %s: REJECTED\n", res.AccessKey)
	default:
		fmt.Printf("✗ emission FAILED\n")
	}
	if res.Code != 0 {
		fmt.Printf("  Code:     %d %s\n", res.Code, res.Reason)
	}
	if res.Number != 0 {
		fmt.Printf("  Number:   %d (series %d)\n", res.Number, res.Series)
	}
	if res.Protocol != "" {
		fmt.Printf("  Protocol: %s\n", res.Protocol)
		fmt.Printf("  Received: %s\n", res.ReceivedAt.Format(time.RFC3339))
	}
	for _, f := range files {
		fmt.Printf("  Wrote:    %s\n", f)
	}
	if res.Error != nil && res.Status == processor.StatusFailed {
		fmt.Printf("  Error:    %v\n", res.Error)
	}
	for _, w := range res.Warnings {
		fmt.Printf("  ⚠ %s\n", w)
	}
	fmt.Printf("  Time:     %s\n", res.Duration.Round(time.Millisecond))
}
