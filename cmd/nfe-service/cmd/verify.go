package cmd

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/rezonia/nfe-service/internal/processor"
	"github.com/rezonia/nfe-service/internal/signature"
	"github.com/rezonia/nfe-service/internal/signature/trust"
	sigxml "github.com/rezonia/nfe-service/internal/signature/xml"
)

var (
	caFile   string
	skipOCSP bool
)

var verifyCmd = &cobra.Command{
	Use:   "verify [files...]",
	Short: "Verify signed NF-e XML and DANFE PDFs",
	Long: `Verify signed NF-e documents and DANFE files.

An NFe or nfeProc passes when its infNFe signature verifies, the signer
chains to the trust bundle as of dhEmi and no OCSP responder revoked it.
A PDF passes when it is a DANFE whose access key and protocol can be read
back.

Examples:
  nfe-service verify 3524...-procNFe.xml
  nfe-service verify --ca-file icp-brasil/ out/
  nfe-service verify -f json out/*.xml out/*.pdf`,
	Args: cobra.MinimumNArgs(1),
	RunE: runVerify,
}

func init() {
	rootCmd.AddCommand(verifyCmd)

	verifyCmd.Flags().StringVar(&caFile, "ca-file", "", "Extra CA certificate file or directory (PEM format)")
	verifyCmd.Flags().BoolVar(&skipOCSP, "skip-ocsp", false, "Tolerate unreachable OCSP responders")
}

// VerifyResult is the outcome for one file
type VerifyResult struct {
	File      string                        `json:"file"`
	Valid     bool                          `json:"valid"`
	Format    string                        `json:"format,omitempty"`
	AccessKey string                        `json:"access_key,omitempty"`
	Protocol  string                        `json:"protocol,omitempty"`
	Signature *signature.VerificationResult `json:"signature,omitempty"`
	Error     string                        `json:"error,omitempty"`
}

func runVerify(cmd *cobra.Command, args []string) error {
	files, err := collectFiles(args, ".xml", ".pdf")
	if err != nil {
		return err
	}
	if len(files) == 0 {
		return fmt.Errorf("no files found to verify")
	}

	extra := []trust.TrustStoreOption{trust.WithBundle(caFile)}
	if skipOCSP {
		extra = append(extra, trust.WithSoftFail())
	}
	ts, err := cfg.TrustStore(extra...)
	if err != nil {
		return fmt.Errorf("failed to create trust store: %w", err)
	}
	verifier := sigxml.NewXMLVerifier(ts)

	results := make([]*VerifyResult, 0, len(files))
	failed := 0
	for _, file := range files {
		printVerbose("Verifying: %s\n", file)
		r := verifyFile(cmd.Context(), verifier, file)
		if !r.Valid {
			failed++
		}
		results = append(results, r)
	}

	if outputFormat == "json" {
		if err := printJSON(results); err != nil {
			return err
		}
	} else {
		for _, r := range results {
			printVerifyResult(r)
		}
	}

	if failed > 0 {
		return fmt.Errorf("%d of %d files failed verification", failed, len(files))
	}
	return nil
}

func verifyFile(ctx context.Context, verifier signature.Verifier, path string) *VerifyResult {
	ctx, cancel := context.WithTimeout(ctx, 60*time.Second)
	defer cancel()

	r := &VerifyResult{File: path}
	data, err := os.ReadFile(path)
	if err != nil {
		r.Error = fmt.Sprintf("failed to read file: %v", err)
		return r
	}

	v, err := processor.Verify(ctx, verifier, data)
	if err != nil {
		r.Error = err.Error()
		return r
	}
	r.Format = v.Kind

	switch {
	case v.DANFE != nil:
		r.Valid = true
		r.AccessKey = string(v.DANFE.AccessKey)
		r.Protocol = v.DANFE.Protocol
	case v.Signature != nil:
		r.Signature = v.Signature
		r.Valid = v.Signature.Valid
		r.AccessKey = v.Signature.AccessKey
		r.Protocol = v.Signature.Protocol
	}
	return r
}

func printVerifyResult(r *VerifyResult) {
	verdict := "VALID"
	if !r.Valid {
		verdict = "INVALID"
	}
	fmt.Printf("%s %s: %s\n", mark(r.Valid), r.File, verdict)

	line := func(label, value string) {
		if value != "" {
			fmt.Printf("  %-8s %s\n", label+":", value)
		}
	}
	line("Format", r.Format)
	line("Key", r.AccessKey)
	line("Prot", r.Protocol)
	if r.Error != "" {
		fmt.Printf("  ✗ %s\n", r.Error)
	}

	sig := r.Signature
	if sig == nil {
		return
	}
	if s := sig.Signer; s != nil {
		line("Signer", s.Name)
		line("CNPJ", s.TaxID)
		line("Issuer", s.Issuer)
	}
	if sig.IssuedAt != nil {
		line("Issued", sig.IssuedAt.Format(time.RFC3339))
	}
	if sig.SignatureFound {
		revoked := mark(sig.NotRevoked)
		if skipOCSP && !sig.NotRevoked {
			revoked = "- (skipped)"
		}
		fmt.Printf("  Signature:   %s\n", mark(sig.SignatureValid))
		fmt.Printf("  Cert Chain:  %s\n", mark(sig.CertChainValid))
		fmt.Printf("  Not Revoked: %s\n", revoked)
	}
	if len(sig.Codes) > 0 {
		line("Codes", strings.Join(sig.Codes, ", "))
	}
	for _, e := range sig.Errors {
		fmt.Printf("  ✗ %s\n", e)
	}
	for _, w := range sig.Warnings {
		fmt.Printf("  ⚠ %s\n", w)
	}
}

func mark(ok bool) string {
	if ok {
		return "✓"
	}
	return "✗"
}

// collectFiles expands globs and walks directories, keeping files whose
// extension is one of exts
func collectFiles(args []string, exts ...string) ([]string, error) {
	var files []string
	for _, arg := range args {
		matches, err := filepath.Glob(arg)
		if err != nil {
			return nil, fmt.Errorf("invalid pattern %s: %w", arg, err)
		}
		if matches == nil {
			info, err := os.Stat(arg)
			if err != nil {
				return nil, fmt.Errorf("file not found: %s", arg)
			}
			if !info.IsDir() {
				files = append(files, arg)
				continue
			}
			matches = []string{arg}
		}

		for _, root := range matches {
			err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
				if err != nil {
					return err
				}
				if !d.IsDir() && hasExt(path, exts) {
					files = append(files, path)
				}
				return nil
			})
			if err != nil {
				return nil, err
			}
		}
	}
	return files, nil
}

func hasExt(path string, exts []string) bool {
	return slices.Contains(exts, strings.ToLower(filepath.Ext(path)))
}
