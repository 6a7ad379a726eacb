package cmd

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/rezonia/nfe-service/internal/document"
	"github.com/rezonia/nfe-service/internal/model"
)

var validateXMLOut bool

var validateCmd = &cobra.Command{
	Use:   "validate [files...]",
	Short: "Validate emission input files",
	Long: `Validate one or more emission input files without signing or
transmitting them.

Checks performed:
  - Issuer and recipient CNPJ/CPF check digits, UF and address fields
  - Series, number and emission date
  - Item NCM, CFOP, quantities and tax groups for the issuer's regime
  - Totals and payments

The number is taken from metadata.number, or last_used_number + 1.

Examples:
  nfe-service validate invoice.json
  nfe-service validate inputs/ --xml`,
	Args: cobra.MinimumNArgs(1),
	RunE: runValidate,
}

func init() {
	rootCmd.AddCommand(validateCmd)

	validateCmd.Flags().BoolVar(&validateXMLOut, "xml", false, "Print the unsigned XML of valid inputs")
}

// ValidationResult holds the result of validating one input
type ValidationResult struct {
	File      string             `json:"file"`
	Valid     bool               `json:"valid"`
	AccessKey model.AccessKey    `json:"access_key,omitempty"`
	Number    int64              `json:"number,omitempty"`
	Total     string             `json:"total,omitempty"`
	Errors    []model.FieldError `json:"errors,omitempty"`
	Warnings  []string           `json:"warnings,omitempty"`
	XML       string             `json:"xml,omitempty"`
	Failure   string             `json:"failure,omitempty"`
}

func runValidate(cmd *cobra.Command, args []string) error {
	files, err := collectFiles(args, ".json")
	if err != nil {
		return err
	}
	if len(files) == 0 {
		return fmt.Errorf("no files found to validate")
	}

	assembler := document.NewAssembler()
	results := make([]*ValidationResult, 0, len(files))
	allValid := true
	for _, file := range files {
		result := validateFile(assembler, file)
		results = append(results, result)
		if !result.Valid {
			allValid = false
		}
	}

	if outputFormat == "json" {
		if err := printJSON(results); err != nil {
			return err
		}
	} else {
		for _, r := range results {
			printValidationResult(r)
		}
	}

	if !allValid {
		return fmt.Errorf("validation failed for some files")
	}
	return nil
}

func validateFile(assembler *document.Assembler, file string) *ValidationResult {
	result := &ValidationResult{File: file}

	in, err := readInput(file)
	if err != nil {
		result.Failure = err.Error()
		return result
	}

	out, err := assembler.Assemble(in)
	if err != nil {
		var verr *model.ValidationError
		if errors.As(err, &verr) {
			result.Errors = verr.Fields
		} else {
			result.Failure = err.Error()
		}
		return result
	}

	result.Valid = true
	result.AccessKey = out.Document.AccessKey
	result.Number = out.Document.Metadata.Number
	result.Total = out.Document.Totals.Invoice.StringFixed(2)
	result.Warnings = out.Warnings
	if validateXMLOut {
		result.XML = string(out.XML)
	}
	return result
}

func printValidationResult(r *ValidationResult) {
	if !r.Valid {
		fmt.Printf("✗ %s: INVALID\n", r.File)
		if r.Failure != "" {
			fmt.Printf("  - %s\n", r.Failure)
		}
		for _, e := range r.Errors {
			fmt.Printf("  - %s\n", e.String())
		}
		return
	}

	fmt.Printf("✓ %s: VALID\n", r.File)
	fmt.Printf("  Key:    %s\n", r.AccessKey)
	fmt.Printf("  Number: %d\n", r.Number)
	fmt.Printf("  Total:  %s\n", r.Total)
	for _, w := range r.Warnings {
		fmt.Printf("  ⚠ %s\n", w)
	}
	if r.XML != "" {
		fmt.Fprintln(os.Stdout, r.XML)
	}
}
