package cmd

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/rezonia/nfe-service/internal/danfe"
)

var danfeOutput string

var danfeCmd = &cobra.Command{
	Use:   "danfe <procNFe.xml>",
	Short: "Render the DANFE of an authorized NF-e",
	Long: `Render the DANFE PDF of an authorized document (nfeProc with protNFe).

Examples:
  nfe-service danfe 3524...-procNFe.xml
  nfe-service danfe invoice.xml -o invoice.pdf`,
	Args: cobra.ExactArgs(1),
	RunE: runDANFE,
}

func init() {
	rootCmd.AddCommand(danfeCmd)

	danfeCmd.Flags().StringVarP(&danfeOutput, "output", "o", "", "Output PDF (default: input name with .pdf)")
}

func runDANFE(cmd *cobra.Command, args []string) error {
	data, err := os.ReadFile(args[0])
	if err != nil {
		return fmt.Errorf("failed to read file: %w", err)
	}

	pdf, err := danfe.NewRenderer(danfe.WithLogger(logger)).Render(data)
	if err != nil {
		return err
	}

	out := danfeOutput
	if out == "" {
		out = strings.TrimSuffix(args[0], filepath.Ext(args[0])) + ".pdf"
	}
	if err := os.WriteFile(out, pdf, 0o644); err != nil {
		return fmt.Errorf("failed to write %s: %w", out, err)
	}

	meta, err := danfe.Extract(pdf)
	if err != nil {
		return err
	}
	if outputFormat == "json" {
		return printJSON(struct {
			File string `json:"file"`
			*danfe.Metadata
		}{out, meta})
	}
	fmt.Printf("✓ %s\n", out)
	fmt.Printf("  Key:      %s\n", meta.AccessKey)
	fmt.Printf("  Protocol: %s\n", meta.Protocol)
	fmt.Printf("  Pages:    %d\n", meta.Pages)
	return nil
}
