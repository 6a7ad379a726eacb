package cmd

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/rezonia/nfe-service/internal/config"
	"github.com/rezonia/nfe-service/internal/observability"
)

var (
	version = "1.0.0"

	// Global flags
	configPath   string
	logLevel     string
	outputFormat string
	verbose      bool

	cfg    *config.Config
	logger *zap.Logger
)

var rootCmd = &cobra.Command{
	Use:   "nfe-service",
	Short: "Emit and distribute Brazilian electronic invoices (NF-e)",
	Long: `nfe-service assembles, signs and transmits NF-e model 55 documents to
the state tax authorities (SEFAZ), renders the DANFE and keeps local copies
of the documents the national distribution service holds for a party.

Settings come from an optional TOML file, then NFE_* environment variables,
then flags.

Examples:
  # Run the HTTP API
  nfe-service serve --config nfe.toml

  # Emit one document
  NFE_CERTIFICATE_PASSPHRASE=... nfe-service emit invoice.json --cert company.pfx

  # Fetch everything the authority holds for a CNPJ
  nfe-service distribute --party 11222333000181 --uf SP --cert company.pfx --drain

  # Check an authority
  nfe-service status --uf SP --cert company.pfx`,
	Version:           version,
	SilenceUsage:      true,
	PersistentPreRunE: initConfig,
	PersistentPostRun: func(*cobra.Command, []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "TOML configuration file (env: NFE_CONFIG)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level: debug, info, warn, error (env: NFE_LOG_LEVEL)")
	rootCmd.PersistentFlags().StringVarP(&outputFormat, "format", "f", "table", "Output format (json, table)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose output")
}

func initConfig(cmd *cobra.Command, args []string) error {
	if configPath == "" {
		configPath = os.Getenv("NFE_CONFIG")
	}
	loaded, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if logLevel != "" {
		loaded.Log.Level = logLevel
		if err := loaded.Validate(); err != nil {
			return err
		}
	}
	switch outputFormat {
	case "json", "table":
	default:
		return fmt.Errorf("unknown output format %q", outputFormat)
	}
	cfg = loaded
	logger = observability.NewLogger(cfg.Log.Level)
	return nil
}

func printVerbose(format string, args ...interface{}) {
	if verbose {
		fmt.Fprintf(os.Stderr, format, args...)
	}
}

func printJSON(v interface{}) error {
	encoder := json.NewEncoder(os.Stdout)
	encoder.SetIndent("", "  ")
	return encoder.Encode(v)
}
