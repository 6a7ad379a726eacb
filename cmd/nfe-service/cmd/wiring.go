package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/rezonia/nfe-service/internal/certificate"
	"github.com/rezonia/nfe-service/internal/observability"
	"github.com/rezonia/nfe-service/internal/storage"
	"github.com/rezonia/nfe-service/internal/transmission"
)

const defaultPassphraseEnv = "NFE_CERTIFICATE_PASSPHRASE"

// credentialFlags locate the signing certificate. The passphrase is read
// from the environment so it never shows up in shell history.
type credentialFlags struct {
	path          string
	passphraseEnv string
}

func (f *credentialFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.path, "cert", "", "PKCS#12 (.pfx) certificate file")
	cmd.Flags().StringVar(&f.passphraseEnv, "passphrase-env", defaultPassphraseEnv, "Environment variable holding the certificate passphrase")
	_ = cmd.MarkFlagRequired("cert")
}

func (f *credentialFlags) read() ([]byte, string, error) {
	pfx, err := os.ReadFile(f.path)
	if err != nil {
		return nil, "", fmt.Errorf("read certificate: %w", err)
	}
	return pfx, os.Getenv(f.passphraseEnv), nil
}

// load reads and decodes the certificate. Callers must Destroy the result.
func (f *credentialFlags) load() (*certificate.Material, error) {
	pfx, passphrase, err := f.read()
	if err != nil {
		return nil, err
	}
	m, err := certificate.Load(pfx, passphrase)
	if err != nil {
		return nil, err
	}
	printVerbose("Certificate: %s\n", m.Holder())
	return m, nil
}

// newClient builds the authority client from the loaded configuration
func newClient(metrics *observability.Metrics) (*transmission.Client, error) {
	ts, err := cfg.TrustStore()
	if err != nil {
		return nil, fmt.Errorf("failed to create trust store: %w", err)
	}
	tc := cfg.Transmission()
	tc.RootCAs = ts.Roots()

	opts := []transmission.Option{transmission.WithLogger(logger)}
	if metrics != nil {
		opts = append(opts, transmission.WithMetrics(metrics))
	}
	return transmission.NewClient(tc, opts...), nil
}

func openStore() (*storage.Store, error) {
	store, err := storage.Open(cfg.StorageSettings())
	if err != nil {
		return nil, fmt.Errorf("failed to open %s store: %w", cfg.Storage.Driver, err)
	}
	printVerbose("Storage: %s\n", store.Driver())
	return store, nil
}
