package cmd

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rezonia/nfe-service/internal/processor"
	"github.com/rezonia/nfe-service/internal/signature/trust"
	sigxml "github.com/rezonia/nfe-service/internal/signature/xml"
)

const inputJSON = `{
  "issuer": {"cnpj": "11222333000181", "legal_name": "Loja Mae Comercio Ltda"},
  "recipient": {"tax_id": "52998224725", "name": "Maria da Silva"},
  "items": [{"number": 1, "code": "P001", "quantity": "2", "unit_price": "10.00"}],
  "metadata": {"series": 1},
  "last_used_number": 41
}`

func TestReadInput(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "invoice.json")
	require.NoError(t, os.WriteFile(path, []byte(inputJSON), 0o600))

	in, err := readInput(path)
	require.NoError(t, err)
	assert.Equal(t, "11222333000181", in.Issuer.CNPJ)
	assert.Equal(t, "52998224725", in.Recipient.TaxID)
	require.Len(t, in.Items, 1)
	assert.Equal(t, "10", in.Items[0].UnitPrice.String())
	assert.Equal(t, int64(41), in.LastUsedNumber)

	bad := filepath.Join(dir, "bad.json")
	require.NoError(t, os.WriteFile(bad, []byte(`{"certificate": "AAAA"}`), 0o600))
	_, err = readInput(bad)
	assert.Error(t, err, "unknown fields are rejected")

	_, err = readInput(filepath.Join(dir, "missing.json"))
	assert.Error(t, err)
}

func TestCollectFiles(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"a.xml", "b.PDF", "c.json", "nested/d.xml"} {
		path := filepath.Join(dir, name)
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
		require.NoError(t, os.WriteFile(path, []byte("x"), 0o600))
	}

	files, err := collectFiles([]string{dir}, ".xml", ".pdf")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{
		filepath.Join(dir, "a.xml"),
		filepath.Join(dir, "b.PDF"),
		filepath.Join(dir, "nested", "d.xml"),
	}, files)

	files, err = collectFiles([]string{filepath.Join(dir, "*.json")}, ".json")
	require.NoError(t, err)
	assert.Equal(t, []string{filepath.Join(dir, "c.json")}, files)

	_, err = collectFiles([]string{filepath.Join(dir, "nope.xml")}, ".xml")
	assert.Error(t, err)
}

func TestWriteArtifacts(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "out")
	res := &processor.Result{
		Status:        processor.StatusAuthorized,
		AccessKey:     "35240111222333000181550010000001241123456788",
		AuthorizedXML: []byte("<nfeProc/>"),
		DANFE:         []byte("%PDF-1.4"),
	}

	files, err := writeArtifacts(dir, res)
	require.NoError(t, err)
	require.Len(t, files, 2)
	assert.Equal(t, filepath.Join(dir, "35240111222333000181550010000001241123456788-procNFe.xml"), files[0])

	data, err := os.ReadFile(files[1])
	require.NoError(t, err)
	assert.Equal(t, "%PDF-1.4", string(data))
}

func TestVerifyFile(t *testing.T) {
	dir := t.TempDir()
	verifier := sigxml.NewXMLVerifier(trust.NewEmptyTrustStore())

	r := verifyFile(context.Background(), verifier, filepath.Join(dir, "missing.xml"))
	assert.False(t, r.Valid)
	assert.Contains(t, r.Error, "failed to read file")

	unsigned := filepath.Join(dir, "unsigned.xml")
	require.NoError(t, os.WriteFile(unsigned, []byte(`<NFe xmlns="http://www.portalfiscal.inf.br/nfe">`+
		`<infNFe Id="NFe35240111222333000181550010000001241123456788" versao="4.00"><ide/></infNFe></NFe>`), 0o600))

	r = verifyFile(context.Background(), verifier, unsigned)
	assert.False(t, r.Valid)
	assert.NotEmpty(t, r.Error)
}
