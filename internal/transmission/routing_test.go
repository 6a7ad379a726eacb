package transmission

import (
	"testing"

	"github.com/beevik/etree"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rezonia/nfe-service/internal/model"
)

func TestResolve(t *testing.T) {
	tests := []struct {
		name    string
		uf      model.UF
		service Service
		env     model.Environment
		want    string
	}{
		{"own authority production", "SP", ServiceAuthorization, model.EnvironmentProduction, "https://nfe.fazenda.sp.gov.br/ws/nfeautorizacao4.asmx"},
		{"own authority homologation", "SP", ServiceStatus, model.EnvironmentHomologation, "https://homologacao.nfe.fazenda.sp.gov.br/ws/nfestatusservico4.asmx"},
		{"SVAN", "MA", ServiceAuthorization, model.EnvironmentProduction, "https://www.sefazvirtual.fazenda.gov.br/NFeAutorizacao4/NFeAutorizacao4.asmx"},
		{"SVRS", "AC", ServiceProtocol, model.EnvironmentHomologation, "https://nfe-homologacao.svrs.rs.gov.br/ws/NfeConsulta/NfeConsulta4.asmx"},
		{"SVRS for DF", "DF", ServiceAuthorizationReturn, model.EnvironmentProduction, "https://nfe.svrs.rs.gov.br/ws/NfeRetAutorizacao/NFeRetAutorizacao4.asmx"},
		{"distribution goes national", "MG", ServiceDistribution, model.EnvironmentProduction, "https://www1.nfe.fazenda.gov.br/NFeDistribuicaoDFe/NFeDistribuicaoDFe.asmx"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Resolve(tt.uf, tt.service, tt.env)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestResolve_Unknown(t *testing.T) {
	tests := []struct {
		name    string
		uf      model.UF
		service Service
		env     model.Environment
	}{
		{"unknown UF", "XX", ServiceAuthorization, model.EnvironmentProduction},
		{"unknown service", "SP", Service("NFeInutilizacao4"), model.EnvironmentProduction},
		{"unknown environment", "SP", ServiceAuthorization, model.Environment(3)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Resolve(tt.uf, tt.service, tt.env)
			var rerr *model.RoutingError
			require.ErrorAs(t, err, &rerr)
			assert.Equal(t, model.KindRouting, model.KindOf(err))
		})
	}
}

func TestEveryUFResolves(t *testing.T) {
	for _, uf := range model.UFs() {
		for _, s := range []Service{ServiceAuthorization, ServiceAuthorizationReturn, ServiceStatus, ServiceProtocol, ServiceDistribution} {
			for _, env := range []model.Environment{model.EnvironmentProduction, model.EnvironmentHomologation} {
				_, err := Resolve(uf, s, env)
				assert.NoError(t, err, "%s %s %s", uf, s, env)
			}
		}
	}
}

func TestRouter_Overrides(t *testing.T) {
	r := NewRouter(map[string]string{
		"sp/NFeAutorizacao4/2": "https://sp-auth-hom.local",
		"SP/*/2":               "https://sp-hom.local",
		"*/*/2":                "https://hom.local",
	})

	got, err := r.Resolve("SP", ServiceAuthorization, model.EnvironmentHomologation)
	require.NoError(t, err)
	assert.Equal(t, "https://sp-auth-hom.local", got)

	got, err = r.Resolve("SP", ServiceStatus, model.EnvironmentHomologation)
	require.NoError(t, err)
	assert.Equal(t, "https://sp-hom.local", got)

	// AC is served by SVRS
	got, err = r.Resolve("AC", ServiceStatus, model.EnvironmentHomologation)
	require.NoError(t, err)
	assert.Equal(t, "https://hom.local", got)

	got, err = r.Resolve("SP", ServiceStatus, model.EnvironmentProduction)
	require.NoError(t, err)
	assert.Equal(t, "https://nfe.fazenda.sp.gov.br/ws/nfestatusservico4.asmx", got)

	_, err = r.Resolve("XX", ServiceStatus, model.EnvironmentHomologation)
	assert.Error(t, err, "overrides never route unknown UFs")
}

func TestEnvelope(t *testing.T) {
	payload := message("consStatServ")
	payload.CreateElement("tpAmb").SetText("2")

	raw, err := envelope(ServiceStatus, payload)
	require.NoError(t, err)
	s := string(raw)
	assert.Contains(t, s, `<soap12:Envelope xmlns:xsi="http://www.w3.org/2001/XMLSchema-instance" xmlns:xsd="http://www.w3.org/2001/XMLSchema" xmlns:soap12="http://www.w3.org/2003/05/soap-envelope">`)
	assert.Contains(t, s, `<soap12:Body><nfeDadosMsg xmlns="http://www.portalfiscal.inf.br/nfe/wsdl/NFeStatusServico4"><consStatServ xmlns="http://www.portalfiscal.inf.br/nfe" versao="4.00">`)

	dist := message("distDFeInt")
	raw, err = envelope(ServiceDistribution, dist)
	require.NoError(t, err)
	assert.Contains(t, string(raw), `<nfeDistDFeInteresse xmlns="http://www.portalfiscal.inf.br/nfe/wsdl/NFeDistribuicaoDFe"><nfeDadosMsg><distDFeInt`)
}

func TestContentType(t *testing.T) {
	assert.Equal(t,
		`application/soap+xml; charset=utf-8; action="http://www.portalfiscal.inf.br/nfe/wsdl/NFeDistribuicaoDFe/nfeDistDFeInteresse"`,
		contentType(ServiceDistribution))
}

func TestUnwrap(t *testing.T) {
	t.Run("result wrappers", func(t *testing.T) {
		el, err := unwrap([]byte(`<env:Envelope xmlns:env="http://www.w3.org/2003/05/soap-envelope"><env:Body>` +
			`<nfeDistDFeInteresseResponse xmlns="http://www.portalfiscal.inf.br/nfe/wsdl/NFeDistribuicaoDFe"><nfeDistDFeInteresseResult>` +
			`<retDistDFeInt xmlns="http://www.portalfiscal.inf.br/nfe" versao="1.01"><cStat>137</cStat><xMotivo>Nenhum documento localizado</xMotivo></retDistDFeInt>` +
			`</nfeDistDFeInteresseResult></nfeDistDFeInteresseResponse></env:Body></env:Envelope>`))
		require.NoError(t, err)
		assert.Equal(t, "retDistDFeInt", el.Tag)

		code, reason, err := status(el)
		require.NoError(t, err)
		assert.Equal(t, 137, code)
		assert.Equal(t, "Nenhum documento localizado", reason)
	})

	t.Run("fault", func(t *testing.T) {
		_, err := unwrap([]byte(`<soap:Envelope xmlns:soap="http://www.w3.org/2003/05/soap-envelope"><soap:Body><soap:Fault>` +
			`<soap:Code><soap:Value>soap:Receiver</soap:Value></soap:Code><soap:Reason><soap:Text>boom</soap:Text></soap:Reason>` +
			`</soap:Fault></soap:Body></soap:Envelope>`))
		var f *faultError
		require.ErrorAs(t, err, &f)
		assert.Equal(t, "soap:Receiver", f.code)
		assert.Equal(t, "boom", f.reason)
	})

	t.Run("not an envelope", func(t *testing.T) {
		_, err := unwrap([]byte(`<html/>`))
		assert.Error(t, err)
		_, err = unwrap([]byte(`not xml <`))
		assert.Error(t, err)
	})
}

func TestStatus_Invalid(t *testing.T) {
	for _, v := range []string{"", "abc", "42", "1000"} {
		el := etree.NewElement("ret")
		if v != "" {
			el.CreateElement("cStat").SetText(v)
		}
		_, _, err := status(el)
		assert.Error(t, err, "cStat %q", v)
	}
}

func TestNewLotID(t *testing.T) {
	id := newLotID()
	assert.Len(t, id, 15)
	assert.Equal(t, model.OnlyDigits(id), id)
}
