package transmission

import (
	"strings"

	"github.com/rezonia/nfe-service/internal/model"
)

// Service is an authority web service name
type Service string

const (
	ServiceAuthorization       Service = "NFeAutorizacao4"
	ServiceAuthorizationReturn Service = "NFeRetAutorizacao4"
	ServiceStatus              Service = "NFeStatusServico4"
	ServiceProtocol            Service = "NFeConsultaProtocolo4"
	ServiceDistribution        Service = "NFeDistribuicaoDFe"
)

// operations maps each service to its SOAP operation
var operations = map[Service]string{
	ServiceAuthorization:       "nfeAutorizacaoLote",
	ServiceAuthorizationReturn: "nfeRetAutorizacaoLote",
	ServiceStatus:              "nfeStatusServicoNF",
	ServiceProtocol:            "nfeConsultaNF",
	ServiceDistribution:        "nfeDistDFeInteresse",
}

// Authority names a SEFAZ that hosts web services
type Authority string

const (
	AuthorityAN   Authority = "AN"
	AuthoritySVAN Authority = "SVAN"
	AuthoritySVRS Authority = "SVRS"
)

type authorityHosts struct {
	production   string
	homologation string
	paths        map[Service]string
}

// endpoints lists authorities with their own infrastructure plus the
// virtual ones. Paths are relative to the host.
var endpoints = map[Authority]authorityHosts{
	"AM": {
		production:   "https://nfe.sefaz.am.gov.br",
		homologation: "https://homnfe.sefaz.am.gov.br",
		paths: map[Service]string{
			ServiceAuthorization:       "/services2/services/NfeAutorizacao4",
			ServiceAuthorizationReturn: "/services2/services/NfeRetAutorizacao4",
			ServiceStatus:              "/services2/services/NfeStatusServico4",
			ServiceProtocol:            "/services2/services/NfeConsulta4",
		},
	},
	"BA": {
		production:   "https://nfe.sefaz.ba.gov.br",
		homologation: "https://hnfe.sefaz.ba.gov.br",
		paths: map[Service]string{
			ServiceAuthorization:       "/webservices/NFeAutorizacao4/NFeAutorizacao4.asmx",
			ServiceAuthorizationReturn: "/webservices/NFeRetAutorizacao4/NFeRetAutorizacao4.asmx",
			ServiceStatus:              "/webservices/NFeStatusServico4/NFeStatusServico4.asmx",
			ServiceProtocol:            "/webservices/NFeConsultaProtocolo4/NFeConsultaProtocolo4.asmx",
		},
	},
	"CE": {
		production:   "https://nfe.sefaz.ce.gov.br",
		homologation: "https://nfeh.sefaz.ce.gov.br",
		paths: map[Service]string{
			ServiceAuthorization:       "/nfe4/services/NFeAutorizacao4",
			ServiceAuthorizationReturn: "/nfe4/services/NFeRetAutorizacao4",
			ServiceStatus:              "/nfe4/services/NFeStatusServico4",
			ServiceProtocol:            "/nfe4/services/NFeConsultaProtocolo4",
		},
	},
	"GO": {
		production:   "https://nfe.sefaz.go.gov.br",
		homologation: "https://homolog.sefaz.go.gov.br",
		paths: map[Service]string{
			ServiceAuthorization:       "/nfe/services/NFeAutorizacao4",
			ServiceAuthorizationReturn: "/nfe/services/NFeRetAutorizacao4",
			ServiceStatus:              "/nfe/services/NFeStatusServico4",
			ServiceProtocol:            "/nfe/services/NFeConsultaProtocolo4",
		},
	},
	"MG": {
		production:   "https://nfe.fazenda.mg.gov.br",
		homologation: "https://hnfe.fazenda.mg.gov.br",
		paths: map[Service]string{
			ServiceAuthorization:       "/nfe2/services/NFeAutorizacao4",
			ServiceAuthorizationReturn: "/nfe2/services/NFeRetAutorizacao4",
			ServiceStatus:              "/nfe2/services/NFeStatusServico4",
			ServiceProtocol:            "/nfe2/services/NFeConsultaProtocolo4",
		},
	},
	"MS": {
		production:   "https://nfe.sefaz.ms.gov.br",
		homologation: "https://hom.nfe.sefaz.ms.gov.br",
		paths: map[Service]string{
			ServiceAuthorization:       "/ws/NFeAutorizacao4",
			ServiceAuthorizationReturn: "/ws/NFeRetAutorizacao4",
			ServiceStatus:              "/ws/NFeStatusServico4",
			ServiceProtocol:            "/ws/NFeConsultaProtocolo4",
		},
	},
	"MT": {
		production:   "https://nfe.sefaz.mt.gov.br",
		homologation: "https://homologacao.sefaz.mt.gov.br",
		paths: map[Service]string{
			ServiceAuthorization:       "/nfews/v2/services/NfeAutorizacao4",
			ServiceAuthorizationReturn: "/nfews/v2/services/NfeRetAutorizacao4",
			ServiceStatus:              "/nfews/v2/services/NfeStatusServico4",
			ServiceProtocol:            "/nfews/v2/services/NfeConsulta4",
		},
	},
	"PE": {
		production:   "https://nfe.sefaz.pe.gov.br",
		homologation: "https://nfehomolog.sefaz.pe.gov.br",
		paths: map[Service]string{
			ServiceAuthorization:       "/nfe-service/services/NFeAutorizacao4",
			ServiceAuthorizationReturn: "/nfe-service/services/NFeRetAutorizacao4",
			ServiceStatus:              "/nfe-service/services/NFeStatusServico4",
			ServiceProtocol:            "/nfe-service/services/NFeConsultaProtocolo4",
		},
	},
	"PR": {
		production:   "https://nfe.sefa.pr.gov.br",
		homologation: "https://homologacao.nfe.sefa.pr.gov.br",
		paths: map[Service]string{
			ServiceAuthorization:       "/nfe/NFeAutorizacao4",
			ServiceAuthorizationReturn: "/nfe/NFeRetAutorizacao4",
			ServiceStatus:              "/nfe/NFeStatusServico4",
			ServiceProtocol:            "/nfe/NFeConsultaProtocolo4",
		},
	},
	"RS": {
		production:   "https://nfe.sefazrs.rs.gov.br",
		homologation: "https://nfe-homologacao.sefazrs.rs.gov.br",
		paths: map[Service]string{
			ServiceAuthorization:       "/ws/NfeAutorizacao/NFeAutorizacao4.asmx",
			ServiceAuthorizationReturn: "/ws/NfeRetAutorizacao/NFeRetAutorizacao4.asmx",
			ServiceStatus:              "/ws/NfeStatusServico/NfeStatusServico4.asmx",
			ServiceProtocol:            "/ws/NfeConsulta/NfeConsulta4.asmx",
		},
	},
	"SP": {
		production:   "https://nfe.fazenda.sp.gov.br",
		homologation: "https://homologacao.nfe.fazenda.sp.gov.br",
		paths: map[Service]string{
			ServiceAuthorization:       "/ws/nfeautorizacao4.asmx",
			ServiceAuthorizationReturn: "/ws/nferetautorizacao4.asmx",
			ServiceStatus:              "/ws/nfestatusservico4.asmx",
			ServiceProtocol:            "/ws/nfeconsultaprotocolo4.asmx",
		},
	},
	AuthoritySVAN: {
		production:   "https://www.sefazvirtual.fazenda.gov.br",
		homologation: "https://hom.sefazvirtual.fazenda.gov.br",
		paths: map[Service]string{
			ServiceAuthorization:       "/NFeAutorizacao4/NFeAutorizacao4.asmx",
			ServiceAuthorizationReturn: "/NFeRetAutorizacao4/NFeRetAutorizacao4.asmx",
			ServiceStatus:              "/NFeStatusServico4/NFeStatusServico4.asmx",
			ServiceProtocol:            "/NFeConsultaProtocolo4/NFeConsultaProtocolo4.asmx",
		},
	},
	AuthoritySVRS: {
		production:   "https://nfe.svrs.rs.gov.br",
		homologation: "https://nfe-homologacao.svrs.rs.gov.br",
		paths: map[Service]string{
			ServiceAuthorization:       "/ws/NfeAutorizacao/NFeAutorizacao4.asmx",
			ServiceAuthorizationReturn: "/ws/NfeRetAutorizacao/NFeRetAutorizacao4.asmx",
			ServiceStatus:              "/ws/NfeStatusServico/NfeStatusServico4.asmx",
			ServiceProtocol:            "/ws/NfeConsulta/NfeConsulta4.asmx",
		},
	},
	AuthorityAN: {
		production:   "https://www1.nfe.fazenda.gov.br",
		homologation: "https://hom1.nfe.fazenda.gov.br",
		paths: map[Service]string{
			ServiceDistribution: "/NFeDistribuicaoDFe/NFeDistribuicaoDFe.asmx",
		},
	},
}

// AuthorityFor returns the authority serving a UF for a service
func AuthorityFor(uf model.UF, service Service) (Authority, bool) {
	if !uf.Valid() {
		return "", false
	}
	if service == ServiceDistribution {
		return AuthorityAN, true
	}
	if _, own := endpoints[Authority(uf)]; own {
		return Authority(uf), true
	}
	if uf == "MA" {
		return AuthoritySVAN, true
	}
	return AuthoritySVRS, true
}

// Resolve returns the endpoint URL for a UF, service and environment. It
// performs no I/O; unknown combinations yield *model.RoutingError.
func Resolve(uf model.UF, service Service, env model.Environment) (string, error) {
	authority, ok := AuthorityFor(uf, service)
	if !ok || !env.Valid() {
		return "", model.NewRoutingError(string(uf), string(service), env)
	}
	hosts := endpoints[authority]
	path, ok := hosts.paths[service]
	if !ok {
		return "", model.NewRoutingError(string(uf), string(service), env)
	}
	if env == model.EnvironmentProduction {
		return hosts.production + path, nil
	}
	return hosts.homologation + path, nil
}

// Router resolves endpoints, consulting configured overrides first.
// Override keys are "AUTHORITY/Service/env" where env is "1" or "2" and any
// segment may be "*".
type Router struct {
	overrides map[string]string
}

// NewRouter creates a router with the given overrides
func NewRouter(overrides map[string]string) *Router {
	normalized := make(map[string]string, len(overrides))
	for k, v := range overrides {
		normalized[strings.ToUpper(k)] = v
	}
	return &Router{overrides: normalized}
}

// Resolve applies overrides and falls back to the static table
func (r *Router) Resolve(uf model.UF, service Service, env model.Environment) (string, error) {
	authority, ok := AuthorityFor(uf, service)
	if !ok || !env.Valid() {
		return "", model.NewRoutingError(string(uf), string(service), env)
	}
	if r != nil && len(r.overrides) > 0 {
		a, s, e := string(authority), string(service), env.Code()
		for _, key := range [][3]string{
			{a, s, e}, {a, s, "*"}, {a, "*", e}, {a, "*", "*"},
			{"*", s, e}, {"*", s, "*"}, {"*", "*", e}, {"*", "*", "*"},
		} {
			if url, ok := r.overrides[strings.ToUpper(key[0]+"/"+key[1]+"/"+key[2])]; ok {
				return url, nil
			}
		}
	}
	return Resolve(uf, service, env)
}
