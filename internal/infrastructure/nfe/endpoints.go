package nfe

import (
	"fmt"
	"strings"

	"github.com/jhoicas/nfe-api/internal/domain"
	pkgnfe "github.com/jhoicas/nfe-api/pkg/nfe"
)

// Service servicio web de la SEFAZ (versión 4).
type Service string

const (
	ServiceAuthorization Service = "NFeAutorizacao4"
	ServiceStatusCheck   Service = "NFeStatusServico4"
	ServiceEvent         Service = "NFeRecepcaoEvento4"
	ServiceProtocol      Service = "NFeConsultaProtocolo4"
)

const wsdlNamespaceBase = "http://www.portalfiscal.inf.br/nfe/wsdl/"

// operaciones SOAP de cada servicio.
var serviceOperations = map[Service]string{
	ServiceAuthorization: "nfeAutorizacaoLote",
	ServiceStatusCheck:   "nfeStatusServicoNF",
	ServiceEvent:         "nfeRecepcaoEvento",
	ServiceProtocol:      "nfeConsultaNF",
}

// Namespace del elemento nfeDadosMsg del servicio.
func (s Service) Namespace() string { return wsdlNamespaceBase + string(s) }

// Action valor del parámetro action del Content-Type SOAP 1.2.
func (s Service) Action() string { return s.Namespace() + "/" + serviceOperations[s] }

// Autorizadores con catálogo propio.
const (
	AuthoritySP   = "SP"
	AuthoritySVRS = "SVRS"
)

// builtinEndpoints catálogo [autorizador][tpAmb][servicio].
var builtinEndpoints = map[string]map[string]map[Service]string{
	AuthoritySP: {
		pkgnfe.EnvironmentProduction: {
			ServiceAuthorization: "https://nfe.fazenda.sp.gov.br/ws/nfeautorizacao4.asmx",
			ServiceStatusCheck:   "https://nfe.fazenda.sp.gov.br/ws/nfestatusservico4.asmx",
			ServiceEvent:         "https://nfe.fazenda.sp.gov.br/ws/nferecepcaoevento4.asmx",
			ServiceProtocol:      "https://nfe.fazenda.sp.gov.br/ws/nfeconsultaprotocolo4.asmx",
		},
		pkgnfe.EnvironmentHomologation: {
			ServiceAuthorization: "https://homologacao.nfe.fazenda.sp.gov.br/ws/nfeautorizacao4.asmx",
			ServiceStatusCheck:   "https://homologacao.nfe.fazenda.sp.gov.br/ws/nfestatusservico4.asmx",
			ServiceEvent:         "https://homologacao.nfe.fazenda.sp.gov.br/ws/nferecepcaoevento4.asmx",
			ServiceProtocol:      "https://homologacao.nfe.fazenda.sp.gov.br/ws/nfeconsultaprotocolo4.asmx",
		},
	},
	AuthoritySVRS: {
		pkgnfe.EnvironmentProduction: {
			ServiceAuthorization: "https://nfe.svrs.rs.gov.br/ws/NfeAutorizacao/NFeAutorizacao4.asmx",
			ServiceStatusCheck:   "https://nfe.svrs.rs.gov.br/ws/NfeStatusServico/NfeStatusServico4.asmx",
			ServiceEvent:         "https://nfe.svrs.rs.gov.br/ws/recepcaoevento/recepcaoevento4.asmx",
			ServiceProtocol:      "https://nfe.svrs.rs.gov.br/ws/NfeConsulta/NfeConsulta4.asmx",
		},
		pkgnfe.EnvironmentHomologation: {
			ServiceAuthorization: "https://nfe-homologacao.svrs.rs.gov.br/ws/NfeAutorizacao/NFeAutorizacao4.asmx",
			ServiceStatusCheck:   "https://nfe-homologacao.svrs.rs.gov.br/ws/NfeStatusServico/NfeStatusServico4.asmx",
			ServiceEvent:         "https://nfe-homologacao.svrs.rs.gov.br/ws/recepcaoevento/recepcaoevento4.asmx",
			ServiceProtocol:      "https://nfe-homologacao.svrs.rs.gov.br/ws/NfeConsulta/NfeConsulta4.asmx",
		},
	},
}

// ownAuthorizers UF con autorizador propio fuera del catálogo: exigen URLs configuradas.
var ownAuthorizers = map[string]bool{
	"MG": true, "PR": true, "RS": true, "BA": true, "GO": true,
	"MS": true, "MT": true, "PE": true, "AM": true,
}

// EndpointCatalog resuelve la URL de un servicio por UF y ambiente.
// SP tiene catálogo propio, las UF atendidas por la SVRS usan el de SVRS y las UF con
// autorizador propio solo resuelven con overrides.
type EndpointCatalog struct {
	overrides map[Service]string
}

// NewEndpointCatalog crea el catálogo. overrides fija la URL de un servicio para cualquier UF/ambiente.
func NewEndpointCatalog(overrides map[Service]string) *EndpointCatalog {
	o := make(map[Service]string, len(overrides))
	for k, v := range overrides {
		if strings.TrimSpace(v) != "" {
			o[k] = strings.TrimSpace(v)
		}
	}
	return &EndpointCatalog{overrides: o}
}

// AuthorityFor autorizador responsable de la UF (sigla o código IBGE). Para las UF con
// autorizador propio devuelve la sigla de la UF.
func AuthorityFor(uf string) string {
	if code, ok := pkgnfe.UFCodes[strings.ToUpper(uf)]; ok {
		uf = code
	}
	sigla := pkgnfe.UFFromCode(uf)
	switch {
	case sigla == AuthoritySP:
		return AuthoritySP
	case ownAuthorizers[sigla]:
		return sigla
	default:
		return AuthoritySVRS
	}
}

// Resolve devuelve la URL del servicio. UF acepta sigla ("SP") o código IBGE ("35").
func (c *EndpointCatalog) Resolve(service Service, uf, environment string) (string, error) {
	if url, ok := c.overrides[service]; ok {
		return url, nil
	}
	if _, ok := serviceOperations[service]; !ok {
		return "", fmt.Errorf("%w: servicio %q desconocido", domain.ErrConfiguration, service)
	}
	if !pkgnfe.IsValidEnvironment(environment) {
		return "", fmt.Errorf("%w: tpAmb %q inválido", domain.ErrConfiguration, environment)
	}
	if _, ok := pkgnfe.UFCodes[strings.ToUpper(uf)]; !ok && !pkgnfe.IsValidUFCode(uf) {
		return "", fmt.Errorf("%w: UF %q desconocida", domain.ErrConfiguration, uf)
	}
	authority := AuthorityFor(uf)
	if _, ok := builtinEndpoints[authority]; !ok {
		return "", fmt.Errorf("%w: la UF %s tiene autorizador propio sin URLs en el catálogo; configure el endpoint de %s",
			domain.ErrConfiguration, authority, service)
	}
	url := builtinEndpoints[authority][environment][service]
	if url == "" {
		return "", fmt.Errorf("%w: sin endpoint para %s en %s/%s", domain.ErrConfiguration, service, uf, environment)
	}
	return url, nil
}
