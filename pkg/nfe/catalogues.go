// Package nfe contiene catálogos y validaciones alineados al layout 4.00 de la NF-e (Brasil).
package nfe

// =============================================================================
// Versiones y namespaces fijos del protocolo (no son decisiones de diseño)
// =============================================================================

const (
	SchemaVersion      = "4.00" // versão do leiaute NF-e
	EventSchemaVersion = "1.00" // versão do leiaute de eventos
	NamespaceNFe       = "http://www.portalfiscal.inf.br/nfe"
	AppVersion         = "nfe-api 1.0" // verProc / identificación del aplicativo emisor
)

// =============================================================================
// Modelo, ambiente y tipo de emisión
// =============================================================================

const (
	ModelNFe  = "55" // NF-e
	ModelNFCe = "65" // NFC-e

	EnvironmentProduction   = "1" // tpAmb = 1 Produção
	EnvironmentHomologation = "2" // tpAmb = 2 Homologação

	EmissionNormal = "1" // tpEmis = 1 Emissão normal
)

// IsValidEnvironment indica si tpAmb es 1 o 2.
func IsValidEnvironment(env string) bool {
	return env == EnvironmentProduction || env == EnvironmentHomologation
}

// =============================================================================
// Códigos IBGE de las Unidades Federativas (cUF)
// =============================================================================

// UFCodes mapea la sigla de la UF al código IBGE.
var UFCodes = map[string]string{
	"RO": "11", "AC": "12", "AM": "13", "RR": "14", "PA": "15", "AP": "16", "TO": "17",
	"MA": "21", "PI": "22", "CE": "23", "RN": "24", "PB": "25", "PE": "26", "AL": "27",
	"SE": "28", "BA": "29", "MG": "31", "ES": "32", "RJ": "33", "SP": "35", "PR": "41",
	"SC": "42", "RS": "43", "MS": "50", "MT": "51", "GO": "52", "DF": "53",
}

var ufByCode = func() map[string]string {
	m := make(map[string]string, len(UFCodes))
	for uf, code := range UFCodes {
		m[code] = uf
	}
	return m
}()

// IsValidUFCode indica si el código IBGE corresponde a una UF.
func IsValidUFCode(code string) bool {
	_, ok := ufByCode[code]
	return ok
}

// UFFromCode devuelve la sigla de la UF ("" si no existe).
func UFFromCode(code string) string {
	return ufByCode[code]
}

// =============================================================================
// Régimen tributario del emisor (CRT)
// =============================================================================

const (
	CRTSimplesNacional       = "1" // Simples Nacional
	CRTSimplesExcessoReceita = "2" // Simples Nacional, exceso de sublímite
	CRTRegimeNormal          = "3" // Regime Normal
)

// ValidCRT regímenes aceptados.
var ValidCRT = map[string]bool{
	CRTSimplesNacional: true, CRTSimplesExcessoReceita: true, CRTRegimeNormal: true,
}

// =============================================================================
// Indicador de IE del destinatario (indIEDest)
// =============================================================================

const (
	IEContribuinte       = "1" // Contribuinte ICMS
	IEContribuinteIsento = "2" // Contribuinte isento de inscrição
	IENaoContribuinte    = "9" // Não contribuinte
)

// =============================================================================
// Formas de pago (tPag) de uso frecuente
// =============================================================================

const (
	PaymentCash       = "01" // Dinheiro
	PaymentCreditCard = "03" // Cartão de Crédito
	PaymentDebitCard  = "04" // Cartão de Débito
	PaymentBankSlip   = "15" // Boleto Bancário
	PaymentPIX        = "17" // Pagamento Instantâneo (PIX)
	PaymentWithout    = "90" // Sem pagamento
	PaymentOther      = "99" // Outros
)

// =============================================================================
// Eventos
// =============================================================================

const (
	EventCancellation            = "110111"
	EventCancellationDescription = "Cancelamento"
	// JustificationMaxLength / MinLength límites de xJust en el leiaute del evento.
	JustificationMaxLength = 255
	JustificationMinLength = 15
)

// =============================================================================
// Códigos de situación (cStat) devueltos por la SEFAZ
// =============================================================================

const (
	StatAuthorized                = "100" // Autorizado o uso da NF-e
	StatCancelled                 = "101" // Cancelamento de NF-e homologado
	StatLotReceived               = "103" // Lote recebido com sucesso (procesamiento asíncrono)
	StatLotProcessed              = "104" // Lote processado
	StatLotInProcess              = "105" // Lote em processamento
	StatServiceRunning            = "107" // Serviço em operação
	StatServiceStopped            = "108" // Serviço paralisado momentaneamente
	StatServiceStoppedNoETA       = "109" // Serviço paralisado sem previsão
	StatDenied                    = "110" // Uso denegado
	StatEventLotProcessed         = "128" // Lote de evento processado
	StatEventRegistered           = "135" // Evento registrado e vinculado a NF-e
	StatEventRegisteredNoNFe      = "136" // Evento registrado, mas não vinculado a NF-e
	StatAuthorizedLate            = "150" // Autorizado o uso, autorização fora de prazo
	StatEventLate                 = "155" // Cancelamento homologado fora de prazo
	StatDuplicate                 = "204" // Duplicidade de NF-e
	StatDeniedIrregularIssuer     = "205" // NF-e denegada na base de dados da SEFAZ
	StatNotInDatabase             = "217" // NF-e não consta na base de dados da SEFAZ
	StatDeniedIssuer              = "301" // Uso denegado: irregularidade fiscal do emitente
	StatDeniedRecipient           = "302" // Uso denegado: irregularidade fiscal do destinatário
	StatDeniedRecipientNotEnabled = "303" // Uso denegado: destinatário não habilitado
	StatOveruse                   = "656" // Consumo indevido
	StatUnexpectedError           = "999" // Erro não catalogado
)

// Outcome clasificación de una respuesta de la autoridad.
type Outcome string

const (
	OutcomeAuthorized Outcome = "AUTHORIZED"
	OutcomeRejected   Outcome = "REJECTED"
	OutcomeDenied     Outcome = "DENIED"
	OutcomePending    Outcome = "PENDING" // la SEFAZ aún no decidió; consultar luego

	// OutcomeUnavailable la SEFAZ no procesó el lote (paralizada, consumo indebido o código
	// no catalogado); el documento no fue juzgado y puede reenviarse.
	OutcomeUnavailable Outcome = "UNAVAILABLE"

	// OutcomeNotFound la consulta no encontró la NF-e (217): nunca llegó a la base de la SEFAZ.
	OutcomeNotFound Outcome = "NOT_FOUND"
)

var deniedStats = map[string]bool{
	StatDenied: true, StatDeniedIrregularIssuer: true, StatDeniedIssuer: true,
	StatDeniedRecipient: true, StatDeniedRecipientNotEnabled: true,
}

var pendingStats = map[string]bool{
	StatLotReceived: true, StatLotInProcess: true, StatDuplicate: true,
}

var unavailableStats = map[string]bool{
	StatServiceStopped: true, StatServiceStoppedNoETA: true, StatOveruse: true, StatUnexpectedError: true,
}

// lotRejectionStats rechazos de lote (sin protNFe) que invalidan el documento tal como se
// firmó: schema, certificado, firma, ambiente o emisor.
var lotRejectionStats = map[string]bool{
	"213": true, "214": true, "215": true, "225": true, "239": true, "242": true, "243": true,
	"252": true, "280": true, "281": true, "283": true, "284": true, "285": true, "286": true,
	"290": true, "297": true, "298": true, "402": true, "404": true,
}

// ClassifyInvoiceStatus clasifica el cStat de un protNFe: la SEFAZ ya juzgó el documento,
// así que cualquier código no autorizado, denegado o pendiente es un rechazo.
func ClassifyInvoiceStatus(cStat string) Outcome {
	switch {
	case cStat == StatAuthorized || cStat == StatAuthorizedLate:
		return OutcomeAuthorized
	case deniedStats[cStat]:
		return OutcomeDenied
	case pendingStats[cStat]:
		return OutcomePending
	case unavailableStats[cStat]:
		return OutcomeUnavailable
	default:
		return OutcomeRejected
	}
}

// ClassifyLotStatus clasifica el cStat de un retorno sin protNFe. Solo los rechazos de lote
// catalogados son terminales; lo demás no juzgó el documento.
func ClassifyLotStatus(cStat string) Outcome {
	switch {
	case pendingStats[cStat]:
		return OutcomePending
	case lotRejectionStats[cStat]:
		return OutcomeRejected
	default:
		return OutcomeUnavailable
	}
}

// ClassifySubmission clasifica la respuesta de NFeAutorizacao4.
func ClassifySubmission(cStat string, hasProtocol bool) Outcome {
	if hasProtocol {
		return ClassifyInvoiceStatus(cStat)
	}
	return ClassifyLotStatus(cStat)
}

// ClassifyConsult clasifica la respuesta de NFeConsultaProtocolo4.
func ClassifyConsult(cStat string, hasProtocol bool) Outcome {
	if !hasProtocol && cStat == StatNotInDatabase {
		return OutcomeNotFound
	}
	return ClassifySubmission(cStat, hasProtocol)
}

// IsEventRegistered indica si el cStat de un retEvento significa evento homologado.
func IsEventRegistered(cStat string) bool {
	return cStat == StatEventRegistered || cStat == StatEventRegisteredNoNFe || cStat == StatEventLate
}

// IsServiceAvailable indica si el cStat de consStatServ significa servicio en operación.
func IsServiceAvailable(cStat string) bool {
	return cStat == StatServiceRunning
}
