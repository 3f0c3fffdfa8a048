package entity

import "time"

// Estados de un evento (cancelación).
const (
	EventStatusPending    = "PENDING"    // Firmado y enviado (o a punto de enviarse)
	EventStatusRegistered = "REGISTERED" // Homologado por la SEFAZ (cStat 135/136/155)
	EventStatusRejected   = "REJECTED"   // Rechazado por la SEFAZ
)

// LifecycleEvent evento vinculado a una NF-e autorizada.
type LifecycleEvent struct {
	ID            string
	DocumentID    string
	AccessKey     string
	EventType     string // tpEvento (110111)
	Sequence      int    // nSeqEvento
	Justification string // xJust (ya truncada)
	Truncated     bool   // true si xJust se recortó a 255 caracteres
	SignedXML     string
	Status        string
	Protocol      *AuthorizationProtocol
	ArchivalXML   string // procEventoNFe
	StatusCode    string
	StatusReason  string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}
