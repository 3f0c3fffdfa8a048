package nfe

import (
	"encoding/binary"
	"fmt"

	"github.com/google/uuid"
)

// NewLotID genera un idLote numérico de 15 dígitos a partir de un UUID aleatorio.
func NewLotID() string {
	u := uuid.New()
	return fmt.Sprintf("%015d", binary.BigEndian.Uint64(u[:8])%1_000_000_000_000_000)
}
