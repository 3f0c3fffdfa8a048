package http

import (
	"errors"

	"github.com/gofiber/fiber/v2"

	"github.com/jhoicas/nfe-api/internal/application/dto"
	"github.com/jhoicas/nfe-api/internal/domain"
)

// writeError traduce los sentinels de dominio a código HTTP + dto.ErrorResponse.
// result (opcional) acompaña rechazos y errores de transporte para que el cliente vea el estado.
func writeError(c *fiber.Ctx, err error, result interface{}) error {
	var ae *domain.AuthorityError
	if errors.As(err, &ae) {
		code := "AUTHORITY_REJECTION"
		if errors.Is(err, domain.ErrAuthorityDenial) {
			code = "AUTHORITY_DENIAL"
		}
		return c.Status(fiber.StatusUnprocessableEntity).JSON(dto.AuthorityErrorResponse{
			Code:             code,
			Message:          ae.Error(),
			AuthorityCode:    ae.Code,
			AuthorityMessage: ae.Message,
			Result:           result,
		})
	}

	status, code := fiber.StatusInternalServerError, "INTERNAL"
	switch {
	case errors.Is(err, domain.ErrValidation), errors.Is(err, domain.ErrInvalidInput), errors.Is(err, domain.ErrMissingReference):
		status, code = fiber.StatusBadRequest, "VALIDATION"
	case errors.Is(err, domain.ErrNotFound):
		status, code = fiber.StatusNotFound, "NOT_FOUND"
	case errors.Is(err, domain.ErrInvalidTransition):
		status, code = fiber.StatusConflict, "INVALID_TRANSITION"
	case errors.Is(err, domain.ErrConflict):
		status, code = fiber.StatusConflict, "CONFLICT"
	case errors.Is(err, domain.ErrDuplicate):
		status, code = fiber.StatusConflict, "DUPLICATE"
	case errors.Is(err, domain.ErrTransport):
		if result != nil {
			return c.Status(fiber.StatusBadGateway).JSON(fiber.Map{
				"code": "TRANSPORT", "message": err.Error(), "retryable": true, "result": result,
			})
		}
		status, code = fiber.StatusBadGateway, "TRANSPORT"
	case errors.Is(err, domain.ErrInvalidCertificate):
		code = "CERTIFICATE"
	case errors.Is(err, domain.ErrConfiguration):
		code = "CONFIGURATION"
	case errors.Is(err, domain.ErrSigning):
		code = "SIGNING"
	}
	return c.Status(status).JSON(dto.ErrorResponse{Code: code, Message: err.Error()})
}

func invalidBody(c *fiber.Ctx) error {
	return c.Status(fiber.StatusBadRequest).JSON(dto.ErrorResponse{Code: "INVALID_BODY", Message: "cuerpo inválido"})
}
