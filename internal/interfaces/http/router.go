package http

import (
	"github.com/gofiber/fiber/v2"
)

// RouterDeps dependencias para el router.
type RouterDeps struct {
	NFe    *NFeHandler
	Health *HealthHandler
}

// Router registra las rutas de la API.
func Router(app *fiber.App, deps RouterDeps) {
	app.Get("/health", deps.Health.Check)

	api := app.Group("/api")
	nfe := api.Group("/nfe")

	// Rutas fijas antes de /:key
	nfe.Get("/status", deps.NFe.AuthorityStatus)
	nfe.Post("/preview", deps.NFe.Preview)
	nfe.Post("/drafts", deps.NFe.CreateDraft)
	nfe.Put("/drafts/:id", deps.NFe.UpdateDraft)
	nfe.Delete("/drafts/:id", deps.NFe.DeleteDraft)
	nfe.Post("/drafts/:id/sign", deps.NFe.SignDraft)
	nfe.Post("/drafts/:id/submit", deps.NFe.SubmitDraft)

	nfe.Get("/", deps.NFe.List)
	nfe.Post("/", deps.NFe.Issue)
	nfe.Get("/:key", deps.NFe.GetByAccessKey)
	nfe.Post("/:key/cancel", deps.NFe.Cancel)
	nfe.Post("/:key/reconcile", deps.NFe.Reconcile)
}
