package workorders

import (
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/httprate"
)

// MountRoutes registers the operator API. Callers must put the actor
// middleware in front of it.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Route("/work-orders", func(r chi.Router) {
		r.Post("/", h.create)
		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", h.get)
			r.Put("/", h.update)
			r.Patch("/phase", h.advancePhase)
			r.Post("/finalize", h.finalize)
			r.Post("/cancel", h.cancel)
			r.Patch("/payment", h.setPayment)
			r.Get("/audit", h.listAudit)
		})
	})
	r.Get("/calibrations/due", h.listDue)
	r.Get("/dashboard", h.dashboard)
}

// MountPublicRoutes registers the client tracking route with its own per-IP limit.
func (h *Handler) MountPublicRoutes(r chi.Router) {
	r.Group(func(r chi.Router) {
		if h.publicLimit > 0 {
			r.Use(httprate.LimitByIP(h.publicLimit, time.Minute))
		}
		r.Get("/track/{accessKey}", h.track)
	})
}
