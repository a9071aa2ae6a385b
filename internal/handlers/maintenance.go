package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/storefront/api/internal/platform/auth"
	"github.com/storefront/api/internal/services"
)

// MaintenanceHandlers exposes scheduler-triggered jobs under /internal. The group is
// guarded by the OIDC service identity middleware.
type MaintenanceHandlers struct {
	sweeper services.ReservationSweeper
}

// NewMaintenanceHandlers constructs MaintenanceHandlers.
func NewMaintenanceHandlers(sweeper services.ReservationSweeper) *MaintenanceHandlers {
	return &MaintenanceHandlers{sweeper: sweeper}
}

// Routes registers the /internal endpoints.
func (h *MaintenanceHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	r.Post("/maintenance/reservations:expire", h.expireReservations)
}

func (h *MaintenanceHandlers) expireReservations(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.sweeper == nil {
		writeServiceUnavailable(ctx, w, "reservation")
		return
	}

	caller := ""
	if identity, ok := auth.ServiceIdentityFromContext(ctx); ok && identity != nil {
		caller = identity.Email
		if caller == "" {
			caller = identity.Subject
		}
	}

	result, err := h.sweeper.Sweep(ctx)
	if err != nil {
		writeWorkflowError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, sweepResponse{
		Scanned:     result.Scanned,
		Expired:     result.Expired,
		Reconciled:  result.Reconciled,
		Resumed:     result.Resumed,
		Failed:      result.Failed,
		StartedAt:   formatTime(result.StartedAt),
		FinishedAt:  formatTime(result.FinishedAt),
		TriggeredBy: caller,
	})
}

type sweepResponse struct {
	Scanned     int    `json:"scanned"`
	Expired     int    `json:"expired"`
	Reconciled  int    `json:"reconciled"`
	Resumed     int    `json:"resumed"`
	Failed      int    `json:"failed"`
	StartedAt   string `json:"started_at"`
	FinishedAt  string `json:"finished_at"`
	TriggeredBy string `json:"triggered_by,omitempty"`
}
