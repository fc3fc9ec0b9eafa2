package handlers

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"careintake/internal/core"
	"careintake/internal/entitlement"
	"careintake/internal/types"
)

// EntitlementHandler exposes the access decision for client polling.
type EntitlementHandler struct {
	checker entitlement.Checker
	logger  *slog.Logger
}

func NewEntitlementHandler(checker entitlement.Checker, l *slog.Logger) *EntitlementHandler {
	if l == nil {
		l = slog.Default()
	}
	return &EntitlementHandler{checker: checker, logger: l}
}

// RegisterRoutes mounts GET /entitlement on the /v1 router.
func (h *EntitlementHandler) RegisterRoutes(r chi.Router) {
	r.Get("/entitlement", h.Get)
}

// Get handles GET /v1/entitlement. A denied decision is still 200; only
// the gated routes turn it into 403.
func (h *EntitlementHandler) Get(w http.ResponseWriter, r *http.Request) {
	userID := entitlement.UserIDFromRequest(r)
	if userID == "" {
		core.Error(w, r, types.NewAppError(types.ErrCodeAuthUserMissing, "sign in to continue", nil))
		return
	}

	decision, err := h.checker.Check(r.Context(), userID)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "entitlement check failed", "user_id", userID, "error", err)
		core.Error(w, r, err)
		return
	}
	core.JSON(w, r, http.StatusOK, decision)
}
