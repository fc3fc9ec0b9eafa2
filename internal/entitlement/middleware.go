package entitlement

import (
	"context"
	"log/slog"
	"net/http"
	"strings"

	"careintake/internal/core"
	"careintake/internal/types"
)

// HeaderUserID carries the signed-in user id set by the session layer.
const HeaderUserID = "X-User-Id"

// HeaderNotice carries Decision.Notice on provisional access.
const HeaderNotice = "X-Entitlement-Notice"

// Checker is the subset of Guard the middleware needs.
type Checker interface {
	Check(ctx context.Context, userID string) (Decision, error)
}

// UserIDFromRequest reads the user id from the X-User-Id header, falling
// back to the user_id query parameter.
func UserIDFromRequest(r *http.Request) string {
	if id := strings.TrimSpace(r.Header.Get(HeaderUserID)); id != "" {
		return id
	}
	return strings.TrimSpace(r.URL.Query().Get("user_id"))
}

// Require rejects requests whose user is not entitled with 403 and the
// payment entry point in details.redirect. Allowed requests continue with
// the user id on the context.
func Require(checker Checker, logger *slog.Logger) func(http.Handler) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			userID := UserIDFromRequest(r)
			if userID == "" {
				core.Error(w, r, types.NewAppError(types.ErrCodeAuthUserMissing, "sign in to continue", nil))
				return
			}

			decision, err := checker.Check(r.Context(), userID)
			if err != nil {
				logger.ErrorContext(r.Context(), "entitlement check failed", "user_id", userID, "error", err)
				core.Error(w, r, err)
				return
			}
			if !decision.Allowed() {
				core.Error(w, r, types.NewAppErrorWithDetails(types.ErrCodePermissionEntitlement,
					"an active subscription is required", nil,
					map[string]any{"redirect": decision.Redirect}))
				return
			}

			if decision.Notice != "" {
				w.Header().Set(HeaderNotice, decision.Notice)
			}
			next.ServeHTTP(w, r.WithContext(types.WithUserID(r.Context(), userID)))
		})
	}
}
