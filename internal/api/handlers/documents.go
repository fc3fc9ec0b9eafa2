package handlers

import (
	"bytes"
	"context"
	"html/template"
	"log/slog"
	"net/http"
	"sort"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/klauspost/compress/gzhttp"

	"careintake/internal/core"
	"careintake/internal/entitlement"
	"careintake/internal/types"
)

// HeaderSummaryEmail reports whether the summary email went out.
const HeaderSummaryEmail = "X-Summary-Email"

// AccountReader loads the signed-in account.
type AccountReader interface {
	GetByID(ctx context.Context, id string) (*types.Account, error)
}

// SummaryMailer emails the generated document.
type SummaryMailer interface {
	SendSummary(ctx context.Context, userID, email, firstName, document string) (string, error)
}

// DocumentRequest is the body of POST /v1/documents. UserID, when given,
// must match the signed-in user.
type DocumentRequest struct {
	UserID    string            `json:"user_id,omitempty"`
	Responses map[string]string `json:"responses" validate:"required,min=1"`
}

var documentTemplate = template.Must(template.New("document").Parse(`<article class="consultation-summary">
<h2>Consultation summary for {{.Name}}</h2>
<p>Generated {{.GeneratedAt.Format "2 January 2006 15:04 MST"}}</p>
<dl>
{{- range .Answers}}
<dt>{{.Question}}</dt><dd>{{.Answer}}</dd>
{{- end}}
</dl>
</article>`))

type documentAnswer struct {
	Question string
	Answer   string
}

// DocumentHandler turns questionnaire responses into the consultation
// summary, emails it and returns the HTML. The route is gated by
// entitlement and gzip compressed.
type DocumentHandler struct {
	guard     entitlement.Checker
	accounts  AccountReader
	mailer    SummaryMailer
	validator *core.Validator
	clock     types.Clock
	logger    *slog.Logger
}

// NewDocumentHandler creates the document endpoint. guard gates it through
// entitlement.Require in RegisterRoutes.
func NewDocumentHandler(guard entitlement.Checker, accounts AccountReader, mailer SummaryMailer, v *core.Validator, clock types.Clock, l *slog.Logger) *DocumentHandler {
	if l == nil {
		l = slog.Default()
	}
	if clock == nil {
		clock = types.RealClock{}
	}
	return &DocumentHandler{guard: guard, accounts: accounts, mailer: mailer, validator: v, clock: clock, logger: l}
}

// RegisterRoutes mounts POST /documents on the /v1 router.
func (h *DocumentHandler) RegisterRoutes(r chi.Router) {
	r.With(entitlement.Require(h.guard, h.logger)).
		Method(http.MethodPost, "/documents", gzhttp.GzipHandler(http.HandlerFunc(h.Create)))
}

// Create handles POST /v1/documents. A failed email does not fail the
// request; the document is still returned and the header says so.
func (h *DocumentHandler) Create(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID, ok := types.GetUserID(ctx)
	if !ok {
		core.Error(w, r, types.NewAppError(types.ErrCodeAuthUserMissing, "sign in to continue", nil))
		return
	}

	var req DocumentRequest
	if err := core.DecodeJSON(w, r, &req); err != nil {
		core.Error(w, r, err)
		return
	}
	if err := h.validator.ValidateStruct(req); err != nil {
		core.Error(w, r, err)
		return
	}
	if req.UserID != "" && req.UserID != userID {
		core.Error(w, r, types.NewAppError(types.ErrCodePermissionEntitlement, "responses belong to another user", nil))
		return
	}

	acct, err := h.accounts.GetByID(ctx, userID)
	if err != nil {
		core.Error(w, r, err)
		return
	}

	doc, err := h.render(acct, req.Responses)
	if err != nil {
		h.logger.ErrorContext(ctx, "failed to render document", "user_id", userID, "error", err)
		core.Error(w, r, types.NewAppError(types.ErrCodeInternalUnexpected, "failed to generate document", err))
		return
	}

	emailStatus := "sent"
	if _, err := h.mailer.SendSummary(ctx, userID, acct.Email, acct.FirstName, doc); err != nil {
		emailStatus = "failed"
		h.logger.WarnContext(ctx, "summary email failed", "user_id", userID, "error", err)
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set(HeaderSummaryEmail, emailStatus)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(doc))
}

func (h *DocumentHandler) render(acct *types.Account, responses map[string]string) (string, error) {
	answers := make([]documentAnswer, 0, len(responses))
	for q, a := range responses {
		answers = append(answers, documentAnswer{Question: q, Answer: a})
	}
	sort.Slice(answers, func(i, j int) bool { return answers[i].Question < answers[j].Question })

	var buf bytes.Buffer
	err := documentTemplate.Execute(&buf, struct {
		Name        string
		GeneratedAt time.Time
		Answers     []documentAnswer
	}{
		Name:        acct.FirstName + " " + acct.LastName,
		GeneratedAt: h.clock.Now(),
		Answers:     answers,
	})
	return buf.String(), err
}
