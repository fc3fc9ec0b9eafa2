package handlers

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/klauspost/compress/gzip"

	"careintake/internal/core"
	"careintake/internal/entitlement"
	"careintake/internal/types"
)

type mockAccountReader struct {
	getByIDFn func(ctx context.Context, id string) (*types.Account, error)
}

func (m *mockAccountReader) GetByID(ctx context.Context, id string) (*types.Account, error) {
	if m.getByIDFn != nil {
		return m.getByIDFn(ctx, id)
	}
	return &types.Account{ID: id, Email: "pat@example.com", FirstName: "Pat", LastName: "Doe"}, nil
}

type mockSummaryMailer struct {
	err      error
	document string
	email    string
}

func (m *mockSummaryMailer) SendSummary(_ context.Context, _, email, _, document string) (string, error) {
	m.email = email
	m.document = document
	if m.err != nil {
		return "", m.err
	}
	return "msg-1", nil
}

func newDocumentRouter(checker entitlement.Checker, mailer *mockSummaryMailer) chi.Router {
	h := NewDocumentHandler(checker, &mockAccountReader{}, mailer, core.NewValidator(discardLogger()),
		types.FixedClock{T: testNow}, discardLogger())
	r := chi.NewRouter()
	r.Route("/v1", h.RegisterRoutes)
	return r
}

func documentRequest(t *testing.T, userID string, responses map[string]string) *http.Request {
	t.Helper()
	req := jsonRequest(t, http.MethodPost, "/v1/documents", map[string]any{"responses": responses})
	if userID != "" {
		req.Header.Set(entitlement.HeaderUserID, userID)
	}
	return req
}

func TestDocumentHandler_GeneratesAndEmails(t *testing.T) {
	mailer := &mockSummaryMailer{}
	r := newDocumentRouter(&mockChecker{}, mailer)

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, documentRequest(t, "user-1", map[string]string{
		"b_symptoms": "<script>alert(1)</script>",
		"a_age":      "42",
	}))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	if rec.Header().Get(HeaderSummaryEmail) != "sent" {
		t.Errorf("email header = %q", rec.Header().Get(HeaderSummaryEmail))
	}
	body := rec.Body.String()
	if strings.Contains(body, "<script>") {
		t.Error("answers not escaped")
	}
	if strings.Index(body, "a_age") > strings.Index(body, "b_symptoms") {
		t.Error("answers not sorted by question")
	}
	if mailer.email != "pat@example.com" || mailer.document != body {
		t.Errorf("mailer got email %q and a different document", mailer.email)
	}
}

func TestDocumentHandler_Gzip(t *testing.T) {
	responses := map[string]string{}
	for i := 0; i < 60; i++ {
		responses[fmt.Sprintf("question_%02d", i)] = "a reasonably long answer to make the document compressible"
	}
	r := newDocumentRouter(&mockChecker{}, &mockSummaryMailer{})

	req := documentRequest(t, "user-1", responses)
	req.Header.Set("Accept-Encoding", "gzip")
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	if rec.Header().Get("Content-Encoding") != "gzip" {
		t.Fatalf("Content-Encoding = %q, want gzip", rec.Header().Get("Content-Encoding"))
	}
	zr, err := gzip.NewReader(rec.Body)
	if err != nil {
		t.Fatalf("gzip reader: %v", err)
	}
	plain, err := io.ReadAll(zr)
	if err != nil {
		t.Fatalf("read gzip body: %v", err)
	}
	if !strings.Contains(string(plain), "question_59") {
		t.Error("decompressed document incomplete")
	}
}

func TestDocumentHandler_EmailFailureStillReturnsDocument(t *testing.T) {
	mailer := &mockSummaryMailer{err: types.NewAppError(types.ErrCodeUpstreamEmailProvider, "down", nil)}
	r := newDocumentRouter(&mockChecker{}, mailer)

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, documentRequest(t, "user-1", map[string]string{"q": "a"}))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if rec.Header().Get(HeaderSummaryEmail) != "failed" {
		t.Errorf("email header = %q, want failed", rec.Header().Get(HeaderSummaryEmail))
	}
}

func TestDocumentHandler_Gated(t *testing.T) {
	denied := &mockChecker{checkFn: func(context.Context, string) (entitlement.Decision, error) {
		return entitlement.Decision{Access: entitlement.AccessDenied, Redirect: "/signup"}, nil
	}}
	mailer := &mockSummaryMailer{}
	r := newDocumentRouter(denied, mailer)

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, documentRequest(t, "user-1", map[string]string{"q": "a"}))

	if rec.Code != http.StatusForbidden {
		t.Errorf("status = %d, want 403", rec.Code)
	}
	if mailer.document != "" {
		t.Error("document generated for a denied user")
	}
}

func TestDocumentHandler_Validation(t *testing.T) {
	r := newDocumentRouter(&mockChecker{}, &mockSummaryMailer{})

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, documentRequest(t, "user-1", map[string]string{}))
	if rec.Code != http.StatusBadRequest {
		t.Errorf("empty responses status = %d, want 400", rec.Code)
	}

	req := jsonRequest(t, http.MethodPost, "/v1/documents", map[string]any{
		"user_id":   "someone-else",
		"responses": map[string]string{"q": "a"},
	})
	req.Header.Set(entitlement.HeaderUserID, "user-1")
	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	if rec.Code != http.StatusForbidden {
		t.Errorf("mismatched user status = %d, want 403", rec.Code)
	}
}
