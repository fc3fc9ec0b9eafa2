package notifications

import (
	"context"
	"html/template"
	"log/slog"

	"careintake/internal/types"
)

// DocumentMailer emails a generated consultation summary.
type DocumentMailer struct {
	sender   Sender
	renderer *Renderer
	from     types.SenderIdentity
	logger   *slog.Logger
}

func NewDocumentMailer(sender Sender, renderer *Renderer, from types.SenderIdentity, logger *slog.Logger) *DocumentMailer {
	if logger == nil {
		logger = slog.Default()
	}
	return &DocumentMailer{sender: sender, renderer: renderer, from: from, logger: logger}
}

// SendSummary wraps document, which must already be escaped HTML, in the
// summary email and sends it. Every call sends; callers deduplicate.
func (m *DocumentMailer) SendSummary(ctx context.Context, userID, email, firstName, document string) (string, error) {
	rendered, err := m.renderer.Render(KindConsultationSummary, TemplateData{
		Recipient: email,
		FirstName: firstName,
		Document:  template.HTML(document), //nolint:gosec // produced by our own html/template
	})
	if err != nil {
		return "", types.NewAppError(types.ErrCodeInternalUnexpected, "failed to render summary email", err)
	}

	msgID, err := m.sender.Send(ctx, types.SendInput{
		To:          email,
		From:        m.from,
		Subject:     rendered.Subject,
		BodyHTML:    rendered.BodyHTML,
		BodyText:    rendered.BodyText,
		ReferenceID: userID,
	})
	if err != nil {
		return "", err
	}
	m.logger.InfoContext(ctx, "consultation summary sent",
		"user_id", userID,
		"email", RedactEmail(email),
		"message_id", msgID,
	)
	return msgID, nil
}
