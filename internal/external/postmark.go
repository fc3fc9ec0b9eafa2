package external

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/mrz1836/postmark"

	"careintake/internal/types"
)

// Postmark API error codes that mean the recipient cannot receive mail.
const (
	postmarkInactiveRecipient = 406
	postmarkInvalidEmail      = 300
)

// PostmarkAPI is the subset of *postmark.Client used by PostmarkClient.
type PostmarkAPI interface {
	SendEmail(ctx context.Context, email postmark.Email) (postmark.EmailResponse, error)
}

// PostmarkClientConfig holds the configuration for creating a PostmarkClient.
type PostmarkClientConfig struct {
	ServerToken  string
	AccountToken string
	// Tag groups messages in Postmark's activity feed. Defaults to "transactional".
	Tag    string
	Logger *slog.Logger
}

// PostmarkClient implements EmailProvider with the Postmark SDK.
type PostmarkClient struct {
	api    PostmarkAPI
	tag    string
	logger *slog.Logger
}

// NewPostmarkClient builds a client from server and account tokens.
func NewPostmarkClient(cfg PostmarkClientConfig) *PostmarkClient {
	return NewPostmarkClientWithAPI(postmark.NewClient(cfg.ServerToken, cfg.AccountToken), cfg)
}

// NewPostmarkClientWithAPI builds a client over a caller-supplied API.
func NewPostmarkClientWithAPI(api PostmarkAPI, cfg PostmarkClientConfig) *PostmarkClient {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	tag := cfg.Tag
	if tag == "" {
		tag = "transactional"
	}
	return &PostmarkClient{api: api, tag: tag, logger: logger}
}

// Send transmits pre-rendered content. Postmark reports business errors in
// the response body with a non-zero ErrorCode, which are mapped here.
func (p *PostmarkClient) Send(ctx context.Context, input types.SendInput) (string, error) {
	from := input.From.Address
	if input.From.Name != "" {
		from = fmt.Sprintf("%s <%s>", input.From.Name, input.From.Address)
	}

	email := postmark.Email{
		From:     from,
		To:       input.To,
		Subject:  input.Subject,
		HTMLBody: input.BodyHTML,
		TextBody: input.BodyText,
		Tag:      p.tag,
		Metadata: map[string]string{},
	}
	if input.ReferenceID != "" {
		email.Metadata["reference_id"] = input.ReferenceID
	}
	if input.IdempotencyKey != "" {
		email.Metadata["idempotency_key"] = input.IdempotencyKey
	}

	resp, err := p.api.SendEmail(ctx, email)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return "", types.NewAppError(types.ErrCodeUpstreamUnavailable, "Postmark request cancelled", err)
		}
		return "", types.NewAppError(types.ErrCodeUpstreamEmailProvider, "Postmark request failed", err)
	}

	switch resp.ErrorCode {
	case 0:
		return resp.MessageID, nil
	case postmarkInactiveRecipient, postmarkInvalidEmail:
		return "", types.NewAppError(types.ErrCodeEmailBlocked,
			fmt.Sprintf("Postmark rejected recipient: %s", resp.Message), nil)
	default:
		p.logger.WarnContext(ctx, "postmark send rejected", "error_code", resp.ErrorCode, "message", resp.Message)
		return "", types.NewAppError(types.ErrCodeUpstreamEmailProvider,
			fmt.Sprintf("Postmark error (%d): %s", resp.ErrorCode, resp.Message), nil)
	}
}

var _ EmailProvider = (*PostmarkClient)(nil)
