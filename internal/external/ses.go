package external

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sesv2"
	sestypes "github.com/aws/aws-sdk-go-v2/service/sesv2/types"

	"careintake/internal/types"
)

// SESAPI is the subset of *sesv2.Client used by SESClient.
type SESAPI interface {
	SendEmail(ctx context.Context, params *sesv2.SendEmailInput, optFns ...func(*sesv2.Options)) (*sesv2.SendEmailOutput, error)
}

// SESClientConfig holds the configuration for creating an SESClient.
type SESClientConfig struct {
	// ConfigSetName is optional.
	ConfigSetName string
	Logger        *slog.Logger
}

// SESClient implements EmailProvider over SES v2. Credentials come from the
// IAM role and the SDK retries on its own, so there is no BaseClient here.
type SESClient struct {
	api           SESAPI
	configSetName string
	logger        *slog.Logger
}

// NewSESClient creates an SESClient from an AWS config.
func NewSESClient(awsCfg aws.Config, cfg SESClientConfig) *SESClient {
	return NewSESClientWithAPI(sesv2.NewFromConfig(awsCfg), cfg)
}

// NewSESClientWithAPI creates an SESClient over a caller-supplied API.
func NewSESClientWithAPI(api SESAPI, cfg SESClientConfig) *SESClient {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &SESClient{api: api, configSetName: cfg.ConfigSetName, logger: logger}
}

// Send transmits pre-rendered content. Template IDs are ignored; callers
// render locally before choosing SES.
//
// Error mapping:
//   - MessageRejected -> email_blocked
//   - TooManyRequestsException -> upstream_rate_limited
//   - SendingPausedException -> upstream_unavailable
//   - other -> upstream_email_provider_unavailable
func (s *SESClient) Send(ctx context.Context, input types.SendInput) (string, error) {
	from := input.From.Address
	if input.From.Name != "" {
		from = fmt.Sprintf("%s <%s>", input.From.Name, input.From.Address)
	}

	body := &sestypes.Body{}
	if input.BodyHTML != "" {
		body.Html = utf8Content(input.BodyHTML)
	}
	if input.BodyText != "" {
		body.Text = utf8Content(input.BodyText)
	}

	req := &sesv2.SendEmailInput{
		FromEmailAddress: aws.String(from),
		Destination:      &sestypes.Destination{ToAddresses: []string{input.To}},
		Content: &sestypes.EmailContent{
			Simple: &sestypes.Message{Subject: utf8Content(input.Subject), Body: body},
		},
		EmailTags: sesTags(input),
	}
	if s.configSetName != "" {
		req.ConfigurationSetName = aws.String(s.configSetName)
	}

	out, err := s.api.SendEmail(ctx, req)
	if err != nil {
		return "", mapSESError(err)
	}
	return aws.ToString(out.MessageId), nil
}

func utf8Content(v string) *sestypes.Content {
	return &sestypes.Content{Data: aws.String(v), Charset: aws.String("UTF-8")}
}

// sesTags carries correlation ids. SES tag values allow only
// alphanumerics, '_', '-', '.' and '@', which uuids and our keys satisfy.
func sesTags(input types.SendInput) []sestypes.MessageTag {
	var tags []sestypes.MessageTag
	if input.ReferenceID != "" {
		tags = append(tags, sestypes.MessageTag{Name: aws.String("reference_id"), Value: aws.String(input.ReferenceID)})
	}
	if input.IdempotencyKey != "" {
		tags = append(tags, sestypes.MessageTag{Name: aws.String("idempotency_key"), Value: aws.String(input.IdempotencyKey)})
	}
	return tags
}

func mapSESError(err error) error {
	var rejected *sestypes.MessageRejected
	var throttled *sestypes.TooManyRequestsException
	var paused *sestypes.SendingPausedException

	switch {
	case errors.As(err, &rejected):
		return types.NewAppError(types.ErrCodeEmailBlocked, "SES rejected message", err)
	case errors.As(err, &throttled):
		return types.NewAppError(types.ErrCodeUpstreamRateLimited, "SES rate limit exceeded", err)
	case errors.As(err, &paused):
		return types.NewAppError(types.ErrCodeUpstreamUnavailable, "SES account sending paused", err)
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return types.NewAppError(types.ErrCodeUpstreamUnavailable, "SES request cancelled", err)
	default:
		return types.NewAppError(types.ErrCodeUpstreamEmailProvider, "SES send failed", err)
	}
}

var _ EmailProvider = (*SESClient)(nil)
