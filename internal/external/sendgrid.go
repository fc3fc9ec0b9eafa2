package external

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"careintake/internal/types"
)

// sendGridAPIBase is overridable through SendGridClientConfig.BaseURL.
const sendGridAPIBase = "https://api.sendgrid.com"

// SendGridClientConfig holds the configuration for creating a SendGridClient.
type SendGridClientConfig struct {
	APIKey  string
	BaseURL string
	Logger  *slog.Logger
}

// SendGridClient implements EmailProvider over the v3 Mail Send API.
type SendGridClient struct {
	base    *BaseClient
	apiKey  string
	baseURL string
	logger  *slog.Logger
}

// NewSendGridClient creates a SendGridClient with its own breaker.
func NewSendGridClient(httpClient *http.Client, cfg SendGridClientConfig, opts ...BaseClientOption) *SendGridClient {
	base := NewBaseClient(httpClient, "sendgrid", DefaultRetryPolicy(), "CareIntake/1.0", opts...)
	return NewSendGridClientWithBase(base, cfg)
}

// NewSendGridClientWithBase creates a SendGridClient over a pre-built
// BaseClient.
func NewSendGridClientWithBase(base *BaseClient, cfg SendGridClientConfig) *SendGridClient {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = sendGridAPIBase
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &SendGridClient{
		base:    base,
		apiKey:  cfg.APIKey,
		baseURL: strings.TrimSuffix(baseURL, "/"),
		logger:  logger,
	}
}

// Send posts one message and returns the X-Message-Id of the 202 response.
// A TemplateID selects a dynamic template with TemplateData; otherwise the
// pre-rendered Subject and bodies are sent.
//
// Error mapping:
//   - 403 -> email_blocked
//   - 429, 5xx -> retried by BaseClient, then upstream_*
//   - other 4xx -> upstream_email_provider_unavailable
func (s *SendGridClient) Send(ctx context.Context, input types.SendInput) (string, error) {
	body, err := json.Marshal(buildSendGridPayload(input))
	if err != nil {
		return "", types.NewAppError(types.ErrCodeInternalUnexpected, "failed to marshal SendGrid mail payload", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+"/v3/mail/send", bytes.NewReader(body))
	if err != nil {
		return "", types.NewAppError(types.ErrCodeInternalUnexpected, "failed to create SendGrid request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+s.apiKey)

	resp, err := s.base.Do(req)
	if err != nil {
		return "", wrapEmailError("SendGrid", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusAccepted {
		return resp.Header.Get("X-Message-Id"), nil
	}
	return "", s.handleErrorResponse(resp)
}

type sendGridMailPayload struct {
	Personalizations []sendGridPersonalization `json:"personalizations"`
	From             sendGridAddress           `json:"from"`
	Subject          string                    `json:"subject,omitempty"`
	Content          []sendGridContent         `json:"content,omitempty"`
	TemplateID       string                    `json:"template_id,omitempty"`
	CustomArgs       map[string]string         `json:"custom_args,omitempty"`
}

type sendGridPersonalization struct {
	To          []sendGridAddress `json:"to"`
	DynamicData map[string]any    `json:"dynamic_template_data,omitempty"`
}

type sendGridAddress struct {
	Email string `json:"email"`
	Name  string `json:"name,omitempty"`
}

type sendGridContent struct {
	Type  string `json:"type"`
	Value string `json:"value"`
}

func buildSendGridPayload(input types.SendInput) sendGridMailPayload {
	p := sendGridMailPayload{
		Personalizations: []sendGridPersonalization{{
			To: []sendGridAddress{{Email: input.To}},
		}},
		From: sendGridAddress{Email: input.From.Address, Name: input.From.Name},
	}

	if input.TemplateID != "" {
		p.TemplateID = input.TemplateID
		p.Personalizations[0].DynamicData = input.TemplateData
	} else {
		p.Subject = input.Subject
		// text/plain must precede text/html.
		if input.BodyText != "" {
			p.Content = append(p.Content, sendGridContent{Type: "text/plain", Value: input.BodyText})
		}
		if input.BodyHTML != "" {
			p.Content = append(p.Content, sendGridContent{Type: "text/html", Value: input.BodyHTML})
		}
	}

	args := map[string]string{}
	if input.ReferenceID != "" {
		args["reference_id"] = input.ReferenceID
	}
	if input.IdempotencyKey != "" {
		args["idempotency_key"] = input.IdempotencyKey
	}
	if len(args) > 0 {
		p.CustomArgs = args
	}
	return p
}

type sendGridErrorResponse struct {
	Errors []struct {
		Message string `json:"message"`
		Field   string `json:"field"`
	} `json:"errors"`
}

func (s *SendGridClient) handleErrorResponse(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))

	msg := strings.TrimSpace(string(body))
	var sgErr sendGridErrorResponse
	if json.Unmarshal(body, &sgErr) == nil && len(sgErr.Errors) > 0 {
		msg = sgErr.Errors[0].Message
	}

	switch {
	case resp.StatusCode == http.StatusForbidden:
		return types.NewAppError(types.ErrCodeEmailBlocked, fmt.Sprintf("SendGrid blocked delivery: %s", msg), nil)
	case resp.StatusCode == http.StatusTooManyRequests:
		return types.NewAppError(types.ErrCodeUpstreamRateLimited, "SendGrid rate limit exceeded", nil)
	case resp.StatusCode >= 500:
		return types.NewAppError(types.ErrCodeUpstreamUnavailable, fmt.Sprintf("SendGrid server error: %s", msg), nil)
	default:
		return types.NewAppError(types.ErrCodeUpstreamEmailProvider,
			fmt.Sprintf("SendGrid error (%d): %s", resp.StatusCode, msg), nil)
	}
}

// wrapEmailError keeps BaseClient AppErrors and wraps anything else.
func wrapEmailError(provider string, err error) error {
	if _, ok := err.(*types.AppError); ok {
		return err
	}
	return types.NewAppError(types.ErrCodeUpstreamEmailProvider, provider+" request failed", err)
}

var _ EmailProvider = (*SendGridClient)(nil)
