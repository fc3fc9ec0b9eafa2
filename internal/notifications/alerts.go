package notifications

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	sqstypes "github.com/aws/aws-sdk-go-v2/service/sqs/types"
)

// Alert kinds.
const (
	AlertPartialProvisioning = "partial_provisioning"
	AlertUnreconciledEvents  = "unreconciled_events"
)

// OpsAlert is the message body published for operators.
type OpsAlert struct {
	Kind       string            `json:"kind"`
	Severity   string            `json:"severity"`
	Summary    string            `json:"summary"`
	Attributes map[string]string `json:"attributes,omitempty"`
	OccurredAt time.Time         `json:"occurred_at"`
}

// SQSSender is the subset of *sqs.Client used here.
type SQSSender interface {
	SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
}

// AlertPublisher sends OpsAlerts to an SQS queue. With no queue configured
// alerts are only logged.
type AlertPublisher struct {
	client   SQSSender
	queueURL string
	logger   *slog.Logger
}

// NewAlertPublisher targets queueURL. client may be nil when queueURL is
// empty.
func NewAlertPublisher(client SQSSender, queueURL string, logger *slog.Logger) *AlertPublisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &AlertPublisher{client: client, queueURL: queueURL, logger: logger}
}

// Publish logs the alert and, when a queue is configured, enqueues it with
// the kind as a message attribute.
func (p *AlertPublisher) Publish(ctx context.Context, alert OpsAlert) error {
	if alert.OccurredAt.IsZero() {
		alert.OccurredAt = time.Now().UTC()
	}
	p.logger.WarnContext(ctx, "ops alert",
		"kind", alert.Kind,
		"severity", alert.Severity,
		"summary", alert.Summary,
	)

	if p.queueURL == "" || p.client == nil {
		return nil
	}

	body, err := json.Marshal(alert)
	if err != nil {
		return fmt.Errorf("alert publisher: marshal: %w", err)
	}

	_, err = p.client.SendMessage(ctx, &sqs.SendMessageInput{
		QueueUrl:    aws.String(p.queueURL),
		MessageBody: aws.String(string(body)),
		MessageAttributes: map[string]sqstypes.MessageAttributeValue{
			"kind": {DataType: aws.String("String"), StringValue: aws.String(alert.Kind)},
		},
	})
	if err != nil {
		return fmt.Errorf("alert publisher: send to %s: %w", p.queueURL, err)
	}
	return nil
}
