package notifications

import (
	"context"
	"log/slog"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"
)

// Pipeline metric names.
const (
	MetricWelcomeEmailSent    = "WelcomeEmailSent"
	MetricWelcomeEmailFailed  = "WelcomeEmailFailed"
	MetricPartialProvision    = "PartialProvisioning"
	MetricWebhookDuplicate    = "WebhookDuplicate"
	MetricUnreconciledEvents  = "UnreconciledEvents"
	MetricTokensPurged        = "ProvisioningTokensPurged"
	MetricSubscriptionsLapsed = "SubscriptionsExpired"
)

// Counter records a count metric. Implementations must not fail the caller.
type Counter interface {
	Count(ctx context.Context, metric string, value float64, dims ...Dimension)
}

// Dimension is a metric name/value pair.
type Dimension struct {
	Name  string
	Value string
}

// NopCounter discards metrics.
type NopCounter struct{}

func (NopCounter) Count(context.Context, string, float64, ...Dimension) {}

// CloudWatchClient is the subset of *cloudwatch.Client used here.
type CloudWatchClient interface {
	PutMetricData(ctx context.Context, params *cloudwatch.PutMetricDataInput, optFns ...func(*cloudwatch.Options)) (*cloudwatch.PutMetricDataOutput, error)
}

// CloudWatchCounter emits counts with PutMetricData. Errors are logged and
// dropped.
type CloudWatchCounter struct {
	client    CloudWatchClient
	namespace string
	logger    *slog.Logger
}

// NewCloudWatchCounter publishes into namespace.
func NewCloudWatchCounter(client CloudWatchClient, namespace string, logger *slog.Logger) *CloudWatchCounter {
	if logger == nil {
		logger = slog.Default()
	}
	return &CloudWatchCounter{client: client, namespace: namespace, logger: logger}
}

// Count publishes one datapoint. Failures are logged and dropped.
func (c *CloudWatchCounter) Count(ctx context.Context, metric string, value float64, dims ...Dimension) {
	datum := cwtypes.MetricDatum{
		MetricName: aws.String(metric),
		Value:      aws.Float64(value),
		Unit:       cwtypes.StandardUnitCount,
	}
	for _, d := range dims {
		datum.Dimensions = append(datum.Dimensions, cwtypes.Dimension{
			Name:  aws.String(d.Name),
			Value: aws.String(d.Value),
		})
	}

	_, err := c.client.PutMetricData(ctx, &cloudwatch.PutMetricDataInput{
		Namespace:  aws.String(c.namespace),
		MetricData: []cwtypes.MetricDatum{datum},
	})
	if err != nil {
		c.logger.ErrorContext(ctx, "failed to put metric",
			"metric", metric,
			"error", err,
		)
	}
}

var _ Counter = (*CloudWatchCounter)(nil)
