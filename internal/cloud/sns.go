package cloud

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/aws/aws-sdk-go-v2/service/sns/types"

	"github.com/envmon/envmon/internal/domain"
)

type snsAPI interface {
	Publish(ctx context.Context, in *sns.PublishInput, optFns ...func(*sns.Options)) (*sns.PublishOutput, error)
}

// SNSClient publishes alert events to a topic. Subscribers (email, SMS,
// chat webhooks) are managed on the topic.
type SNSClient struct {
	svc      snsAPI
	topicArn string
}

func NewSNSClient(cfg aws.Config, topicArn string) *SNSClient {
	return &SNSClient{svc: sns.NewFromConfig(cfg), topicArn: topicArn}
}

// SendAlertEvent publishes one alert event and returns the SNS message id.
func (c *SNSClient) SendAlertEvent(ctx context.Context, device domain.Device, a domain.Alert, kind domain.EventKind) (string, error) {
	subject, message := AlertMessage(device, a, kind)
	out, err := c.svc.Publish(ctx, &sns.PublishInput{
		TopicArn: aws.String(c.topicArn),
		Subject:  aws.String(subject),
		Message:  aws.String(message),
		MessageAttributes: map[string]types.MessageAttributeValue{
			"event":    {DataType: aws.String("String"), StringValue: aws.String(string(kind))},
			"severity": {DataType: aws.String("String"), StringValue: aws.String(string(a.Severity))},
		},
	})
	if err != nil {
		return "", fmt.Errorf("failed to publish to SNS: %w", err)
	}
	return aws.ToString(out.MessageId), nil
}

// AlertMessage renders the subject and body of an alert notification.
func AlertMessage(device domain.Device, a domain.Alert, kind domain.EventKind) (string, string) {
	name := device.Code
	if name == "" {
		name = device.UID
	}

	var subject string
	switch kind {
	case domain.EventBackInRange:
		subject = fmt.Sprintf("Back in range: %s on %s", a.SensorKind.Label(), name)
	case domain.EventAcknowledged:
		subject = fmt.Sprintf("Alert acknowledged: %s on %s", a.SensorKind.Label(), name)
	case domain.EventResolved:
		subject = fmt.Sprintf("Alert resolved: %s on %s", a.SensorKind.Label(), name)
	default:
		subject = fmt.Sprintf("%s alert: %s on %s", strings.ToUpper(string(a.Severity)), a.SensorKind.Label(), name)
	}
	// SNS rejects subjects over 100 characters.
	if len(subject) > 100 {
		subject = subject[:100]
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Device: %s\n", name)
	fmt.Fprintf(&b, "Sensor: %s (slot %d)\n", a.SensorKind.Label(), a.SensorSlot)
	fmt.Fprintf(&b, "Severity: %s\n", a.Severity)
	fmt.Fprintf(&b, "Status: %s\n", a.Status)
	fmt.Fprintf(&b, "Reason: %s\n", a.Reason)
	fmt.Fprintf(&b, "Started: %s\n", a.StartedAt.UTC().Format(time.RFC3339))
	if a.EndedAt != nil {
		fmt.Fprintf(&b, "Ended: %s\n", a.EndedAt.UTC().Format(time.RFC3339))
	}
	if a.AcknowledgedBy != "" && kind == domain.EventAcknowledged {
		fmt.Fprintf(&b, "Acknowledged by: %s\n", a.AcknowledgedBy)
	}
	if a.ResolvedBy != "" && kind == domain.EventResolved {
		fmt.Fprintf(&b, "Resolved by: %s\n", a.ResolvedBy)
	}
	fmt.Fprintf(&b, "Alert: %s\n", a.ID)
	return subject, b.String()
}
