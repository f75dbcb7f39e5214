package cloud

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
)

// LoadConfig resolves credentials from the default chain (environment,
// shared files, instance role) for the given region.
func LoadConfig(ctx context.Context, region string) (aws.Config, error) {
	cfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(region))
	if err != nil {
		return aws.Config{}, fmt.Errorf("unable to load SDK config: %w", err)
	}
	return cfg, nil
}

// Clients bundles the AWS-backed collaborators.
type Clients struct {
	SNS           *SNSClient
	Notifications *NotificationLog
	Archive       *RawArchive
}

func NewClients(ctx context.Context, region, topicArn, notificationsTable, bucket string) (*Clients, error) {
	cfg, err := LoadConfig(ctx, region)
	if err != nil {
		return nil, err
	}
	return &Clients{
		SNS:           NewSNSClient(cfg, topicArn),
		Notifications: NewNotificationLog(cfg, notificationsTable),
		Archive:       NewRawArchive(cfg, bucket),
	}, nil
}
