package cloud

import (
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/envmon/envmon/internal/domain"
)

type dynamoAPI interface {
	PutItem(ctx context.Context, in *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	Query(ctx context.Context, in *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
}

// NotificationLog stores one item per notification attempt, keyed by alert
// id and send time.
type NotificationLog struct {
	svc   dynamoAPI
	table string
}

func NewNotificationLog(cfg aws.Config, table string) *NotificationLog {
	return &NotificationLog{svc: dynamodb.NewFromConfig(cfg), table: table}
}

type notificationItem struct {
	AlertID   string `dynamodbav:"alertId"`
	SentAt    int64  `dynamodbav:"sentAt"`
	ID        string `dynamodbav:"notificationId"`
	DeviceID  int64  `dynamodbav:"deviceId"`
	Channel   string `dynamodbav:"channel"`
	EventKind string `dynamodbav:"eventKind"`
	Delivered bool   `dynamodbav:"delivered"`
	Error     string `dynamodbav:"error,omitempty"`
}

func (l *NotificationLog) Record(ctx context.Context, n domain.AlertNotification) error {
	item, err := attributevalue.MarshalMap(notificationItem{
		AlertID:   n.AlertID,
		SentAt:    n.SentAt.UnixMilli(),
		ID:        n.ID,
		DeviceID:  n.DeviceID,
		Channel:   n.Channel,
		EventKind: string(n.EventKind),
		Delivered: n.Delivered,
		Error:     n.Error,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal notification: %w", err)
	}

	_, err = l.svc.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(l.table),
		Item:      item,
	})
	if err != nil {
		return fmt.Errorf("failed to put notification in DynamoDB: %w", err)
	}
	return nil
}

// ForAlert returns the notifications sent for an alert, oldest first.
func (l *NotificationLog) ForAlert(ctx context.Context, alertID string) ([]domain.AlertNotification, error) {
	out, err := l.svc.Query(ctx, &dynamodb.QueryInput{
		TableName:              aws.String(l.table),
		KeyConditionExpression: aws.String("alertId = :aid"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":aid": &types.AttributeValueMemberS{Value: alertID},
		},
		ScanIndexForward: aws.Bool(true),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to query notifications: %w", err)
	}

	var items []notificationItem
	if err := attributevalue.UnmarshalListOfMaps(out.Items, &items); err != nil {
		return nil, fmt.Errorf("failed to unmarshal notifications: %w", err)
	}

	result := make([]domain.AlertNotification, len(items))
	for i, it := range items {
		result[i] = domain.AlertNotification{
			ID:        it.ID,
			AlertID:   it.AlertID,
			DeviceID:  it.DeviceID,
			Channel:   it.Channel,
			EventKind: domain.EventKind(it.EventKind),
			Delivered: it.Delivered,
			Error:     it.Error,
			SentAt:    time.UnixMilli(it.SentAt).UTC(),
		}
	}
	return result, nil
}
