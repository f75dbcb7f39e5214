package cloud

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

type s3API interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// RawArchive keeps the untouched request bodies devices send, for replay
// and vendor support cases.
type RawArchive struct {
	svc    s3API
	bucket string
}

func NewRawArchive(cfg aws.Config, bucket string) *RawArchive {
	return &RawArchive{svc: s3.NewFromConfig(cfg), bucket: bucket}
}

// RawKey is raw/{vendor}/{device_uid}/{received_at}.json.
func RawKey(vendor, deviceUID string, receivedAt time.Time) string {
	return fmt.Sprintf("raw/%s/%s/%s.json",
		strings.ToLower(vendor), deviceUID, receivedAt.UTC().Format(time.RFC3339Nano))
}

// Archive uploads body and returns its key.
func (a *RawArchive) Archive(ctx context.Context, vendor, deviceUID string, receivedAt time.Time, body []byte) (string, error) {
	key := RawKey(vendor, deviceUID, receivedAt)
	_, err := a.svc.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(a.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String("application/json"),
		Metadata: map[string]string{
			"vendor":     vendor,
			"device-uid": deviceUID,
		},
	})
	if err != nil {
		return "", fmt.Errorf("failed to upload raw payload: %w", err)
	}
	return key, nil
}
