// Package storage archives canvas snapshots to S3-compatible object
// storage. Snapshots are full Format E serializations keyed by
// workspace, root and version.
package storage

import (
	"bytes"
	"context"
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/loomworks/loom/backend/internal/util"
	"github.com/loomworks/loom/backend/pkg/logger"
)

// NewS3Client builds a client from AWS_* env vars. Returns nil when
// configuration fails; callers treat a nil client as archiving
// disabled.
func NewS3Client(ctx context.Context) *s3.Client {
	cfg, err := config.LoadDefaultConfig(
		ctx,
		config.WithRegion(util.GetEnv("AWS_REGION")),
		config.WithBaseEndpoint(util.GetEnv("AWS_ENDPOINT")),
		config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
			util.GetEnv("AWS_ACCESS_KEY"),
			util.GetEnv("AWS_SECRET_KEY"),
			"",
		)),
	)
	if err != nil {
		logger.Warn("s3 configuration failed, snapshot archive disabled", "error", err)
		return nil
	}

	return s3.NewFromConfig(cfg, func(o *s3.Options) {
		o.UsePathStyle = true
	})
}

func snapshotKey(workspaceID, rootID string, version int64) string {
	return fmt.Sprintf("snapshots/%s/%s/v%d.fe", workspaceID, rootID, version)
}

// PutSnapshot uploads one serialized snapshot and returns its object key.
func PutSnapshot(ctx context.Context, client *s3.Client, workspaceID, rootID string, version int64, serialized string) (string, error) {
	key := snapshotKey(workspaceID, rootID, version)
	_, err := client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(util.GetEnv("AWS_BUCKET")),
		Key:         aws.String(key),
		Body:        bytes.NewReader([]byte(serialized)),
		ContentType: aws.String("text/plain; charset=utf-8"),
	})
	if err != nil {
		return "", fmt.Errorf("upload snapshot: %w", err)
	}
	return key, nil
}

// PutObject stores an arbitrary object, such as an uploaded import
// document awaiting worker pickup.
func PutObject(ctx context.Context, client *s3.Client, key string, body []byte, contentType string) error {
	_, err := client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(util.GetEnv("AWS_BUCKET")),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return fmt.Errorf("upload object: %w", err)
	}
	return nil
}

// GetObject fetches an arbitrary object, such as an uploaded import
// document.
func GetObject(ctx context.Context, client *s3.Client, key string) ([]byte, error) {
	result, err := client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(util.GetEnv("AWS_BUCKET")),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, fmt.Errorf("get object: %w", err)
	}
	defer result.Body.Close()

	return io.ReadAll(result.Body)
}

// GetSnapshot fetches a previously archived snapshot.
func GetSnapshot(ctx context.Context, client *s3.Client, workspaceID, rootID string, version int64) ([]byte, error) {
	result, err := client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(util.GetEnv("AWS_BUCKET")),
		Key:    aws.String(snapshotKey(workspaceID, rootID, version)),
	})
	if err != nil {
		return nil, fmt.Errorf("get snapshot: %w", err)
	}
	defer result.Body.Close()

	return io.ReadAll(result.Body)
}
