// Package s3 implements the blob store gateway on top of Amazon S3 or any
// S3-compatible endpoint (MinIO in development).
package s3

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/recaplab/recap-engine/internal/domain"
)

// Gateway stores blobs under one bucket and hands out opaque s3://bucket/key
// handles. Presigned URLs are minted on demand and never stored.
type Gateway struct {
	client  *s3.Client
	presign *s3.PresignClient
	bucket  string
}

// New builds a Gateway from the ambient AWS configuration. A non-empty
// endpoint switches to path-style addressing for S3-compatible stores.
func New(ctx context.Context, bucket, region, endpoint string) (*Gateway, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("op=blob.new: %w", err)
	}
	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
			o.UsePathStyle = true
		}
	})
	return &Gateway{client: client, presign: s3.NewPresignClient(client), bucket: bucket}, nil
}

// Put uploads the blob and returns its handle.
func (g *Gateway) Put(ctx domain.Context, key string, r io.Reader, contentType string) (string, error) {
	_, err := g.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(g.bucket),
		Key:         aws.String(key),
		Body:        r,
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return "", fmt.Errorf("op=blob.put key=%s: %w", key, err)
	}
	return "s3://" + g.bucket + "/" + key, nil
}

// Get opens the blob for reading. The caller closes the body.
func (g *Gateway) Get(ctx domain.Context, handle string) (io.ReadCloser, error) {
	bucket, key, err := parseHandle(handle)
	if err != nil {
		return nil, err
	}
	out, err := g.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if isNotFound(err) {
			return nil, fmt.Errorf("op=blob.get handle=%s: %w", handle, domain.ErrNotFound)
		}
		return nil, fmt.Errorf("op=blob.get handle=%s: %w", handle, err)
	}
	return out.Body, nil
}

// PresignGet mints a short-lived download URL for the handle.
func (g *Gateway) PresignGet(ctx domain.Context, handle string, ttl time.Duration) (string, error) {
	bucket, key, err := parseHandle(handle)
	if err != nil {
		return "", err
	}
	req, err := g.presign.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	}, s3.WithPresignExpires(ttl))
	if err != nil {
		return "", fmt.Errorf("op=blob.presign handle=%s: %w", handle, err)
	}
	return req.URL, nil
}

// Delete removes the blob. Deleting a missing key succeeds.
func (g *Gateway) Delete(ctx domain.Context, handle string) error {
	bucket, key, err := parseHandle(handle)
	if err != nil {
		return err
	}
	_, err = g.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return fmt.Errorf("op=blob.delete handle=%s: %w", handle, err)
	}
	return nil
}

func parseHandle(handle string) (bucket, key string, err error) {
	rest, ok := strings.CutPrefix(handle, "s3://")
	if !ok {
		return "", "", fmt.Errorf("op=blob.parse handle=%s: %w", handle, domain.ErrInvalidInput)
	}
	bucket, key, ok = strings.Cut(rest, "/")
	if !ok || bucket == "" || key == "" {
		return "", "", fmt.Errorf("op=blob.parse handle=%s: %w", handle, domain.ErrInvalidInput)
	}
	return bucket, key, nil
}

func isNotFound(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "NoSuchKey") || strings.Contains(msg, "NotFound")
}
