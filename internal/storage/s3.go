// Package storage provides the blob-storage side of image finalization: an
// S3 upload client with upsert semantics for completed device images.
package storage

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/sirupsen/logrus"
)

// imageContentType is fixed: every object this client uploads is a
// reassembled device JPEG.
const imageContentType = "image/jpeg"

// maxImageSize bounds a single upload (64MB; no device image approaches
// this, but it keeps a misbehaving firmware from exhausting memory during
// assembly upstream of here).
const maxImageSize = 64 * 1024 * 1024

// Client wraps the S3 client with helper methods for image uploads.
type Client struct {
	s3Client *s3.Client
	logger   *logrus.Logger
	bucket   string
}

// Config holds S3 client configuration.
type Config struct {
	// Region is the AWS region (optional, defaults to us-east-1).
	Region string
	// Bucket is the destination bucket for finalized images.
	Bucket string
}

// DefaultConfig returns a default S3 configuration.
func DefaultConfig() Config {
	return Config{
		Region: "us-east-1",
		Bucket: "devicegateway-images",
	}
}

// New creates a new S3 client using the AWS SDK default credential chain.
func New(ctx context.Context, cfg Config) (*Client, error) {
	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	return &Client{
		s3Client: s3.NewFromConfig(awsCfg),
		logger:   logrus.New(),
		bucket:   cfg.Bucket,
	}, nil
}

// SetLogger sets a custom logger for the client.
func (c *Client) SetLogger(logger *logrus.Logger) {
	c.logger = logger
}

// PublicURL returns the object's public HTTPS URL.
func (c *Client) PublicURL(key string) string {
	return fmt.Sprintf("https://%s.s3.amazonaws.com/%s", c.bucket, key)
}

// UploadResult describes the outcome of UploadImage.
type UploadResult struct {
	Key       string
	Checksum  string
	SizeBytes int64
	// Replaced reports whether an object already existed at this key
	// before the upsert.
	Replaced bool
}

// UploadImage uploads a completed image to S3 at the given key, always
// overwriting any existing object at that key (upsert semantics) with
// content-type image/jpeg, and returns the object's SHA256 checksum.
func (c *Client) UploadImage(ctx context.Context, key string, data []byte) (*UploadResult, error) {
	if err := validateS3Key(key); err != nil {
		return nil, fmt.Errorf("invalid S3 key: %w", err)
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("refusing to upload empty image for key %s", key)
	}
	if len(data) > maxImageSize {
		return nil, fmt.Errorf("image too large: %d bytes (max %d) for key %s", len(data), maxImageSize, key)
	}

	logger := c.logger.WithFields(logrus.Fields{
		"bucket": c.bucket,
		"key":    key,
		"size":   len(data),
	})

	existed, err := c.ObjectExists(ctx, key)
	if err != nil {
		logger.WithError(err).Debug("could not determine prior object existence, proceeding with upsert")
	}

	hash := sha256.Sum256(data)
	checksum := hex.EncodeToString(hash[:])

	start := time.Now()
	_, err = c.s3Client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(c.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String(imageContentType),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to upload image %s: %w", key, err)
	}

	logger.WithFields(logrus.Fields{
		"checksum": checksum,
		"replaced": existed,
		"elapsed":  time.Since(start),
	}).Info("image uploaded to s3")

	return &UploadResult{
		Key:       key,
		Checksum:  checksum,
		SizeBytes: int64(len(data)),
		Replaced:  existed,
	}, nil
}

// ObjectExists checks if an object exists in S3.
func (c *Client) ObjectExists(ctx context.Context, key string) (bool, error) {
	_, err := c.s3Client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(c.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if strings.Contains(err.Error(), "NotFound") || strings.Contains(err.Error(), "404") {
			return false, nil
		}
		return false, fmt.Errorf("failed to check object existence: %w", err)
	}
	return true, nil
}

// validateS3Key validates an S3 key for security: no path traversal,
// no absolute paths, bounded length.
func validateS3Key(key string) error {
	if key == "" {
		return fmt.Errorf("S3 key cannot be empty")
	}
	if len(key) > 1024 {
		return fmt.Errorf("S3 key too long: %d characters (max 1024)", len(key))
	}
	if strings.Contains(key, "..") {
		return fmt.Errorf("S3 key contains path traversal: %s", key)
	}
	if strings.HasPrefix(key, "/") {
		return fmt.Errorf("S3 key should not start with /: %s", key)
	}
	if strings.Contains(key, "\x00") {
		return fmt.Errorf("S3 key contains null byte")
	}
	return nil
}
