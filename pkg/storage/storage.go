// Package storage uploads email attachments to object storage.
package storage

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"path"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/dukex/prompthook/pkg/models"
	"github.com/google/uuid"
)

// File is an attachment received with an occurrence.
type File struct {
	Name        string
	ContentType string
	Content     []byte
}

type Uploader interface {
	Upload(ctx context.Context, workspaceID int64, file File) (models.FileRef, error)
}

type Config struct {
	Bucket          string
	Region          string
	EndpointURL     string
	AccessKeyID     string
	SecretAccessKey string
}

// objectPutter is the part of the S3 API the uploader needs.
type objectPutter interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

type S3Uploader struct {
	client   objectPutter
	bucket   string
	endpoint string
	logger   *slog.Logger
}

func NewS3Uploader(ctx context.Context, cfg Config, logger *slog.Logger) (*S3Uploader, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("s3 bucket is required")
	}

	options := []func(*config.LoadOptions) error{config.WithRegion(cfg.Region)}

	if cfg.AccessKeyID != "" {
		options = append(options, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}

	awsConfig, err := config.LoadDefaultConfig(ctx, options...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := s3.NewFromConfig(awsConfig, func(o *s3.Options) {
		if cfg.EndpointURL != "" {
			o.BaseEndpoint = aws.String(cfg.EndpointURL)
			o.UsePathStyle = true
		}
	})

	return newS3Uploader(client, cfg, logger), nil
}

func newS3Uploader(client objectPutter, cfg Config, logger *slog.Logger) *S3Uploader {
	return &S3Uploader{
		client:   client,
		bucket:   cfg.Bucket,
		endpoint: strings.TrimRight(cfg.EndpointURL, "/"),
		logger:   logger.With("module", "attachment_storage"),
	}
}

func (u *S3Uploader) Upload(ctx context.Context, workspaceID int64, file File) (models.FileRef, error) {
	key := objectKey(workspaceID, file.Name)

	contentType := file.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	_, err := u.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(u.bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader(file.Content),
		ContentType:   aws.String(contentType),
		ContentLength: aws.Int64(int64(len(file.Content))),
		Metadata: map[string]string{
			"original-name": file.Name,
			"upload-source": "prompthook-email",
		},
	})
	if err != nil {
		return models.FileRef{}, fmt.Errorf("failed to upload %s: %w", file.Name, err)
	}

	u.logger.DebugContext(ctx, "Uploaded attachment", "key", key, "size", len(file.Content))

	return models.FileRef{
		Name:        file.Name,
		ContentType: contentType,
		Key:         key,
		URL:         u.objectURL(key),
		Size:        int64(len(file.Content)),
	}, nil
}

func (u *S3Uploader) objectURL(key string) string {
	if u.endpoint != "" {
		return u.endpoint + "/" + u.bucket + "/" + key
	}

	return "s3://" + u.bucket + "/" + key
}

func objectKey(workspaceID int64, name string) string {
	base := path.Base(strings.ReplaceAll(name, "\\", "/"))
	if base == "." || base == "/" || base == "" {
		base = "attachment"
	}

	return fmt.Sprintf("workspaces/%d/attachments/%s/%s", workspaceID, uuid.NewString(), url.PathEscape(base))
}

var _ Uploader = (*S3Uploader)(nil)
