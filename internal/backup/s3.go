package backup

import (
	"context"
	"fmt"
	"os"
	"path"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/google/uuid"
)

// S3Config describes an S3-compatible bucket for artifact copies.
// A custom endpoint targets MinIO, Wasabi, and similar services.
type S3Config struct {
	Endpoint        string `yaml:"endpoint,omitempty"`
	Bucket          string `yaml:"bucket"`
	Prefix          string `yaml:"prefix,omitempty"`
	Region          string `yaml:"region,omitempty"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
	UseSSL          bool   `yaml:"use_ssl"`
}

// Validate checks the required fields are set.
func (c *S3Config) Validate() error {
	if c.Bucket == "" {
		return fmt.Errorf("s3: bucket is required")
	}
	if c.AccessKeyID == "" {
		return fmt.Errorf("s3: access_key_id is required")
	}
	if c.SecretAccessKey == "" {
		return fmt.Errorf("s3: secret_access_key is required")
	}
	return nil
}

// Uploader copies finished artifacts to object storage.
type Uploader struct {
	cfg      S3Config
	uploader *manager.Uploader
}

// NewUploader builds an uploader from the bucket config.
func NewUploader(ctx context.Context, cfg S3Config) (*Uploader, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	region := cfg.Region
	if region == "" {
		region = "us-east-1"
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion(region),
		awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
			cfg.AccessKeyID,
			cfg.SecretAccessKey,
			"",
		)),
	)
	if err != nil {
		return nil, fmt.Errorf("s3: failed to load config: %w", err)
	}

	var clientOpts []func(*s3.Options)
	if cfg.Endpoint != "" {
		scheme := "http"
		if cfg.UseSSL {
			scheme = "https"
		}
		endpoint := strings.TrimPrefix(cfg.Endpoint, "http://")
		endpoint = strings.TrimPrefix(endpoint, "https://")
		clientOpts = append(clientOpts, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(fmt.Sprintf("%s://%s", scheme, endpoint))
			o.UsePathStyle = true
		})
	}

	client := s3.NewFromConfig(awsCfg, clientOpts...)
	return &Uploader{
		cfg:      cfg,
		uploader: manager.NewUploader(client),
	}, nil
}

// UploadArtifact copies a local artifact to the bucket and returns the
// object key. A positive retentionDays is attached as an object tag so
// bucket lifecycle rules can expire offsite copies.
func (u *Uploader) UploadArtifact(ctx context.Context, tenantID uuid.UUID, localPath string, retentionDays int) (string, error) {
	file, err := os.Open(localPath)
	if err != nil {
		return "", fmt.Errorf("s3: open artifact %s: %w", localPath, err)
	}
	defer file.Close()

	key := path.Join(u.cfg.Prefix, tenantID.String(), path.Base(localPath))
	input := &s3.PutObjectInput{
		Bucket: aws.String(u.cfg.Bucket),
		Key:    aws.String(key),
		Body:   file,
	}
	if retentionDays > 0 {
		input.Tagging = aws.String(fmt.Sprintf("retention-days=%d", retentionDays))
	}
	_, err = u.uploader.Upload(ctx, input)
	if err != nil {
		return "", fmt.Errorf("s3: upload %s: %w", key, err)
	}
	return key, nil
}
