// Package archive stores CAPTCHA images that could not be read, for later labelling.
package archive

import (
	"bytes"
	"context"
	"fmt"
	"path"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/gofrs/uuid/v5"
)

// Archiver receives unreadable CAPTCHA images.
type Archiver interface {
	Store(ctx context.Context, image []byte, guess string) error
}

// Nop discards images.
type Nop struct{}

// Store implements Archiver.
func (Nop) Store(context.Context, []byte, string) error { return nil }

// S3Config holds object storage settings.
type S3Config struct {
	Bucket       string
	Region       string
	BaseEndpoint string
	AccessKey    string
	SecretKey    string
	Prefix       string
}

type objectPutter interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3 writes images to an S3-compatible bucket.
type S3 struct {
	client objectPutter
	bucket string
	prefix string
	now    func() time.Time
}

var loadDefaultAWSConfig = config.LoadDefaultConfig

// NewS3 builds an S3 archiver with static credentials and an optional custom endpoint.
func NewS3(ctx context.Context, c S3Config) (*S3, error) {
	cfg, err := loadDefaultAWSConfig(ctx,
		config.WithRegion(c.Region),
		config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
			c.AccessKey,
			c.SecretKey,
			"",
		)),
	)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		if c.BaseEndpoint != "" {
			o.BaseEndpoint = aws.String(c.BaseEndpoint)
			o.UsePathStyle = true
		}
	})
	return newS3(client, c.Bucket, c.Prefix), nil
}

func newS3(client objectPutter, bucket, prefix string) *S3 {
	return &S3{client: client, bucket: bucket, prefix: prefix, now: time.Now}
}

// Store uploads the image under prefix/YYYY/MM/DD/<uuid>.png; the OCR guess goes to object metadata.
func (a *S3) Store(ctx context.Context, image []byte, guess string) error {
	id, err := uuid.NewV4()
	if err != nil {
		return err
	}
	key := path.Join(a.prefix, a.now().UTC().Format("2006/01/02"), id.String()+".png")
	_, err = a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(a.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(image),
		ContentType: aws.String("image/png"),
		Metadata:    map[string]string{"ocr-guess": guess},
	})
	if err != nil {
		return fmt.Errorf("put %s: %w", key, err)
	}
	return nil
}
