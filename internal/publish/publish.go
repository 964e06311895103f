// Package publish uploads finished videos and photos to S3 compatible
// object storage.
package publish

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"mime"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3/s3manager"

	"pilapse/internal/config"
)

// ErrNoBucket is returned when publishing is not configured.
var ErrNoBucket = errors.New("publish: no bucket configured")

type uploader interface {
	UploadWithContext(ctx aws.Context, input *s3manager.UploadInput, opts ...func(*s3manager.Uploader)) (*s3manager.UploadOutput, error)
}

// Publisher uploads local files under a key prefix.
type Publisher struct {
	up     uploader
	bucket string
	prefix string
	log    *slog.Logger
}

// New builds a publisher from cfg. Credentials come from AWS_ACCESS_KEY_ID
// and AWS_SECRET_ACCESS_KEY when both are set, otherwise from the default
// provider chain.
func New(cfg config.Publish, log *slog.Logger) (*Publisher, error) {
	if cfg.Bucket == "" {
		return nil, ErrNoBucket
	}
	sess, err := newSession(cfg)
	if err != nil {
		return nil, fmt.Errorf("create aws session: %w", err)
	}
	return newPublisher(s3manager.NewUploader(sess), cfg, log), nil
}

func newPublisher(up uploader, cfg config.Publish, log *slog.Logger) *Publisher {
	if log == nil {
		log = slog.Default()
	}
	return &Publisher{up: up, bucket: cfg.Bucket, prefix: cfg.Prefix, log: log}
}

func newSession(cfg config.Publish) (*session.Session, error) {
	awsCfg := &aws.Config{
		Region:           aws.String(cfg.Region),
		S3ForcePathStyle: aws.Bool(cfg.PathStyle),
	}
	if cfg.Endpoint != "" {
		awsCfg.Endpoint = aws.String(cfg.Endpoint)
	}
	id, secret := os.Getenv("AWS_ACCESS_KEY_ID"), os.Getenv("AWS_SECRET_ACCESS_KEY")
	if id != "" && secret != "" {
		awsCfg.Credentials = credentials.NewStaticCredentials(id, secret, "")
	}
	return session.NewSession(awsCfg)
}

// Key returns the object key used for a local file.
func (p *Publisher) Key(localPath string) string {
	return path.Join(strings.TrimSuffix(p.prefix, "/"), filepath.Base(localPath))
}

// Upload sends the file at localPath and returns its location.
func (p *Publisher) Upload(ctx context.Context, localPath string) (string, error) {
	f, err := os.Open(localPath)
	if err != nil {
		return "", err
	}
	defer f.Close()

	key := p.Key(localPath)
	input := &s3manager.UploadInput{
		Bucket: aws.String(p.bucket),
		Key:    aws.String(key),
		Body:   f,
	}
	if ct := mime.TypeByExtension(filepath.Ext(localPath)); ct != "" {
		input.ContentType = aws.String(ct)
	}

	out, err := p.up.UploadWithContext(ctx, input)
	if err != nil {
		return "", fmt.Errorf("upload %s to s3://%s/%s: %w", localPath, p.bucket, key, err)
	}
	p.log.Info("published", "file", localPath, "bucket", p.bucket, "key", key, "location", out.Location)
	return out.Location, nil
}
