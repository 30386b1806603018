package service

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	cfg "github.com/chatwit-social/scheduling-api/configs"
)

// BlobStore uploads a file and returns the URL it is served from.
type BlobStore interface {
	Upload(ctx context.Context, key string, body []byte, mimeType string) (string, error)
}

type R2Service struct {
	config cfg.Config
	client *s3.Client
}

func NewR2Service(ctx context.Context, c cfg.Config) (*R2Service, error) {
	awsCfg, err := config.LoadDefaultConfig(ctx,
		config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(c.R2.AccessKey, c.R2.SecretKey, "")),
		config.WithRegion("auto"),
	)
	if err != nil {
		slog.Info(err.Error())
		return nil, err
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.BaseEndpoint = aws.String(fmt.Sprintf("https://%s.r2.cloudflarestorage.com", c.R2.AccountID))
	})

	return &R2Service{config: c, client: client}, nil
}

func (r *R2Service) Upload(ctx context.Context, key string, body []byte, mimeType string) (string, error) {
	input := &s3.PutObjectInput{
		Bucket:      aws.String(r.config.R2.BucketName),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String(mimeType),
	}

	if _, err := r.client.PutObject(ctx, input); err != nil {
		slog.Info(err.Error())
		return "", err
	}

	return strings.TrimRight(r.config.R2.PublicURL, "/") + "/" + key, nil
}

// RewriteStorageHost swaps a storage-internal host for the public one so the
// URL resolves outside the cluster. Other URLs are returned unchanged.
func RewriteStorageHost(raw string, hosts cfg.Storage) string {
	if hosts.InternalHost == "" || hosts.PublicHost == "" {
		return raw
	}

	u, err := url.Parse(raw)
	if err != nil || !strings.EqualFold(u.Host, hosts.InternalHost) {
		return raw
	}

	u.Host = hosts.PublicHost
	u.Scheme = "https"
	return u.String()
}
