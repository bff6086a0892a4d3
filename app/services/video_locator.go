package services

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/amirphl/Kusanagi/config"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// VideoLocator turns an ad's stored video path into a URL the player can fetch
type VideoLocator interface {
	Locate(ctx context.Context, videoPath *string) (string, error)
}

// CDNVideoLocator serves videos from a static CDN domain
type CDNVideoLocator struct {
	domain      string
	defaultPath string
}

// NewCDNVideoLocator creates a locator rooted at domain
func NewCDNVideoLocator(domain, defaultPath string) *CDNVideoLocator {
	return &CDNVideoLocator{
		domain:      strings.TrimRight(domain, "/"),
		defaultPath: defaultPath,
	}
}

func (l *CDNVideoLocator) Locate(ctx context.Context, videoPath *string) (string, error) {
	p := l.defaultPath
	if videoPath != nil && strings.TrimSpace(*videoPath) != "" {
		p = strings.TrimSpace(*videoPath)
	}
	if strings.HasPrefix(p, "http://") || strings.HasPrefix(p, "https://") {
		return p, nil
	}
	return l.domain + "/" + strings.TrimLeft(p, "/"), nil
}

// minioRegion is pinned so presigning never has to ask the server for the bucket location
const minioRegion = "us-east-1"

// MinIOVideoLocator hands out short lived presigned URLs for videos kept in a bucket
type MinIOVideoLocator struct {
	client      *minio.Client
	bucket      string
	defaultPath string
	ttl         time.Duration
}

// NewMinIOVideoLocator connects to the object store described by cfg
func NewMinIOVideoLocator(cfg config.VideoConfig) (*MinIOVideoLocator, error) {
	client, err := minio.New(cfg.MinIOEndpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.MinIOAccessKey, cfg.MinIOSecretKey, ""),
		Secure: cfg.MinIOUseSSL,
		Region: minioRegion,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create MinIO client: %w", err)
	}
	ttl := cfg.PresignTTL
	if ttl <= 0 {
		ttl = 15 * time.Minute
	}
	return &MinIOVideoLocator{
		client:      client,
		bucket:      cfg.MinIOBucket,
		defaultPath: cfg.DefaultPath,
		ttl:         ttl,
	}, nil
}

// CheckBucket verifies the configured bucket exists
func (l *MinIOVideoLocator) CheckBucket(ctx context.Context) error {
	exists, err := l.client.BucketExists(ctx, l.bucket)
	if err != nil {
		return fmt.Errorf("failed to check bucket %s: %w", l.bucket, err)
	}
	if !exists {
		return fmt.Errorf("bucket %s does not exist", l.bucket)
	}
	return nil
}

func (l *MinIOVideoLocator) Locate(ctx context.Context, videoPath *string) (string, error) {
	object := l.defaultPath
	if videoPath != nil && strings.TrimSpace(*videoPath) != "" {
		object = strings.TrimSpace(*videoPath)
	}
	object = strings.TrimLeft(object, "/")

	u, err := l.client.PresignedGetObject(ctx, l.bucket, object, l.ttl, url.Values{})
	if err != nil {
		return "", fmt.Errorf("failed to presign video %s: %w", object, err)
	}
	return u.String(), nil
}

// NewVideoLocator picks the locator named by cfg.Provider
func NewVideoLocator(cfg config.VideoConfig) (VideoLocator, error) {
	switch cfg.Provider {
	case "minio":
		return NewMinIOVideoLocator(cfg)
	case "", "cdn":
		return NewCDNVideoLocator(cfg.CDNDomain, cfg.DefaultPath), nil
	default:
		return nil, fmt.Errorf("unknown video provider %q", cfg.Provider)
	}
}
