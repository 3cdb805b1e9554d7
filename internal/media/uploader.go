// Package media stores post images in object storage and returns their public URLs.
package media

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strings"

	"github.com/google/uuid"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"golang.org/x/sync/errgroup"
)

const (
	// MaxImageBytes bounds a single upload.
	MaxImageBytes        = 5 << 20
	objectPrefix         = "posts"
	uploadConcurrency    = 3
	defaultContentSniffN = 512
)

var (
	ErrInvalidConfig = errors.New("media: invalid configuration")
	ErrInvalidImage  = errors.New("media: invalid image")
	ErrUploadFailed  = errors.New("media: upload failed")
)

// Image is a blob awaiting upload.
type Image struct {
	Name string
	Data []byte
}

// Uploader turns a blob into a public URL.
type Uploader interface {
	Upload(ctx context.Context, image Image) (string, error)
}

type objectWriter interface {
	PutObject(ctx context.Context, bucketName, objectName string, reader io.Reader, objectSize int64, opts minio.PutObjectOptions) (minio.UploadInfo, error)
}

// MinioConfig configures a MinioUploader.
type MinioConfig struct {
	Endpoint        string
	AccessKeyID     string
	SecretAccessKey string
	Bucket          string
	Region          string
	PublicBaseURL   string
}

// MinioUploader writes images to a MinIO/S3 bucket.
type MinioUploader struct {
	client  objectWriter
	bucket  string
	baseURL string
	newKey  func() string
}

// NewMinioUploader builds the SDK client from cfg.
func NewMinioUploader(cfg MinioConfig) (*MinioUploader, error) {
	if cfg.Endpoint == "" || cfg.Bucket == "" {
		return nil, fmt.Errorf("%w: endpoint and bucket are required", ErrInvalidConfig)
	}
	if cfg.AccessKeyID == "" || cfg.SecretAccessKey == "" {
		return nil, fmt.Errorf("%w: credentials are required", ErrInvalidConfig)
	}
	parsed, err := url.Parse(cfg.Endpoint)
	if err != nil {
		return nil, fmt.Errorf("%w: endpoint: %v", ErrInvalidConfig, err)
	}
	host := parsed.Host
	if host == "" {
		host = cfg.Endpoint
	}
	secure := parsed.Scheme == "https"

	client, err := minio.New(host, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		Secure: secure,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}

	baseURL := strings.TrimSuffix(cfg.PublicBaseURL, "/")
	if baseURL == "" {
		scheme := "http"
		if secure {
			scheme = "https"
		}
		baseURL = scheme + "://" + host + "/" + cfg.Bucket
	}
	return newMinioUploader(client, cfg.Bucket, baseURL), nil
}

func newMinioUploader(client objectWriter, bucket string, baseURL string) *MinioUploader {
	return &MinioUploader{
		client:  client,
		bucket:  bucket,
		baseURL: baseURL,
		newKey:  uuid.NewString,
	}
}

// Upload stores image under a fresh key and returns its public URL.
func (u *MinioUploader) Upload(ctx context.Context, image Image) (string, error) {
	if len(image.Data) == 0 {
		return "", fmt.Errorf("%w: empty", ErrInvalidImage)
	}
	if len(image.Data) > MaxImageBytes {
		return "", fmt.Errorf("%w: %d bytes exceeds %d", ErrInvalidImage, len(image.Data), MaxImageBytes)
	}
	contentType := http.DetectContentType(image.Data[:min(len(image.Data), defaultContentSniffN)])
	if !strings.HasPrefix(contentType, "image/") {
		return "", fmt.Errorf("%w: content type %s", ErrInvalidImage, contentType)
	}

	key := path.Join(objectPrefix, u.newKey()+extension(image.Name, contentType))
	_, err := u.client.PutObject(ctx, u.bucket, key, bytes.NewReader(image.Data), int64(len(image.Data)), minio.PutObjectOptions{
		ContentType: contentType,
	})
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrUploadFailed, err)
	}
	return u.baseURL + "/" + key, nil
}

// UploadAll uploads images in parallel and returns their URLs in input order.
func UploadAll(ctx context.Context, uploader Uploader, images []Image) ([]string, error) {
	urls := make([]string, len(images))
	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(uploadConcurrency)
	for index, image := range images {
		group.Go(func() error {
			uploaded, err := uploader.Upload(groupCtx, image)
			if err != nil {
				return fmt.Errorf("%s: %w", image.Name, err)
			}
			urls[index] = uploaded
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return nil, err
	}
	return urls, nil
}

func extension(name string, contentType string) string {
	if ext := strings.ToLower(path.Ext(name)); ext != "" && len(ext) <= 5 {
		return ext
	}
	switch contentType {
	case "image/png":
		return ".png"
	case "image/gif":
		return ".gif"
	case "image/webp":
		return ".webp"
	default:
		return ".jpg"
	}
}
