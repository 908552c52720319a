package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"

	"github.com/google/uuid"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"group-chat/internal/models"
)

const maxFilenameLength = 128

type S3Config struct {
	Endpoint      string
	Region        string
	Bucket        string
	AccessKey     string
	SecretKey     string
	UseSSL        bool
	PublicBaseURL string
}

// Enabled reports whether enough settings are present to reach a bucket.
func (c S3Config) Enabled() bool {
	return c.Endpoint != "" && c.Bucket != "" && c.AccessKey != "" && c.SecretKey != ""
}

// S3Storage keeps message attachments in an S3 compatible bucket.
type S3Storage struct {
	client  *minio.Client
	bucket  string
	baseURL string
}

func NewS3Storage(cfg S3Config) (*S3Storage, error) {
	if !cfg.Enabled() {
		return nil, errors.New("missing required S3 settings: S3_ENDPOINT, S3_BUCKET, S3_ACCESS_KEY, S3_SECRET_KEY")
	}
	cl, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, err
	}

	baseURL := strings.TrimRight(cfg.PublicBaseURL, "/")
	if baseURL == "" {
		scheme := "http"
		if cfg.UseSSL {
			scheme = "https"
		}
		baseURL = fmt.Sprintf("%s://%s/%s", scheme, cfg.Endpoint, cfg.Bucket)
	}
	return &S3Storage{client: cl, bucket: cfg.Bucket, baseURL: baseURL}, nil
}

// StoreMedia uploads body and returns the reference to attach to a message.
func (s *S3Storage) StoreMedia(ctx context.Context, groupID int, filename, contentType string, size int64, body io.Reader) (models.Media, error) {
	key := ObjectKey(groupID, uuid.NewString(), filename)
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	info, err := s.client.PutObject(ctx, s.bucket, key, body, size, minio.PutObjectOptions{
		ContentType: contentType,
	})
	if err != nil {
		return models.Media{}, fmt.Errorf("put object %s: %w", key, err)
	}
	return models.Media{
		URL:      s.baseURL + "/" + key,
		Filename: filename,
		MimeType: contentType,
		Size:     info.Size,
	}, nil
}

// ObjectKey builds a bucket key that cannot escape the group prefix.
func ObjectKey(groupID int, id, filename string) string {
	name := path.Base(strings.ReplaceAll(strings.TrimSpace(filename), "\\", "/"))
	name = strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '.', r == '-', r == '_':
			return r
		default:
			return '_'
		}
	}, name)
	name = strings.TrimLeft(name, ".")
	if name == "" || name == "_" {
		name = "file"
	}
	if len(name) > maxFilenameLength {
		name = name[len(name)-maxFilenameLength:]
	}
	return fmt.Sprintf("groups/%d/%s-%s", groupID, id, name)
}

// MessageTypeFor picks a message type from a MIME type.
func MessageTypeFor(contentType string) models.MessageType {
	switch {
	case strings.HasPrefix(contentType, "image/"):
		return models.MessageImage
	case strings.HasPrefix(contentType, "video/"):
		return models.MessageVideo
	case strings.HasPrefix(contentType, "audio/"):
		return models.MessageAudio
	default:
		return models.MessageDocument
	}
}
