// Package blob stores form attachments by content.
// A blob id is the hex sha256 of the content, so storing the same bytes twice is a no-op.
package blob

import (
	"context"
	"crypto/md5"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/gabriel-vasile/mimetype"

	"github.com/dimagi/casecore/internal/config"
)

// Driver identifies a blob backend
type Driver string

const (
	DriverMemory Driver = "memory"
	DriverS3     Driver = "s3"
)

// ErrNotFound is returned when a blob does not exist
var ErrNotFound = errors.New("blob not found")

// Info is the reference a form attachment keeps to its blob
type Info struct {
	BlobID        string `json:"blob_id"`
	ContentType   string `json:"content_type"`
	ContentLength int64  `json:"content_length"`
	MD5           string `json:"md5"`
}

// Store defines the interface for blob storage
//
//go:generate mockgen -source=blob.go -destination=../mocks/blob.go -package=mocks -mock_names=Store=MockBlobStore
type Store interface {
	// Put stores data and returns its reference; an empty content type is sniffed from the data
	Put(ctx context.Context, data []byte, contentType string) (Info, error)
	// Get returns the content of a blob or ErrNotFound
	Get(ctx context.Context, blobID string) ([]byte, error)
	// Exists reports whether a blob is stored
	Exists(ctx context.Context, blobID string) (bool, error)
	Driver() Driver
}

// Describe computes the reference of data without storing it
func Describe(data []byte, contentType string) Info {
	sum := sha256.Sum256(data)
	digest := md5.Sum(data)
	if contentType == "" {
		contentType = mimetype.Detect(data).String()
	}
	return Info{
		BlobID:        hex.EncodeToString(sum[:]),
		ContentType:   contentType,
		ContentLength: int64(len(data)),
		MD5:           hex.EncodeToString(digest[:]),
	}
}

// New creates the blob store selected by the configuration
func New(ctx context.Context, cfg config.BlobConfig) (Store, error) {
	switch cfg.Backend {
	case "", config.BlobBackendMemory:
		return NewMemoryStore(), nil
	case config.BlobBackendS3:
		return NewS3Store(ctx, S3Config{
			Bucket:       cfg.Bucket,
			Region:       cfg.Region,
			Endpoint:     cfg.Endpoint,
			Prefix:       cfg.Prefix,
			UsePathStyle: cfg.UsePathStyle,
		})
	default:
		return nil, fmt.Errorf("unsupported blob backend %q", cfg.Backend)
	}
}
