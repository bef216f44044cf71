// Package provider defines the object sinks run artifacts are written to.
//
// A sink only needs to store an object and report whether one exists, so
// finalization can stay idempotent. Authentication uses SDK default
// credential chains; sinks do not implement custom auth logic.
package provider

import (
	"context"
	"io"
	"time"
)

// Sink stores run artifacts.
//
// Implementations must be safe for concurrent use.
type Sink interface {
	// PutObject writes body under key, replacing any existing object.
	PutObject(ctx context.Context, key string, body io.Reader, contentLength int64) error

	// Head returns metadata for a single object.
	// Returns ErrNotFound if the object does not exist.
	Head(ctx context.Context, key string) (*ObjectMeta, error)

	// Close releases any resources held by the sink.
	Close() error
}

// ObjectMeta describes a stored object.
type ObjectMeta struct {
	Key          string
	Size         int64
	ETag         string
	LastModified time.Time
	ContentType  string
}

// ProviderType identifies a storage backend.
type ProviderType string

const (
	// ProviderFile is a local directory.
	ProviderFile ProviderType = "file"

	// ProviderS3 represents AWS S3 or S3-compatible storage.
	ProviderS3 ProviderType = "s3"
)

func (p ProviderType) String() string {
	return string(p)
}
