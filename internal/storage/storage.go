// Package storage provides file storage abstraction for Pixlift.
//
// This package defines a Storage interface with implementations for:
// - LocalStorage: File system storage for development
// - SpacesStorage: DigitalOcean Spaces (S3-compatible) storage for production
//
// The storage service holds original uploads, upscaled outputs, and output
// thumbnails with automatic content type detection and validation.
package storage

import (
	"context"
	"fmt"
	"io"
	"path/filepath"
	"time"

	"github.com/google/uuid"
)

// =============================================================================
// Interface Definition
// =============================================================================

// Storage defines the interface for file storage operations.
//
// Implementations:
// - LocalStorage: Stores files on the local filesystem
// - SpacesStorage: Stores files in DigitalOcean Spaces object storage
//
// All methods are context-aware for timeout and cancellation support.
type Storage interface {
	// Put stores data at the specified key with the given options.
	// Returns an error if the operation fails or if the key already exists
	// (unless overwrite is enabled in opts).
	Put(ctx context.Context, key string, data io.Reader, opts PutOptions) error

	// Get retrieves the data at the specified key.
	// Returns the data as an io.ReadCloser (caller must close), object metadata,
	// and an error. Returns ErrNotFound if the key doesn't exist.
	Get(ctx context.Context, key string) (io.ReadCloser, ObjectInfo, error)

	// Delete removes the object at the specified key.
	// This operation is idempotent - no error is returned if the key doesn't exist.
	Delete(ctx context.Context, key string) error

	// URL returns a URL for accessing the object at the specified key.
	// For public objects, this is a permanent URL.
	// For private objects, this is a presigned URL valid for the specified duration.
	URL(ctx context.Context, key string, expires time.Duration) (string, error)

	// Exists checks if an object exists at the specified key.
	Exists(ctx context.Context, key string) (bool, error)
}

// =============================================================================
// Data Types
// =============================================================================

// PutOptions configures how an object is stored.
type PutOptions struct {
	// ContentType specifies the MIME type of the object.
	// If empty, it will be auto-detected from the file extension or content.
	ContentType string

	// MaxSize specifies the maximum allowed size in bytes.
	// If the data exceeds this size, ErrTooLarge is returned.
	// A value of 0 means no limit.
	MaxSize int64

	// Overwrite allows replacing an existing object at the same key.
	// If false and the key exists, ErrKeyExists is returned.
	Overwrite bool

	// Public determines if the object should be publicly accessible.
	// For Spaces, this sets the ACL to public-read.
	// For local storage, this is informational only.
	Public bool
}

// ObjectInfo contains metadata about a stored object.
type ObjectInfo struct {
	Key          string    // Object key/path
	Size         int64     // Size in bytes
	ContentType  string    // MIME type
	LastModified time.Time // Last modification time
	ETag         string    // Entity tag (if available)
}

// =============================================================================
// Configuration Types
// =============================================================================

// LocalConfig holds configuration for local filesystem storage.
type LocalConfig struct {
	// BasePath is the root directory where files are stored.
	// Example: "./storage" or "/var/lib/pixlift/files"
	BasePath string

	// BaseURL is the public URL prefix for accessing files.
	// Example: "http://localhost:8080/files"
	BaseURL string
}

// SpacesConfig holds configuration for DigitalOcean Spaces storage.
type SpacesConfig struct {
	// Region is the Spaces region, e.g. "nyc3" or "ams3".
	Region string

	// AccessKeyID is the Spaces API access key ID.
	AccessKeyID string

	// SecretAccessKey is the Spaces API secret key.
	SecretAccessKey string

	// BucketName is the name of the Space to use.
	BucketName string

	// PublicURL is the public URL for the bucket, usually the CDN endpoint.
	// Example: "https://cdn.pixlift.app"
	// If empty, presigned URLs will be used for all access.
	PublicURL string
}

// =============================================================================
// Provider Constants
// =============================================================================

const (
	// ProviderLocal identifies the local filesystem storage provider.
	ProviderLocal = "local"

	// ProviderSpaces identifies the DigitalOcean Spaces storage provider.
	ProviderSpaces = "spaces"
)

// =============================================================================
// Key Generation Helpers
// =============================================================================

// InputKey generates a storage key for an original uploaded image.
// Format: input/{userID}/{uuid}.{ext}
func InputKey(userID uuid.UUID, filename string) string {
	ext := filepath.Ext(filename)
	return fmt.Sprintf("input/%s/%s%s", userID, uuid.New(), ext)
}

// OutputKey generates a storage key for an upscaled result.
// Format: output/{userID}/{jobID}.{ext}
//
// The key is derived from the job ID so a retried mark-done for the same
// job lands on the same object.
func OutputKey(userID, jobID uuid.UUID, contentType string) string {
	return fmt.Sprintf("output/%s/%s%s", userID, jobID, extensionForContentType(contentType))
}

// ThumbKey generates a storage key for an output thumbnail.
// Format: thumb/{userID}/{jobID}.jpg
func ThumbKey(userID, jobID uuid.UUID) string {
	return fmt.Sprintf("thumb/%s/%s.jpg", userID, jobID)
}
