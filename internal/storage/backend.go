// Package storage holds the destinations Measurement Set stores are
// written to: a local directory, an S3 bucket or an Azure Blob container.
package storage

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/rs/zerolog"
)

// Backend defines the interface for output backends (local, S3, Azure).
type Backend interface {
	// Write writes data to the specified path
	Write(ctx context.Context, path string, data []byte) error

	// WriteReader writes data from a reader to the specified path (for large files)
	WriteReader(ctx context.Context, path string, reader io.Reader, size int64) error

	// Read reads data from the specified path
	Read(ctx context.Context, path string) ([]byte, error)

	// List lists all objects with the given prefix
	List(ctx context.Context, prefix string) ([]string, error)

	// Delete deletes the object at the specified path
	Delete(ctx context.Context, path string) error

	// Exists checks if an object exists at the specified path
	Exists(ctx context.Context, path string) (bool, error)

	// Close closes any resources held by the backend
	Close() error

	// Type returns the storage type identifier ("local", "s3", "azure")
	Type() string

	// URI returns the location of path in a form DuckDB's read_parquet accepts
	URI(path string) string
}

// Config selects and configures a backend.
type Config struct {
	Backend string // local, s3, azure
	Path    string // local base directory, or key prefix for object stores
	S3      S3Config
	Azure   AzureBlobConfig
}

// New creates the backend cfg names.
func New(ctx context.Context, cfg Config, logger zerolog.Logger) (Backend, error) {
	switch strings.ToLower(cfg.Backend) {
	case "", "local":
		return NewLocalBackend(cfg.Path, logger)
	case "s3", "minio":
		s3cfg := cfg.S3
		if s3cfg.Prefix == "" {
			s3cfg.Prefix = cfg.Path
		}
		return NewS3Backend(ctx, &s3cfg, logger)
	case "azure", "azblob":
		azcfg := cfg.Azure
		if azcfg.Prefix == "" {
			azcfg.Prefix = cfg.Path
		}
		return NewAzureBlobBackend(ctx, &azcfg, logger)
	}
	return nil, fmt.Errorf("unknown storage backend %q (want local, s3 or azure)", cfg.Backend)
}

// joinKey prefixes an object key, keeping keys free of a leading slash.
func joinKey(prefix, path string) string {
	prefix = strings.Trim(prefix, "/")
	path = strings.TrimPrefix(path, "/")
	if prefix == "" || prefix == "." {
		return path
	}
	return prefix + "/" + path
}

// keyspace maps backend paths to object keys under a fixed prefix and
// back. Object stores share it.
type keyspace struct {
	prefix string
}

func newKeyspace(prefix string) keyspace {
	prefix = strings.Trim(prefix, "/")
	if prefix == "." {
		prefix = ""
	}
	return keyspace{prefix: prefix}
}

func (k keyspace) key(path string) string {
	return joinKey(k.prefix, path)
}

// relative is the inverse of key for keys returned by a listing.
func (k keyspace) relative(key string) string {
	if k.prefix == "" {
		return key
	}
	return strings.TrimPrefix(key, k.prefix+"/")
}

func contentType(path string) string {
	if strings.HasSuffix(path, ".parquet") {
		return "application/vnd.apache.parquet"
	}
	return "application/octet-stream"
}
