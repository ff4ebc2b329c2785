package storage

import (
	"bytes"
	"context"
	"io"
	"time"

	"github.com/rs/zerolog"
)

// RetryConfig controls how RetryBackend retries failed operations.
type RetryConfig struct {
	MaxRetries    int
	RetryDelay    time.Duration
	RetryMaxDelay time.Duration
}

// DefaultRetryConfig returns the retry settings used for object stores.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:    3,
		RetryDelay:    100 * time.Millisecond,
		RetryMaxDelay: 5 * time.Second,
	}
}

// RetryBackend wraps a Backend and retries writes and reads with
// exponential backoff. Cancellation stops retrying immediately.
type RetryBackend struct {
	Backend
	cfg    RetryConfig
	logger zerolog.Logger
}

// NewRetryBackend wraps backend.
func NewRetryBackend(backend Backend, cfg RetryConfig, logger zerolog.Logger) *RetryBackend {
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = DefaultRetryConfig().RetryDelay
	}
	if cfg.RetryMaxDelay < cfg.RetryDelay {
		cfg.RetryMaxDelay = cfg.RetryDelay
	}
	return &RetryBackend{
		Backend: backend,
		cfg:     cfg,
		logger:  logger.With().Str("component", "retry-storage").Logger(),
	}
}

func (r *RetryBackend) do(ctx context.Context, op, path string, fn func() error) error {
	var lastErr error
	for attempt := 0; attempt <= r.cfg.MaxRetries; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}
		lastErr = err
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if attempt == r.cfg.MaxRetries {
			break
		}

		delay := r.cfg.RetryDelay * time.Duration(1<<uint(attempt))
		if delay > r.cfg.RetryMaxDelay {
			delay = r.cfg.RetryMaxDelay
		}
		r.logger.Warn().
			Err(err).
			Str("op", op).
			Str("path", path).
			Int("attempt", attempt+1).
			Int("max_retries", r.cfg.MaxRetries).
			Dur("retry_delay", delay).
			Msg("Storage operation failed, retrying")

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return lastErr
}

// Write retries the wrapped Write.
func (r *RetryBackend) Write(ctx context.Context, path string, data []byte) error {
	return r.do(ctx, "write", path, func() error {
		return r.Backend.Write(ctx, path, data)
	})
}

// WriteReader buffers non-seekable readers so a retry can replay the body.
func (r *RetryBackend) WriteReader(ctx context.Context, path string, reader io.Reader, size int64) error {
	seeker, ok := reader.(io.ReadSeeker)
	if !ok {
		data, err := io.ReadAll(reader)
		if err != nil {
			return err
		}
		seeker = bytes.NewReader(data)
		size = int64(len(data))
	}
	return r.do(ctx, "write", path, func() error {
		if _, err := seeker.Seek(0, io.SeekStart); err != nil {
			return err
		}
		return r.Backend.WriteReader(ctx, path, seeker, size)
	})
}

// Read retries the wrapped Read.
func (r *RetryBackend) Read(ctx context.Context, path string) ([]byte, error) {
	var data []byte
	err := r.do(ctx, "read", path, func() error {
		var err error
		data, err = r.Backend.Read(ctx, path)
		return err
	})
	return data, err
}
