package storage

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newLocal(t *testing.T) *LocalBackend {
	t.Helper()
	backend, err := NewLocalBackend(t.TempDir(), zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { backend.Close() })
	return backend
}

func TestLocalBackend_BasicOperations(t *testing.T) {
	backend := newLocal(t)
	ctx := context.Background()

	t.Run("Write and Read", func(t *testing.T) {
		require.NoError(t, backend.Write(ctx, "obs.ms/MAIN/part-00000.parquet", []byte("hello world")))
		data, err := backend.Read(ctx, "obs.ms/MAIN/part-00000.parquet")
		require.NoError(t, err)
		assert.Equal(t, "hello world", string(data))
	})

	t.Run("Exists", func(t *testing.T) {
		exists, err := backend.Exists(ctx, "obs.ms/STATE/table.parquet")
		require.NoError(t, err)
		assert.False(t, exists)

		require.NoError(t, backend.Write(ctx, "obs.ms/STATE/table.parquet", []byte("data")))
		exists, err = backend.Exists(ctx, "obs.ms/STATE/table.parquet")
		require.NoError(t, err)
		assert.True(t, exists)
	})

	t.Run("Delete", func(t *testing.T) {
		require.NoError(t, backend.Write(ctx, "tmp/delete.bin", []byte("data")))
		require.NoError(t, backend.Delete(ctx, "tmp/delete.bin"))
		exists, err := backend.Exists(ctx, "tmp/delete.bin")
		require.NoError(t, err)
		assert.False(t, exists)

		assert.NoError(t, backend.Delete(ctx, "tmp/never-written.bin"))
	})

	t.Run("List", func(t *testing.T) {
		for _, f := range []string{
			"list.ms/MAIN/part-00000.parquet",
			"list.ms/MAIN/part-00001.parquet",
			"list.ms/POLARIZATION/table.parquet",
		} {
			require.NoError(t, backend.Write(ctx, f, []byte("data")))
		}
		listed, err := backend.List(ctx, "list.ms/")
		require.NoError(t, err)
		sort.Strings(listed)
		assert.Equal(t, []string{
			"list.ms/MAIN/part-00000.parquet",
			"list.ms/MAIN/part-00001.parquet",
			"list.ms/POLARIZATION/table.parquet",
		}, listed)

		listed, err = backend.List(ctx, "missing/")
		require.NoError(t, err)
		assert.Empty(t, listed)
	})
}

func TestLocalBackend_WriteLeavesNoTempFiles(t *testing.T) {
	backend := newLocal(t)
	ctx := context.Background()

	require.NoError(t, backend.WriteReader(ctx, "a/b.bin", bytes.NewReader([]byte("payload")), 7))
	entries, err := os.ReadDir(filepath.Join(backend.BasePath(), "a"))
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "b.bin", entries[0].Name())
}

func TestLocalBackend_PathTraversal(t *testing.T) {
	backend := newLocal(t)
	ctx := context.Background()

	require.NoError(t, backend.Write(ctx, "../../escape.bin", []byte("x")))
	_, err := os.Stat(filepath.Join(filepath.Dir(backend.BasePath()), "escape.bin"))
	assert.True(t, os.IsNotExist(err))
}

func TestLocalBackend_URI(t *testing.T) {
	backend := newLocal(t)
	assert.Equal(t, filepath.Join(backend.BasePath(), "obs.ms", "MAIN", "part-00000.parquet"),
		backend.URI("obs.ms/MAIN/part-00000.parquet"))
	assert.Equal(t, "local", backend.Type())
}

func TestJoinKey(t *testing.T) {
	assert.Equal(t, "obs.ms/MAIN", joinKey("", "obs.ms/MAIN"))
	assert.Equal(t, "runs/obs.ms/MAIN", joinKey("/runs/", "/obs.ms/MAIN"))
	assert.Equal(t, "a.bin", joinKey(".", "a.bin"))
}

func TestNew_UnknownBackend(t *testing.T) {
	_, err := New(context.Background(), Config{Backend: "tape"}, zerolog.Nop())
	assert.Error(t, err)
}

type failingWrites struct {
	Backend
	remaining int
	calls     int
}

func (f *failingWrites) Write(ctx context.Context, path string, data []byte) error {
	f.calls++
	if f.remaining > 0 {
		f.remaining--
		return errors.New("transient")
	}
	return f.Backend.Write(ctx, path, data)
}

func TestRetryBackend(t *testing.T) {
	ctx := context.Background()
	cfg := RetryConfig{MaxRetries: 3, RetryDelay: time.Millisecond, RetryMaxDelay: 2 * time.Millisecond}

	t.Run("recovers from transient failures", func(t *testing.T) {
		inner := &failingWrites{Backend: newLocal(t), remaining: 2}
		r := NewRetryBackend(inner, cfg, zerolog.Nop())
		require.NoError(t, r.Write(ctx, "x.bin", []byte("ok")))
		assert.Equal(t, 3, inner.calls)

		data, err := r.Read(ctx, "x.bin")
		require.NoError(t, err)
		assert.Equal(t, "ok", string(data))
	})

	t.Run("gives up after max retries", func(t *testing.T) {
		inner := &failingWrites{Backend: newLocal(t), remaining: 10}
		r := NewRetryBackend(inner, cfg, zerolog.Nop())
		err := r.Write(ctx, "x.bin", []byte("ok"))
		require.Error(t, err)
		assert.Equal(t, 4, inner.calls)
	})

	t.Run("stops on cancellation", func(t *testing.T) {
		inner := &failingWrites{Backend: newLocal(t), remaining: 10}
		r := NewRetryBackend(inner, cfg, zerolog.Nop())
		cctx, cancel := context.WithCancel(ctx)
		cancel()
		err := r.Write(cctx, "x.bin", []byte("ok"))
		assert.ErrorIs(t, err, context.Canceled)
		assert.Equal(t, 1, inner.calls)
	})

	t.Run("replays non-seekable readers", func(t *testing.T) {
		r := NewRetryBackend(newLocal(t), cfg, zerolog.Nop())
		require.NoError(t, r.WriteReader(ctx, "y.bin", onlyReader{bytes.NewReader([]byte("body"))}, -1))
		data, err := r.Read(ctx, "y.bin")
		require.NoError(t, err)
		assert.Equal(t, "body", string(data))
	})
}

type onlyReader struct{ r *bytes.Reader }

func (o onlyReader) Read(p []byte) (int, error) { return o.r.Read(p) }

func BenchmarkLocalBackend_Write(b *testing.B) {
	backend, err := NewLocalBackend(b.TempDir(), zerolog.Nop())
	if err != nil {
		b.Fatalf("failed to create LocalBackend: %v", err)
	}
	ctx := context.Background()
	data := make([]byte, 1024)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_ = backend.Write(ctx, "bench/part.parquet", data)
	}
}
