package indexio

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func exerciseStore(t *testing.T, s Store) {
	t.Helper()
	ctx := context.Background()
	data := payload(10_000)

	out, err := NewOutput(ctx, s, "idx/one.bin", WithCompression(CompressionSnappy))
	require.NoError(t, err)
	_, err = out.Write(data)
	require.NoError(t, err)

	_, err = s.Open(ctx, "idx/one.bin")
	assert.True(t, IsNotFound(err), "object invisible before commit")

	require.NoError(t, out.Close())

	in, err := NewInput(ctx, s, "idx/one.bin")
	require.NoError(t, err)
	got, err := io.ReadAll(in)
	require.NoError(t, err)
	require.NoError(t, in.Close())
	assert.Equal(t, data, got)
	assert.Equal(t, out.Sum64(), in.Sum64())

	// aborted outputs leave nothing behind
	out, err = NewOutput(ctx, s, "idx/two.bin")
	require.NoError(t, err)
	_, _ = out.Write(data)
	require.NoError(t, out.Abort(nil))
	_, err = s.Open(ctx, "idx/two.bin")
	assert.True(t, IsNotFound(err))

	keys, err := s.List(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"idx/one.bin"}, keys)

	require.NoError(t, s.Delete(ctx, "idx/one.bin"))
	_, err = NewInput(ctx, s, "idx/one.bin")
	assert.True(t, IsNotFound(err))

	for _, bad := range []string{"", "/abs", "a/../b", "a//b"} {
		_, err := s.Create(ctx, bad)
		assert.ErrorIs(t, err, ErrInvalidKey, bad)
	}
}

func TestMemStore(t *testing.T) {
	exerciseStore(t, NewMemStore())
	assert.True(t, IsNotFound(NewMemStore().Delete(context.Background(), "nope")))
}

func TestFileStore(t *testing.T) {
	dir := t.TempDir()
	s, err := NewFileStore(filepath.Join(dir, "indexes"))
	require.NoError(t, err)
	exerciseStore(t, s)

	entries, err := os.ReadDir(filepath.Join(dir, "indexes", "idx"))
	require.NoError(t, err)
	assert.Empty(t, entries, "no temp files left over")
}
