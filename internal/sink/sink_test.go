package sink

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/falk/nxinspect/internal/storage"
	"github.com/stretchr/testify/require"
)

func TestFilesystem_WritesNestedFile(t *testing.T) {
	root := t.TempDir()
	fn := Filesystem(root)

	data := storage.NewReaderAtView(bytes.NewReader([]byte("hello from a container")), 23)
	require.NoError(t, fn("romfs/hello.txt", data))

	got, err := os.ReadFile(filepath.Join(root, "romfs", "hello.txt"))
	require.NoError(t, err)
	require.Equal(t, "hello from a container", string(got))
}

func TestFilesystem_WritesLargeFileInChunks(t *testing.T) {
	root := t.TempDir()
	fn := Filesystem(root)

	payload := bytes.Repeat([]byte{0xAB}, (1<<20)+37) // spans more than one 1MiB buffer
	data := storage.NewReaderAtView(bytes.NewReader(payload), int64(len(payload)))
	require.NoError(t, fn("big.bin", data))

	got, err := os.ReadFile(filepath.Join(root, "big.bin"))
	require.NoError(t, err)
	require.Equal(t, payload, got)
}

func TestFilesystem_RejectsPathTraversal(t *testing.T) {
	root := t.TempDir()
	fn := Filesystem(root)
	data := storage.NewReaderAtView(bytes.NewReader([]byte("x")), 1)

	err := fn("../../etc/passwd", data)
	require.Error(t, err)

	_, statErr := os.Stat(filepath.Join(filepath.Dir(filepath.Dir(root)), "etc", "passwd"))
	require.True(t, os.IsNotExist(statErr))
}

func TestFilesystem_LeadingSlashIsWrittenUnderRoot(t *testing.T) {
	root := t.TempDir()
	fn := Filesystem(root)
	data := storage.NewReaderAtView(bytes.NewReader([]byte("x")), 1)

	// A leading "/" is normalized under root, not treated as absolute --
	// only ".." components are rejected.
	require.NoError(t, fn("/abs/looking/path.bin", data))
	_, err := os.Stat(filepath.Join(root, "abs", "looking", "path.bin"))
	require.NoError(t, err)
}
