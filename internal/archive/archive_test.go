package archive

import (
	"bytes"
	"context"
	"io"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sshcollectorpro/diagrelay/internal/config"
)

var testMeta = Meta{
	CaseID:   "612345678",
	RunID:    "run-1",
	Node:     "ISE-1.example.com",
	FileName: "ise_show_tech_ise-1_20240501103045.txt",
	At:       time.Date(2024, 5, 1, 10, 30, 45, 0, time.UTC),
}

func TestLocalWriter(t *testing.T) {
	dir := t.TempDir()
	w := NewLocalWriter(config.LocalArchiveConfig{BaseDir: dir, MkdirIfMissing: true})

	obj, err := w.Write(context.Background(), testMeta, []byte("transcript\n"))
	require.NoError(t, err)

	want := filepath.Join(dir, "612345678", "ise-1.example.com", "20240501_103045", "run-1", testMeta.FileName)
	assert.Equal(t, "file://"+want, obj.URI)
	assert.Equal(t, int64(11), obj.Size)
	assert.True(t, strings.HasPrefix(obj.Checksum, "sha256:"))

	got, err := os.ReadFile(want)
	require.NoError(t, err)
	assert.Equal(t, "transcript\n", string(got))
}

func TestLocalWriterCompress(t *testing.T) {
	dir := t.TempDir()
	w := NewLocalWriter(config.LocalArchiveConfig{BaseDir: dir, MkdirIfMissing: true, Compress: true})

	content := bytes.Repeat([]byte("show tech line\n"), 500)
	obj, err := w.Write(context.Background(), testMeta, content)
	require.NoError(t, err)
	require.True(t, strings.HasSuffix(obj.URI, ".txt.gz"))
	assert.Less(t, obj.Size, int64(len(content)))

	f, err := os.Open(strings.TrimPrefix(obj.URI, "file://"))
	require.NoError(t, err)
	defer f.Close()
	zr, err := gzip.NewReader(f)
	require.NoError(t, err)
	plain, err := io.ReadAll(zr)
	require.NoError(t, err)
	assert.Equal(t, content, plain)
}

func TestLocalWriterMissingDir(t *testing.T) {
	w := NewLocalWriter(config.LocalArchiveConfig{BaseDir: filepath.Join(t.TempDir(), "absent")})
	_, err := w.Write(context.Background(), testMeta, []byte("x"))
	assert.Error(t, err)
}

func TestSlug(t *testing.T) {
	assert.Equal(t, "ise-1_a_b", slug(" ISE-1 a/b "))
	assert.Equal(t, "unknown", slug(".."))
	assert.Equal(t, "unknown", slug(""))
}

func TestNewSelectsBackend(t *testing.T) {
	assert.IsType(t, nopWriter{}, New(config.ArchiveConfig{Backend: "none"}))
	assert.IsType(t, &LocalWriter{}, New(config.ArchiveConfig{Backend: "local"}))
	// MinIO 配置不完整时退回本地
	assert.IsType(t, &LocalWriter{}, New(config.ArchiveConfig{Backend: "minio"}))
}

func TestMinioObjectName(t *testing.T) {
	w, err := NewMinioWriter(config.MinioConfig{Host: "127.0.0.1", Port: 9000, Bucket: "diagrelay", Prefix: "/transcripts/"})
	require.NoError(t, err)
	assert.Equal(t,
		"transcripts/612345678/ise-1.example.com/20240501_103045/run-1/ise_show_tech_ise-1_20240501103045.txt",
		w.ObjectName(testMeta))
}

func TestMinioUnreachableFallsBackToLocal(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	require.NoError(t, ln.Close())

	dir := t.TempDir()
	w := New(config.ArchiveConfig{
		Backend: "minio",
		Local:   config.LocalArchiveConfig{BaseDir: dir, MkdirIfMissing: true},
		Minio:   config.MinioConfig{Host: "127.0.0.1", Port: port, Bucket: "diagrelay"},
	})
	require.IsType(t, &fallbackWriter{}, w)

	obj, err := w.Write(context.Background(), testMeta, []byte("x"))
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(obj.URI, "file://"+dir))
}
