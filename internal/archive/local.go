package archive

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/gzip"

	"github.com/sshcollectorpro/diagrelay/internal/config"
)

// LocalWriter 本地文件写入
type LocalWriter struct {
	cfg config.LocalArchiveConfig
}

// NewLocalWriter 写入 cfg.BaseDir
func NewLocalWriter(cfg config.LocalArchiveConfig) *LocalWriter {
	return &LocalWriter{cfg: cfg}
}

func (w *LocalWriter) Write(ctx context.Context, meta Meta, content []byte) (Stored, error) {
	if err := ctx.Err(); err != nil {
		return Stored{}, err
	}
	baseDir := strings.TrimSpace(w.cfg.BaseDir)
	if baseDir == "" {
		baseDir = "./data/transcripts"
	}
	dirPath := filepath.Join(append([]string{baseDir}, objectParts(meta)...)...)
	if w.cfg.MkdirIfMissing {
		if err := os.MkdirAll(dirPath, 0o755); err != nil {
			return Stored{}, fmt.Errorf("failed to create dir: %w", err)
		}
	}

	data := content
	name := fileName(meta)
	if w.cfg.Compress {
		var buf bytes.Buffer
		zw := gzip.NewWriter(&buf)
		if _, err := zw.Write(content); err != nil {
			return Stored{}, fmt.Errorf("failed to compress: %w", err)
		}
		if err := zw.Close(); err != nil {
			return Stored{}, fmt.Errorf("failed to compress: %w", err)
		}
		data = buf.Bytes()
		name += ".gz"
	}

	fullPath := filepath.Join(dirPath, name)
	if err := os.WriteFile(fullPath, data, 0o644); err != nil {
		return Stored{}, fmt.Errorf("failed to write file: %w", err)
	}
	return Stored{
		URI:      "file://" + fullPath,
		Size:     int64(len(data)),
		Checksum: checksum(data),
	}, nil
}
