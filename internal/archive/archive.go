// Package archive 保存转录本的本地或对象存储副本，上传失败时仍可从副本补传。
package archive

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/sshcollectorpro/diagrelay/internal/config"
	"github.com/sshcollectorpro/diagrelay/pkg/logger"
)

// Writer 抽象存储写入器
type Writer interface {
	Write(ctx context.Context, meta Meta, content []byte) (Stored, error)
}

// Meta 写入元数据
type Meta struct {
	CaseID string
	RunID  string
	Node   string
	// FileName 与上传附件同名
	FileName string
	At       time.Time
}

// Stored 写入结果
type Stored struct {
	URI      string
	Size     int64
	Checksum string
}

// New 按 archive.backend 创建写入器：local、minio（失败回退本地）或 none
func New(cfg config.ArchiveConfig) Writer {
	switch cfg.Backend {
	case "none", "off", "":
		return nopWriter{}
	case "minio":
		local := &LocalWriter{cfg: cfg.Local}
		mw, err := NewMinioWriter(cfg.Minio)
		if err != nil {
			logger.Warnf("MinIO archive unavailable, using local: %v", err)
			return local
		}
		return &fallbackWriter{primary: mw, fallback: local}
	default:
		return &LocalWriter{cfg: cfg.Local}
	}
}

type nopWriter struct{}

func (nopWriter) Write(context.Context, Meta, []byte) (Stored, error) { return Stored{}, nil }

// fallbackWriter 主存储失败时写入备用存储
type fallbackWriter struct {
	primary  Writer
	fallback Writer
}

func (w *fallbackWriter) Write(ctx context.Context, meta Meta, content []byte) (Stored, error) {
	obj, err := w.primary.Write(ctx, meta, content)
	if err == nil {
		return obj, nil
	}
	logger.ForNode(meta.Node).WithError(err).Warn("MinIO write failed; falling back to local")
	obj, lerr := w.fallback.Write(ctx, meta, content)
	if lerr != nil {
		return Stored{}, fmt.Errorf("minio write failed: %v; local fallback failed: %w", err, lerr)
	}
	return obj, nil
}

// objectParts 目录层级：case / node / 日期_时间 / run
func objectParts(meta Meta) []string {
	at := meta.At
	if at.IsZero() {
		at = time.Now()
	}
	parts := []string{}
	if c := strings.TrimSpace(meta.CaseID); c != "" {
		parts = append(parts, slug(c))
	}
	parts = append(parts, slug(meta.Node), at.UTC().Format("20060102_150405"))
	if r := strings.TrimSpace(meta.RunID); r != "" {
		parts = append(parts, slug(r))
	}
	return parts
}

func fileName(meta Meta) string {
	name := slug(meta.FileName)
	if !strings.Contains(name, ".") {
		name += ".txt"
	}
	return name
}

func checksum(data []byte) string {
	sum := sha256.Sum256(data)
	return "sha256:" + hex.EncodeToString(sum[:])
}

var slugRe = regexp.MustCompile(`[^a-z0-9._-]+`)

func slug(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	s = strings.ReplaceAll(s, " ", "_")
	s = strings.ReplaceAll(s, "/", "_")
	s = strings.ReplaceAll(s, "\\", "_")
	s = slugRe.ReplaceAllString(s, "")
	if s == "" || s == "." || s == ".." {
		s = "unknown"
	}
	return s
}
