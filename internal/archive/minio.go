package archive

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"net/http"
	"path"
	"strings"
	"sync"
	"time"

	minio "github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/sshcollectorpro/diagrelay/internal/config"
)

// putTimeout 单次 PutObject 的上限
const putTimeout = 2 * time.Minute

// MinioWriter MinIO 对象存储写入
type MinioWriter struct {
	cfg      config.MinioConfig
	client   *minio.Client
	endpoint string

	mu            sync.Mutex
	bucketEnsured bool
	// backoff 写入重试间隔
	backoff []time.Duration
}

// NewMinioWriter 创建客户端；不做网络探测，首次写入时确保 bucket
func NewMinioWriter(cfg config.MinioConfig) (*MinioWriter, error) {
	host := strings.TrimSpace(cfg.Host)
	if host == "" || cfg.Port <= 0 {
		return nil, fmt.Errorf("minio configuration incomplete; host/port missing")
	}
	if strings.TrimSpace(cfg.Bucket) == "" {
		return nil, fmt.Errorf("minio bucket not configured")
	}
	endpoint := fmt.Sprintf("%s:%d", host, cfg.Port)

	transport := &http.Transport{
		DialContext:           (&net.Dialer{Timeout: 5 * time.Second, KeepAlive: 30 * time.Second}).DialContext,
		TLSHandshakeTimeout:   5 * time.Second,
		ResponseHeaderTimeout: 30 * time.Second,
		ExpectContinueTimeout: 5 * time.Second,
		IdleConnTimeout:       90 * time.Second,
		MaxIdleConnsPerHost:   16,
	}
	client, err := minio.New(endpoint, &minio.Options{
		Creds:     credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure:    cfg.Secure,
		Transport: transport,
	})
	if err != nil {
		return nil, fmt.Errorf("minio client initialization failed: %w", err)
	}
	return &MinioWriter{
		cfg:      cfg,
		client:   client,
		endpoint: endpoint,
		backoff:  []time.Duration{2 * time.Second, 4 * time.Second, 8 * time.Second},
	}, nil
}

// ObjectName 对象路径（POSIX 风格，与本地层级一致）
func (w *MinioWriter) ObjectName(meta Meta) string {
	parts := objectParts(meta)
	if p := strings.Trim(strings.TrimSpace(w.cfg.Prefix), "/"); p != "" {
		parts = append([]string{p}, parts...)
	}
	return path.Join(append(parts, fileName(meta))...)
}

func (w *MinioWriter) Write(ctx context.Context, meta Meta, content []byte) (Stored, error) {
	bucket := strings.TrimSpace(w.cfg.Bucket)

	// 写入前快速连通性探测
	d := &net.Dialer{Timeout: 3 * time.Second}
	conn, err := d.DialContext(ctx, "tcp", w.endpoint)
	if err != nil {
		return Stored{}, fmt.Errorf("minio connectivity failed to %s: %w", w.endpoint, err)
	}
	_ = conn.Close()

	if err := w.ensureBucket(ctx, bucket); err != nil {
		return Stored{}, fmt.Errorf("minio ensure bucket failed: %w", err)
	}

	objectName := w.ObjectName(meta)
	var lastErr error
	for i, wait := range w.backoff {
		attemptCtx, cancel := attemptContext(ctx, putTimeout)
		_, err := w.client.PutObject(attemptCtx, bucket, objectName, bytes.NewReader(content), int64(len(content)),
			minio.PutObjectOptions{ContentType: "text/plain; charset=utf-8"})
		cancel()
		if err == nil {
			lastErr = nil
			break
		}
		lastErr = err
		if i < len(w.backoff)-1 {
			select {
			case <-ctx.Done():
				return Stored{}, ctx.Err()
			case <-time.After(wait):
			}
		}
	}
	if lastErr != nil {
		return Stored{}, fmt.Errorf("minio put object failed after retries: %w", lastErr)
	}
	return Stored{
		URI:      "minio://" + path.Join(bucket, objectName),
		Size:     int64(len(content)),
		Checksum: checksum(content),
	}, nil
}

// ensureBucket 校验并创建 bucket，多个节点并发写入时只做一次
func (w *MinioWriter) ensureBucket(parent context.Context, bucket string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.bucketEnsured {
		return nil
	}
	ctx, cancel := attemptContext(parent, 10*time.Second)
	defer cancel()
	exists, err := w.client.BucketExists(ctx, bucket)
	if err != nil {
		return err
	}
	if !exists {
		if err := w.client.MakeBucket(ctx, bucket, minio.MakeBucketOptions{}); err != nil {
			return err
		}
	}
	w.bucketEnsured = true
	return nil
}

// attemptContext 构造限时上下文，尊重父上下文的剩余截止时间
func attemptContext(parent context.Context, prefer time.Duration) (context.Context, context.CancelFunc) {
	if deadline, ok := parent.Deadline(); ok {
		remain := time.Until(deadline)
		if remain > time.Second && prefer < remain {
			return context.WithTimeout(parent, prefer)
		}
		if remain > time.Second {
			return context.WithTimeout(parent, remain-time.Second)
		}
		return context.WithTimeout(parent, time.Second)
	}
	return context.WithTimeout(parent, prefer)
}
