package service

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	minio "github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/sshcollectorpro/mtcollector/internal/config"
	"github.com/sshcollectorpro/mtcollector/internal/model"
	"github.com/sshcollectorpro/mtcollector/pkg/logger"
)

// Archiver 将新采集的配置另存为文件（本地目录或对象存储）
type Archiver interface {
	Archive(ctx context.Context, runID string, rec *model.DeviceRecord) (StoredObject, error)
}

// StoredObject 归档结果
type StoredObject struct {
	URI         string `json:"uri"`
	Size        int64  `json:"size"`
	Checksum    string `json:"checksum"`
	ContentType string `json:"content_type"`
}

const exportContentType = "text/plain; charset=utf-8"

// NewArchiver 按配置创建归档器；未启用时返回 nil
//
// MinIO 后端写入失败时回退到本地目录，回退结果与原错误一并返回。
func NewArchiver(cfg config.ArchiveConfig) (Archiver, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	local := &LocalArchiver{cfg: cfg}
	switch strings.ToLower(strings.TrimSpace(cfg.Backend)) {
	case "", "local":
		return local, nil
	case "minio":
		m, err := NewMinioArchiver(cfg)
		if err != nil {
			logger.GetLogger().WithError(err).Warn("MinIO archive unavailable; archiving to local directory")
		}
		return &fallbackArchiver{primary: m, local: local}, nil
	default:
		return nil, fmt.Errorf("unsupported archive backend %q", cfg.Backend)
	}
}

// objectKey 归档路径：prefix/address/YYYYMMDD_HHMMSS/runID/identifier.rsc
func objectKey(prefix, runID string, rec *model.DeviceRecord) []string {
	var parts []string
	if p := strings.Trim(strings.TrimSpace(prefix), "/"); p != "" {
		parts = append(parts, p)
	}
	parts = append(parts, slug(rec.Address), rec.CapturedAt.UTC().Format("20060102_150405"))
	if runID != "" {
		parts = append(parts, slug(runID))
	}
	return append(parts, slug(rec.DeviceID)+".rsc")
}

func checksum(data []byte) string {
	sum := sha256.Sum256(data)
	return "sha256:" + hex.EncodeToString(sum[:])
}

// LocalArchiver 写入本地目录
type LocalArchiver struct {
	cfg config.ArchiveConfig
}

func (w *LocalArchiver) Archive(ctx context.Context, runID string, rec *model.DeviceRecord) (StoredObject, error) {
	baseDir := strings.TrimSpace(w.cfg.Local.BaseDir)
	if baseDir == "" {
		baseDir = "./data/archive"
	}
	parts := objectKey(w.cfg.Prefix, runID, rec)
	fullPath := filepath.Join(append([]string{baseDir}, parts...)...)

	if w.cfg.Local.MkdirIfMissing {
		if err := os.MkdirAll(filepath.Dir(fullPath), 0o755); err != nil {
			return StoredObject{}, fmt.Errorf("failed to create dir: %w", err)
		}
	}
	data := []byte(rec.RawOutput)
	if err := os.WriteFile(fullPath, data, 0o644); err != nil {
		return StoredObject{}, fmt.Errorf("failed to write file: %w", err)
	}
	return StoredObject{
		URI:         "file://" + fullPath,
		Size:        int64(len(data)),
		Checksum:    checksum(data),
		ContentType: exportContentType,
	}, nil
}

// MinioArchiver 写入 MinIO 对象存储
type MinioArchiver struct {
	cfg           config.ArchiveConfig
	client        *minio.Client
	endpoint      string
	mu            sync.Mutex
	bucketEnsured bool
}

// NewMinioArchiver 创建 MinIO 客户端（带连接与响应超时）
func NewMinioArchiver(cfg config.ArchiveConfig) (*MinioArchiver, error) {
	host := strings.TrimSpace(cfg.Minio.Host)
	if host == "" || cfg.Minio.Port <= 0 {
		return nil, fmt.Errorf("minio host/port not configured")
	}
	endpoint := net.JoinHostPort(host, fmt.Sprint(cfg.Minio.Port))

	transport := &http.Transport{
		DialContext:           (&net.Dialer{Timeout: 5 * time.Second, KeepAlive: 30 * time.Second}).DialContext,
		TLSHandshakeTimeout:   5 * time.Second,
		ResponseHeaderTimeout: 30 * time.Second,
		IdleConnTimeout:       90 * time.Second,
		MaxIdleConnsPerHost:   16,
	}
	client, err := minio.New(endpoint, &minio.Options{
		Creds:     credentials.NewStaticV4(cfg.Minio.AccessKey, cfg.Minio.SecretKey, ""),
		Secure:    cfg.Minio.Secure,
		Transport: transport,
	})
	if err != nil {
		return nil, fmt.Errorf("minio client initialization failed: %w", err)
	}
	return &MinioArchiver{cfg: cfg, client: client, endpoint: endpoint}, nil
}

func (w *MinioArchiver) Archive(ctx context.Context, runID string, rec *model.DeviceRecord) (StoredObject, error) {
	bucket := strings.TrimSpace(w.cfg.Minio.Bucket)
	if bucket == "" {
		return StoredObject{}, fmt.Errorf("minio bucket not configured")
	}
	w.mu.Lock()
	if !w.bucketEnsured {
		if err := w.ensureBucket(ctx, bucket, 2); err != nil {
			w.mu.Unlock()
			return StoredObject{}, fmt.Errorf("minio ensure bucket %s on %s failed: %w", bucket, w.endpoint, err)
		}
		w.bucketEnsured = true
	}
	w.mu.Unlock()

	objectName := path.Join(objectKey(w.cfg.Prefix, runID, rec)...)
	data := []byte(rec.RawOutput)

	var lastErr error
	for _, wait := range []time.Duration{time.Second, 2 * time.Second, 4 * time.Second} {
		attemptCtx, cancel := attemptContext(ctx, 10*time.Second)
		_, err := w.client.PutObject(attemptCtx, bucket, objectName, bytes.NewReader(data), int64(len(data)),
			minio.PutObjectOptions{ContentType: exportContentType})
		cancel()
		if err == nil {
			lastErr = nil
			break
		}
		lastErr = err
		select {
		case <-ctx.Done():
			return StoredObject{}, ctx.Err()
		case <-time.After(wait):
		}
	}
	if lastErr != nil {
		return StoredObject{}, fmt.Errorf("minio put object failed after retries: %w", lastErr)
	}

	return StoredObject{
		URI:         "minio://" + path.Join(bucket, objectName),
		Size:        int64(len(data)),
		Checksum:    checksum(data),
		ContentType: exportContentType,
	}, nil
}

// ensureBucket 校验并创建 bucket，支持有限重试
func (w *MinioArchiver) ensureBucket(parent context.Context, bucket string, retries int) error {
	var lastErr error
	for i := 0; i <= retries; i++ {
		ctx, cancel := attemptContext(parent, 10*time.Second)
		exists, err := w.client.BucketExists(ctx, bucket)
		if err == nil && !exists {
			err = w.client.MakeBucket(ctx, bucket, minio.MakeBucketOptions{})
		}
		cancel()
		if err == nil {
			return nil
		}
		lastErr = err
		time.Sleep(time.Duration(i+1) * 500 * time.Millisecond)
	}
	return lastErr
}

// attemptContext 构造限时上下文，尊重父上下文的剩余截止时间
func attemptContext(parent context.Context, prefer time.Duration) (context.Context, context.CancelFunc) {
	if deadline, ok := parent.Deadline(); ok {
		if remain := time.Until(deadline); remain < prefer {
			return context.WithTimeout(parent, remain)
		}
	}
	return context.WithTimeout(parent, prefer)
}

// fallbackArchiver 主后端失败时写本地
type fallbackArchiver struct {
	primary *MinioArchiver
	local   *LocalArchiver
}

func (w *fallbackArchiver) Archive(ctx context.Context, runID string, rec *model.DeviceRecord) (StoredObject, error) {
	if w.primary == nil {
		obj, err := w.local.Archive(ctx, runID, rec)
		if err != nil {
			return StoredObject{}, fmt.Errorf("minio client not initialized; local fallback failed: %w", err)
		}
		return obj, fmt.Errorf("minio client not initialized; wrote to local instead")
	}
	obj, err := w.primary.Archive(ctx, runID, rec)
	if err == nil {
		return obj, nil
	}
	objLocal, lerr := w.local.Archive(ctx, runID, rec)
	if lerr != nil {
		return StoredObject{}, fmt.Errorf("minio write failed: %v; local fallback failed: %w", err, lerr)
	}
	return objLocal, fmt.Errorf("minio write failed: %w; fell back to local", err)
}

var slugRe = regexp.MustCompile(`[^a-z0-9._-]+`)

func slug(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	s = strings.NewReplacer(" ", "_", "/", "_", "\\", "_", ":", "-").Replace(s)
	s = slugRe.ReplaceAllString(s, "")
	if s == "" || s == "." || s == ".." {
		s = "unknown"
	}
	return s
}
