package service

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"path/filepath"
	"time"

	"creative-studio-server/config"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// ArtifactStore 制品镜像层。提供商给的 URL 只有约 24h 有效，
// 落库前转存到自己的对象存储，返回预签名地址。
type ArtifactStore interface {
	// Mirror 下载 sourceURL 并转存为 objectName，返回可访问 URL
	Mirror(ctx context.Context, sourceURL, objectName string) (string, error)
	// PutJSON 序列化后存为 objectName，返回对象路径
	PutJSON(ctx context.Context, objectName string, v interface{}) (string, error)
}

type MinioStore struct {
	Client *minio.Client
	Bucket string
}

// InitMinIO 初始化连接，在 main.go 中调用
func InitMinIO() *MinioStore {
	cfg := config.AppConfig.MinIO
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		log.Fatalf("MinIO 初始化失败: %v", err)
	}
	log.Println("MinIO 连接成功")
	return &MinioStore{Client: client, Bucket: cfg.Bucket}
}

func (s *MinioStore) ensureBucket(ctx context.Context) error {
	exists, err := s.Client.BucketExists(ctx, s.Bucket)
	if err != nil {
		return fmt.Errorf("检查 Bucket 失败: %w", err)
	}
	if !exists {
		if err := s.Client.MakeBucket(ctx, s.Bucket, minio.MakeBucketOptions{}); err != nil {
			return fmt.Errorf("创建 Bucket 失败: %w", err)
		}
		log.Printf("Bucket '%s' 已创建", s.Bucket)
	}
	return nil
}

func (s *MinioStore) Mirror(ctx context.Context, sourceURL, objectName string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, sourceURL, nil)
	if err != nil {
		return "", err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("download failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("download status: %d", resp.StatusCode)
	}

	if err := s.ensureBucket(ctx); err != nil {
		return "", err
	}

	// 根据文件扩展名确定 ContentType
	contentType := "application/octet-stream"
	switch filepath.Ext(objectName) {
	case ".jpg", ".jpeg":
		contentType = "image/jpeg"
	case ".png":
		contentType = "image/png"
	case ".webp":
		contentType = "image/webp"
	case ".mp4":
		contentType = "video/mp4"
	case ".json":
		contentType = "application/json"
	}

	_, err = s.Client.PutObject(ctx, s.Bucket, objectName, resp.Body, resp.ContentLength, minio.PutObjectOptions{
		ContentType: contentType,
	})
	if err != nil {
		return "", fmt.Errorf("上传到 MinIO 失败: %w", err)
	}

	// 预签名 URL，24 小时有效
	expiry := 24 * time.Hour
	presignedURL, err := s.Client.PresignedGetObject(ctx, s.Bucket, objectName, expiry, make(url.Values))
	if err != nil {
		return "", fmt.Errorf("生成签名 URL 失败: %w", err)
	}
	log.Printf("文件已转存: %s", objectName)
	return presignedURL.String(), nil
}

func (s *MinioStore) PutJSON(ctx context.Context, objectName string, v interface{}) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	if err := s.ensureBucket(ctx); err != nil {
		return "", err
	}
	_, err = s.Client.PutObject(ctx, s.Bucket, objectName, bytes.NewReader(b), int64(len(b)), minio.PutObjectOptions{
		ContentType: "application/json",
	})
	if err != nil {
		return "", fmt.Errorf("上传到 MinIO 失败: %w", err)
	}
	return objectName, nil
}

// PassthroughStore mock 模式/测试用：不转存，原样返回来源地址。
type PassthroughStore struct{}

func (PassthroughStore) Mirror(ctx context.Context, sourceURL, objectName string) (string, error) {
	return sourceURL, nil
}

func (PassthroughStore) PutJSON(ctx context.Context, objectName string, v interface{}) (string, error) {
	return objectName, nil
}
