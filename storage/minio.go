package storage

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"Bt1QRec/config"
	"Bt1QRec/logger"
	"Bt1QRec/model"
)

var (
	minioClient *minio.Client
	bucket      string
)

// presign 有效期：推荐列表在客户端的停留时间远小于这个值
const presignExpiry = 6 * time.Hour

// InitMinio 初始化 MinIO 客户端并确认存储桶可用
func InitMinio(cfg *config.Config) error {
	client, err := minio.New(cfg.MinioEndpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.MinioAccessKey, cfg.MinioSecretKey, ""),
		Secure: cfg.MinioUseSSL,
	})
	if err != nil {
		return fmt.Errorf("failed to create MinIO client: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	exists, err := client.BucketExists(ctx, cfg.MinioBucket)
	if err != nil {
		return fmt.Errorf("failed to check bucket %s: %w", cfg.MinioBucket, err)
	}
	if !exists {
		return fmt.Errorf("bucket %s does not exist, beat objects are loaded by the upstream pipeline", cfg.MinioBucket)
	}

	minioClient = client
	bucket = cfg.MinioBucket
	logger.Info("MinIO connected",
		logger.String("endpoint", cfg.MinioEndpoint),
		logger.String("bucket", cfg.MinioBucket))
	return nil
}

// GetMinioClient 返回全局客户端，未初始化时为 nil
func GetMinioClient() *minio.Client {
	return minioClient
}

// PresignObjectURL 为一个对象 key 生成预签名下载地址
func PresignObjectURL(ctx context.Context, objectKey string) (string, error) {
	if minioClient == nil {
		return "", fmt.Errorf("MinIO client not initialized")
	}

	u, err := minioClient.PresignedGetObject(ctx, bucket, objectKey, presignExpiry, url.Values{})
	if err != nil {
		return "", fmt.Errorf("failed to presign object %s: %w", objectKey, err)
	}
	return u.String(), nil
}

// ResolveBeatURLs 返回一个 url/picture 换成预签名地址的副本
// 目录里的 beat 是只读共享的，这里绝不能原地修改
// 数据集里 url/picture 字段既可能是对象 key 也可能已经是完整 http 地址，
// 只有 key 才需要签名；签名失败保留原值，不阻塞推荐返回
func ResolveBeatURLs(ctx context.Context, beat *model.Beat) *model.Beat {
	if beat == nil {
		return nil
	}
	if minioClient == nil {
		return beat
	}

	resolved := *beat
	if key := beat.URL; key != "" && !strings.HasPrefix(key, "http") {
		if signed, err := PresignObjectURL(ctx, key); err == nil {
			resolved.URL = signed
		} else {
			logger.Warn("failed to presign beat audio url",
				logger.String("beatId", beat.ID),
				logger.ErrorField(err))
		}
	}
	if key := beat.Picture; key != "" && !strings.HasPrefix(key, "http") {
		if signed, err := PresignObjectURL(ctx, key); err == nil {
			resolved.Picture = signed
		} else {
			logger.Warn("failed to presign beat picture url",
				logger.String("beatId", beat.ID),
				logger.ErrorField(err))
		}
	}
	return &resolved
}
