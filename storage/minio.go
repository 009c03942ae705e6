package storage

import (
	"context"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"time"

	"Bt1Mix/config"
	"Bt1Mix/logger"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// MixdownPrefix 混音文件在存储桶中的前缀
const MixdownPrefix = "mixdowns/"

var (
	minioClient *minio.Client
	bucketName  string
)

// InitMinio 初始化 MinIO 客户端，存储桶不存在时创建
func InitMinio(cfg *config.Config) error {
	logger.Info("正在连接 MinIO 服务器",
		logger.String("endpoint", cfg.MinioEndpoint),
		logger.String("region", cfg.MinioRegion),
		logger.String("bucket", cfg.MinioBucket))

	client, err := minio.New(cfg.MinioEndpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.MinioAccessKey, cfg.MinioSecretKey, ""),
		Secure: cfg.MinioUseSSL,
		Region: cfg.MinioRegion,
	})
	if err != nil {
		return fmt.Errorf("创建 MinIO 客户端失败: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	exists, err := client.BucketExists(ctx, cfg.MinioBucket)
	if err != nil {
		return fmt.Errorf("检查存储桶失败: %w", err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, cfg.MinioBucket, minio.MakeBucketOptions{Region: cfg.MinioRegion}); err != nil {
			return fmt.Errorf("创建存储桶失败: %w", err)
		}
		logger.Info("成功创建存储桶", logger.String("bucket", cfg.MinioBucket))
	}

	minioClient = client
	bucketName = cfg.MinioBucket
	logger.Info("MinIO 客户端初始化成功")
	return nil
}

// GetMinioClient 获取 MinIO 客户端实例
func GetMinioClient() *minio.Client {
	return minioClient
}

// MixdownObjectName 混音文件的对象名
func MixdownObjectName(jobID, localPath string) string {
	return path.Join(MixdownPrefix, jobID, filepath.Base(localPath))
}

// UploadMixdown uploads a bounced WAV file and returns its size.
func UploadMixdown(ctx context.Context, objectName, localPath string) (int64, error) {
	if minioClient == nil {
		return 0, fmt.Errorf("MinIO 客户端未初始化")
	}
	f, err := os.Open(localPath)
	if err != nil {
		return 0, fmt.Errorf("open mixdown: %w", err)
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return 0, fmt.Errorf("stat mixdown: %w", err)
	}

	started := time.Now()
	up, err := minioClient.PutObject(ctx, bucketName, objectName, f, info.Size(), minio.PutObjectOptions{
		ContentType: "audio/wav",
	})
	if err != nil {
		logger.Error("上传混音失败", logger.String("object", objectName), logger.ErrorField(err))
		return 0, fmt.Errorf("upload %s: %w", objectName, err)
	}
	logger.Info("混音上传完成",
		logger.String("object", objectName),
		logger.Int64("size", up.Size),
		logger.Duration("elapsed", time.Since(started)))
	return up.Size, nil
}

// PresignMixdown returns a time-limited download URL.
func PresignMixdown(ctx context.Context, objectName string, expiry time.Duration) (string, error) {
	if minioClient == nil {
		return "", fmt.Errorf("MinIO 客户端未初始化")
	}
	u, err := minioClient.PresignedGetObject(ctx, bucketName, objectName, expiry, nil)
	if err != nil {
		return "", fmt.Errorf("presign %s: %w", objectName, err)
	}
	return u.String(), nil
}
