package storage

import (
	"context"
	"fmt"
	"strings"
	"time"

	"Bt1Mix/logger"

	"github.com/minio/minio-go/v7"
)

// ObjectInfo 对象信息
type ObjectInfo struct {
	Key          string    `json:"key"`
	Size         int64     `json:"size"`
	LastModified time.Time `json:"lastModified"`
	ContentType  string    `json:"contentType"`
	ETag         string    `json:"etag"`
}

// BucketStats 存储桶统计信息
type BucketStats struct {
	TotalObjects int       `json:"totalObjects"`
	TotalSize    int64     `json:"totalSize"`
	LastModified time.Time `json:"lastModified"`
}

// ListMixdowns 列出已上传的混音
func ListMixdowns(ctx context.Context) ([]ObjectInfo, *BucketStats, error) {
	return listObjects(ctx, MixdownPrefix)
}

func listObjects(ctx context.Context, prefix string) ([]ObjectInfo, *BucketStats, error) {
	if minioClient == nil {
		return nil, nil, fmt.Errorf("MinIO 客户端未初始化")
	}
	stats := &BucketStats{}
	var objects []ObjectInfo
	for object := range minioClient.ListObjects(ctx, bucketName, minio.ListObjectsOptions{
		Prefix:    prefix,
		Recursive: true,
	}) {
		if object.Err != nil {
			return nil, nil, fmt.Errorf("列出对象时出错: %w", object.Err)
		}
		stats.TotalObjects++
		stats.TotalSize += object.Size
		if object.LastModified.After(stats.LastModified) {
			stats.LastModified = object.LastModified
		}
		objects = append(objects, ObjectInfo{
			Key:          object.Key,
			Size:         object.Size,
			LastModified: object.LastModified,
			ContentType:  object.ContentType,
			ETag:         object.ETag,
		})
	}
	return objects, stats, nil
}

// PrintMixdownStatus 打印混音存储状态
func PrintMixdownStatus(ctx context.Context) error {
	objects, stats, err := ListMixdowns(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("存储桶: %s  前缀: %s\n", bucketName, MixdownPrefix)
	fmt.Printf("文件数: %d  总大小: %s\n", stats.TotalObjects, FormatSize(stats.TotalSize))
	if stats.TotalObjects > 0 {
		fmt.Printf("最后更新时间: %s\n", stats.LastModified.Format("2006-01-02 15:04:05"))
	}
	for _, obj := range objects {
		fmt.Printf("  ├─ %s  %s  %s\n", strings.TrimPrefix(obj.Key, MixdownPrefix), FormatSize(obj.Size), obj.LastModified.Format(time.RFC3339))
	}
	logger.Debug("列出混音", logger.Int("count", len(objects)))
	return nil
}

// FormatSize 格式化文件大小
func FormatSize(size int64) string {
	const unit = 1024
	if size < unit {
		return fmt.Sprintf("%d B", size)
	}
	div, exp := int64(unit), 0
	for n := size / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(size)/float64(div), "KMGTPE"[exp])
}
