// Package storage 提供了与对象存储服务（MinIO）交互的功能。
// 摄取管道把 MinIO 桶内的 intake 前缀作为"投递目录"：外部把文本文件放进来，
// 调度循环每个周期扫描一次，处理完成后删除对象。
package storage

import (
	"bytes"
	"context"
	"io"
	"sort"

	"knowpipe-go/internal/config"
	"knowpipe-go/pkg/log"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// MinioClient 是一个全局的 MinIO 客户端实例。
var MinioClient *minio.Client

// InitMinIO 初始化 MinIO 客户端并确保指定的存储桶存在。
func InitMinIO(cfg config.MinIOConfig) {
	var err error

	MinioClient, err = minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		log.Fatal("初始化 MinIO 客户端失败", err)
	}
	log.Info("MinIO 客户端初始化成功")

	ctx := context.Background()
	bucketName := cfg.BucketName
	exists, err := MinioClient.BucketExists(ctx, bucketName)
	if err != nil {
		log.Fatal("检查 MinIO 存储桶失败", err)
	}
	if !exists {
		log.Infof("存储桶 '%s' 不存在，正在创建...", bucketName)
		if err := MinioClient.MakeBucket(ctx, bucketName, minio.MakeBucketOptions{}); err != nil {
			log.Fatal("创建 MinIO 存储桶失败", err)
		}
		log.Infof("存储桶 '%s' 创建成功", bucketName)
	}
}

// IntakeEntry 描述 intake 前缀下的一个待处理对象。
type IntakeEntry struct {
	Key        string // 对象完整路径，删除时使用
	Name       string // 去掉前缀后的展示文件名
	Size       int64
	ModTimeUTC int64 // 发现时间，扫描按此升序处理
}

// MinioIntakeSource 基于 MinIO 桶前缀实现摄取输入源。
type MinioIntakeSource struct {
	bucket string
	prefix string
}

// NewMinioIntakeSource 创建一个新的 MinioIntakeSource 实例。
func NewMinioIntakeSource(cfg config.MinIOConfig) *MinioIntakeSource {
	prefix := cfg.IntakePrefix
	if prefix == "" {
		prefix = "intake/"
	}
	return &MinioIntakeSource{bucket: cfg.BucketName, prefix: prefix}
}

// List 列出 intake 前缀下的全部对象，按最后修改时间升序（最早投递的最先处理）。
func (s *MinioIntakeSource) List(ctx context.Context) ([]IntakeEntry, error) {
	var entries []IntakeEntry
	for obj := range MinioClient.ListObjects(ctx, s.bucket, minio.ListObjectsOptions{
		Prefix:    s.prefix,
		Recursive: true,
	}) {
		if obj.Err != nil {
			return nil, obj.Err
		}
		if obj.Size == 0 && obj.Key == s.prefix {
			continue // 前缀本身的占位对象
		}
		entries = append(entries, IntakeEntry{
			Key:        obj.Key,
			Name:       obj.Key[len(s.prefix):],
			Size:       obj.Size,
			ModTimeUTC: obj.LastModified.UnixNano(),
		})
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].ModTimeUTC < entries[j].ModTimeUTC
	})
	return entries, nil
}

// Read 读取一个对象的完整字节内容。
func (s *MinioIntakeSource) Read(ctx context.Context, key string) ([]byte, error) {
	object, err := MinioClient.GetObject(ctx, s.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, err
	}
	defer object.Close()

	buf := new(bytes.Buffer)
	if _, err := io.Copy(buf, object); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Remove 删除一个已处理完毕的对象。
func (s *MinioIntakeSource) Remove(ctx context.Context, key string) error {
	return MinioClient.RemoveObject(ctx, s.bucket, key, minio.RemoveObjectOptions{})
}
