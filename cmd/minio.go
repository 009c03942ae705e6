package cmd

import (
	"context"
	"fmt"
	"log"
	"time"

	"Bt1Mix/storage"

	"github.com/spf13/cobra"
)

var minioPresign string

var minioCmd = &cobra.Command{
	Use:   "minio",
	Short: "查看 MinIO 中的混音文件",
	Long:  `列出存储桶中已上传的混音文件及统计信息，或为指定对象生成临时下载链接。`,
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println("开始连接MinIO服务器...")
		fmt.Printf("MinIO配置: %s, Bucket: %s\n", cfg.MinioEndpoint, cfg.MinioBucket)

		if err := storage.InitMinio(cfg); err != nil {
			log.Fatalf("无法连接到MinIO: %v", err)
		}
		fmt.Println("MinIO连接成功！")

		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()

		if minioPresign != "" {
			url, err := storage.PresignMixdown(ctx, minioPresign, time.Hour)
			if err != nil {
				log.Fatalf("生成下载链接失败: %v", err)
			}
			fmt.Println(url)
			return
		}
		if err := storage.PrintMixdownStatus(ctx); err != nil {
			log.Fatalf("获取混音列表失败: %v", err)
		}
	},
}

func init() {
	minioCmd.Flags().StringVar(&minioPresign, "presign", "", "为指定对象生成一小时有效的下载链接")
	rootCmd.AddCommand(minioCmd)
}
