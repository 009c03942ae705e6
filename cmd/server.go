package cmd

import (
	"Bt1Mix/logger"
	"Bt1Mix/server"

	"github.com/spf13/cobra"
)

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "启动 Bt1Mix 服务器",
	Long:  `启动 HTTP 服务，提供混音编排管理、波形瓦片和离线导出接口`,
	Run: func(cmd *cobra.Command, args []string) {
		if err := server.Start(cfg); err != nil {
			logger.Fatal("服务器异常退出", logger.ErrorField(err))
		}
	},
}

func init() {
	rootCmd.AddCommand(serverCmd)
}
