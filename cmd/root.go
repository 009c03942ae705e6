package cmd

import (
	"fmt"
	"os"
	"strings"

	"Bt1Mix/config"
	"Bt1Mix/logger"

	"github.com/spf13/cobra"
)

// cfg is loaded once before any subcommand runs.
var cfg *config.Config

var rootCmd = &cobra.Command{
	Use:   "bt1mix",
	Short: "Bt1Mix 是一个 DJ 混音编排与离线导出工具",
	Long:  `Bt1Mix 读取混音快照，分析波形与 BPM，提供瓦片渲染服务、实时试听和离线 WAV 导出。`,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		cfg = config.Load()
		logger.InitLogger(logger.Config{
			Level:      logger.LogLevel(strings.ToLower(cfg.LogLevel)),
			OutputPath: cfg.LogPath,
			MaxSize:    100,
			MaxBackups: 3,
			MaxAge:     28,
			Compress:   true,
		})
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		logger.Sync()
	},
}

// Execute executes the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
