package cmd

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"Bt1Mix/core/playback"
	"Bt1Mix/core/timeline"
	"Bt1Mix/logger"
	"Bt1Mix/model"

	"github.com/spf13/cobra"
)

var (
	playSnapshot   string
	playFrom       float64
	playSampleRate int
	playWatch      bool
)

var playCmd = &cobra.Command{
	Use:   "play",
	Short: "实时试听混音快照",
	Long:  `通过声卡实时播放混音快照，速度同步、包络和静音段与离线导出一致。--watch 时源文件变化会重新载入。`,
	Run: func(cmd *cobra.Command, args []string) {
		if playSnapshot == "" {
			log.Fatal("需要通过 --snapshot 指定快照文件")
		}
		doc, err := model.LoadSnapshotFile(playSnapshot)
		if err != nil {
			log.Fatalf("读取快照失败: %v", err)
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		service := newAnalysisService(true)
		engine := playback.NewEngine(service, playback.NewOtoOutput(playSampleRate))
		ended := make(chan struct{}, 1)
		engine.OnEnd = func() {
			select {
			case ended <- struct{}{}:
			default:
			}
		}

		sess := timeline.NewSession(timeline.Options{Service: service, Transport: engine})
		defer sess.Close()
		if err := sess.LoadSnapshot(doc); err != nil {
			log.Fatalf("加载快照失败: %v", err)
		}
		if err := sess.EnsureAnalysis(ctx); err != nil {
			logger.Warn("部分文件分析失败", logger.ErrorField(err))
		}

		restart := make(chan string, 1)
		if playWatch {
			w, err := timeline.NewWatcher(ctx, sess, func(path string) {
				select {
				case restart <- path:
				default:
				}
			})
			if err != nil {
				log.Fatalf("监听源文件失败: %v", err)
			}
			defer w.Close()
		}

		if err := sess.Play(ctx, playFrom); err != nil {
			log.Fatalf("播放失败: %v", err)
		}
		ticker := time.NewTicker(time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				st := sess.Status()
				fmt.Printf("\r%s / %s  master=%s  active=%d   ",
					clock(st.TimelineSec), clock(st.DurationSec), st.MasterTrackID, st.ActiveTracks)
			case path := <-restart:
				at := sess.Status().TimelineSec
				fmt.Printf("\n源文件已变化，重新载入: %s\n", path)
				if err := sess.EnsureAnalysis(ctx); err != nil {
					logger.Warn("重新分析失败", logger.ErrorField(err))
				}
				if err := sess.Play(ctx, at); err != nil && !errors.Is(err, playback.ErrSuperseded) {
					log.Fatalf("播放失败: %v", err)
				}
			case <-ended:
				fmt.Println("\n播放结束")
				return
			case <-ctx.Done():
				sess.Stop()
				fmt.Println("\n已停止")
				return
			}
		}
	},
}

func clock(sec float64) string {
	d := time.Duration(sec * float64(time.Second)).Round(time.Second)
	return fmt.Sprintf("%02d:%02d", int(d.Minutes()), int(d.Seconds())%60)
}

func init() {
	playCmd.Flags().StringVarP(&playSnapshot, "snapshot", "s", "", "混音快照 JSON 文件")
	playCmd.Flags().Float64Var(&playFrom, "from", 0, "起始位置（秒）")
	playCmd.Flags().IntVar(&playSampleRate, "sample-rate", 44100, "输出设备采样率")
	playCmd.Flags().BoolVar(&playWatch, "watch", false, "监听源文件变化")
	rootCmd.AddCommand(playCmd)
}
