package cmd

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"Bt1Mix/cache"
	"Bt1Mix/core/analysis"
	"Bt1Mix/core/mixdown"
	"Bt1Mix/core/timeline"
	"Bt1Mix/db"
	"Bt1Mix/logger"
	"Bt1Mix/model"
	"Bt1Mix/repository"
	"Bt1Mix/storage"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"github.com/vbauerster/mpb/v8"
	"github.com/vbauerster/mpb/v8/decor"
)

var (
	renderSnapshot   string
	renderOut        string
	renderSampleRate int
	renderUpload     bool
	renderRecord     bool
	renderNoCache    bool
)

var renderCmd = &cobra.Command{
	Use:   "render",
	Short: "将混音快照离线导出为 WAV",
	Long:  `读取混音快照 JSON，按包络、静音段和速度同步离线混音，写出 16 位立体声 WAV；可选上传到 MinIO 并记录导出任务。`,
	Run: func(cmd *cobra.Command, args []string) {
		if renderSnapshot == "" {
			log.Fatal("需要通过 --snapshot 指定快照文件")
		}
		doc, err := model.LoadSnapshotFile(renderSnapshot)
		if err != nil {
			log.Fatalf("读取快照失败: %v", err)
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		service := newAnalysisService(!renderNoCache)
		sess := timeline.NewSession(timeline.Options{Service: service})
		defer sess.Close()
		if err := sess.LoadSnapshot(doc); err != nil {
			log.Fatalf("加载快照失败: %v", err)
		}
		// 补齐缺失的 BPM 与时长
		if err := sess.EnsureAnalysis(ctx); err != nil {
			logger.Warn("部分文件分析失败", logger.ErrorField(err))
		}

		jobID := uuid.NewString()
		out := renderOut
		if out == "" {
			base := strings.TrimSuffix(filepath.Base(renderSnapshot), filepath.Ext(renderSnapshot))
			out = filepath.Join(cfg.OutputDir, base+".wav")
		}
		if err := os.MkdirAll(filepath.Dir(out), 0755); err != nil {
			log.Fatalf("创建输出目录失败: %v", err)
		}
		sampleRate := renderSampleRate
		if sampleRate == 0 {
			sampleRate = cfg.RenderSampleRate
		}

		var jobs repository.RenderJobRepository
		if renderRecord {
			jobs = recordRenderJob(ctx, jobID, doc, sampleRate)
			defer db.CloseGormDB()
		}

		fmt.Printf("开始导出 %d 条轨道 -> %s\n", len(sess.Tracks()), out)
		result, err := bounceWithProgress(ctx, sess, out, sampleRate)
		if err != nil {
			if jobs != nil {
				jobs.UpdateStatus(context.Background(), jobID, repository.RenderJobUpdate{Status: model.RenderJobFailed, Error: err.Error()})
			}
			log.Fatalf("导出失败: %v", err)
		}
		fmt.Printf("导出完成: %.2fs, %d Hz, %d 条轨道, 用时 %s\n",
			result.Duration, result.SampleRate, result.TrackCount, result.Elapsed.Round(time.Millisecond))

		var objectName string
		if renderUpload {
			objectName = uploadMixdown(ctx, jobID, out)
		}
		if jobs != nil {
			err := jobs.UpdateStatus(context.Background(), jobID, repository.RenderJobUpdate{
				Status:      model.RenderJobCompleted,
				Stage:       string(mixdown.StageEncoding),
				Percent:     100,
				ObjectName:  objectName,
				DurationSec: result.Duration,
				SampleRate:  result.SampleRate,
				TrackCount:  result.TrackCount,
			})
			if err != nil {
				logger.Warn("更新导出任务失败", logger.String("job", jobID), logger.ErrorField(err))
			}
			fmt.Printf("导出任务: %s\n", jobID)
		}
	},
}

// newAnalysisService builds the local analysis service, backed by the Redis
// waveform cache when it is reachable.
func newAnalysisService(useCache bool) *analysis.Local {
	var store analysis.WaveformStore
	if useCache {
		if err := cache.ConnectRedis(cfg); err != nil {
			logger.Warn("Redis 不可用，不使用波形缓存", logger.ErrorField(err))
		} else {
			store = cache.NewWaveformCache(cache.RedisClient, cfg.WaveformCacheTTL)
		}
	}
	return analysis.NewLocal(analysis.NewDecoder(cfg.FFmpegPath), store)
}

// bounceWithProgress renders the session while drawing a progress bar.
func bounceWithProgress(ctx context.Context, sess *timeline.Session, out string, sampleRate int) (*mixdown.Result, error) {
	var stage atomic.Value
	stage.Store(string(mixdown.StagePreparing))

	p := mpb.NewWithContext(ctx, mpb.WithWidth(48))
	bar := p.AddBar(1000,
		mpb.PrependDecorators(
			decor.Any(func(decor.Statistics) string { return stage.Load().(string) }, decor.WC{W: 12, C: decor.DindentRight}),
		),
		mpb.AppendDecorators(
			decor.Percentage(),
			decor.Elapsed(decor.ET_STYLE_GO),
		),
	)

	result, err := sess.Bounce(ctx, out, sampleRate, func(ev mixdown.ProgressEvent) {
		stage.Store(string(ev.Stage))
		bar.SetCurrent(int64(ev.Percent * 10))
	})
	if err != nil {
		bar.Abort(false)
	} else {
		bar.SetCurrent(1000)
	}
	p.Wait()
	return result, err
}

// uploadMixdown stores the file in MinIO and prints a download link.
func uploadMixdown(ctx context.Context, jobID, localPath string) string {
	if err := storage.InitMinio(cfg); err != nil {
		logger.Error("MinIO 不可用，跳过上传", logger.ErrorField(err))
		return ""
	}
	name := storage.MixdownObjectName(jobID, localPath)
	size, err := storage.UploadMixdown(ctx, name, localPath)
	if err != nil {
		logger.Error("上传混音失败", logger.ErrorField(err))
		return ""
	}
	fmt.Printf("已上传 %s (%s)\n", name, storage.FormatSize(size))
	if url, err := storage.PresignMixdown(ctx, name, time.Hour); err == nil {
		fmt.Printf("下载链接: %s\n", url)
	}
	return name
}

// recordRenderJob saves the snapshot and a running job. nil when the
// database is unavailable.
func recordRenderJob(ctx context.Context, jobID string, doc *model.SnapshotDocument, sampleRate int) repository.RenderJobRepository {
	if err := db.ConnectGormDB(cfg); err != nil {
		logger.Error("数据库不可用，不记录导出任务", logger.ErrorField(err))
		return nil
	}
	if err := db.AutoMigrate(); err != nil {
		logger.Error("数据库迁移失败", logger.ErrorField(err))
		return nil
	}
	mixtape := model.NewMixtape(uuid.NewString(), doc)
	if err := repository.NewGormMixtapeRepository(db.GormDB).Save(ctx, mixtape); err != nil {
		logger.Error("保存编排失败", logger.ErrorField(err))
		return nil
	}
	jobs := repository.NewGormRenderJobRepository(db.GormDB)
	err := jobs.Create(ctx, &model.RenderJob{
		ID:         jobID,
		MixtapeID:  mixtape.ID,
		Status:     model.RenderJobRunning,
		Stage:      string(mixdown.StagePreparing),
		SampleRate: sampleRate,
		TrackCount: len(mixtape.Items),
	})
	if err != nil {
		logger.Error("创建导出任务失败", logger.ErrorField(err))
		return nil
	}
	return jobs
}

func init() {
	renderCmd.Flags().StringVarP(&renderSnapshot, "snapshot", "s", "", "混音快照 JSON 文件")
	renderCmd.Flags().StringVarP(&renderOut, "out", "o", "", "输出 WAV 路径，默认写到 OUTPUT_DIR")
	renderCmd.Flags().IntVar(&renderSampleRate, "sample-rate", 0, "输出采样率，0 表示跟随第一条轨道")
	renderCmd.Flags().BoolVar(&renderUpload, "upload", false, "导出后上传到 MinIO")
	renderCmd.Flags().BoolVar(&renderRecord, "record", false, "在数据库中记录编排和导出任务")
	renderCmd.Flags().BoolVar(&renderNoCache, "no-cache", false, "不使用 Redis 波形缓存")
	rootCmd.AddCommand(renderCmd)
}
