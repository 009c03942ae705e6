package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"math"
	"net/http"
	"path/filepath"
	"time"

	"Bt1Mix/core/mixdown"
	"Bt1Mix/core/timeline"
	"Bt1Mix/logger"
	"Bt1Mix/model"
	"Bt1Mix/repository"
	"Bt1Mix/storage"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
)

const presignExpiry = time.Hour

// RenderRequest is the optional body of a render call.
type RenderRequest struct {
	SampleRate int `json:"sampleRate"`
	// Upload defaults to true when object storage is configured.
	Upload *bool `json:"upload"`
}

// jobEvent describes a stored job as a stream event.
func jobEvent(job *model.RenderJob) RenderEvent {
	ev := RenderEvent{
		JobID:      job.ID,
		Type:       EventProgress,
		Stage:      mixdown.Stage(job.Stage),
		Percent:    float64(job.Percent),
		ObjectName: job.ObjectName,
		Error:      job.Error,
	}
	switch job.Status {
	case model.RenderJobCompleted:
		ev.Type = EventDone
	case model.RenderJobFailed:
		ev.Type = EventError
	}
	return ev
}

// StartRenderHandler 创建离线混音任务并在后台执行
func (s *Server) StartRenderHandler(w http.ResponseWriter, r *http.Request) {
	var req RenderRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 4096)).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if req.SampleRate < 0 || req.SampleRate > 192000 {
		http.Error(w, "Invalid sample rate", http.StatusBadRequest)
		return
	}
	if req.SampleRate == 0 {
		req.SampleRate = s.deps.Config.RenderSampleRate
	}

	mixtapeID := mux.Vars(r)["id"]
	sess, found, err := s.session(r.Context(), mixtapeID)
	if err != nil {
		logger.Error("加载编排失败", logger.String("id", mixtapeID), logger.ErrorField(err))
		http.Error(w, "Failed to load mixtape", http.StatusInternalServerError)
		return
	}
	if !found {
		http.Error(w, "Mixtape not found", http.StatusNotFound)
		return
	}

	job := &model.RenderJob{
		ID:         uuid.NewString(),
		MixtapeID:  mixtapeID,
		Status:     model.RenderJobPending,
		Stage:      string(mixdown.StagePreparing),
		SampleRate: req.SampleRate,
		TrackCount: len(sess.Tracks()),
	}
	if err := s.deps.Jobs.Create(r.Context(), job); err != nil {
		logger.Error("创建导出任务失败", logger.ErrorField(err))
		http.Error(w, "Failed to create render job", http.StatusInternalServerError)
		return
	}
	s.hub.Publish(RenderEvent{JobID: job.ID, Type: EventProgress, Stage: mixdown.StagePreparing})

	upload := s.deps.Upload != nil && (req.Upload == nil || *req.Upload)
	s.jobs.Add(1)
	go func() {
		defer s.jobs.Done()
		s.runRender(s.ctx, sess, job, upload)
	}()

	logger.Info("导出任务已创建", logger.String("job", job.ID), logger.String("mixtape", mixtapeID))
	writeJSON(w, http.StatusAccepted, map[string]string{
		"jobId":  job.ID,
		"status": job.Status,
	})
}

// runRender bounces the session and reports through the hub and the job table.
func (s *Server) runRender(ctx context.Context, sess *timeline.Session, job *model.RenderJob, upload bool) {
	defer s.hub.Close(job.ID)
	s.updateJob(job.ID, repository.RenderJobUpdate{Status: model.RenderJobRunning})

	var stage mixdown.Stage
	progress := func(ev mixdown.ProgressEvent) {
		s.hub.Publish(RenderEvent{
			JobID:   job.ID,
			Type:    EventProgress,
			Stage:   ev.Stage,
			Percent: ev.Percent,
			Done:    ev.Done,
			Total:   ev.Total,
		})
		// 只在阶段切换时落库
		if ev.Stage != stage {
			stage = ev.Stage
			s.updateJob(job.ID, repository.RenderJobUpdate{Stage: string(ev.Stage), Percent: int(ev.Percent)})
		}
	}

	outPath := filepath.Join(s.deps.Config.OutputDir, job.ID+".wav")
	result, err := sess.Bounce(ctx, outPath, job.SampleRate, progress)
	if err != nil {
		s.failJob(job.ID, err)
		return
	}

	var objectName string
	if upload {
		objectName, err = s.deps.Upload(ctx, job.ID, outPath)
		if err != nil {
			// 本地文件仍然可用
			logger.Error("上传混音失败", logger.String("job", job.ID), logger.ErrorField(err))
			objectName = ""
		}
	}

	s.updateJob(job.ID, repository.RenderJobUpdate{
		Status:      model.RenderJobCompleted,
		Percent:     100,
		ObjectName:  objectName,
		DurationSec: result.Duration,
		SampleRate:  result.SampleRate,
		TrackCount:  result.TrackCount,
	})
	s.hub.Publish(RenderEvent{
		JobID:      job.ID,
		Type:       EventDone,
		Stage:      mixdown.StageEncoding,
		Percent:    100,
		Result:     result,
		ObjectName: objectName,
	})
	logger.Info("导出完成",
		logger.String("job", job.ID),
		logger.Float64("duration", math.Round(result.Duration*100)/100),
		logger.Duration("elapsed", result.Elapsed))
}

func (s *Server) failJob(jobID string, err error) {
	logger.Error("导出失败", logger.String("job", jobID), logger.ErrorField(err))
	s.updateJob(jobID, repository.RenderJobUpdate{Status: model.RenderJobFailed, Error: err.Error()})
	s.hub.Publish(RenderEvent{JobID: jobID, Type: EventError, Error: err.Error()})
}

// updateJob 写任务状态，失败只记录日志
func (s *Server) updateJob(jobID string, u repository.RenderJobUpdate) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.deps.Jobs.UpdateStatus(ctx, jobID, u); err != nil {
		logger.Warn("更新导出任务失败", logger.String("job", jobID), logger.ErrorField(err))
	}
}

// GetRenderJobHandler 查询导出任务
func (s *Server) GetRenderJobHandler(w http.ResponseWriter, r *http.Request) {
	jobID := mux.Vars(r)["job"]
	job, err := s.deps.Jobs.Get(r.Context(), jobID)
	if err != nil {
		logger.Error("获取导出任务失败", logger.String("job", jobID), logger.ErrorField(err))
		http.Error(w, "Failed to get render job", http.StatusInternalServerError)
		return
	}
	if job == nil {
		http.Error(w, "Render job not found", http.StatusNotFound)
		return
	}

	resp := map[string]interface{}{"job": job}
	if last, ok := s.hub.Last(jobID); ok {
		resp["progress"] = last
	}
	if job.Status == model.RenderJobCompleted {
		if job.ObjectName != "" && storage.GetMinioClient() != nil {
			if url, err := storage.PresignMixdown(r.Context(), job.ObjectName, presignExpiry); err == nil {
				resp["url"] = url
			}
		}
		if _, ok := resp["url"]; !ok {
			resp["url"] = "/" + storage.MixdownPrefix + job.ID + ".wav"
		}
	}
	writeJSON(w, http.StatusOK, resp)
}
