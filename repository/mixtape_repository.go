package repository

import (
	"context"
	"errors"
	"time"

	"Bt1Mix/model"

	"gorm.io/gorm"
)

// MixtapeRepository 混音编排数据访问接口
type MixtapeRepository interface {
	Save(ctx context.Context, mixtape *model.Mixtape) error
	Get(ctx context.Context, id string) (*model.Mixtape, error)
	List(ctx context.Context, limit, offset int) ([]*model.Mixtape, error)
	Delete(ctx context.Context, id string) error
}

// RenderJobRepository 导出任务数据访问接口
type RenderJobRepository interface {
	Create(ctx context.Context, job *model.RenderJob) error
	UpdateStatus(ctx context.Context, id string, fields RenderJobUpdate) error
	Get(ctx context.Context, id string) (*model.RenderJob, error)
}

// RenderJobUpdate 任务状态更新；零值字段不写入
type RenderJobUpdate struct {
	Status      string
	Stage       string
	Percent     int
	ObjectName  string
	DurationSec float64
	SampleRate  int
	TrackCount  int
	Error       string
}

type gormMixtapeRepository struct {
	db *gorm.DB
}

// NewGormMixtapeRepository 创建 GORM 编排仓库
func NewGormMixtapeRepository(db *gorm.DB) MixtapeRepository {
	return &gormMixtapeRepository{db: db}
}

// Save 保存编排，整体替换轨道行
func (r *gormMixtapeRepository) Save(ctx context.Context, mixtape *model.Mixtape) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		items := mixtape.Items
		if err := tx.Omit("Items").Save(mixtape).Error; err != nil {
			return err
		}
		if err := tx.Where("mixtape_id = ?", mixtape.ID).Delete(&model.MixtapeItem{}).Error; err != nil {
			return err
		}
		for i := range items {
			items[i].ID = 0
			items[i].MixtapeID = mixtape.ID
		}
		if len(items) > 0 {
			if err := tx.Create(&items).Error; err != nil {
				return err
			}
		}
		mixtape.Items = items
		return nil
	})
}

// Get 根据ID获取编排及其轨道
func (r *gormMixtapeRepository) Get(ctx context.Context, id string) (*model.Mixtape, error) {
	var m model.Mixtape
	err := r.db.WithContext(ctx).
		Preload("Items", func(db *gorm.DB) *gorm.DB { return db.Order("mix_order ASC") }).
		Where("id = ?", id).
		First(&m).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &m, nil
}

// List 按更新时间倒序列出编排（不含轨道）
func (r *gormMixtapeRepository) List(ctx context.Context, limit, offset int) ([]*model.Mixtape, error) {
	if limit <= 0 {
		limit = 50
	}
	var out []*model.Mixtape
	err := r.db.WithContext(ctx).
		Order("updated_at DESC").
		Limit(limit).
		Offset(offset).
		Find(&out).Error
	return out, err
}

// Delete 删除编排及其轨道
func (r *gormMixtapeRepository) Delete(ctx context.Context, id string) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("mixtape_id = ?", id).Delete(&model.MixtapeItem{}).Error; err != nil {
			return err
		}
		return tx.Where("id = ?", id).Delete(&model.Mixtape{}).Error
	})
}

type gormRenderJobRepository struct {
	db *gorm.DB
}

// NewGormRenderJobRepository 创建 GORM 导出任务仓库
func NewGormRenderJobRepository(db *gorm.DB) RenderJobRepository {
	return &gormRenderJobRepository{db: db}
}

// Create 创建任务
func (r *gormRenderJobRepository) Create(ctx context.Context, job *model.RenderJob) error {
	if job.Status == "" {
		job.Status = model.RenderJobPending
	}
	return r.db.WithContext(ctx).Create(job).Error
}

// UpdateStatus 更新任务状态；进入终态时记录完成时间
func (r *gormRenderJobRepository) UpdateStatus(ctx context.Context, id string, u RenderJobUpdate) error {
	fields := u.columns()
	if u.Status == model.RenderJobCompleted || u.Status == model.RenderJobFailed {
		fields["finished_at"] = time.Now()
	}
	if len(fields) == 0 {
		return nil
	}
	return r.db.WithContext(ctx).Model(&model.RenderJob{}).
		Where("id = ?", id).
		Updates(fields).Error
}

// Get 根据ID获取任务
func (r *gormRenderJobRepository) Get(ctx context.Context, id string) (*model.RenderJob, error) {
	var job model.RenderJob
	err := r.db.WithContext(ctx).Where("id = ?", id).First(&job).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &job, nil
}

func (u RenderJobUpdate) columns() map[string]interface{} {
	fields := make(map[string]interface{})
	if u.Status != "" {
		fields["status"] = u.Status
	}
	if u.Stage != "" {
		fields["stage"] = u.Stage
	}
	if u.Percent > 0 {
		fields["percent"] = u.Percent
	}
	if u.ObjectName != "" {
		fields["object_name"] = u.ObjectName
	}
	if u.DurationSec > 0 {
		fields["duration_sec"] = u.DurationSec
	}
	if u.SampleRate > 0 {
		fields["sample_rate"] = u.SampleRate
	}
	if u.TrackCount > 0 {
		fields["track_count"] = u.TrackCount
	}
	if u.Error != "" {
		fields["error"] = u.Error
	}
	return fields
}
