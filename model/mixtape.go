package model

import (
	"database/sql/driver"
	"encoding/json"
	"time"
)

// GainPointList 自定义类型用于 GORM JSON 字段的自动扫描
type GainPointList []GainPoint

// Scan 实现 sql.Scanner 接口
func (l *GainPointList) Scan(value interface{}) error {
	return scanJSON(value, l)
}

// Value 实现 driver.Valuer 接口
func (l GainPointList) Value() (driver.Value, error) {
	if l == nil {
		return nil, nil
	}
	return json.Marshal(l)
}

// MuteSegmentList 静音区间的 JSON 字段
type MuteSegmentList []MuteSegment

// Scan 实现 sql.Scanner 接口
func (l *MuteSegmentList) Scan(value interface{}) error {
	return scanJSON(value, l)
}

// Value 实现 driver.Valuer 接口
func (l MuteSegmentList) Value() (driver.Value, error) {
	if l == nil {
		return nil, nil
	}
	return json.Marshal(l)
}

func scanJSON(value interface{}, target interface{}) error {
	var bytes []byte
	switch v := value.(type) {
	case nil:
		return nil
	case []byte:
		bytes = v
	case string:
		bytes = []byte(v)
	default:
		return nil
	}
	if len(bytes) == 0 || string(bytes) == "null" {
		return nil
	}
	return json.Unmarshal(bytes, target)
}

// Mixtape 一个已保存的混音编排
type Mixtape struct {
	ID        string        `json:"id" gorm:"primaryKey;size:36"`
	Title     string        `json:"title" gorm:"size:200"`
	Version   string        `json:"version" gorm:"size:20"`
	Items     []MixtapeItem `json:"items" gorm:"foreignKey:MixtapeID;constraint:OnDelete:CASCADE"`
	CreatedAt time.Time     `json:"createdAt"`
	UpdatedAt time.Time     `json:"updatedAt"`
}

// TableName 指定表名
func (Mixtape) TableName() string {
	return "mixtapes"
}

// MixtapeItem 编排中的一条轨道快照
type MixtapeItem struct {
	ID                 int64           `json:"-" gorm:"primaryKey;autoIncrement"`
	MixtapeID          string          `json:"-" gorm:"size:36;index"`
	TrackID            string          `json:"id" gorm:"size:255"`
	MixOrder           int             `json:"mixOrder" gorm:"index"`
	FilePath           string          `json:"filePath" gorm:"size:1024"`
	StartSec           *float64        `json:"startSec,omitempty"`
	BPM                *float64        `json:"bpm,omitempty"`
	OriginalBPM        *float64        `json:"originalBpm,omitempty"`
	MasterTempo        bool            `json:"masterTempo" gorm:"default:true"`
	FirstBeatMs        *float64        `json:"firstBeatMs,omitempty"`
	BarBeatOffset      int             `json:"barBeatOffset"`
	GainEnvelope       GainPointList   `json:"gainEnvelope,omitempty" gorm:"type:json"`
	HighEnvelope       GainPointList   `json:"highEnvelope,omitempty" gorm:"type:json"`
	MidEnvelope        GainPointList   `json:"midEnvelope,omitempty" gorm:"type:json"`
	LowEnvelope        GainPointList   `json:"lowEnvelope,omitempty" gorm:"type:json"`
	VolumeEnvelope     GainPointList   `json:"volumeEnvelope,omitempty" gorm:"type:json"`
	VolumeMuteSegments MuteSegmentList `json:"volumeMuteSegments,omitempty" gorm:"type:json"`
}

// TableName 指定表名
func (MixtapeItem) TableName() string {
	return "mixtape_items"
}

// Snapshot converts the row back to its exchange form.
func (m *MixtapeItem) Snapshot() TrackSnapshot {
	masterTempo := m.MasterTempo
	offset := float64(m.BarBeatOffset)
	return TrackSnapshot{
		ID:                 m.TrackID,
		MixOrder:           m.MixOrder,
		FilePath:           m.FilePath,
		StartSec:           m.StartSec,
		BPM:                m.BPM,
		OriginalBPM:        m.OriginalBPM,
		MasterTempo:        &masterTempo,
		FirstBeatMs:        m.FirstBeatMs,
		BarBeatOffset:      &offset,
		GainEnvelope:       m.GainEnvelope,
		HighEnvelope:       m.HighEnvelope,
		MidEnvelope:        m.MidEnvelope,
		LowEnvelope:        m.LowEnvelope,
		VolumeEnvelope:     m.VolumeEnvelope,
		VolumeMuteSegments: m.VolumeMuteSegments,
	}
}

// MixtapeItemFromSnapshot builds a row from a snapshot.
func MixtapeItemFromSnapshot(mixtapeID string, s TrackSnapshot) MixtapeItem {
	item := MixtapeItem{
		MixtapeID:          mixtapeID,
		TrackID:            s.ID,
		MixOrder:           s.MixOrder,
		FilePath:           s.FilePath,
		StartSec:           s.StartSec,
		BPM:                s.BPM,
		OriginalBPM:        s.OriginalBPM,
		MasterTempo:        s.MasterTempo == nil || *s.MasterTempo,
		FirstBeatMs:        s.FirstBeatMs,
		GainEnvelope:       s.GainEnvelope,
		HighEnvelope:       s.HighEnvelope,
		MidEnvelope:        s.MidEnvelope,
		LowEnvelope:        s.LowEnvelope,
		VolumeEnvelope:     s.VolumeEnvelope,
		VolumeMuteSegments: s.VolumeMuteSegments,
	}
	if s.BarBeatOffset != nil {
		item.BarBeatOffset = NormalizeBarBeatOffset(*s.BarBeatOffset)
	}
	return item
}

// Document rebuilds the snapshot document of a stored mixtape.
func (m *Mixtape) Document() *SnapshotDocument {
	doc := &SnapshotDocument{Version: m.Version, Title: m.Title}
	for i := range m.Items {
		doc.Tracks = append(doc.Tracks, m.Items[i].Snapshot())
	}
	return doc
}

// RenderJob 状态常量
const (
	RenderJobPending   = "pending"
	RenderJobRunning   = "running"
	RenderJobCompleted = "completed"
	RenderJobFailed    = "failed"
)

// RenderJob 一次离线混音导出任务
type RenderJob struct {
	ID          string     `json:"id" gorm:"primaryKey;size:36"`
	MixtapeID   string     `json:"mixtapeId" gorm:"size:36;index"`
	Status      string     `json:"status" gorm:"size:20;default:'pending';index"`
	Stage       string     `json:"stage" gorm:"size:20"`
	Percent     int        `json:"percent"`
	ObjectName  string     `json:"objectName,omitempty" gorm:"size:512"`
	DurationSec float64    `json:"durationSec"`
	SampleRate  int        `json:"sampleRate"`
	TrackCount  int        `json:"trackCount"`
	Error       string     `json:"error,omitempty" gorm:"type:text"`
	CreatedAt   time.Time  `json:"createdAt"`
	UpdatedAt   time.Time  `json:"updatedAt"`
	FinishedAt  *time.Time `json:"finishedAt,omitempty"`
}

// TableName 指定表名
func (RenderJob) TableName() string {
	return "render_jobs"
}

// NewMixtape builds the stored form of a snapshot document.
func NewMixtape(id string, doc *SnapshotDocument) *Mixtape {
	m := &Mixtape{ID: id, Title: doc.Title, Version: doc.Version}
	if m.Version == "" {
		m.Version = SnapshotVersion
	}
	for i, s := range doc.Tracks {
		item := MixtapeItemFromSnapshot(id, s)
		if item.MixOrder <= 0 {
			item.MixOrder = i + 1
		}
		m.Items = append(m.Items, item)
	}
	return m
}
