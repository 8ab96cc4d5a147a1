package model

import (
	"time"
)

// Run 一次采集运行的汇总记录
type Run struct {
	ID         string    `json:"id" gorm:"primaryKey;type:varchar(64)"`
	Mode       string    `json:"mode" gorm:"type:varchar(16);not null"`
	Gateway    string    `json:"gateway" gorm:"type:varchar(255)"`
	Targets    int       `json:"targets" gorm:"not null;default:0"`
	Captured   int       `json:"captured" gorm:"not null;default:0"`
	Duplicates int       `json:"duplicates" gorm:"not null;default:0"`
	Failed     int       `json:"failed" gorm:"not null;default:0"`
	Skipped    int       `json:"skipped" gorm:"not null;default:0"`
	Fatal      string    `json:"fatal" gorm:"type:text"`
	StartTime  time.Time `json:"start_time"`
	EndTime    time.Time `json:"end_time"`
	Duration   int64     `json:"duration"` // 执行时长，毫秒
	CreatedAt  time.Time `json:"created_at" gorm:"autoCreateTime"`
}

// TableName 表名
func (Run) TableName() string {
	return "runs"
}

// 运行模式
const (
	RunModeDirect  = "direct"
	RunModeRelayed = "relayed"
)

// 单个目标的处理状态
const (
	TargetStatusCaptured  = "captured"
	TargetStatusDuplicate = "duplicate"
	TargetStatusFailed    = "failed"
	TargetStatusSkipped   = "skipped"
)

// RunEvent 单个目标的处理结果
type RunEvent struct {
	ID         uint      `json:"id" gorm:"primaryKey;autoIncrement"`
	RunID      string    `json:"run_id" gorm:"type:varchar(64);not null;index"`
	Address    string    `json:"address" gorm:"type:varchar(255);not null"`
	Status     string    `json:"status" gorm:"type:varchar(16);not null"`
	Identifier string    `json:"identifier" gorm:"type:varchar(64)"`
	Stage      string    `json:"stage" gorm:"type:varchar(16)"`
	Reason     string    `json:"reason" gorm:"type:varchar(32)"`
	Transcript string    `json:"transcript" gorm:"type:text"`
	Duration   int64     `json:"duration"` // 毫秒
	CreatedAt  time.Time `json:"created_at" gorm:"autoCreateTime"`
}

// TableName 表名
func (RunEvent) TableName() string {
	return "run_events"
}
