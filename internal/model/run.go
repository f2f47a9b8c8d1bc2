package model

import (
	"time"
)

// Run 一次集群采集运行
type Run struct {
	ID         string    `json:"id" gorm:"primaryKey;type:varchar(64)"`
	CaseID     string    `json:"case_id" gorm:"type:varchar(16);not null;index"`
	SeedHost   string    `json:"seed_host" gorm:"type:varchar(255);not null"`
	Discovered int       `json:"discovered"`
	Selected   int       `json:"selected"`
	Succeeded  int       `json:"succeeded"`
	Failed     int       `json:"failed"`
	Status     string    `json:"status" gorm:"type:varchar(16);not null;default:'running'"`
	ErrorMsg   string    `json:"error_msg" gorm:"type:text"`
	DryRun     bool      `json:"dry_run"`
	StartTime  time.Time `json:"start_time"`
	EndTime    time.Time `json:"end_time"`
	Duration   int64     `json:"duration"` // 执行时长，毫秒
	Nodes      []NodeRun `json:"nodes" gorm:"foreignKey:RunID;constraint:OnDelete:CASCADE"`
	CreatedAt  time.Time `json:"created_at" gorm:"autoCreateTime"`
	UpdatedAt  time.Time `json:"updated_at" gorm:"autoUpdateTime"`
}

// TableName 表名
func (Run) TableName() string {
	return "runs"
}

// 运行状态
const (
	RunStatusRunning = "running"
	RunStatusSuccess = "success"
	RunStatusPartial = "partial"
	RunStatusFailed  = "failed"
)

// NodeRun 单个节点在一次运行中的结果
type NodeRun struct {
	ID         uint      `json:"id" gorm:"primaryKey;autoIncrement"`
	RunID      string    `json:"run_id" gorm:"type:varchar(64);not null;index"`
	Node       string    `json:"node" gorm:"type:varchar(255);not null"`
	Persona    string    `json:"persona" gorm:"type:varchar(128)"`
	Role       string    `json:"role" gorm:"type:varchar(32)"`
	Success    bool      `json:"success"`
	Stage      string    `json:"stage" gorm:"type:varchar(32)"`
	ErrorKind  string    `json:"error_kind" gorm:"type:varchar(32)"`
	ErrorMsg   string    `json:"error_msg" gorm:"type:text"`
	Transcript string    `json:"transcript" gorm:"type:varchar(255)"` // 上传的文件名
	Archive    string    `json:"archive" gorm:"type:varchar(512)"`    // 归档位置
	Bytes      int       `json:"bytes"`
	Duration   int64     `json:"duration"` // 毫秒
	CreatedAt  time.Time `json:"created_at" gorm:"autoCreateTime"`
}

// TableName 表名
func (NodeRun) TableName() string {
	return "node_runs"
}
