package database

import (
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/sshcollectorpro/diagrelay/internal/model"
)

const retryAttempts = 5

// ErrNotInitialized 未调用 InitSQLite
var ErrNotInitialized = errors.New("database not initialized")

// StartRun 记录一次运行的开始，返回运行 ID
func StartRun(caseID, seedHost string, dryRun bool) (string, error) {
	if db == nil {
		return "", ErrNotInitialized
	}
	run := &model.Run{
		ID:        uuid.NewString(),
		CaseID:    caseID,
		SeedHost:  seedHost,
		Status:    model.RunStatusRunning,
		DryRun:    dryRun,
		StartTime: time.Now(),
	}
	err := WithRetry(func(tx *gorm.DB) error { return tx.Create(run).Error }, retryAttempts, 0)
	return run.ID, err
}

// RecordNode 写入一个节点的结果
func RecordNode(nr *model.NodeRun) error {
	if db == nil {
		return ErrNotInitialized
	}
	return WithRetry(func(tx *gorm.DB) error { return tx.Create(nr).Error }, retryAttempts, 0)
}

// FinishRun 汇总节点结果并结束运行；runErr 非空表示运行整体失败（如发现阶段失败）
func FinishRun(runID string, discovered, selected int, runErr error) error {
	if db == nil {
		return ErrNotInitialized
	}
	return WithRetry(func(tx *gorm.DB) error {
		var run model.Run
		if err := tx.First(&run, "id = ?", runID).Error; err != nil {
			return err
		}
		var succeeded, failed int64
		if err := tx.Model(&model.NodeRun{}).Where("run_id = ? AND success = ?", runID, true).Count(&succeeded).Error; err != nil {
			return err
		}
		if err := tx.Model(&model.NodeRun{}).Where("run_id = ? AND success = ?", runID, false).Count(&failed).Error; err != nil {
			return err
		}

		end := time.Now()
		status := model.RunStatusSuccess
		switch {
		case runErr != nil && succeeded == 0:
			status = model.RunStatusFailed
		case failed > 0 && succeeded > 0:
			status = model.RunStatusPartial
		case failed > 0:
			status = model.RunStatusFailed
		}
		msg := ""
		if runErr != nil {
			msg = runErr.Error()
		}
		return tx.Model(&run).Updates(map[string]interface{}{
			"discovered": discovered,
			"selected":   selected,
			"succeeded":  int(succeeded),
			"failed":     int(failed),
			"status":     status,
			"error_msg":  msg,
			"end_time":   end,
			"duration":   end.Sub(run.StartTime).Milliseconds(),
		}).Error
	}, retryAttempts, 0)
}

// RecentRuns 最近的运行（含节点结果），按开始时间倒序
func RecentRuns(limit int) ([]model.Run, error) {
	if db == nil {
		return nil, ErrNotInitialized
	}
	if limit <= 0 {
		limit = 10
	}
	var runs []model.Run
	err := db.Preload("Nodes", func(tx *gorm.DB) *gorm.DB { return tx.Order("id") }).
		Order("start_time DESC").Limit(limit).Find(&runs).Error
	return runs, err
}
