package orchestrator

import (
	"github.com/sshcollectorpro/diagrelay/internal/database"
	"github.com/sshcollectorpro/diagrelay/internal/model"
)

// History 运行历史
type History interface {
	StartRun(caseID, seed string, dryRun bool) (string, error)
	RecordNode(runID string, r NodeResult) error
	FinishRun(runID string, discovered, selected int, runErr error) error
}

// dbHistory 写入 SQLite 运行历史
type dbHistory struct{}

// DatabaseHistory 基于 internal/database 的运行历史，需先 InitSQLite
func DatabaseHistory() History { return dbHistory{} }

func (dbHistory) StartRun(caseID, seed string, dryRun bool) (string, error) {
	return database.StartRun(caseID, seed, dryRun)
}

func (dbHistory) RecordNode(runID string, r NodeResult) error {
	nr := &model.NodeRun{
		RunID:      runID,
		Node:       r.Record.Node,
		Persona:    r.Record.Persona,
		Role:       r.Record.Role,
		Success:    r.Success,
		Stage:      string(r.Stage),
		ErrorKind:  string(r.Kind),
		Transcript: r.FileName,
		Archive:    r.Archive,
		Bytes:      r.Bytes,
		Duration:   r.Duration.Milliseconds(),
	}
	if r.Err != nil {
		nr.ErrorMsg = r.Err.Error()
	}
	return database.RecordNode(nr)
}

func (dbHistory) FinishRun(runID string, discovered, selected int, runErr error) error {
	return database.FinishRun(runID, discovered, selected, runErr)
}
