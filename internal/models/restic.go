package models

import "time"

// RunResult holds the outcome of a backup run.
type RunResult struct {
	Backup   string
	Summary  *ResticMessageSummary // nil if restic never reported one
	Lines    int                   // stdout lines forwarded to the client
	Duration time.Duration
	Error    error
}

// BackupState is the lifecycle state of a backup within this daemon.
type BackupState string

// Backup lifecycle states.
const (
	StateUnconfigured    BackupState = "unconfigured"
	StateConfiguring     BackupState = "configuring"
	StateRepositoryReady BackupState = "repository_ready"
	StateRunning         BackupState = "running"
)
