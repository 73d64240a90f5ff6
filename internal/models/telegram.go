package models

import "time"

// TelegramConfig holds Telegram notification configuration.
type TelegramConfig struct {
	BotToken string
	ChatID   string
}

// TelegramMessage holds the data for a backup run notification.
type TelegramMessage struct {
	Success    bool
	Backup     string
	Repository string
	StartTime  time.Time
	Duration   time.Duration

	// Summary stats (if successful).
	SnapshotID      string
	FilesNew        uint64
	FilesChanged    uint64
	FilesUnmodified uint64
	DataAdded       uint64
	TotalFiles      uint64
	TotalBytes      uint64

	// Error info (if failed).
	ErrorMessage string
}

// TelegramResult holds the result of a Telegram notification.
type TelegramResult struct {
	MessageSent bool
	Error       error
}
