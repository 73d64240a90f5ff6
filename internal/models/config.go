// Package models contains the data structures used throughout duplikatd.
package models

// DaemonConfig holds the complete daemon configuration.
type DaemonConfig struct {
	Listen   string
	Restic   ResticConfig
	Store    StoreSettings
	Protocol ProtocolSettings
	Stats    StatsSettings
	Telegram *TelegramConfig // nil if not configured
}

// ResticConfig holds settings for invoking the restic binary.
type ResticConfig struct {
	Binary string
}

// StoreSettings holds configuration store settings.
type StoreSettings struct {
	BasePath string // empty selects the privilege-dependent default
}

// ProtocolSettings controls how the connection layer treats client input.
type ProtocolSettings struct {
	Strict      bool // if true, a malformed line is answered with an error and closes the connection
	MaxLineSize int  // longest accepted request line in bytes, 0 means the daemon default
}

// StatsSettings controls the stats fan-out after a listing.
type StatsSettings struct {
	Concurrency int // 0 means one query per backup at once
}
