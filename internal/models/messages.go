package models

import (
	"encoding/json"
	"fmt"
)

// Client message types.
const (
	MessageCreateBackup = "createbackup"
	MessageListBackups  = "listbackups"
	MessageRunBackup    = "runbackup"
)

// Server and restic message types.
const (
	MessageBackupsList = "backupslist"
	MessageBackupStats = "backupstats"
	MessageStatus      = "status"
	MessageSummary     = "summary"
)

// ResponseOK is the message of a successful ServerResponse.
const ResponseOK = "OK"

// ClientMessage is one request line sent by a client. Only the fields
// belonging to MessageType are set.
type ClientMessage struct {
	MessageType string  `json:"message_type"`
	Backup      *Backup `json:"backup,omitempty"`
	Name        string  `json:"name,omitempty"`
}

// ErrorKind classifies a failed request.
type ErrorKind string

// Error kinds reported to clients.
const (
	ErrorConfiguration ErrorKind = "Configuration"
	ErrorRepoInit      ErrorKind = "RepoInit"
	ErrorNotFound      ErrorKind = "NotFound"
	ErrorSpawnFailed   ErrorKind = "SpawnFailed"
	ErrorEngine        ErrorKind = "Engine"
	ErrorProtocol      ErrorKind = "Protocol"
)

// ServerError is a request failure. It encodes as {"<Kind>":"<detail>"}.
type ServerError struct {
	Kind   ErrorKind
	Detail string
}

// NewServerError builds a ServerError from err.
func NewServerError(kind ErrorKind, err error) *ServerError {
	return &ServerError{Kind: kind, Detail: err.Error()}
}

func (e *ServerError) Error() string {
	return fmt.Sprintf("%s(%q)", e.Kind, e.Detail)
}

// MarshalJSON encodes the error as a single-key object.
func (e *ServerError) MarshalJSON() ([]byte, error) {
	return json.Marshal(map[ErrorKind]string{e.Kind: e.Detail})
}

// UnmarshalJSON decodes the single-key object form.
func (e *ServerError) UnmarshalJSON(data []byte) error {
	var m map[ErrorKind]string
	if err := json.Unmarshal(data, &m); err != nil {
		return err
	}
	if len(m) != 1 {
		return fmt.Errorf("server error must have exactly one kind, got %d", len(m))
	}
	for k, v := range m {
		e.Kind, e.Detail = k, v
	}
	return nil
}

// ServerResponse is the single response line of a request that does not stream.
type ServerResponse struct {
	Message string       `json:"message,omitempty"`
	Error   *ServerError `json:"error,omitempty"`
}

// OKResponse is the successful response.
func OKResponse() ServerResponse {
	return ServerResponse{Message: ResponseOK}
}

// ErrorResponse wraps err in a response.
func ErrorResponse(err *ServerError) ServerResponse {
	return ServerResponse{Error: err}
}

// BackupsList is the first line of a listbackups response.
type BackupsList struct {
	MessageType string   `json:"message_type"`
	List        []Backup `json:"list"`
}

// NewBackupsList builds a tagged list message.
func NewBackupsList(backups []Backup) BackupsList {
	if backups == nil {
		backups = []Backup{}
	}
	return BackupsList{MessageType: MessageBackupsList, List: backups}
}

// ResticMessageStatus mirrors restic's backup status line.
type ResticMessageStatus struct {
	MessageType      string  `json:"message_type"`
	PercentDone      float64 `json:"percent_done"`
	TotalFiles       uint64  `json:"total_files"`
	FilesDone        *uint64 `json:"files_done,omitempty"`
	TotalBytes       uint64  `json:"total_bytes"`
	BytesDone        *uint64 `json:"bytes_done,omitempty"`
	SecondsElapsed   *uint64 `json:"seconds_elapsed,omitempty"`
	SecondsRemaining *uint64 `json:"seconds_remaining,omitempty"`
}

// ResticMessageSummary mirrors restic's backup summary line.
type ResticMessageSummary struct {
	MessageType         string  `json:"message_type"`
	FilesNew            uint64  `json:"files_new"`
	FilesChanged        uint64  `json:"files_changed"`
	FilesUnmodified     uint64  `json:"files_unmodified"`
	DirsNew             uint64  `json:"dirs_new"`
	DirsChanged         uint64  `json:"dirs_changed"`
	DirsUnmodified      uint64  `json:"dirs_unmodified"`
	DataBlobs           int64   `json:"data_blobs"`
	TreeBlobs           int64   `json:"tree_blobs"`
	DataAdded           uint64  `json:"data_added"`
	TotalFilesProcessed uint64  `json:"total_files_processed"`
	TotalBytesProcessed uint64  `json:"total_bytes_processed"`
	TotalDuration       float64 `json:"total_duration"`
	SnapshotID          string  `json:"snapshot_id"`
}

// MessageTypeOf returns the message_type of a JSON object line, or "" if the
// line is not an object or has no string discriminator.
func MessageTypeOf(line []byte) string {
	var msg struct {
		MessageType string `json:"message_type"`
	}
	if err := json.Unmarshal(line, &msg); err != nil {
		return ""
	}
	return msg.MessageType
}
