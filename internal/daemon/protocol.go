package daemon

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/fgeck/duplikatd/internal/models"
)

var errMalformed = errors.New("malformed message")

// decodeMessage parses one request line and checks that the fields required
// by its message type are present.
func decodeMessage(line []byte) (*models.ClientMessage, error) {
	var msg models.ClientMessage
	if err := json.Unmarshal(line, &msg); err != nil {
		return nil, fmt.Errorf("%w: %v", errMalformed, err)
	}

	switch msg.MessageType {
	case models.MessageCreateBackup:
		if msg.Backup == nil {
			return nil, fmt.Errorf("%w: %s without backup", errMalformed, msg.MessageType)
		}
	case models.MessageRunBackup:
		if msg.Name == "" {
			return nil, fmt.Errorf("%w: %s without name", errMalformed, msg.MessageType)
		}
	case models.MessageListBackups:
	case "":
		return nil, fmt.Errorf("%w: missing message_type", errMalformed)
	default:
		return nil, fmt.Errorf("%w: unknown message_type %q", errMalformed, msg.MessageType)
	}

	return &msg, nil
}

// asServerError returns err as a request failure, classifying unknown
// errors as engine failures.
func asServerError(err error) *models.ServerError {
	var serverErr *models.ServerError
	if errors.As(err, &serverErr) {
		return serverErr
	}
	return models.NewServerError(models.ErrorEngine, err)
}

// connWriter serializes writes to one connection. Every Write carries whole
// lines.
type connWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (c *connWriter) Write(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.w.Write(p)
}

func (c *connWriter) writeJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encoding response: %w", err)
	}
	data = append(data, '\n')
	_, err = c.Write(data)
	return err
}
