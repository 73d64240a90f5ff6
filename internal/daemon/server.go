// Package daemon serves the line-delimited JSON protocol over TCP.
package daemon

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"

	"github.com/fgeck/duplikatd/internal/models"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// DefaultMaxLineSize is the longest request line accepted when Options leaves
// it unset.
const DefaultMaxLineSize = 1 << 20

const initialLineBuffer = 64 * 1024

// Engine creates and runs backups.
type Engine interface {
	CreateBackup(ctx context.Context, backup models.Backup) error
	RunBackup(ctx context.Context, name string, sink io.Writer) error
}

// Lister answers listbackups requests.
type Lister interface {
	List(ctx context.Context, sink io.Writer) error
}

// Server accepts client connections and dispatches their requests.
type Server struct {
	listener net.Listener
	engine   Engine
	lister   Lister
	strict   bool
	maxLine  int
	logger   zerolog.Logger

	wg sync.WaitGroup
}

// Options configures a Server.
type Options struct {
	// Strict answers a malformed line with a Protocol error and closes the
	// connection instead of ignoring the line.
	Strict bool

	// MaxLineSize bounds a request line in bytes. A longer line is answered
	// with a Protocol error and closes the connection in either mode.
	MaxLineSize int
}

// NewServer creates a server on an open listener.
func NewServer(logger zerolog.Logger, listener net.Listener, engine Engine, lister Lister, opts Options) *Server {
	maxLine := opts.MaxLineSize
	if maxLine <= 0 {
		maxLine = DefaultMaxLineSize
	}
	return &Server{
		listener: listener,
		engine:   engine,
		lister:   lister,
		strict:   opts.Strict,
		maxLine:  maxLine,
		logger:   logger,
	}
}

// Listen opens a TCP listener on addr.
func Listen(addr string) (net.Listener, error) {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	return listener, nil
}

// Addr returns the address the server is listening on.
func (s *Server) Addr() net.Addr {
	return s.listener.Addr()
}

// Serve accepts connections until ctx is cancelled. On cancellation it closes
// the listener and every open connection, cancels in-flight requests and
// waits for all connection handlers to return.
func (s *Server) Serve(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	stop := context.AfterFunc(ctx, func() {
		_ = s.listener.Close()
	})
	defer stop()

	s.logger.Info().Str("addr", s.listener.Addr().String()).Msg("daemon listening")

	var acceptErr error
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if ctx.Err() == nil {
				acceptErr = fmt.Errorf("failed to accept connection: %w", err)
			}
			break
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleConnection(ctx, conn)
		}()
	}

	cancel()
	s.wg.Wait()
	s.logger.Info().Msg("daemon stopped")

	return acceptErr
}

func (s *Server) handleConnection(ctx context.Context, conn net.Conn) {
	logger := s.logger.With().
		Str("conn_id", uuid.NewString()).
		Str("remote", conn.RemoteAddr().String()).
		Logger()

	stop := context.AfterFunc(ctx, func() {
		_ = conn.Close()
	})
	defer func() {
		stop()
		_ = conn.Close()
		logger.Debug().Msg("connection closed")
	}()

	logger.Debug().Msg("connection accepted")

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, min(initialLineBuffer, s.maxLine)), s.maxLine)
	w := &connWriter{w: conn}

	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		if !s.handleLine(ctx, logger, w, line) {
			return
		}
	}

	err := scanner.Err()
	switch {
	case errors.Is(err, bufio.ErrTooLong):
		logger.Warn().Int("max_line_size", s.maxLine).Msg("closing connection after oversized line")
		tooLong := fmt.Errorf("request line exceeds %d bytes", s.maxLine)
		_ = w.writeJSON(models.ErrorResponse(models.NewServerError(models.ErrorProtocol, tooLong)))
	case err != nil && ctx.Err() == nil:
		logger.Warn().Err(err).Msg("failed to read from connection")
	}
}

// handleLine processes one request and reports whether the connection should
// stay open.
func (s *Server) handleLine(ctx context.Context, logger zerolog.Logger, w *connWriter, line []byte) bool {
	msg, err := decodeMessage(line)
	if err != nil {
		if !s.strict {
			logger.Debug().Err(err).Msg("ignoring malformed line")
			return true
		}
		logger.Warn().Err(err).Msg("closing connection after malformed line")
		_ = w.writeJSON(models.ErrorResponse(models.NewServerError(models.ErrorProtocol, err)))
		return false
	}

	reqCtx := logger.With().Str("message_type", msg.MessageType)
	if name := requestedBackup(msg); name != "" {
		reqCtx = reqCtx.Str("backup", name)
	}
	logger = reqCtx.Logger()
	logger.Debug().Msg("request received")

	switch msg.MessageType {
	case models.MessageCreateBackup:
		return s.handleCreate(ctx, logger, w, *msg.Backup)
	case models.MessageListBackups:
		return s.handleStreaming(logger, w, s.lister.List(ctx, w))
	case models.MessageRunBackup:
		return s.handleStreaming(logger, w, s.engine.RunBackup(ctx, msg.Name, w))
	}
	return true
}

func requestedBackup(msg *models.ClientMessage) string {
	switch msg.MessageType {
	case models.MessageCreateBackup:
		return msg.Backup.Name
	case models.MessageRunBackup:
		return msg.Name
	}
	return ""
}

func (s *Server) handleCreate(ctx context.Context, logger zerolog.Logger, w *connWriter, backup models.Backup) bool {
	resp := models.OKResponse()
	if err := s.engine.CreateBackup(ctx, backup); err != nil {
		logger.Debug().Err(err).Msg("create rejected")
		resp = models.ErrorResponse(asServerError(err))
	}

	if err := w.writeJSON(resp); err != nil {
		logger.Warn().Err(err).Msg("failed to send response")
		return false
	}
	return true
}

// handleStreaming finishes a request whose output was written as it was
// produced. A request failure is reported as a trailing error line; any other
// error means the peer can no longer be written to.
func (s *Server) handleStreaming(logger zerolog.Logger, w *connWriter, err error) bool {
	if err == nil {
		return true
	}

	var serverErr *models.ServerError
	if !errors.As(err, &serverErr) {
		logger.Warn().Err(err).Msg("failed to send response")
		return false
	}

	if err := w.writeJSON(models.ErrorResponse(serverErr)); err != nil {
		logger.Warn().Err(err).Msg("failed to send error")
		return false
	}
	return true
}
