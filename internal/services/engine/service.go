// Package engine orchestrates backup creation, runs and stats on top of the
// configuration store and the restic supervisor.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/fgeck/duplikatd/internal/models"
	"github.com/fgeck/duplikatd/internal/services/restic"
	"github.com/fgeck/duplikatd/internal/services/store"
	"github.com/fgeck/duplikatd/internal/services/telegram"
	"github.com/rs/zerolog"
)

const notifyTimeout = 30 * time.Second

// Service defines the interface for backup orchestration.
type Service interface {
	CreateBackup(ctx context.Context, backup models.Backup) error
	RunBackup(ctx context.Context, name string, sink io.Writer) error
	StatsFor(ctx context.Context, name string) (string, []byte, error)
}

// Impl implements the engine Service interface.
type Impl struct {
	store       store.Store
	resticSvc   restic.Service
	telegramSvc telegram.Service
	telegramCfg *models.TelegramConfig
	logger      zerolog.Logger

	mu     sync.Mutex
	states map[string]models.BackupState
}

// New creates a new engine service. telegramCfg may be nil.
func New(logger zerolog.Logger, st store.Store, resticSvc restic.Service, telegramCfg *models.TelegramConfig) *Impl {
	return NewWithServices(logger, st, resticSvc, telegram.New(logger), telegramCfg)
}

// NewWithServices creates a new engine service with custom services (for testing).
func NewWithServices(
	logger zerolog.Logger,
	st store.Store,
	resticSvc restic.Service,
	telegramSvc telegram.Service,
	telegramCfg *models.TelegramConfig,
) *Impl {
	return &Impl{
		store:       st,
		resticSvc:   resticSvc,
		telegramSvc: telegramSvc,
		telegramCfg: telegramCfg,
		logger:      logger,
		states:      map[string]models.BackupState{},
	}
}

// State returns the in-process lifecycle state of the named backup.
func (s *Impl) State(name string) models.BackupState {
	s.mu.Lock()
	defer s.mu.Unlock()

	if state, ok := s.states[name]; ok {
		return state
	}
	return models.StateUnconfigured
}

func (s *Impl) setState(name string, state models.BackupState) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if state == models.StateUnconfigured {
		delete(s.states, name)
		return
	}
	s.states[name] = state
}

// transition moves name into next unless a create or a run of it is in
// progress, and returns the state name was in.
func (s *Impl) transition(name string, next models.BackupState) (models.BackupState, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.states[name]
	if !ok {
		current = models.StateUnconfigured
	}
	if current == models.StateConfiguring || current == models.StateRunning {
		return current, false
	}
	s.states[name] = next
	return current, true
}

func busyError(name string, state models.BackupState) error {
	if state == models.StateConfiguring {
		return fmt.Errorf("backup %q is being created", name)
	}
	return fmt.Errorf("backup %q is already running", name)
}

func (s *Impl) target(name string) (restic.Target, error) {
	env, err := s.store.EnvironmentFor(name)
	if err != nil {
		return restic.Target{}, err
	}

	paths := s.store.Paths(name)
	return restic.Target{
		Name:           name,
		RepositoryFile: paths.Repo,
		PasswordFile:   paths.Password,
		IncludeFile:    paths.Include,
		ExcludeFile:    paths.Exclude,
		Env:            env,
	}, nil
}

// CreateBackup persists the definition and initializes its repository. If the
// initialization fails the definition is removed again.
func (s *Impl) CreateBackup(ctx context.Context, backup models.Backup) error {
	logger := s.logger.With().Str("backup", backup.Name).Logger()

	prev, ok := s.transition(backup.Name, models.StateConfiguring)
	if !ok {
		return models.NewServerError(models.ErrorConfiguration, busyError(backup.Name, prev))
	}

	if err := s.store.Create(backup); err != nil {
		s.setState(backup.Name, prev)
		logger.Error().Err(err).Msg("failed to write backup configuration")
		return models.NewServerError(models.ErrorConfiguration, err)
	}

	target, err := s.target(backup.Name)
	if err != nil {
		s.rollback(logger, backup.Name)
		return models.NewServerError(models.ErrorConfiguration, err)
	}

	if err := s.resticSvc.Init(ctx, target); err != nil {
		logger.Error().Err(err).Msg("repository initialization failed")
		s.rollback(logger, backup.Name)
		return models.NewServerError(models.ErrorRepoInit, err)
	}

	s.setState(backup.Name, models.StateRepositoryReady)
	logger.Info().
		Str("repository", backup.Repository.String()).
		Msg("backup created")

	return nil
}

func (s *Impl) rollback(logger zerolog.Logger, name string) {
	if err := s.store.Remove(name); err != nil {
		logger.Error().Err(err).Msg("failed to roll back backup configuration")
	} else {
		logger.Info().Msg("backup configuration rolled back")
	}
	s.setState(name, models.StateUnconfigured)
}

// RunBackup runs the named backup and writes every line restic prints to sink
// as it arrives. Request failures are returned as *models.ServerError; any
// other error means sink could not be written.
//
//nolint:gocognit // run bookkeeping and error classification
func (s *Impl) RunBackup(ctx context.Context, name string, sink io.Writer) error {
	logger := s.logger.With().Str("backup", name).Logger()

	backup, err := s.store.Read(name)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) || errors.Is(err, store.ErrInvalidName) {
			return models.NewServerError(models.ErrorNotFound, err)
		}
		return models.NewServerError(models.ErrorConfiguration, err)
	}

	target, err := s.target(name)
	if err != nil {
		return models.NewServerError(models.ErrorConfiguration, err)
	}

	if state, ok := s.transition(name, models.StateRunning); !ok {
		return models.NewServerError(models.ErrorEngine, busyError(name, state))
	}
	defer s.setState(name, models.StateRepositoryReady)

	start := time.Now()
	result := &models.RunResult{Backup: name}

	var sinkErr error
	runErr := s.resticSvc.Backup(ctx, target, func(line []byte) error {
		if models.MessageTypeOf(line) == models.MessageSummary {
			var summary models.ResticMessageSummary
			if err := json.Unmarshal(line, &summary); err != nil {
				logger.Warn().Err(err).Msg("failed to parse backup summary")
			} else {
				result.Summary = &summary
			}
		}

		out := make([]byte, 0, len(line)+1)
		out = append(out, line...)
		out = append(out, '\n')
		if _, err := sink.Write(out); err != nil {
			sinkErr = err
			return err
		}
		result.Lines++
		return nil
	})
	result.Duration = time.Since(start)

	var reqErr error
	switch {
	case sinkErr != nil:
		result.Error = fmt.Errorf("client went away: %w", sinkErr)
		logger.Warn().Err(sinkErr).Msg("client disconnected, backup interrupted")
	case runErr != nil && restic.IsSpawnError(runErr):
		result.Error = runErr
		reqErr = models.NewServerError(models.ErrorSpawnFailed, runErr)
		logger.Error().Err(runErr).Msg("failed to start restic")
	case runErr != nil:
		result.Error = runErr
		reqErr = models.NewServerError(models.ErrorEngine, runErr)
		logger.Error().Err(runErr).Dur("duration", result.Duration).Msg("backup failed")
	default:
		ev := logger.Info().Int("lines", result.Lines).Dur("duration", result.Duration)
		if result.Summary != nil {
			ev = ev.Str("snapshot_id", result.Summary.SnapshotID).
				Uint64("files_new", result.Summary.FilesNew).
				Uint64("files_changed", result.Summary.FilesChanged).
				Uint64("data_added", result.Summary.DataAdded)
		}
		ev.Msg("backup completed")
	}

	s.notify(ctx, *backup, start, result)

	if sinkErr != nil {
		return fmt.Errorf("writing backup output: %w", sinkErr)
	}
	return reqErr
}

// StatsFor returns the raw restic stats line of the named backup.
func (s *Impl) StatsFor(ctx context.Context, name string) (string, []byte, error) {
	if _, err := s.store.Read(name); err != nil {
		return name, nil, err
	}

	target, err := s.target(name)
	if err != nil {
		return name, nil, err
	}

	line, err := s.resticSvc.Stats(ctx, target)
	if err != nil {
		return name, nil, err
	}
	return name, line, nil
}

func (s *Impl) notify(ctx context.Context, backup models.Backup, start time.Time, result *models.RunResult) {
	if s.telegramCfg == nil || s.telegramSvc == nil {
		return
	}

	msg := models.TelegramMessage{
		Success:    result.Error == nil,
		Backup:     result.Backup,
		Repository: backup.Repository.String(),
		StartTime:  start,
		Duration:   result.Duration,
	}
	if result.Error != nil {
		msg.ErrorMessage = result.Error.Error()
	}
	if sum := result.Summary; sum != nil {
		msg.SnapshotID = sum.SnapshotID
		msg.FilesNew = sum.FilesNew
		msg.FilesChanged = sum.FilesChanged
		msg.FilesUnmodified = sum.FilesUnmodified
		msg.DataAdded = sum.DataAdded
		msg.TotalFiles = sum.TotalFilesProcessed
		msg.TotalBytes = sum.TotalBytesProcessed
	}

	// The client may already be gone; the notification is still wanted.
	notifyCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), notifyTimeout)
	defer cancel()

	logger := s.logger.With().Str("backup", result.Backup).Logger()

	res, err := s.telegramSvc.SendNotification(notifyCtx, *s.telegramCfg, msg)
	if err != nil {
		logger.Error().Err(err).Msg("failed to send Telegram notification")
		return
	}
	if res.Error != nil {
		logger.Error().Err(res.Error).Msg("failed to send Telegram notification")
		return
	}
	logger.Debug().Bool("success", msg.Success).Msg("run notification delivered")
}
