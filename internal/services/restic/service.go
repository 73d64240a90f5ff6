// Package restic supervises restic subprocesses.
package restic

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/rs/zerolog"
)

// DefaultBinary is the restic executable looked up in PATH.
const DefaultBinary = "restic"

// ErrStatsOutput is returned when restic stats does not print exactly one line.
var ErrStatsOutput = errors.New("unexpected stats output")

// Service defines the interface for restic operations.
type Service interface {
	Init(ctx context.Context, target Target) error
	Backup(ctx context.Context, target Target, onLine LineCallback) error
	Stats(ctx context.Context, target Target) ([]byte, error)
}

// Target describes the repository of one backup. Repository and password are
// passed to restic as files so they never show up in the process list.
type Target struct {
	Name           string
	RepositoryFile string
	PasswordFile   string
	IncludeFile    string
	ExcludeFile    string
	Env            map[string]string
}

// Impl implements the Service interface.
type Impl struct {
	executor CommandExecutor
	binary   string
	logger   zerolog.Logger
}

// New creates a new restic service.
func New(logger zerolog.Logger, binary string) *Impl {
	return NewWithExecutor(logger, binary, &DefaultExecutor{})
}

// NewWithExecutor creates a new restic service with a custom executor (for testing).
func NewWithExecutor(logger zerolog.Logger, binary string, executor CommandExecutor) *Impl {
	if binary == "" {
		binary = DefaultBinary
	}
	return &Impl{
		executor: executor,
		binary:   binary,
		logger:   logger,
	}
}

func (s *Impl) buildEnv(target Target) []string {
	keys := make([]string, 0, len(target.Env))
	for k := range target.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	env := make([]string, 0, len(keys))
	for _, k := range keys {
		env = append(env, fmt.Sprintf("%s=%s", k, target.Env[k]))
	}
	return env
}

func (s *Impl) buildArgs(target Target, verb string, extra ...string) []string {
	args := []string{
		"--json",
		"--repository-file", target.RepositoryFile,
		"--password-file", target.PasswordFile,
		verb,
	}
	return append(args, extra...)
}

// Init initializes the repository unless it already exists.
func (s *Impl) Init(ctx context.Context, target Target) error {
	logger := s.logger.With().Str("backup", target.Name).Logger()
	logger.Info().Msg("checking if repository needs initialization")

	env := s.buildEnv(target)

	// An existing repository with the right password has a readable config.
	_, err := s.executor.ExecuteWithEnv(ctx, env, s.binary, s.buildArgs(target, "cat", "config")...)
	if err == nil {
		logger.Info().Msg("repository already initialized")
		return nil
	}
	if IsSpawnError(err) {
		return err
	}

	logger.Info().Msg("initializing repository")
	if _, err := s.executor.ExecuteWithEnv(ctx, env, s.binary, s.buildArgs(target, "init")...); err != nil {
		return fmt.Errorf("failed to initialize repository: %w", err)
	}

	logger.Info().Msg("repository initialized successfully")
	return nil
}

// Backup runs restic backup and passes every JSON line it prints to onLine.
func (s *Impl) Backup(ctx context.Context, target Target, onLine LineCallback) error {
	s.logger.Info().Str("backup", target.Name).Msg("starting backup")

	args := s.buildArgs(target, "backup",
		"--files-from", target.IncludeFile,
		"--exclude-file", target.ExcludeFile,
	)

	if err := s.executor.ExecuteWithEnvStreaming(ctx, s.buildEnv(target), onLine, s.binary, args...); err != nil {
		return fmt.Errorf("backup failed: %w", err)
	}
	return nil
}

// Stats runs restic stats and returns its single JSON line.
func (s *Impl) Stats(ctx context.Context, target Target) ([]byte, error) {
	s.logger.Debug().Str("backup", target.Name).Msg("querying repository stats")

	output, err := s.executor.ExecuteWithEnv(ctx, s.buildEnv(target), s.binary, s.buildArgs(target, "stats")...)
	if err != nil {
		return nil, fmt.Errorf("stats failed: %w", err)
	}

	var lines [][]byte
	for _, line := range bytes.Split(output, []byte("\n")) {
		line = bytes.TrimSpace(line)
		if len(line) == 0 {
			continue
		}
		lines = append(lines, line)
	}

	if len(lines) != 1 {
		return nil, fmt.Errorf("%w: expected 1 line, got %d", ErrStatsOutput, len(lines))
	}

	return lines[0], nil
}
