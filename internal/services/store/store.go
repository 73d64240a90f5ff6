// Package store persists backup definitions as a directory tree.
//
// Every backup lives in its own directory under the base path and is made of
// plain text files: repo, password, include, exclude and an optional
// environment file. The directory tree is the only registry of backups.
package store

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/fgeck/duplikatd/internal/models"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// File names inside a backup directory.
const (
	FileRepo        = "repo"
	FilePassword    = "password"
	FileInclude     = "include"
	FileExclude     = "exclude"
	FileEnvironment = "environment"
)

const (
	dirPerm  = 0o700
	filePerm = 0o600
)

var (
	// ErrNotFound is returned when a backup directory does not exist.
	ErrNotFound = errors.New("backup not found")
	// ErrInvalidName is returned for names that are not a single path component.
	ErrInvalidName = errors.New("invalid backup name")
)

// ConfigError reports a failure to persist or load a backup definition.
type ConfigError struct {
	Op   string
	Name string
	Err  error
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("%s backup %q: %v", e.Op, e.Name, e.Err)
}

func (e *ConfigError) Unwrap() error {
	return e.Err
}

// Store defines the interface for backup definition persistence.
type Store interface {
	Create(backup models.Backup) error
	Remove(name string) error
	Read(name string) (*models.Backup, error)
	ListNames() ([]string, error)
	EnvironmentFor(name string) (map[string]string, error)
	Paths(name string) Paths
}

// Paths holds the file locations of one backup.
type Paths struct {
	Dir         string
	Repo        string
	Password    string
	Include     string
	Exclude     string
	Environment string
}

// Impl implements the Store interface on the local filesystem.
type Impl struct {
	basePath string
	logger   zerolog.Logger
}

// New creates a store rooted at basePath.
func New(logger zerolog.Logger, basePath string) *Impl {
	return &Impl{
		basePath: basePath,
		logger:   logger,
	}
}

// BasePath returns the directory holding all backups.
func (s *Impl) BasePath() string {
	return s.basePath
}

// DefaultBasePath returns the system-wide location for root and the per-user
// configuration directory otherwise.
func DefaultBasePath() (string, error) {
	if os.Geteuid() == 0 {
		return filepath.Join("/etc", "duplikatd", "backups"), nil
	}

	configDir, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("resolving user config directory: %w", err)
	}
	return filepath.Join(configDir, "duplikatd", "backups"), nil
}

// Paths returns the file locations of the named backup.
func (s *Impl) Paths(name string) Paths {
	dir := filepath.Join(s.basePath, name)
	return Paths{
		Dir:         dir,
		Repo:        filepath.Join(dir, FileRepo),
		Password:    filepath.Join(dir, FilePassword),
		Include:     filepath.Join(dir, FileInclude),
		Exclude:     filepath.Join(dir, FileExclude),
		Environment: filepath.Join(dir, FileEnvironment),
	}
}

// Create writes the backup definition, replacing any existing one with the
// same name. The files are written to a staging directory first and swapped
// into place, so readers never observe a half-written backup.
func (s *Impl) Create(backup models.Backup) error {
	if err := models.ValidateName(backup.Name); err != nil {
		return &ConfigError{Op: "create", Name: backup.Name, Err: fmt.Errorf("%w: %v", ErrInvalidName, err)}
	}
	if err := models.ValidateRepository(backup.Repository); err != nil {
		return &ConfigError{Op: "create", Name: backup.Name, Err: err}
	}

	if err := os.MkdirAll(s.basePath, dirPerm); err != nil {
		return &ConfigError{Op: "create", Name: backup.Name, Err: err}
	}

	unlock, err := s.lock(backup.Name)
	if err != nil {
		return &ConfigError{Op: "create", Name: backup.Name, Err: err}
	}
	defer unlock()

	staging := filepath.Join(s.basePath, fmt.Sprintf(".%s.staging-%s", backup.Name, uuid.NewString()))
	if err := os.Mkdir(staging, dirPerm); err != nil {
		return &ConfigError{Op: "create", Name: backup.Name, Err: err}
	}

	if err := writeBackup(staging, backup); err != nil {
		_ = os.RemoveAll(staging)
		return &ConfigError{Op: "create", Name: backup.Name, Err: err}
	}

	if err := s.swap(backup.Name, staging); err != nil {
		_ = os.RemoveAll(staging)
		return &ConfigError{Op: "create", Name: backup.Name, Err: err}
	}

	s.logger.Debug().
		Str("backup", backup.Name).
		Str("repository", backup.Repository.String()).
		Int("include", len(backup.Include)).
		Int("exclude", len(backup.Exclude)).
		Msg("backup configuration written")

	return nil
}

func (s *Impl) swap(name, staging string) error {
	dir := s.Paths(name).Dir

	if _, err := os.Stat(dir); errors.Is(err, os.ErrNotExist) {
		return os.Rename(staging, dir)
	}

	old := filepath.Join(s.basePath, fmt.Sprintf(".%s.old-%s", name, uuid.NewString()))
	if err := os.Rename(dir, old); err != nil {
		return err
	}
	if err := os.Rename(staging, dir); err != nil {
		if restoreErr := os.Rename(old, dir); restoreErr != nil {
			s.logger.Error().Err(restoreErr).Str("backup", name).Msg("failed to restore previous configuration")
		}
		return err
	}
	if err := os.RemoveAll(old); err != nil {
		s.logger.Warn().Err(err).Str("path", old).Msg("failed to remove previous configuration")
	}
	return nil
}

func writeBackup(dir string, backup models.Backup) error {
	for _, lists := range [][]string{backup.Include, backup.Exclude} {
		for _, entry := range lists {
			if strings.ContainsAny(entry, "\r\n") {
				return fmt.Errorf("entry %q must not contain line breaks", entry)
			}
		}
	}

	files := []struct {
		name    string
		content string
	}{
		{FileRepo, backup.Repository.String()},
		{FilePassword, backup.Password},
		{FileInclude, joinLines(backup.Include)},
		{FileExclude, joinLines(backup.Exclude)},
	}

	env := backup.Environment()
	if len(env) > 0 {
		content, err := formatEnvironment(env)
		if err != nil {
			return err
		}
		files = append(files, struct {
			name    string
			content string
		}{FileEnvironment, content})
	}

	for _, f := range files {
		if err := os.WriteFile(filepath.Join(dir, f.name), []byte(f.content), filePerm); err != nil {
			return fmt.Errorf("writing %s: %w", f.name, err)
		}
	}

	return nil
}

// Remove deletes the backup directory. The directory must exist.
func (s *Impl) Remove(name string) error {
	if err := models.ValidateName(name); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidName, err)
	}

	unlock, err := s.lock(name)
	if err != nil {
		return fmt.Errorf("remove backup %q: %w", name, err)
	}
	defer unlock()

	dir := s.Paths(name).Dir
	if _, err := os.Stat(dir); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("remove backup %q: %w", name, ErrNotFound)
		}
		return fmt.Errorf("remove backup %q: %w", name, err)
	}

	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("remove backup %q: %w", name, err)
	}

	s.logger.Debug().Str("backup", name).Msg("backup configuration removed")
	return nil
}

// Read reconstructs the definition of the named backup. Credentials kept in
// the environment file are not part of the result.
func (s *Impl) Read(name string) (*models.Backup, error) {
	if err := models.ValidateName(name); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidName, err)
	}

	paths := s.Paths(name)
	if info, err := os.Stat(paths.Dir); err != nil || !info.IsDir() {
		return nil, fmt.Errorf("read backup %q: %w", name, ErrNotFound)
	}

	repoString, err := readTrimmed(paths.Repo)
	if err != nil {
		return nil, &ConfigError{Op: "read", Name: name, Err: err}
	}
	repo, err := models.ParseRepository(repoString)
	if err != nil {
		return nil, &ConfigError{Op: "read", Name: name, Err: err}
	}

	password, err := readTrimmed(paths.Password)
	if err != nil {
		return nil, &ConfigError{Op: "read", Name: name, Err: err}
	}

	include, err := readLines(paths.Include)
	if err != nil {
		return nil, &ConfigError{Op: "read", Name: name, Err: err}
	}

	exclude, err := readLines(paths.Exclude)
	if err != nil {
		return nil, &ConfigError{Op: "read", Name: name, Err: err}
	}

	return &models.Backup{
		Name:       name,
		Repository: repo,
		Password:   password,
		Include:    include,
		Exclude:    exclude,
	}, nil
}

// ListNames returns the names of all stored backups in directory order.
func (s *Impl) ListNames() ([]string, error) {
	entries, err := os.ReadDir(s.basePath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return []string{}, nil
		}
		return nil, fmt.Errorf("listing backups: %w", err)
	}

	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		if !entry.IsDir() || strings.HasPrefix(entry.Name(), ".") {
			continue
		}
		names = append(names, entry.Name())
	}

	return names, nil
}

// EnvironmentFor returns the extra process environment of the named backup.
// A missing environment file yields an empty map.
func (s *Impl) EnvironmentFor(name string) (map[string]string, error) {
	data, err := os.ReadFile(s.Paths(name).Environment)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return map[string]string{}, nil
		}
		return nil, fmt.Errorf("reading environment of %q: %w", name, err)
	}

	env, err := parseEnvironment(string(data))
	if err != nil {
		return nil, fmt.Errorf("parsing environment of %q: %w", name, err)
	}
	return env, nil
}

func parseEnvironment(content string) (map[string]string, error) {
	env := map[string]string{}
	for i, line := range strings.Split(content, "\n") {
		line = strings.TrimRight(line, "\r")
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, value, ok := strings.Cut(line, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("line %d: expected KEY=VALUE", i+1)
		}
		env[key] = value
	}
	return env, nil
}

func formatEnvironment(env map[string]string) (string, error) {
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for _, k := range keys {
		v := env[k]
		if strings.ContainsAny(k, "=\r\n") || strings.ContainsAny(v, "\r\n") {
			return "", fmt.Errorf("environment entry %q cannot be stored on one line", k)
		}
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(v)
		b.WriteByte('\n')
	}
	return b.String(), nil
}

func joinLines(lines []string) string {
	var b strings.Builder
	for _, line := range lines {
		if line == "" {
			continue
		}
		b.WriteString(line)
		b.WriteByte('\n')
	}
	return b.String()
}

func readLines(path string) ([]string, error) {
	data, err := os.ReadFile(path) //nolint:gosec // path is built from the store base path
	if err != nil {
		return nil, err
	}

	lines := []string{}
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimRight(line, "\r")
		if line == "" {
			continue
		}
		lines = append(lines, line)
	}
	return lines, nil
}

func readTrimmed(path string) (string, error) {
	data, err := os.ReadFile(path) //nolint:gosec // path is built from the store base path
	if err != nil {
		return "", err
	}
	return strings.TrimRight(string(data), "\r\n"), nil
}
