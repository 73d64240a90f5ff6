// Package stats answers backup listings: the known definitions first, then
// one repository stats line per backup as each restic query completes.
package stats

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/fgeck/duplikatd/internal/models"
	"github.com/fgeck/duplikatd/internal/services/store"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// Service defines the interface for backup listings.
type Service interface {
	List(ctx context.Context, sink io.Writer) error
}

// Catalog enumerates and loads backup definitions.
type Catalog interface {
	ListNames() ([]string, error)
	Read(name string) (*models.Backup, error)
}

// Querier runs a stats query for one backup.
type Querier interface {
	StatsFor(ctx context.Context, name string) (string, []byte, error)
}

// Impl implements the stats Service interface.
type Impl struct {
	catalog     Catalog
	querier     Querier
	concurrency int
	logger      zerolog.Logger
}

// New creates a new stats service. concurrency bounds the number of parallel
// stats queries; zero or less means no bound.
func New(logger zerolog.Logger, catalog Catalog, querier Querier, concurrency int) *Impl {
	return &Impl{
		catalog:     catalog,
		querier:     querier,
		concurrency: concurrency,
		logger:      logger,
	}
}

// List writes a backupslist line followed by a backupstats line for every
// backup whose stats query succeeded, in completion order. It returns once
// all queries have finished. Failed queries are left out.
func (s *Impl) List(ctx context.Context, sink io.Writer) error {
	backups, err := s.load()
	if err != nil {
		return models.NewServerError(models.ErrorConfiguration, err)
	}

	w := &lineWriter{w: sink}

	list, err := json.Marshal(models.NewBackupsList(backups))
	if err != nil {
		return fmt.Errorf("encoding backups list: %w", err)
	}
	if err := w.WriteLine(list); err != nil {
		return err
	}

	s.logger.Debug().Int("backups", len(backups)).Msg("backups listed, querying stats")

	g, gctx := errgroup.WithContext(ctx)
	if s.concurrency > 0 {
		g.SetLimit(s.concurrency)
	}

	for _, backup := range backups {
		name := backup.Name
		g.Go(func() error {
			_, raw, err := s.querier.StatsFor(gctx, name)
			if err != nil {
				s.logger.Warn().Err(err).Str("backup", name).Msg("stats query failed")
				return nil
			}

			tagged, err := TagStats(name, raw)
			if err != nil {
				s.logger.Warn().Err(err).Str("backup", name).Msg("stats output rejected")
				return nil
			}

			// Only a write failure aborts the remaining queries.
			return w.WriteLine(tagged)
		})
	}

	return g.Wait()
}

func (s *Impl) load() ([]models.Backup, error) {
	names, err := s.catalog.ListNames()
	if err != nil {
		return nil, err
	}

	backups := make([]models.Backup, 0, len(names))
	for _, name := range names {
		backup, err := s.catalog.Read(name)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				// Removed between listing and reading.
				continue
			}
			return nil, err
		}
		backups = append(backups, *backup)
	}
	return backups, nil
}

// TagStats injects message_type and name into a raw restic stats object and
// leaves every other key untouched.
func TagStats(name string, raw []byte) ([]byte, error) {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(raw, &obj); err != nil {
		return nil, fmt.Errorf("stats output is not a JSON object: %w", err)
	}
	if obj == nil {
		return nil, fmt.Errorf("stats output is not a JSON object: null")
	}

	nameJSON, err := json.Marshal(name)
	if err != nil {
		return nil, err
	}
	obj["message_type"] = json.RawMessage(`"` + models.MessageBackupStats + `"`)
	obj["name"] = nameJSON

	return json.Marshal(obj)
}

// lineWriter serializes whole-line writes from concurrent queries.
type lineWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (l *lineWriter) WriteLine(line []byte) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	buf := make([]byte, 0, len(line)+1)
	buf = append(buf, line...)
	buf = append(buf, '\n')
	if _, err := l.w.Write(buf); err != nil {
		return fmt.Errorf("writing to client: %w", err)
	}
	return nil
}
