// Package store persists podcasts, episodes, playlists and settings with gorm.
//
// All writes go through Write, which serialises them behind one mutex and runs
// them in a transaction; readers use Read and may run concurrently.
package store

import (
	"context"
	"sync"

	"github.com/pkg/errors"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/csams/podcore/internal/logging"
	"github.com/csams/podcore/internal/models"
)

const (
	DbTypeSqlite   = "sqlite"
	DbTypePostgres = "postgres"
)

// ErrNotFound is returned when a lookup matches no row.
var ErrNotFound = errors.New("record not found")

// DbParams selects and locates the database.
type DbParams struct {
	Type string
	File string
	DSN  string
}

// Store is the persistence boundary for the whole core.
type Store struct {
	mu sync.Mutex
	db *gorm.DB
}

// Open connects to the database described by params and migrates it.
func Open(params *DbParams) (*Store, error) {
	var dialector gorm.Dialector
	switch params.Type {
	case DbTypePostgres:
		if params.DSN == "" {
			return nil, errors.New("DSN is required for postgres")
		}
		dialector = postgres.Open(params.DSN)
	case DbTypeSqlite, "":
		if params.File == "" {
			return nil, errors.New("database file path is required")
		}
		dialector = sqlite.Open(params.File)
	default:
		return nil, errors.Errorf("unsupported database type %q", params.Type)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to connect database")
	}

	if params.Type != DbTypePostgres {
		// One connection: keeps :memory: databases whole and sidesteps SQLITE_BUSY.
		sqlDB, err := db.DB()
		if err != nil {
			return nil, errors.Wrap(err, "failed to get sql.DB")
		}
		sqlDB.SetMaxOpenConns(1)
	}

	return New(db)
}

// New wraps an open gorm connection, migrating the schema.
func New(db *gorm.DB) (*Store, error) {
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		logging.Error("Failed to migrate database", "error", err)
		return nil, err
	}
	return s, nil
}

func (s *Store) migrate() error {
	err := s.db.AutoMigrate(
		&models.Podcast{},
		&models.Episode{},
		&models.EpisodeMetadata{},
		&models.Enclosure{},
		&models.Chapter{},
		&models.Transcript{},
		&models.Funding{},
		&models.Person{},
		&models.SocialInteract{},
		&models.PodcastSettings{},
		&models.Playlist{},
		&models.PlaylistEntry{},
	)
	return errors.Wrap(err, "failed to migrate schema")
}

// Close closes the underlying connection.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Read returns a session for queries. Never call it from inside Write.
func (s *Store) Read(ctx context.Context) *gorm.DB {
	return s.db.WithContext(ctx)
}

// Write runs fn in a transaction, one writer at a time. fn must only use tx.
func (s *Store) Write(ctx context.Context, fn func(tx *gorm.DB) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.WithContext(ctx).Transaction(fn)
}

func notFound(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrNotFound
	}
	return err
}
