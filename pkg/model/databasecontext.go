package model

import (
	"fmt"
	"strings"

	"github.com/rs/zerolog"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

type DatabaseContext struct {
	DB     *gorm.DB
	Config *Database
	Logger *zerolog.Logger
}

// NewDatabaseContext opens the embedded database file named by config.Dsn.
func NewDatabaseContext(config *Database, logger *zerolog.Logger) (*DatabaseContext, error) {
	if config.Driver != DatabaseDriverSqlite {
		return nil, fmt.Errorf("unsupported database driver for gorm: %s", config.Driver)
	}
	db, err := gorm.Open(sqlite.Open(SqliteDsn(config.Dsn)), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("open database %s: %w", config.Dsn, err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	if IsMemoryDsn(config.Dsn) {
		// every connection of an in-memory database is a separate database
		sqlDB.SetMaxOpenConns(1)
	}
	return &DatabaseContext{
		DB:     db,
		Config: config,
		Logger: logger,
	}, nil
}

func IsMemoryDsn(dsn string) bool {
	return dsn == "" || strings.HasPrefix(dsn, ":memory:") || strings.Contains(dsn, "mode=memory")
}

// SqliteDsn adds WAL, busy timeout and immediate transactions to plain file
// names. Read-then-write transactions take the write lock up front, a lock
// upgrade would fail with SQLITE_BUSY without waiting for the timeout.
func SqliteDsn(dsn string) string {
	if dsn == "" {
		return ":memory:"
	}
	if IsMemoryDsn(dsn) || strings.Contains(dsn, "?") {
		return dsn
	}
	return dsn + "?_journal_mode=WAL&_busy_timeout=5000&_txlock=immediate"
}

func (dc *DatabaseContext) Migrate(models ...any) error {
	for _, model := range models {
		if err := dc.DB.AutoMigrate(model); err != nil {
			return err
		}
		if dc.Logger != nil {
			dc.Logger.Debug().Str("model", fmt.Sprintf("%T", model)).Msg("Migrated model")
		}
	}
	return nil
}

// Ping checks that the database answers.
func (dc *DatabaseContext) Ping() error {
	sqlDB, err := dc.DB.DB()
	if err != nil {
		return err
	}
	return sqlDB.Ping()
}

func (dc *DatabaseContext) Close() error {
	sqlDB, err := dc.DB.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
