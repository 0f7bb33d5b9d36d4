package storage

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

const (
	sqliteDirPermissions = 0750
	sqliteConnTimeout    = 5 * time.Second
)

// SQLiteConfig SQLite 数据库文件配置
type SQLiteConfig struct {
	// Path 数据库文件路径，":memory:" 表示内存数据库
	Path string
	// BusyTimeout 等待写锁的最长时间
	BusyTimeout time.Duration
	// WALMode 启用预写日志
	WALMode bool
}

// NewSQLiteStore opens (and creates if needed) a SQLite database file
func NewSQLiteStore(cfg SQLiteConfig) (*SQLStore, error) {
	if cfg.Path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(cfg.Path), sqliteDirPermissions); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}

	connStr := fmt.Sprintf("file:%s?_busy_timeout=%d&_foreign_keys=on",
		cfg.Path, cfg.BusyTimeout.Milliseconds())
	if cfg.WALMode && cfg.Path != ":memory:" {
		connStr += "&_journal_mode=WAL&_synchronous=NORMAL"
	}

	db, err := sql.Open("sqlite3", connStr)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// 单写连接；内存库依赖这一连接保存全部数据
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	ctx, cancel := context.WithTimeout(context.Background(), sqliteConnTimeout)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	return &SQLStore{db: db, dialect: dialectSQLite}, nil
}
