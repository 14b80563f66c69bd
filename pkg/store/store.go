// Copyright 2026 snapfuzz project authors. All rights reserved.
// Use of this source code is governed by an Apache 2-style license that can be found in the LICENSE file.

// Package store is the embedded SQL persistence layer: a single
// modernc.org/sqlite database per node holding jobs, test cases, and
// deduplicated crashes, with schema migrations applied at open.
package store

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "modernc.org/sqlite"

	"github.com/snapfuzz/snapfuzz/pkg/crashpipeline"
	"github.com/snapfuzz/snapfuzz/pkg/log"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// JobStatus enumerates the lifecycle of a Job.
type JobStatus string

const (
	JobPending   JobStatus = "pending"
	JobRunning   JobStatus = "running"
	JobPaused    JobStatus = "paused"
	JobStopped   JobStatus = "stopped"
	JobCompleted JobStatus = "completed"
)

// Job is one persisted fuzzing job.
type Job struct {
	ID                 int64
	Name               string
	DiskImage          string
	SnapshotName       string
	FuzzerKind         string
	FuzzerConfig       json.RawMessage
	CreatedAt          time.Time
	Status             JobStatus
	TotalTestcases     *int64
	GeneratedTestcases int64
	VMCount            int
}

// TestCase is one persisted, executed test case.
type TestCase struct {
	ID         int64
	JobID      int64
	VMID       int
	Path       string
	StartedAt  time.Time
	DurationMS int64
}

// Crash is the persisted crash record, a superset of
// crashpipeline.Crash with storage-assigned identity and dedup bookkeeping.
type Crash struct {
	ID             int64
	JobID          int64
	TestCasePath   string
	KindTag        string
	Detail         string
	Signature      string
	Exploitability crashpipeline.Exploitability
	ArchivePath    string
	CreatedAt      time.Time
	DuplicateCount int
	StackHash      string
	Backtrace      []crashpipeline.Frame
	CrashAddress   string
	SanitizerKind  crashpipeline.SanitizerKind
	SanitizerRaw   string
	Severity       crashpipeline.Severity
	IsUnique       bool
}

// Store is a single node's embedded database. Writes are serialized through
// writeMu since SQLite allows only one writer at a time; readers use the
// pool's other connections directly. Close waits for in-flight writers to
// finish via writers before shutting the pool down.
type Store struct {
	db      *sql.DB
	writeMu sync.Mutex
	writers sync.WaitGroup
	closing chan struct{}
}

// DSN builds the modernc.org/sqlite connection string:
// write-ahead logging and relaxed ("normal") sync durability.
func DSN(path string) string {
	return fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=foreign_keys(ON)", path)
}

// Open opens (creating if absent) the database at path and applies any
// pending schema migrations.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", DSN(path))
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}
	// All writes are serialized through writeMu, so at most one of the
	// pool's connections writes at a time, which avoids SQLITE_BUSY storms.
	db.SetMaxOpenConns(4)

	if err := migrateUp(db); err != nil {
		db.Close()
		return nil, err
	}

	return &Store{db: db, closing: make(chan struct{})}, nil
}

func migrateUp(db *sql.DB) error {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("load embedded migrations: %w", err)
	}
	driver, err := sqlite.WithInstance(db, &sqlite.Config{})
	if err != nil {
		return fmt.Errorf("create migration driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "sqlite", driver)
	if err != nil {
		return fmt.Errorf("create migrator: %w", err)
	}
	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return fmt.Errorf("apply migrations: %w", err)
	}
	log.Logf(1, "store: schema up to date")
	return nil
}

// withWriter serializes fn against every other writer and keeps Close from
// tearing the pool down while fn is in flight.
func (s *Store) withWriter(ctx context.Context, fn func(ctx context.Context) error) error {
	s.writers.Add(1)
	defer s.writers.Done()

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	select {
	case <-s.closing:
		return fmt.Errorf("store is closing")
	default:
	}
	return fn(ctx)
}

// Close waits for in-flight writers to finish, then closes the pool.
func (s *Store) Close() error {
	close(s.closing)
	s.writers.Wait()
	return s.db.Close()
}
