// Copyright 2026 snapfuzz project authors. All rights reserved.
// Use of this source code is governed by an Apache 2-style license that can be found in the LICENSE file.

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/snapfuzz/snapfuzz/pkg/crashpipeline"
)

// InsertCrash implements the dedup rule at the SQL layer: a unique index
// on (job_id, signature) lets
// the insert race two writers safely, with the loser's row falling through
// to the ON CONFLICT arm that bumps duplicate_count instead of erroring.
// It returns the row's id and whether this call created a new row.
func (s *Store) InsertCrash(ctx context.Context, c *Crash) (id int64, isNew bool, err error) {
	backtraceJSON, err := json.Marshal(c.Backtrace)
	if err != nil {
		return 0, false, fmt.Errorf("marshal backtrace: %w", err)
	}
	createdAt := c.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}

	err = s.withWriter(ctx, func(ctx context.Context) error {
		_, execErr := s.db.ExecContext(ctx, `
			INSERT INTO crashes (
				job_id, testcase_path, kind_tag, detail, signature, exploitability,
				archive_path, created_at, duplicate_count, stack_hash, backtrace_json,
				crash_address, sanitizer_type, sanitizer_report, severity, is_unique
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, 0, ?, ?, ?, ?, ?, ?, 1)
			ON CONFLICT(job_id, signature) DO UPDATE SET duplicate_count = duplicate_count + 1`,
			c.JobID, c.TestCasePath, c.KindTag, c.Detail, c.Signature, string(c.Exploitability),
			c.ArchivePath, createdAt.Unix(), c.StackHash, string(backtraceJSON),
			c.CrashAddress, string(c.SanitizerKind), c.SanitizerRaw, string(c.Severity))
		if execErr != nil {
			return fmt.Errorf("insert crash: %w", execErr)
		}

		row := s.db.QueryRowContext(ctx,
			`SELECT id, duplicate_count FROM crashes WHERE job_id = ? AND signature = ?`, c.JobID, c.Signature)
		var dup int
		if scanErr := row.Scan(&id, &dup); scanErr != nil {
			return fmt.Errorf("read back crash row: %w", scanErr)
		}
		isNew = dup == 0
		return nil
	})
	return id, isNew, err
}

// GetCrash reads a single Crash row by id.
func (s *Store) GetCrash(ctx context.Context, id int64) (*Crash, error) {
	row := s.db.QueryRowContext(ctx, crashSelectCols+` WHERE id = ?`, id)
	return scanCrash(row)
}

// ListCrashes returns every Crash row for jobID, newest first. Used by the
// worker's CRASH_REQUEST dispatch handling.
func (s *Store) ListCrashes(ctx context.Context, jobID int64) ([]*Crash, error) {
	rows, err := s.db.QueryContext(ctx, crashSelectCols+` WHERE job_id = ? ORDER BY created_at DESC, id DESC`, jobID)
	if err != nil {
		return nil, fmt.Errorf("list crashes: %w", err)
	}
	defer rows.Close()

	var out []*Crash
	for rows.Next() {
		c, err := scanCrash(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

const crashSelectCols = `
	SELECT id, job_id, testcase_path, kind_tag, detail, signature, exploitability,
	       archive_path, created_at, duplicate_count, stack_hash, backtrace_json,
	       crash_address, sanitizer_type, sanitizer_report, severity, is_unique
	FROM crashes`

func scanCrash(row rowScanner) (*Crash, error) {
	var c Crash
	var createdAt int64
	var exploitability, sanitizerKind, severity, backtraceJSON string
	var isUnique int

	err := row.Scan(&c.ID, &c.JobID, &c.TestCasePath, &c.KindTag, &c.Detail, &c.Signature,
		&exploitability, &c.ArchivePath, &createdAt, &c.DuplicateCount, &c.StackHash,
		&backtraceJSON, &c.CrashAddress, &sanitizerKind, &c.SanitizerRaw, &severity, &isUnique)
	if err == sql.ErrNoRows {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("scan crash: %w", err)
	}

	c.CreatedAt = time.Unix(createdAt, 0)
	c.Exploitability = crashpipeline.Exploitability(exploitability)
	c.SanitizerKind = crashpipeline.SanitizerKind(sanitizerKind)
	c.Severity = crashpipeline.Severity(severity)
	c.IsUnique = isUnique != 0
	if backtraceJSON != "" {
		if err := json.Unmarshal([]byte(backtraceJSON), &c.Backtrace); err != nil {
			return nil, fmt.Errorf("unmarshal backtrace: %w", err)
		}
	}
	return &c, nil
}
