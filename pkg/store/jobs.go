// Copyright 2026 snapfuzz project authors. All rights reserved.
// Use of this source code is governed by an Apache 2-style license that can be found in the LICENSE file.

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// CreateJob inserts a new Job in status "pending" and assigns its id.
func (s *Store) CreateJob(ctx context.Context, j *Job) (int64, error) {
	if j.FuzzerConfig == nil {
		j.FuzzerConfig = json.RawMessage("{}")
	}
	if j.Status == "" {
		j.Status = JobPending
	}
	createdAt := j.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}

	var id int64
	err := s.withWriter(ctx, func(ctx context.Context) error {
		res, err := s.db.ExecContext(ctx,
			`INSERT INTO jobs (name, disk_image, snapshot_name, fuzzer_kind, fuzzer_config, created_at, status, vm_count)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			j.Name, j.DiskImage, j.SnapshotName, j.FuzzerKind, string(j.FuzzerConfig), createdAt.Unix(), string(j.Status), j.VMCount)
		if err != nil {
			return fmt.Errorf("insert job: %w", err)
		}
		id, err = res.LastInsertId()
		return err
	})
	return id, err
}

// GetJob reads a Job by id. Reads don't go through the writer lock.
func (s *Store) GetJob(ctx context.Context, id int64) (*Job, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, name, disk_image, snapshot_name, fuzzer_kind, fuzzer_config, created_at, status,
		        total_testcases, generated_testcases, vm_count FROM jobs WHERE id = ?`, id)
	return scanJob(row)
}

// ListJobs returns every Job, newest first.
func (s *Store) ListJobs(ctx context.Context) ([]*Job, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, disk_image, snapshot_name, fuzzer_kind, fuzzer_config, created_at, status,
		        total_testcases, generated_testcases, vm_count FROM jobs ORDER BY created_at DESC, id DESC`)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

// rowScanner abstracts over *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*Job, error) {
	var j Job
	var createdAt int64
	var fuzzerConfig string
	var status string
	var totalTestcases sql.NullInt64

	err := row.Scan(&j.ID, &j.Name, &j.DiskImage, &j.SnapshotName, &j.FuzzerKind, &fuzzerConfig,
		&createdAt, &status, &totalTestcases, &j.GeneratedTestcases, &j.VMCount)
	if err == sql.ErrNoRows {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("scan job: %w", err)
	}
	j.CreatedAt = time.Unix(createdAt, 0)
	j.FuzzerConfig = json.RawMessage(fuzzerConfig)
	j.Status = JobStatus(status)
	if totalTestcases.Valid {
		j.TotalTestcases = &totalTestcases.Int64
	}
	return &j, nil
}

// SetStatus updates a Job's status, e.g. in response to a control command.
func (s *Store) SetStatus(ctx context.Context, jobID int64, status JobStatus) error {
	return s.withWriter(ctx, func(ctx context.Context) error {
		_, err := s.db.ExecContext(ctx, `UPDATE jobs SET status = ? WHERE id = ?`, string(status), jobID)
		return err
	})
}

// SetTotalTestcases sets a Job's planned test case count. Per the invariant
// this is a no-op once already set.
func (s *Store) SetTotalTestcases(ctx context.Context, jobID int64, total int64) error {
	return s.withWriter(ctx, func(ctx context.Context) error {
		_, err := s.db.ExecContext(ctx,
			`UPDATE jobs SET total_testcases = ? WHERE id = ? AND total_testcases IS NULL`, total, jobID)
		return err
	})
}

// IncrementGeneratedTestcases bumps a Job's monotonic generated-testcase counter.
func (s *Store) IncrementGeneratedTestcases(ctx context.Context, jobID int64, by int64) error {
	return s.withWriter(ctx, func(ctx context.Context) error {
		_, err := s.db.ExecContext(ctx,
			`UPDATE jobs SET generated_testcases = generated_testcases + ? WHERE id = ?`, by, jobID)
		return err
	})
}

// DeleteJob removes a Job; its test cases and crashes cascade per the
// foreign key ON DELETE CASCADE.
func (s *Store) DeleteJob(ctx context.Context, jobID int64) error {
	return s.withWriter(ctx, func(ctx context.Context) error {
		_, err := s.db.ExecContext(ctx, `DELETE FROM jobs WHERE id = ?`, jobID)
		return err
	})
}
