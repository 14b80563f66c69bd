// Copyright 2026 snapfuzz project authors. All rights reserved.
// Use of this source code is governed by an Apache 2-style license that can be found in the LICENSE file.

package store

import (
	"context"
	"fmt"
	"time"
)

// CreateTestCase inserts a test case row for one completed harness
// iteration and bumps the owning Job's generated-testcase counter in the
// same writer turn.
func (s *Store) CreateTestCase(ctx context.Context, tc *TestCase) (int64, error) {
	startedAt := tc.StartedAt
	if startedAt.IsZero() {
		startedAt = time.Now()
	}

	var id int64
	err := s.withWriter(ctx, func(ctx context.Context) error {
		res, err := s.db.ExecContext(ctx,
			`INSERT INTO testcases (job_id, vm_id, path, started_at, duration_ms) VALUES (?, ?, ?, ?, ?)`,
			tc.JobID, tc.VMID, tc.Path, startedAt.Unix(), tc.DurationMS)
		if err != nil {
			return fmt.Errorf("insert testcase: %w", err)
		}
		id, err = res.LastInsertId()
		if err != nil {
			return err
		}
		_, err = s.db.ExecContext(ctx,
			`UPDATE jobs SET generated_testcases = generated_testcases + 1 WHERE id = ?`, tc.JobID)
		return err
	})
	return id, err
}

// ListTestCases returns every Test Case recorded for jobID, oldest first.
func (s *Store) ListTestCases(ctx context.Context, jobID int64) ([]*TestCase, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, job_id, vm_id, path, started_at, duration_ms FROM testcases WHERE job_id = ? ORDER BY started_at`,
		jobID)
	if err != nil {
		return nil, fmt.Errorf("list testcases: %w", err)
	}
	defer rows.Close()

	var out []*TestCase
	for rows.Next() {
		var tc TestCase
		var startedAt int64
		if err := rows.Scan(&tc.ID, &tc.JobID, &tc.VMID, &tc.Path, &startedAt, &tc.DurationMS); err != nil {
			return nil, fmt.Errorf("scan testcase: %w", err)
		}
		tc.StartedAt = time.Unix(startedAt, 0)
		out = append(out, &tc)
	}
	return out, rows.Err()
}
