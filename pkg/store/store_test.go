// Copyright 2026 snapfuzz project authors. All rights reserved.
// Use of this source code is governed by an Apache 2-style license that can be found in the LICENSE file.

package store

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/snapfuzz/snapfuzz/pkg/crashpipeline"
)

func openTestStore(t *testing.T) *Store {
	s, err := Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, s.Close()) })
	return s
}

func TestCreateAndGetJob(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	id, err := s.CreateJob(ctx, &Job{Name: "smoke", DiskImage: "disk.qcow2", SnapshotName: "ready", FuzzerKind: "generic"})
	require.NoError(t, err)

	job, err := s.GetJob(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "smoke", job.Name)
	assert.Equal(t, JobPending, job.Status, "a freshly created job starts pending")
	assert.Nil(t, job.TotalTestcases)
}

func TestListJobsOrdersNewestFirst(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	firstID, err := s.CreateJob(ctx, &Job{Name: "first"})
	require.NoError(t, err)
	secondID, err := s.CreateJob(ctx, &Job{Name: "second"})
	require.NoError(t, err)

	jobs, err := s.ListJobs(ctx)
	require.NoError(t, err)
	require.Len(t, jobs, 2)
	assert.Equal(t, secondID, jobs[0].ID)
	assert.Equal(t, firstID, jobs[1].ID)
}

func TestSetStatusAndTotalTestcases(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	id, err := s.CreateJob(ctx, &Job{Name: "job"})
	require.NoError(t, err)

	require.NoError(t, s.SetStatus(ctx, id, JobRunning))
	job, err := s.GetJob(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, JobRunning, job.Status)

	require.NoError(t, s.SetTotalTestcases(ctx, id, 500))
	require.NoError(t, s.SetTotalTestcases(ctx, id, 999), "setting total twice is a no-op once already set")

	job, err = s.GetJob(ctx, id)
	require.NoError(t, err)
	require.NotNil(t, job.TotalTestcases)
	assert.EqualValues(t, 500, *job.TotalTestcases)
}

func TestIncrementGeneratedTestcases(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	id, err := s.CreateJob(ctx, &Job{Name: "job"})
	require.NoError(t, err)

	require.NoError(t, s.IncrementGeneratedTestcases(ctx, id, 3))
	require.NoError(t, s.IncrementGeneratedTestcases(ctx, id, 2))

	job, err := s.GetJob(ctx, id)
	require.NoError(t, err)
	assert.EqualValues(t, 5, job.GeneratedTestcases)
}

func TestCreateTestCaseBumpsJobCounter(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	id, err := s.CreateJob(ctx, &Job{Name: "job"})
	require.NoError(t, err)

	_, err = s.CreateTestCase(ctx, &TestCase{JobID: id, VMID: 1, Path: "/tmp/a", DurationMS: 120})
	require.NoError(t, err)
	_, err = s.CreateTestCase(ctx, &TestCase{JobID: id, VMID: 2, Path: "/tmp/b", DurationMS: 80})
	require.NoError(t, err)

	cases, err := s.ListTestCases(ctx, id)
	require.NoError(t, err)
	require.Len(t, cases, 2)
	assert.Equal(t, "/tmp/a", cases[0].Path, "test cases come back oldest first")

	job, err := s.GetJob(ctx, id)
	require.NoError(t, err)
	assert.EqualValues(t, 2, job.GeneratedTestcases)
}

func TestInsertCrashDeduplicates(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	id, err := s.CreateJob(ctx, &Job{Name: "job"})
	require.NoError(t, err)

	crash := &Crash{
		JobID:        id,
		TestCasePath: "/tmp/repro",
		KindTag:      "SEGV",
		Signature:    "abc123:SEGV",
		StackHash:    "abc123",
		Severity:     crashpipeline.SeverityHigh,
	}

	firstID, isNew, err := s.InsertCrash(ctx, crash)
	require.NoError(t, err)
	assert.True(t, isNew)

	secondID, isNew, err := s.InsertCrash(ctx, crash)
	require.NoError(t, err)
	assert.False(t, isNew, "a repeated signature must not create a second row")
	assert.Equal(t, firstID, secondID)

	stored, err := s.GetCrash(ctx, firstID)
	require.NoError(t, err)
	assert.Equal(t, 1, stored.DuplicateCount, "the second insert bumps duplicate_count")

	crashes, err := s.ListCrashes(ctx, id)
	require.NoError(t, err)
	assert.Len(t, crashes, 1)
}

func TestInsertCrashDistinctSignatures(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	id, err := s.CreateJob(ctx, &Job{Name: "job"})
	require.NoError(t, err)

	_, _, err = s.InsertCrash(ctx, &Crash{JobID: id, Signature: "sig-a", KindTag: "SEGV"})
	require.NoError(t, err)
	_, _, err = s.InsertCrash(ctx, &Crash{JobID: id, Signature: "sig-b", KindTag: "ABRT"})
	require.NoError(t, err)

	crashes, err := s.ListCrashes(ctx, id)
	require.NoError(t, err)
	assert.Len(t, crashes, 2)
}

func TestDeleteJobCascadesCrashesAndTestcases(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	id, err := s.CreateJob(ctx, &Job{Name: "job"})
	require.NoError(t, err)
	_, err = s.CreateTestCase(ctx, &TestCase{JobID: id, Path: "/tmp/a"})
	require.NoError(t, err)
	_, _, err = s.InsertCrash(ctx, &Crash{JobID: id, Signature: "sig"})
	require.NoError(t, err)

	require.NoError(t, s.DeleteJob(ctx, id))

	_, err = s.GetJob(ctx, id)
	assert.Error(t, err)

	crashes, err := s.ListCrashes(ctx, id)
	require.NoError(t, err)
	assert.Empty(t, crashes)

	cases, err := s.ListTestCases(ctx, id)
	require.NoError(t, err)
	assert.Empty(t, cases)
}
