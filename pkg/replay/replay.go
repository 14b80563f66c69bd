// Copyright 2026 snapfuzz project authors. All rights reserved.
// Use of this source code is governed by an Apache 2-style license that can be found in the LICENSE file.

// Package replay implements the crash replay driver: given a crash
// id or a standalone artifact archive, it reconstructs the offending test
// case and the original disk image/snapshot, spawns a single paused VM with
// the debug stub attached, and hands control to an interactive debugger.
package replay

import (
	"archive/zip"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/fatih/color"

	"github.com/snapfuzz/snapfuzz/pkg/config"
	"github.com/snapfuzz/snapfuzz/pkg/crashpipeline"
	"github.com/snapfuzz/snapfuzz/pkg/log"
	"github.com/snapfuzz/snapfuzz/pkg/osutil"
	"github.com/snapfuzz/snapfuzz/pkg/store"
	"github.com/snapfuzz/snapfuzz/pkg/vmm"
)

// crashInfoDoc mirrors the JSON summary pkg/crashpipeline embeds as
// crash_info.json in every artifact archive.
type crashInfoDoc struct {
	JobID          int                          `json:"job_id"`
	Signature      string                       `json:"signature"`
	StackHash      string                       `json:"stack_hash"`
	KindTag        string                       `json:"kind_tag"`
	Detail         string                       `json:"detail"`
	Severity       crashpipeline.Severity       `json:"severity"`
	Exploitability crashpipeline.Exploitability `json:"exploitability"`
	Signal         string                       `json:"signal"`
	CrashAddress   string                       `json:"crash_address,omitempty"`
	SanitizerKind  crashpipeline.SanitizerKind  `json:"sanitizer_kind,omitempty"`
	DiskImage      string                       `json:"disk_image,omitempty"`
	SnapshotName   string                       `json:"snapshot_name,omitempty"`
	Arch           string                       `json:"arch,omitempty"`
}

// Target identifies what to replay: either a crash id (resolved against the
// persistence store) or a standalone archive path.
type Target struct {
	CrashID     int64
	ArchivePath string
}

// Config configures one replay session.
type Config struct {
	Store       *store.Store // required when Target.CrashID is set
	Manager     *vmm.Manager
	ScratchRoot string
	Debugger    string // defaults to "gdb"
	ShareBridge vmm.ShareBridge
}

// reconstructed is everything the replay driver assembled before spawning a
// VM: the disk image/snapshot to boot and the test case to drop into the
// share directory.
type reconstructed struct {
	info         crashInfoDoc
	diskImage    string
	snapshotName string
	arch         string
	testCasePath string
}

// Run reconstructs tgt and drives an interactive debugger session against a
// freshly spawned, paused VM. It blocks until the user exits the debugger,
// then stops the VM and cleans up.
func Run(ctx context.Context, cfg Config, tgt Target) error {
	if cfg.Debugger == "" {
		cfg.Debugger = "gdb"
	}
	scratchDir, err := os.MkdirTemp(cfg.ScratchRoot, "snapfuzz-replay-*")
	if err != nil {
		return fmt.Errorf("replay: create scratch dir: %w", err)
	}
	defer os.RemoveAll(scratchDir)

	rec, err := reconstruct(ctx, cfg, tgt, scratchDir)
	if err != nil {
		return fmt.Errorf("replay: reconstruct: %w", err)
	}

	printSummary(rec)

	shareDir := filepath.Join(scratchDir, "share")
	if err := osutil.MkdirAll(shareDir); err != nil {
		return fmt.Errorf("replay: create share dir: %w", err)
	}
	if rec.testCasePath != "" {
		data, err := os.ReadFile(rec.testCasePath)
		if err != nil {
			return fmt.Errorf("replay: read test case: %w", err)
		}
		if err := osutil.WriteFileAtomic(filepath.Join(shareDir, "fuzz_input.bin"), data, 0o644); err != nil {
			return fmt.Errorf("replay: drop test case into share dir: %w", err)
		}
	}

	vmRec, err := cfg.Manager.StartVM(vmm.SpawnOptions{
		Arch:         rec.arch,
		DiskImage:    rec.diskImage,
		SnapshotName: rec.snapshotName,
		ShareDir:     shareDir,
		ShareBridge:  cfg.ShareBridge,
		Display:      vmm.DisplayVNC,
		StartPaused:  true,
	})
	if err != nil {
		if err == vmm.ErrDiskOnlySnapshot {
			return fmt.Errorf("replay: snapshot %q has no memory state, cannot replay: %w", rec.snapshotName, err)
		}
		return fmt.Errorf("replay: spawn VM: %w", err)
	}
	defer func() {
		if err := cfg.Manager.StopVM(vmRec.ID, false); err != nil {
			log.Logf(0, "replay: stop VM %d: %v", vmRec.ID, err)
		}
	}()

	archInfo, err := vmm.Arch(rec.arch)
	if err != nil {
		return fmt.Errorf("replay: resolve architecture: %w", err)
	}

	color.New(color.FgCyan).Printf("VM %d paused; debug stub on 127.0.0.1:%d\n", vmRec.ID, vmRec.DebugPort)
	color.New(color.FgCyan).Println("attaching interactive debugger, exit it to stop the VM and finish replay")

	return attachInteractive(ctx, cfg.Debugger, archInfo, vmRec)
}

// attachInteractive launches the debugger with stdio connected to the
// controlling terminal, scripting only the initial connection; the user
// drives everything past that point, unlike pkg/debugstub's batch sessions.
func attachInteractive(ctx context.Context, debugger string, archInfo vmm.ArchInfo, vmRec *config.VMRecord) error {
	scriptPath, err := writeAttachScript(archInfo, vmRec)
	if err != nil {
		return fmt.Errorf("replay: write attach script: %w", err)
	}
	defer os.Remove(scriptPath)

	cmd := exec.CommandContext(ctx, debugger, "-q", "-x", scriptPath)
	cmd.Stdin = os.Stdin
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("interactive debugger session: %w", err)
	}
	return nil
}

func writeAttachScript(archInfo vmm.ArchInfo, vmRec *config.VMRecord) (string, error) {
	f, err := os.CreateTemp("", "snapfuzz-replay-*.gdb")
	if err != nil {
		return "", err
	}
	defer f.Close()

	fmt.Fprintf(f, "set pagination off\n")
	if archInfo.GDBArch != "" {
		fmt.Fprintf(f, "set architecture %s\n", archInfo.GDBArch)
	}
	fmt.Fprintf(f, "target remote 127.0.0.1:%d\n", vmRec.DebugPort)
	return f.Name(), nil
}

func printSummary(rec *reconstructed) {
	bold := color.New(color.Bold)
	bold.Println("snapfuzz replay")
	fmt.Printf("  job id:       %d\n", rec.info.JobID)
	fmt.Printf("  kind:         %s\n", rec.info.KindTag)
	if rec.info.Detail != "" {
		fmt.Printf("  detail:       %s\n", rec.info.Detail)
	}
	fmt.Printf("  signature:    %s\n", rec.info.Signature)
	if rec.info.SanitizerKind != "" {
		color.New(color.FgYellow).Printf("  sanitizer:    %s\n", rec.info.SanitizerKind)
	}
	fmt.Printf("  disk image:   %s\n", rec.diskImage)
	fmt.Printf("  snapshot:     %s\n", rec.snapshotName)
	fmt.Printf("  test case:    %s\n", rec.testCasePath)
}

// reconstruct resolves tgt into the disk image, snapshot, and test case a
// replay session needs, extracting whatever the archive carries into
// scratchDir and falling back to the store for job-level metadata.
func reconstruct(ctx context.Context, cfg Config, tgt Target, scratchDir string) (*reconstructed, error) {
	archivePath := tgt.ArchivePath
	var jobID int64 = -1
	var storedTestCasePath string

	if tgt.CrashID != 0 {
		if cfg.Store == nil {
			return nil, fmt.Errorf("crash id lookup requires a store")
		}
		crash, err := cfg.Store.GetCrash(ctx, tgt.CrashID)
		if err != nil {
			return nil, fmt.Errorf("look up crash %d: %w", tgt.CrashID, err)
		}
		archivePath = crash.ArchivePath
		jobID = crash.JobID
		storedTestCasePath = crash.TestCasePath
	}

	if archivePath == "" {
		return nil, fmt.Errorf("no archive available (crash has no packaged artifact)")
	}

	info, testCasePath, err := extractArchive(archivePath, scratchDir)
	if err != nil {
		return nil, err
	}
	if jobID < 0 {
		jobID = int64(info.JobID)
	}
	if testCasePath == "" {
		testCasePath = storedTestCasePath
	}

	rec := &reconstructed{
		info:         info,
		testCasePath: testCasePath,
		diskImage:    info.DiskImage,
		snapshotName: info.SnapshotName,
		arch:         info.Arch,
	}

	// The store's job row wins over archive metadata when available: the
	// operator may have moved the disk image since the crash was packaged.
	if cfg.Store != nil {
		job, err := cfg.Store.GetJob(ctx, jobID)
		if err == nil {
			rec.diskImage = job.DiskImage
			rec.snapshotName = job.SnapshotName
			if arch := archFromFuzzerConfig(job); arch != "" {
				rec.arch = arch
			}
			return rec, nil
		}
		log.Logf(0, "replay: job %d not found in store, relying on archive metadata: %v", jobID, err)
	}
	if rec.diskImage == "" {
		return nil, fmt.Errorf("no disk image recorded for job %d: the archive predates embedded metadata and no store row exists", jobID)
	}
	return rec, nil
}

// archFromFuzzerConfig extracts the "arch" key a job's fuzzer config
// embeds, the same key the worker's runJob reads when a job submission
// carries no top-level arch.
func archFromFuzzerConfig(job *store.Job) string {
	var extra struct {
		Arch string `json:"arch"`
	}
	if len(job.FuzzerConfig) > 0 {
		_ = json.Unmarshal(job.FuzzerConfig, &extra)
	}
	return extra.Arch
}

// extractArchive reads crash_info.json and the testcase/ member out of the
// zip at archivePath, writing the test case into scratchDir.
func extractArchive(archivePath, scratchDir string) (crashInfoDoc, string, error) {
	var info crashInfoDoc

	zr, err := zip.OpenReader(archivePath)
	if err != nil {
		return info, "", fmt.Errorf("open archive %s: %w", archivePath, err)
	}
	defer zr.Close()

	var testCasePath string
	for _, member := range zr.File {
		switch {
		case member.Name == "crash_info.json":
			rc, err := member.Open()
			if err != nil {
				return info, "", fmt.Errorf("open crash_info.json: %w", err)
			}
			data, err := io.ReadAll(rc)
			rc.Close()
			if err != nil {
				return info, "", fmt.Errorf("read crash_info.json: %w", err)
			}
			if err := json.Unmarshal(data, &info); err != nil {
				return info, "", fmt.Errorf("parse crash_info.json: %w", err)
			}
		case isTestCaseMember(member.Name):
			dst := filepath.Join(scratchDir, filepath.Base(member.Name))
			if err := extractMember(member, dst); err != nil {
				return info, "", fmt.Errorf("extract test case %s: %w", member.Name, err)
			}
			testCasePath = dst
		}
	}
	return info, testCasePath, nil
}

func isTestCaseMember(name string) bool {
	return strings.HasPrefix(name, "testcase/")
}

func extractMember(member *zip.File, dst string) error {
	rc, err := member.Open()
	if err != nil {
		return err
	}
	defer rc.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer out.Close()

	_, err = io.Copy(out, rc)
	return err
}
