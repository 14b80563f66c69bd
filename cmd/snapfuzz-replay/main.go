// Copyright 2026 snapfuzz project authors. All rights reserved.
// Use of this source code is governed by an Apache 2-style license that can be found in the LICENSE file.

// Command snapfuzz-replay reproduces a recorded crash: given
// either a crash id (resolved against the persistence store) or a
// standalone artifact archive, it reconstructs the offending test case and
// original disk image/snapshot, spawns a single paused VM with the debug
// stub attached, and hands control to an interactive debugger.
package main

import (
	"context"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/snapfuzz/snapfuzz/pkg/config"
	"github.com/snapfuzz/snapfuzz/pkg/log"
	"github.com/snapfuzz/snapfuzz/pkg/replay"
	"github.com/snapfuzz/snapfuzz/pkg/store"
	"github.com/snapfuzz/snapfuzz/pkg/vmm"
)

func main() {
	os.Exit(run())
}

func run() int {
	crashID := pflag.Int64("crash-id", 0, "id of a crash recorded in the store to replay")
	archivePath := pflag.String("archive", "", "path to a standalone crash artifact archive to replay")
	storePath := pflag.String("store", "", "path to the persistence store; required when --crash-id is used")
	registryPath := pflag.String("registry", "./registry.json", "path to the VM registry")
	scratchRoot := pflag.String("scratch-root", "", "directory for the replay driver's scratch directory (default: OS temp dir)")
	debugger := pflag.String("debugger", "gdb", "interactive debugger binary to attach")
	maxParallelVMs := pflag.Int("max-parallel-vms", 1, "VM cap for the manager instance the replay driver uses")
	verbose := pflag.IntP("verbose", "v", 0, "verbosity level")
	pflag.Parse()

	log.SetVerbose(*verbose)

	if *crashID == 0 && *archivePath == "" {
		log.Errorf("one of --crash-id or --archive must be set")
		return 1
	}
	if *crashID != 0 && *storePath == "" {
		log.Errorf("--store is required when --crash-id is used")
		return 1
	}

	var st *store.Store
	if *storePath != "" {
		var err error
		st, err = store.Open(*storePath)
		if err != nil {
			log.Errorf("open store: %v", err)
			return 1
		}
		defer st.Close()
	}

	registry, err := config.OpenRegistry(*registryPath)
	if err != nil {
		log.Errorf("open registry: %v", err)
		return 1
	}
	mgr := vmm.NewManager(registry, *maxParallelVMs, filepath.Join(filepath.Dir(*registryPath), "replay-scratch"))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	err = replay.Run(ctx, replay.Config{
		Store:       st,
		Manager:     mgr,
		ScratchRoot: *scratchRoot,
		Debugger:    *debugger,
		ShareBridge: vmm.ShareBridgeVirtFS,
	}, replay.Target{CrashID: *crashID, ArchivePath: *archivePath})
	if err != nil {
		log.Errorf("replay: %v", err)
		return 1
	}
	if ctx.Err() != nil {
		return 130
	}
	return 0
}
