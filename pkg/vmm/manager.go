// Copyright 2026 snapfuzz project authors. All rights reserved.
// Use of this source code is governed by an Apache 2-style license that can be found in the LICENSE file.

package vmm

import (
	"bufio"
	"bytes"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/snapfuzz/snapfuzz/pkg/config"
	"github.com/snapfuzz/snapfuzz/pkg/log"
	"github.com/snapfuzz/snapfuzz/pkg/osutil"
)

// ShareBridge selects how the per-VM share directory is exposed to the
// guest.
type ShareBridge int

const (
	ShareBridgeVirtFS ShareBridge = iota
	ShareBridgeSMB
)

// DisplayMode selects the emulator's video output.
type DisplayMode int

const (
	DisplayOff DisplayMode = iota
	DisplayVNC
	DisplayNoGraphic
)

// SpawnOptions configures one VM spawn.
type SpawnOptions struct {
	Arch            string
	DiskImage       string
	SnapshotName    string
	ShareDir        string
	ShareBridge     ShareBridge
	Display         DisplayMode
	TimeCompression bool
	ExtraArgs       []string
	StartPaused     bool
}

// diskOnlySnapshotMarker is the well-known stderr substring the emulator
// prints when a named snapshot has no memory state attached.
const diskOnlySnapshotMarker = "Could not load VM state"

// ErrDiskOnlySnapshot is returned by Spawn when the emulator exits early
// because the snapshot lacks memory state.
var ErrDiskOnlySnapshot = fmt.Errorf("snapshot has no memory state (disk-only snapshot)")

// Manager owns the live emulator processes for one orchestrator instance
// and persists their metadata to a config.Registry.
type Manager struct {
	registry       *config.Registry
	maxParallelVMs int
	scratchRoot    string

	mu        sync.Mutex
	processes map[int]*os.Process // VM id -> process handle
}

// NewManager returns a manager backed by registry, refusing to start more
// than maxParallelVMs concurrently (0 means unlimited).
func NewManager(registry *config.Registry, maxParallelVMs int, scratchRoot string) *Manager {
	return &Manager{
		registry:       registry,
		maxParallelVMs: maxParallelVMs,
		scratchRoot:    scratchRoot,
		processes:      map[int]*os.Process{},
	}
}

// Registry exposes the manager's backing VM registry, for callers (the
// harness) that need to read or watch VM records
// directly rather than through the manager's own operations.
func (m *Manager) Registry() *config.Registry {
	return m.registry
}

func (m *Manager) runningCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.processes)
}

// StartVM spawns a new VM per opts and returns its registry record.
func (m *Manager) StartVM(opts SpawnOptions) (*config.VMRecord, error) {
	if m.maxParallelVMs != 0 && m.runningCount() >= m.maxParallelVMs {
		return nil, fmt.Errorf("vmm: refusing to start VM: running_count >= max_parallel_vms (%d)", m.maxParallelVMs)
	}

	archInfo, err := Arch(opts.Arch)
	if err != nil {
		return nil, err
	}

	ports, err := osutil.FreePorts(3)
	if err != nil {
		return nil, fmt.Errorf("allocate vm ports: %w", err)
	}
	debugPort, monitorPort, agentPort := ports[0], ports[1], ports[2]

	var vncPort int
	if opts.Display == DisplayVNC {
		vncPort, err = osutil.FreePort()
		if err != nil {
			return nil, fmt.Errorf("allocate vnc port: %w", err)
		}
	}

	shareDir := opts.ShareDir
	if shareDir == "" {
		shareDir = filepath.Join(m.scratchRoot, fmt.Sprintf("share-%d", time.Now().UnixNano()))
	}
	if err := osutil.MkdirAll(shareDir); err != nil {
		return nil, fmt.Errorf("create share dir: %w", err)
	}
	opts.ShareDir = shareDir

	proc, exited, err := spawnEmulator(archInfo, opts, debugPort, monitorPort, agentPort, vncPort)
	if err != nil {
		return nil, err
	}

	rec := &config.VMRecord{
		PID:         proc.Pid,
		Arch:        opts.Arch,
		DiskImage:   opts.DiskImage,
		ShareDir:    shareDir,
		DebugPort:   debugPort,
		MonitorPort: monitorPort,
		AgentPort:   agentPort,
		VNCPort:     vncPort,
		Snapshot:    opts.SnapshotName,
		Status:      config.VMRunning,
	}
	id, err := m.registry.AddVM(rec)
	if err != nil {
		proc.Kill()
		return nil, err
	}
	rec.ID = id

	m.track(id, proc, exited)
	return rec, nil
}

// track records the live process for id and reaps the map entry once the
// process exits, so runningCount never counts a dead VM against the cap.
func (m *Manager) track(id int, proc *os.Process, exited <-chan error) {
	m.mu.Lock()
	m.processes[id] = proc
	m.mu.Unlock()

	go func() {
		<-exited
		m.mu.Lock()
		if m.processes[id] == proc {
			delete(m.processes, id)
		}
		m.mu.Unlock()
	}()
}

// spawnEmulator starts the emulator process for opts on the given ports and
// waits the 1s post-spawn sanity interval, classifying an immediate exit as
// either a disk-only snapshot or a generic spawn failure.
func spawnEmulator(archInfo ArchInfo, opts SpawnOptions, debugPort, monitorPort, agentPort, vncPort int) (*os.Process, <-chan error, error) {
	args := buildArgs(archInfo, opts, debugPort, monitorPort, agentPort, vncPort)
	log.Logf(1, "vmm: spawning %s: %s", archInfo.Binary, strings.Join(args, " "))

	cmd := exec.Command(archInfo.Binary, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Start(); err != nil {
		return nil, nil, fmt.Errorf("start emulator: %w", err)
	}

	exited := make(chan error, 1)
	go func() { exited <- cmd.Wait() }()

	select {
	case err := <-exited:
		text := stderr.String()
		if strings.Contains(text, diskOnlySnapshotMarker) {
			return nil, nil, ErrDiskOnlySnapshot
		}
		return nil, nil, fmt.Errorf("emulator exited immediately: %w: %s", err, text)
	case <-time.After(time.Second):
	}
	return cmd.Process, exited, nil
}

// buildArgs assembles the emulator command line.
func buildArgs(arch ArchInfo, opts SpawnOptions, debugPort, monitorPort, agentPort, vncPort int) []string {
	var args []string

	args = append(args, "-drive", fmt.Sprintf("file=%s,if=virtio,format=qcow2", opts.DiskImage))
	if opts.SnapshotName != "" {
		args = append(args, "-loadvm", opts.SnapshotName)
	}
	if opts.StartPaused {
		args = append(args, "-S")
	}

	switch opts.ShareBridge {
	case ShareBridgeSMB:
		hostPort, _ := osutil.FreePort()
		args = append(args, "-netdev",
			fmt.Sprintf("user,id=net0,smb=%s,hostfwd=tcp::%d-:445,hostfwd=tcp::%d-:4444",
				opts.ShareDir, hostPort, agentPort))
		args = append(args, "-device", "e1000,netdev=net0")
	default:
		args = append(args, "-virtfs",
			fmt.Sprintf("local,path=%s,mount_tag=share0,security_model=mapped,id=share0", opts.ShareDir))
		args = append(args, "-netdev", fmt.Sprintf("user,id=net0,hostfwd=tcp::%d-:4444", agentPort))
		args = append(args, "-device", "e1000,netdev=net0")
	}

	switch opts.Display {
	case DisplayVNC:
		args = append(args, "-vnc", fmt.Sprintf("127.0.0.1:%d", vncPort-5900))
	case DisplayNoGraphic:
		args = append(args, "-nographic")
	default:
		args = append(args, "-display", "none")
	}

	args = append(args, "-monitor", fmt.Sprintf("tcp:127.0.0.1:%d,server,nowait", monitorPort))
	args = append(args, "-gdb", fmt.Sprintf("tcp::%d", debugPort))

	if opts.TimeCompression {
		args = append(args, "-icount", "shift=auto")
	}
	args = append(args, opts.ExtraArgs...)
	return args
}

// StopVM sends SIGTERM, waits briefly, then SIGKILL. With force=true the
// scratch directory and the registry record are removed as well.
func (m *Manager) StopVM(id int, force bool) error {
	rec, ok := m.registry.Get(id)
	if !ok {
		return fmt.Errorf("vm %d not found", id)
	}

	osutil.KillWait(rec.PID, time.Second)

	m.mu.Lock()
	delete(m.processes, id)
	m.mu.Unlock()

	if err := m.registry.UpdateVM(id, func(r *config.VMRecord) {
		r.Status = config.VMStopped
	}); err != nil {
		return err
	}

	if force {
		os.RemoveAll(rec.ShareDir)
		return m.registry.RemoveVM(id)
	}
	return nil
}

// RefreshStatus sweeps the registry, marking any Running record whose
// process has died as Stopped.
func (m *Manager) RefreshStatus() error {
	return m.registry.RefreshStatus(osutil.ProcessAlive)
}

// monitorDial opens the emulator's monitor TCP port, draining its banner.
func monitorDial(port int) (*monitorConn, error) {
	return dialMonitor(port, 2*time.Second)
}

// RevertSnapshot reverts the VM to its named snapshot, trying the fast
// monitor-based path first and falling back to a full respawn.
func (m *Manager) RevertSnapshot(id int) error {
	rec, ok := m.registry.Get(id)
	if !ok {
		return fmt.Errorf("vm %d not found", id)
	}
	if err := m.fastRevert(rec); err == nil {
		return nil
	} else {
		log.Logf(1, "vmm: fast revert failed for vm %d, falling back to respawn: %v", id, err)
	}
	return m.slowRevert(id, rec)
}

func (m *Manager) fastRevert(rec config.VMRecord) error {
	conn, err := monitorDial(rec.MonitorPort)
	if err != nil {
		return err
	}
	defer conn.Close()

	if _, err := conn.Command("stop"); err != nil {
		return err
	}
	resp, err := conn.Command(fmt.Sprintf("loadvm %s", rec.Snapshot))
	if err != nil {
		return err
	}
	if containsErrorKeyword(resp) {
		return fmt.Errorf("monitor reported error reverting snapshot: %s", resp)
	}
	if _, err := conn.Command("cont"); err != nil {
		return err
	}
	return nil
}

func containsErrorKeyword(s string) bool {
	lower := strings.ToLower(s)
	return strings.Contains(lower, "error") || strings.Contains(lower, "unknown")
}

// slowRevert stops the VM and re-spawns it with -loadvm and -S on the same
// ports, keeping the existing record (and id) and publishing only the new
// pid. The record stays Stopped for the window between kill and respawn.
func (m *Manager) slowRevert(id int, rec config.VMRecord) error {
	if err := m.StopVM(id, false); err != nil {
		return err
	}
	archInfo, err := Arch(rec.Arch)
	if err != nil {
		return err
	}
	opts := SpawnOptions{
		Arch:         rec.Arch,
		DiskImage:    rec.DiskImage,
		SnapshotName: rec.Snapshot,
		ShareDir:     rec.ShareDir,
		StartPaused:  true,
	}
	proc, exited, err := spawnEmulator(archInfo, opts, rec.DebugPort, rec.MonitorPort, rec.AgentPort, rec.VNCPort)
	if err != nil {
		return err
	}
	m.track(id, proc, exited)
	return m.registry.UpdateVM(id, func(r *config.VMRecord) {
		r.PID = proc.Pid
		r.Status = config.VMRunning
	})
}

// Screenshot captures the VM's current display as a PNG at dstPath, using
// the monitor's screendump command (PPM output converted to PNG).
func (m *Manager) Screenshot(id int, dstPath string) error {
	rec, ok := m.registry.Get(id)
	if !ok {
		return fmt.Errorf("vm %d not found", id)
	}
	conn, err := monitorDial(rec.MonitorPort)
	if err != nil {
		return err
	}
	defer conn.Close()

	ppmPath := dstPath + ".ppm"
	if _, err := conn.Command(fmt.Sprintf("screendump %s", ppmPath)); err != nil {
		return err
	}
	time.Sleep(300 * time.Millisecond)
	defer os.Remove(ppmPath)
	return convertPPMToPNG(ppmPath, dstPath)
}

// monitorConn is a thin line-oriented client for the emulator's human
// monitor protocol.
type monitorConn struct {
	closer func() error
	rw     *bufio.ReadWriter
}

func (c *monitorConn) Close() error { return c.closer() }

func (c *monitorConn) Command(cmd string) (string, error) {
	if _, err := c.rw.WriteString(cmd + "\n"); err != nil {
		return "", err
	}
	if err := c.rw.Flush(); err != nil {
		return "", err
	}
	time.Sleep(200 * time.Millisecond)
	var out strings.Builder
	for c.rw.Reader.Buffered() > 0 {
		b, err := c.rw.ReadByte()
		if err != nil {
			break
		}
		out.WriteByte(b)
	}
	return out.String(), nil
}
