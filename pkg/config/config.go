// Copyright 2026 snapfuzz project authors. All rights reserved.
// Use of this source code is governed by an Apache 2-style license that can be found in the LICENSE file.

// Package config loads the process-wide configuration document and
// maintains the persistent VM registry, both JSON files living under the
// user's state directory and guarded by an advisory file lock so that
// cooperating processes (manager, controller, worker) never trample each
// other's writes.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"

	"github.com/snapfuzz/snapfuzz/pkg/osutil"
)

// ConfigError wraps any I/O or parse failure while loading or saving the
// config or registry documents. Callers must propagate it; there is no
// recovery path short of operator intervention.
type ConfigError struct {
	Path string
	Err  error
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("config error at %s: %v", e.Path, e.Err)
}

func (e *ConfigError) Unwrap() error { return e.Err }

// ShareTransport selects how the host-share directory is exposed to the
// guest. The two options are mutually exclusive.
type ShareTransport int

const (
	ShareTransportVFS ShareTransport = iota
	ShareTransportSMB
)

// Config is the fully enumerated, documented subset of config.json.
// Undocumented keys survive round-trips in Extra.
type Config struct {
	MaxParallelVMs        int    `json:"max_parallel_vms"`
	Arch                  string `json:"arch"`
	DiskImage             string `json:"disk_image"`
	SnapshotName          string `json:"snapshot_name"`
	InputDir              string `json:"input_dir"`
	CrashDir              string `json:"crash_dir"`
	Fuzzer                string `json:"fuzzer"`
	FuzzerConfig          string `json:"fuzzer_config"`
	UseVFS                bool   `json:"use_vfs"`
	UseSMB                bool   `json:"use_smb"`
	Timeout               int    `json:"timeout"`
	EnableVMScreenshots   bool   `json:"enable_vm_screenshots"`
	EnableTimeCompression bool   `json:"enable_time_compression"`
	AuthEnabled           bool   `json:"auth_enabled"`
	TLSEnabled            bool   `json:"tls_enabled"`
	ControllerHost        string `json:"controller_host"`
	ControllerPort        int    `json:"controller_port"`

	// Extra holds any key this struct does not document, so that newer
	// config files round-trip through an older binary without data loss.
	Extra map[string]json.RawMessage `json:"-"`
}

// defaults fills the gaps a config file is allowed to leave out.
func defaults() Config {
	return Config{
		Timeout: 60,
	}
}

// Load reads and validates the config file at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &ConfigError{Path: path, Err: err}
	}
	cfg := defaults()
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, &ConfigError{Path: path, Err: err}
	}
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, &ConfigError{Path: path, Err: err}
	}
	known := knownKeys()
	cfg.Extra = map[string]json.RawMessage{}
	for k, v := range raw {
		if !known[k] {
			cfg.Extra[k] = v
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, &ConfigError{Path: path, Err: err}
	}
	return &cfg, nil
}

func knownKeys() map[string]bool {
	return map[string]bool{
		"max_parallel_vms": true, "arch": true, "disk_image": true,
		"snapshot_name": true, "input_dir": true, "crash_dir": true,
		"fuzzer": true, "fuzzer_config": true, "use_vfs": true, "use_smb": true,
		"timeout": true, "enable_vm_screenshots": true, "enable_time_compression": true,
		"auth_enabled": true, "tls_enabled": true, "controller_host": true,
		"controller_port": true,
	}
}

// Validate checks cross-field invariants not expressible in the struct tags.
func (c *Config) Validate() error {
	if c.UseVFS && c.UseSMB {
		return errors.New("use_vfs and use_smb are mutually exclusive")
	}
	if c.DiskImage == "" {
		return errors.New("disk_image must be set")
	}
	if c.Timeout <= 0 {
		return errors.New("timeout must be positive")
	}
	return nil
}

// Transport returns the configured host-share transport.
func (c *Config) Transport() ShareTransport {
	if c.UseSMB {
		return ShareTransportSMB
	}
	return ShareTransportVFS
}

// VMStatus is the lifecycle state of a VM Record.
type VMStatus string

const (
	VMRunning VMStatus = "Running"
	VMStopped VMStatus = "Stopped"
)

// VMRecord is one row of the persistent VM registry.
type VMRecord struct {
	ID          int      `json:"id"`
	PID         int      `json:"pid"`
	Arch        string   `json:"arch"`
	DiskImage   string   `json:"disk_image"`
	ShareDir    string   `json:"share_dir"`
	DebugPort   int      `json:"debug_port"`
	MonitorPort int      `json:"monitor_port"`
	AgentPort   int      `json:"agent_port"`
	VNCPort     int      `json:"vnc_port,omitempty"`
	Snapshot    string   `json:"snapshot"`
	Status      VMStatus `json:"status"`
	JobID       int      `json:"job_id"`
	CurrentTest string   `json:"current_test,omitempty"`
}

// Registry is a mixed-key JSON document: integer keys
// are VM records, and the reserved string key "last_vm_id" tracks the
// monotonic id counter so ids are never reused, even across restarts.
type Registry struct {
	path   string
	lock   *osutil.FileLock
	mu     sync.RWMutex
	vms    map[int]*VMRecord
	lastID int
}

// OpenRegistry loads (or initializes) the registry at path.
func OpenRegistry(path string) (*Registry, error) {
	r := &Registry{
		path: path,
		lock: osutil.NewFileLock(path),
		vms:  map[int]*VMRecord{},
	}
	if err := r.reload(); err != nil {
		if !os.IsNotExist(errors.Unwrap(err)) {
			return nil, err
		}
	}
	return r, nil
}

// reload re-reads the registry file, tolerating one retry against a
// truncated/half-written file (readers may read without
// the lock, but must cope with a writer's rename racing the read).
func (r *Registry) reload() error {
	var lastErr error
	for attempt := 0; attempt < 2; attempt++ {
		data, err := os.ReadFile(r.path)
		if err != nil {
			if os.IsNotExist(err) {
				return &ConfigError{Path: r.path, Err: err}
			}
			lastErr = err
			continue
		}
		var raw map[string]json.RawMessage
		if err := json.Unmarshal(data, &raw); err != nil {
			lastErr = err
			continue
		}
		vms := map[int]*VMRecord{}
		lastID := 0
		ok := true
		for k, v := range raw {
			if k == "last_vm_id" {
				if err := json.Unmarshal(v, &lastID); err != nil {
					ok = false
					break
				}
				continue
			}
			id, err := strconv.Atoi(k)
			if err != nil {
				// Non-numeric, non-reserved key: ignore (forward compat).
				continue
			}
			rec := &VMRecord{}
			if err := json.Unmarshal(v, rec); err != nil {
				ok = false
				break
			}
			vms[id] = rec
		}
		if !ok {
			lastErr = fmt.Errorf("truncated or malformed registry")
			continue
		}
		r.mu.Lock()
		r.vms = vms
		r.lastID = lastID
		r.mu.Unlock()
		return nil
	}
	return &ConfigError{Path: r.path, Err: lastErr}
}

// flush serializes the registry and writes it atomically. Must be called
// with the file lock held.
func (r *Registry) flush() error {
	r.mu.RLock()
	raw := map[string]any{"last_vm_id": r.lastID}
	for id, rec := range r.vms {
		raw[strconv.Itoa(id)] = rec
	}
	r.mu.RUnlock()
	data, err := json.MarshalIndent(raw, "", "  ")
	if err != nil {
		return &ConfigError{Path: r.path, Err: err}
	}
	if err := osutil.WriteFileAtomic(r.path, data, 0o644); err != nil {
		return &ConfigError{Path: r.path, Err: err}
	}
	return nil
}

// AddVM assigns the next VM id, stores the record, and persists the
// registry. It returns the assigned id.
func (r *Registry) AddVM(rec *VMRecord) (int, error) {
	if err := r.lock.Lock(); err != nil {
		return 0, &ConfigError{Path: r.path, Err: err}
	}
	defer r.lock.Unlock()

	if err := r.reload(); err != nil && !os.IsNotExist(errors.Unwrap(err)) {
		return 0, err
	}

	r.mu.Lock()
	id := r.lastID + 1
	rec.ID = id
	r.vms[id] = rec
	r.lastID = id
	r.mu.Unlock()

	if err := r.flush(); err != nil {
		return 0, err
	}
	return id, nil
}

// RemoveVM deletes a VM record; a no-op if the id is absent.
func (r *Registry) RemoveVM(id int) error {
	if err := r.lock.Lock(); err != nil {
		return &ConfigError{Path: r.path, Err: err}
	}
	defer r.lock.Unlock()

	if err := r.reload(); err != nil && !os.IsNotExist(errors.Unwrap(err)) {
		return err
	}
	r.mu.Lock()
	_, ok := r.vms[id]
	if ok {
		delete(r.vms, id)
	}
	r.mu.Unlock()
	if !ok {
		return nil
	}
	return r.flush()
}

// UpdateVM mutates the record for id in place via fn and persists the
// change. Returns an error if id is unknown.
func (r *Registry) UpdateVM(id int, fn func(*VMRecord)) error {
	if err := r.lock.Lock(); err != nil {
		return &ConfigError{Path: r.path, Err: err}
	}
	defer r.lock.Unlock()

	if err := r.reload(); err != nil && !os.IsNotExist(errors.Unwrap(err)) {
		return err
	}
	r.mu.Lock()
	rec, ok := r.vms[id]
	if ok {
		fn(rec)
	}
	r.mu.Unlock()
	if !ok {
		return fmt.Errorf("vm %d not found", id)
	}
	return r.flush()
}

// Get returns a copy of the record for id, if present.
func (r *Registry) Get(id int) (VMRecord, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.vms[id]
	if !ok {
		return VMRecord{}, false
	}
	return *rec, true
}

// All returns a snapshot copy of every known VM record.
func (r *Registry) All() []VMRecord {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]VMRecord, 0, len(r.vms))
	for _, rec := range r.vms {
		out = append(out, *rec)
	}
	return out
}

// RefreshStatus runs the status-refresh sweep: any Running
// record whose owning process is no longer alive transitions to Stopped.
func (r *Registry) RefreshStatus(alive func(pid int) bool) error {
	if err := r.lock.Lock(); err != nil {
		return &ConfigError{Path: r.path, Err: err}
	}
	defer r.lock.Unlock()

	if err := r.reload(); err != nil && !os.IsNotExist(errors.Unwrap(err)) {
		return err
	}
	changed := false
	r.mu.Lock()
	for _, rec := range r.vms {
		if rec.Status == VMRunning && !alive(rec.PID) {
			rec.Status = VMStopped
			changed = true
		}
	}
	r.mu.Unlock()
	if !changed {
		return nil
	}
	return r.flush()
}

// ConfigPath and RegistryPath compute the two well-known files under a
// state directory.
func ConfigPath(stateDir string) string   { return filepath.Join(stateDir, "config.json") }
func RegistryPath(stateDir string) string { return filepath.Join(stateDir, "registry.json") }
