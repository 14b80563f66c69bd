// Copyright 2026 snapfuzz project authors. All rights reserved.
// Use of this source code is governed by an Apache 2-style license that can be found in the LICENSE file.

package accountant

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSampler struct {
	cpu float64
	ram int
}

func (f fakeSampler) CPUFree() (float64, error) { return f.cpu, nil }
func (f fakeSampler) RAMFreeMiB() (int, error)  { return f.ram, nil }

func statePath(t *testing.T) string {
	return filepath.Join(t.TempDir(), "accountant.json")
}

func TestRegisterUnregisterInstance(t *testing.T) {
	a := Open(statePath(t), DefaultPolicy(), fakeSampler{cpu: 4, ram: 8192})

	require.NoError(t, a.RegisterInstance(os.Getpid()))
	count, err := a.InstanceCount()
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	require.NoError(t, a.RegisterInstance(os.Getpid()), "registering twice is idempotent")
	count, err = a.InstanceCount()
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	require.NoError(t, a.UnregisterInstance(os.Getpid()))
	count, err = a.InstanceCount()
	require.NoError(t, err)
	assert.Equal(t, 0, count)
}

func TestInstanceCountSweepsDeadPids(t *testing.T) {
	a := Open(statePath(t), DefaultPolicy(), fakeSampler{cpu: 4, ram: 8192})
	require.NoError(t, a.RegisterInstance(1<<30 | 12345))
	count, err := a.InstanceCount()
	require.NoError(t, err)
	assert.Equal(t, 0, count, "an unreachable pid must not be counted as live")
}

func TestRegisterVMsRespectsHeadroom(t *testing.T) {
	policy := Policy{MinCPUFree: 0.5, CPUPerVM: 1.0, MinRAMFreeMiB: 1024, RAMPerVMMiB: 2048}
	a := Open(statePath(t), policy, fakeSampler{cpu: 3.5, ram: 5120})

	// Warm the smoothing window so TotalMaxVMs reflects the sampled values.
	for i := 0; i < 5; i++ {
		_, err := a.TotalMaxVMs()
		require.NoError(t, err)
	}

	max, err := a.TotalMaxVMs()
	require.NoError(t, err)
	assert.Equal(t, 2, max, "min(floor((3.5-0.5)/1), floor((5120-1024)/2048)) == min(3,2) == 2")

	ok, err := a.RegisterVMs(2)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = a.RegisterVMs(1)
	require.NoError(t, err)
	assert.False(t, ok, "registering beyond total_max_vms must fail")

	require.NoError(t, a.ReleaseVMs(1))
	ok, err = a.RegisterVMs(1)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestReleaseVMsNeverGoesNegative(t *testing.T) {
	a := Open(statePath(t), DefaultPolicy(), fakeSampler{cpu: 4, ram: 8192})
	require.NoError(t, a.ReleaseVMs(3))
	vms, err := a.CurrentVMs()
	require.NoError(t, err)
	assert.Equal(t, 0, vms)
}

func TestFairShare(t *testing.T) {
	assert.Equal(t, 5, FairShare(10, 2))
	assert.Equal(t, 10, FairShare(10, 0), "an instance count below 1 must not divide by zero")
}
