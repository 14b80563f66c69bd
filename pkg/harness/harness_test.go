// Copyright 2026 snapfuzz project authors. All rights reserved.
// Use of this source code is governed by an Apache 2-style license that can be found in the LICENSE file.

package harness

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/snapfuzz/snapfuzz/pkg/debugstub"
)

func TestConfigSetDefaults(t *testing.T) {
	cfg := Config{}
	cfg.setDefaults()
	require.Equal(t, "127.0.0.1", cfg.AgentHost)
	require.Equal(t, 60*time.Second, cfg.IterationTimeout)
	require.Equal(t, 5*time.Second, cfg.RebalancePeriod)
	require.EqualValues(t, 8, cfg.MaxConcurrentDebugSessions)
}

func TestConfigSetDefaultsPreservesOverrides(t *testing.T) {
	cfg := Config{AgentHost: "10.0.0.1", IterationTimeout: 5 * time.Second, MaxConcurrentDebugSessions: 2}
	cfg.setDefaults()
	require.Equal(t, "10.0.0.1", cfg.AgentHost)
	require.Equal(t, 5*time.Second, cfg.IterationTimeout)
	require.EqualValues(t, 2, cfg.MaxConcurrentDebugSessions)
}

func TestCrashKindKernel(t *testing.T) {
	outcome := &debugstub.Outcome{
		Kind:      debugstub.KernelCrash,
		Signal:    "SIGSEGV",
		Registers: map[string]uint64{"rip": 0x41414141},
	}
	kind, ip := crashKind(outcome, "rip")
	require.Equal(t, "kernel_crash:SIGSEGV", kind)
	require.EqualValues(t, 0x41414141, ip)
}

func TestCrashKindUser(t *testing.T) {
	outcome := &debugstub.Outcome{
		Kind:          debugstub.UserCrash,
		UserException: "SIGABRT",
	}
	kind, ip := crashKind(outcome, "rip")
	require.Equal(t, "user_crash:SIGABRT", kind)
	require.EqualValues(t, 0, ip)
}
