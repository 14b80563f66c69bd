// Copyright 2026 snapfuzz project authors. All rights reserved.
// Use of this source code is governed by an Apache 2-style license that can be found in the LICENSE file.

package agentclient

import (
	"bufio"
	"net"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startFakeAgent(t *testing.T, response string) int {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		bufio.NewReader(conn).ReadString('\n')
		conn.Write([]byte(response + "\n"))
	}()

	_, portStr, err := net.SplitHostPort(ln.Addr().String())
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)
	return port
}

func TestGetCrashParsesReport(t *testing.T) {
	port := startFakeAgent(t, `{"crash":true,"pid":42,"exe":"/bin/victim","exception":"SIGSEGV","file":"victim.c"}`)
	client := New("127.0.0.1", port)

	report, err := client.GetCrash()
	require.NoError(t, err)
	assert.True(t, report.Crash)
	assert.Equal(t, 42, report.PID)
	assert.Equal(t, "/bin/victim", report.Exe)
}

func TestGetCrashMapsDialFailureToNoCrash(t *testing.T) {
	client := New("127.0.0.1", 1) // port 1 should refuse connections
	report, err := client.GetCrash()
	require.NoError(t, err, "a dead agent must never surface as an error")
	assert.False(t, report.Crash)
}

func TestGetCrashMapsMalformedResponseToNoCrash(t *testing.T) {
	port := startFakeAgent(t, `not json`)
	client := New("127.0.0.1", port)
	report, err := client.GetCrash()
	require.NoError(t, err)
	assert.False(t, report.Crash)
}
