// Copyright 2026 snapfuzz project authors. All rights reserved.
// Use of this source code is governed by an Apache 2-style license that can be found in the LICENSE file.

// Package agentclient polls the guest-resident crash agent over a forwarded
// TCP port for user-space crashes the debug stub can't see on its own (the
// stub only catches signals that reach the kernel's crash-delivery path).
package agentclient

import (
	"bufio"
	"encoding/json"
	"fmt"
	"net"
	"time"

	"github.com/snapfuzz/snapfuzz/pkg/log"
)

// Report is the guest agent's JSON crash report.
type Report struct {
	Crash     bool   `json:"crash"`
	PID       int    `json:"pid"`
	Exe       string `json:"exe"`
	Exception string `json:"exception"`
	File      string `json:"file"`
}

// Client talks to one VM's guest agent.
type Client struct {
	host    string
	port    int
	timeout time.Duration
}

// New returns a client dialing host:port on each request.
func New(host string, port int) *Client {
	return &Client{host: host, port: port, timeout: 2 * time.Second}
}

// GetCrash sends GET_CRASH and parses the JSON response. Any socket or
// parse failure is mapped to a non-crash report and logged, never returned
// as an error: a dead or slow agent must not halt the debug-stub poll loop.
func (c *Client) GetCrash() (Report, error) {
	addr := fmt.Sprintf("%s:%d", c.host, c.port)
	conn, err := net.DialTimeout("tcp", addr, c.timeout)
	if err != nil {
		log.Logf(2, "agentclient: dial %s: %v", addr, err)
		return Report{Crash: false}, nil
	}
	defer conn.Close()

	conn.SetDeadline(time.Now().Add(c.timeout))
	if _, err := conn.Write([]byte("GET_CRASH\n")); err != nil {
		log.Logf(2, "agentclient: write to %s: %v", addr, err)
		return Report{Crash: false}, nil
	}

	line, err := bufio.NewReader(conn).ReadString('\n')
	if err != nil {
		log.Logf(2, "agentclient: read from %s: %v", addr, err)
		return Report{Crash: false}, nil
	}

	var report Report
	if err := json.Unmarshal([]byte(line), &report); err != nil {
		log.Logf(2, "agentclient: parse response from %s: %v", addr, err)
		return Report{Crash: false}, nil
	}
	return report, nil
}
