// Copyright 2026 snapfuzz project authors. All rights reserved.
// Use of this source code is governed by an Apache 2-style license that can be found in the LICENSE file.

// Package debugstub drives the host debugger against a VM's debug stub:
// it polls for the port to come up, scripts a batch-mode debugger session,
// and races the debugger's own signal detection against the guest-agent
// client's user-space crash reports.
package debugstub

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/exec"
	"regexp"
	"strings"
	"syscall"
	"time"

	"github.com/snapfuzz/snapfuzz/pkg/agentclient"
	"github.com/snapfuzz/snapfuzz/pkg/log"
	"github.com/snapfuzz/snapfuzz/pkg/streamfanout"
)

// Kind distinguishes where a crash outcome was observed.
type Kind int

const (
	NoCrash Kind = iota
	KernelCrash
	UserCrash
)

// StackFrame is one parsed backtrace entry.
type StackFrame struct {
	Index    int
	Function string
	File     string
	Line     int
	Column   int
	HasLine  bool
}

// Outcome is the result of one debug-stub session.
type Outcome struct {
	Kind      Kind
	Signal    string
	Address   string
	Backtrace []StackFrame
	Registers map[string]uint64
	RawOutput string

	// UserPID/UserExe/UserException/UserFile are populated for UserCrash,
	// as reported by the guest agent.
	UserPID       int
	UserExe       string
	UserException string
	UserFile      string
}

// Config configures one debug-stub session.
type Config struct {
	Arch        string
	GDBArch     string
	DebugHost   string
	DebugPort   int
	AgentPort   int
	Debugger    string // defaults to "gdb"
	ConnectWait time.Duration
	PollPeriod  time.Duration
	Timeout     time.Duration
	ScriptDir   string
}

var (
	signalRe      = regexp.MustCompile(`Program received signal (\w+)`)
	frameRe       = regexp.MustCompile(`^#(\d+)\s+0x[0-9a-fA-F]+ in (.+?) \(.*\) at (.+?):(\d+)(?::(\d+))?`)
	frameNoAddrRe = regexp.MustCompile(`^#(\d+)\s+(.+?) \(.*\) at (.+?):(\d+)(?::(\d+))?`)
	registerRe    = regexp.MustCompile(`^(\w+)\s+0x([0-9a-fA-F]+)`)
)

// Run waits for the debug stub to come up, scripts and launches the
// debugger, and polls the guest agent in parallel until the debugger exits,
// the agent reports a crash, or cfg.Timeout elapses.
func Run(ctx context.Context, cfg Config) (*Outcome, error) {
	if cfg.Debugger == "" {
		cfg.Debugger = "gdb"
	}
	if cfg.ConnectWait == 0 {
		cfg.ConnectWait = 10 * time.Second
	}
	if cfg.PollPeriod == 0 {
		cfg.PollPeriod = 500 * time.Millisecond
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 60 * time.Second
	}

	if err := waitForPort(ctx, cfg.DebugHost, cfg.DebugPort, cfg.ConnectWait); err != nil {
		return nil, fmt.Errorf("debug stub never came up: %w", err)
	}

	scriptPath, err := writeScript(cfg)
	if err != nil {
		return nil, err
	}
	defer os.Remove(scriptPath)

	cmd := exec.Command(cfg.Debugger, "-batch", "-nx", "-x", scriptPath)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("pipe debugger stdout: %w", err)
	}
	cmd.Stderr = cmd.Stdout
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start debugger: %w", err)
	}

	fanOut := streamfanout.New(stdout)
	logReader := fanOut.NewReader()

	exited := make(chan error, 1)
	go func() { exited <- cmd.Wait() }()

	agent := agentclient.New(cfg.DebugHost, cfg.AgentPort)
	deadline := time.After(cfg.Timeout)
	ticker := time.NewTicker(cfg.PollPeriod)
	defer ticker.Stop()

	for {
		select {
		case err := <-exited:
			<-fanOut.Wait() // the pipe breaks once the process is gone
			raw, _ := logReader.ReadAll()
			out := parseDebuggerOutput(string(raw))
			if out.Kind != NoCrash {
				return out, nil
			}
			if err != nil {
				log.Logf(1, "debugstub: debugger exited with no crash signature: %v", err)
			}
			return out, nil

		case <-ticker.C:
			report, err := agent.GetCrash()
			if err != nil {
				continue
			}
			if report.Crash {
				killDebugger(cmd)
				<-exited
				<-fanOut.Wait()
				raw, _ := logReader.ReadAll()
				return &Outcome{
					Kind:          UserCrash,
					UserPID:       report.PID,
					UserExe:       report.Exe,
					UserException: report.Exception,
					UserFile:      report.File,
					RawOutput:     string(raw),
				}, nil
			}

		case <-deadline:
			killDebugger(cmd)
			<-exited
			return &Outcome{Kind: NoCrash}, nil

		case <-ctx.Done():
			killDebugger(cmd)
			<-exited
			return nil, ctx.Err()
		}
	}
}

func killDebugger(cmd *exec.Cmd) {
	if cmd.Process == nil {
		return
	}
	cmd.Process.Signal(syscall.SIGTERM)
	time.Sleep(200 * time.Millisecond)
	cmd.Process.Signal(syscall.SIGKILL)
}

func waitForPort(ctx context.Context, host string, port int, wait time.Duration) error {
	deadline := time.Now().Add(wait)
	addr := fmt.Sprintf("%s:%d", host, port)
	for time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		conn, err := net.DialTimeout("tcp", addr, 200*time.Millisecond)
		if err == nil {
			conn.Close()
			return nil
		}
		time.Sleep(100 * time.Millisecond)
	}
	return fmt.Errorf("timed out waiting for %s", addr)
}

// writeScript renders the batch debugger script: select architecture,
// disable pagination/prompts, synchronize with info registers, continue.
func writeScript(cfg Config) (string, error) {
	f, err := os.CreateTemp(cfg.ScriptDir, "snapfuzz-dbg-*.gdb")
	if err != nil {
		return "", fmt.Errorf("create debugger script: %w", err)
	}
	defer f.Close()

	fmt.Fprintf(f, "set pagination off\n")
	fmt.Fprintf(f, "set confirm off\n")
	if cfg.GDBArch != "" {
		fmt.Fprintf(f, "set architecture %s\n", cfg.GDBArch)
	}
	fmt.Fprintf(f, "target remote %s:%d\n", cfg.DebugHost, cfg.DebugPort)
	fmt.Fprintf(f, "info registers\n")
	fmt.Fprintf(f, "continue\n")
	fmt.Fprintf(f, "bt\n")
	return f.Name(), nil
}

// parseDebuggerOutput extracts a signal, backtrace, and register dump from
// raw combined debugger stdout/stderr.
func parseDebuggerOutput(raw string) *Outcome {
	out := &Outcome{RawOutput: raw}

	m := signalRe.FindStringSubmatch(raw)
	if m == nil {
		return out
	}
	out.Kind = KernelCrash
	out.Signal = m[1]

	lines := strings.Split(raw, "\n")
	for _, line := range lines {
		if frame, ok := parseFrame(line); ok {
			out.Backtrace = append(out.Backtrace, frame)
			continue
		}
		if regMatch := registerRe.FindStringSubmatch(line); regMatch != nil {
			if out.Registers == nil {
				out.Registers = map[string]uint64{}
			}
			var v uint64
			fmt.Sscanf(regMatch[2], "%x", &v)
			out.Registers[regMatch[1]] = v
		}
	}
	return out
}

func parseFrame(line string) (StackFrame, bool) {
	if m := frameRe.FindStringSubmatch(line); m != nil {
		return buildFrame(m), true
	}
	if m := frameNoAddrRe.FindStringSubmatch(line); m != nil {
		return buildFrame(m), true
	}
	return StackFrame{}, false
}

func buildFrame(m []string) StackFrame {
	var idx, lineNo, col int
	fmt.Sscanf(m[1], "%d", &idx)
	fmt.Sscanf(m[4], "%d", &lineNo)
	if len(m) > 5 && m[5] != "" {
		fmt.Sscanf(m[5], "%d", &col)
	}
	return StackFrame{
		Index:    idx,
		Function: m[2],
		File:     m[3],
		Line:     lineNo,
		Column:   col,
		HasLine:  true,
	}
}
