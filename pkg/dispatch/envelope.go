// Copyright 2026 snapfuzz project authors. All rights reserved.
// Use of this source code is governed by an Apache 2-style license that can be found in the LICENSE file.

// Package dispatch implements the distributed work dispatch: a
// controller packages a job bundle and pushes it to an idle worker over a
// framed, optionally TLS-wrapped, optionally API-key-authenticated TCP
// connection; the worker unpacks and runs it through pkg/harness and
// reports status and crashes back on request.
package dispatch

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
)

// EnvelopeType enumerates the dispatch wire protocol's message kinds.
type EnvelopeType string

const (
	TypePushJob        EnvelopeType = "PUSH_JOB"
	TypeStatusRequest  EnvelopeType = "STATUS_REQUEST"
	TypeStatusResponse EnvelopeType = "STATUS_RESPONSE"
	TypeCrashRequest   EnvelopeType = "CRASH_REQUEST"
	TypeCrashResponse  EnvelopeType = "CRASH_RESPONSE"
	// TypeWorkerRegister lets a worker announce itself to the controller
	// once at startup instead of only ever being discovered from a static
	// config list.
	TypeWorkerRegister EnvelopeType = "WORKER_REGISTER"
	TypeAck            EnvelopeType = "ACK"
	TypeError          EnvelopeType = "ERROR"
)

// Auth carries the optional API-key credential.
type Auth struct {
	Method string `json:"method"` // "api_key"
	Key    string `json:"key"`
}

// Envelope is the framed JSON protocol header. PackageSize is non-zero
// only for PUSH_JOB, where it announces how many raw bytes of gzipped tar
// archive follow the envelope on the wire.
type Envelope struct {
	Type          EnvelopeType     `json:"type"`
	CorrelationID string           `json:"correlation_id,omitempty"`
	JobID         int64            `json:"job_id,omitempty"`
	Config        json.RawMessage  `json:"config,omitempty"`
	PackageSize   int64            `json:"package_size,omitempty"`
	Auth          *Auth            `json:"auth,omitempty"`
	WorkerAddr    string           `json:"worker_addr,omitempty"`
	Capacity      int              `json:"capacity,omitempty"`
	Statuses      map[int64]string `json:"statuses,omitempty"`
	Crashes       json.RawMessage  `json:"crashes,omitempty"`
	Message       string           `json:"message,omitempty"`
}

// ackBytes is the literal three-byte ACK sent in place of a
// full envelope for the simple success case after a PUSH_JOB upload.
var ackBytes = []byte("ACK")

// WriteEnvelope frames env as <4-byte big-endian length><JSON> and writes
// it to w.
func WriteEnvelope(w io.Writer, env *Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}
	var header [4]byte
	binary.BigEndian.PutUint32(header[:], uint32(len(data)))
	if _, err := w.Write(header[:]); err != nil {
		return fmt.Errorf("write envelope length: %w", err)
	}
	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("write envelope body: %w", err)
	}
	return nil
}

// ReadEnvelope reads one framed envelope from r.
func ReadEnvelope(r io.Reader) (*Envelope, error) {
	var header [4]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, fmt.Errorf("read envelope length: %w", err)
	}
	size := binary.BigEndian.Uint32(header[:])
	const maxEnvelopeSize = 16 << 20 // 16 MiB guards against a corrupt/hostile length prefix
	if size > maxEnvelopeSize {
		return nil, fmt.Errorf("envelope length %d exceeds maximum %d", size, maxEnvelopeSize)
	}
	body := make([]byte, size)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, fmt.Errorf("read envelope body: %w", err)
	}
	var env Envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("unmarshal envelope: %w", err)
	}
	return &env, nil
}

// WriteAck writes the literal 3-byte ACK the protocol uses to close out a
// successful PUSH_JOB upload.
func WriteAck(w io.Writer) error {
	_, err := w.Write(ackBytes)
	return err
}

// ReadAck reads and validates the literal 3-byte ACK.
func ReadAck(r io.Reader) error {
	buf := make([]byte, len(ackBytes))
	if _, err := io.ReadFull(r, buf); err != nil {
		return fmt.Errorf("read ack: %w", err)
	}
	if string(buf) != string(ackBytes) {
		return fmt.Errorf("unexpected ack bytes: %q", buf)
	}
	return nil
}

// writeErrorEnvelope sends a TypeError envelope carrying msg. It is used on
// the failure paths that follow a successfully read envelope; a failed TLS
// handshake or an unreadable envelope closes the connection without one.
func writeErrorEnvelope(w io.Writer, msg string) error {
	return WriteEnvelope(w, &Envelope{Type: TypeError, Message: msg})
}
