// Copyright 2026 snapfuzz project authors. All rights reserved.
// Use of this source code is governed by an Apache 2-style license that can be found in the LICENSE file.

package dispatch

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEnvelopeRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	env := &Envelope{Type: TypePushJob, JobID: 42, PackageSize: 1024, Auth: &Auth{Method: "api_key", Key: "k"}}
	require.NoError(t, WriteEnvelope(&buf, env))

	got, err := ReadEnvelope(&buf)
	require.NoError(t, err)
	require.Equal(t, env.Type, got.Type)
	require.Equal(t, env.JobID, got.JobID)
	require.Equal(t, env.PackageSize, got.PackageSize)
	require.Equal(t, env.Auth.Key, got.Auth.Key)
}

func TestAckRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteAck(&buf))
	require.NoError(t, ReadAck(&buf))
}

func TestReadAckRejectsGarbage(t *testing.T) {
	buf := bytes.NewBufferString("NAK")
	require.Error(t, ReadAck(buf))
}

func TestReadEnvelopeRejectsOversizedLength(t *testing.T) {
	var buf bytes.Buffer
	buf.Write([]byte{0x7f, 0xff, 0xff, 0xff}) // ~2GiB claimed length
	_, err := ReadEnvelope(&buf)
	require.Error(t, err)
}
