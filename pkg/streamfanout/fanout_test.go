// Copyright 2026 snapfuzz project authors. All rights reserved.
// Use of this source code is governed by an Apache 2-style license that can be found in the LICENSE file.

package streamfanout

import (
	"io"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFanOutDeliversToMultipleReaders(t *testing.T) {
	f := New(io.NopCloser(strings.NewReader("hello world")))
	a := f.NewReader()
	b := f.NewReader()

	select {
	case <-f.Wait():
	case <-time.After(time.Second):
		t.Fatal("fanout never reached EOF")
	}

	gotA, err := a.ReadAll()
	require.NoError(t, err)
	gotB, err := b.ReadAll()
	require.NoError(t, err)

	assert.Equal(t, "hello world", string(gotA))
	assert.Equal(t, "hello world", string(gotB))
}

func TestFanOutReaderCreatedAfterEOFSeesFullStream(t *testing.T) {
	f := New(io.NopCloser(strings.NewReader("done")))
	<-f.Wait()

	r := f.NewReader()
	got, err := io.ReadAll(r)
	require.NoError(t, err)
	assert.Equal(t, "done", string(got),
		"a reader created after the stream ended must still see everything from the start")

	_, err = r.Read(make([]byte, 8))
	assert.Equal(t, io.EOF, err)
}

func TestReaderBlockingReadSeesIncrementalData(t *testing.T) {
	pr, pw := io.Pipe()
	f := New(pr)
	r := f.NewReader()

	go func() {
		pw.Write([]byte("first "))
		pw.Write([]byte("second"))
		pw.Close()
	}()

	got, err := io.ReadAll(r)
	require.NoError(t, err)
	assert.Equal(t, "first second", string(got))
	assert.Equal(t, io.EOF, f.Error())
}

func TestReadAllDoesNotBlockMidStream(t *testing.T) {
	pr, pw := io.Pipe()
	defer pw.Close()
	f := New(pr)
	r := f.NewReader()

	done := make(chan struct{})
	go func() {
		defer close(done)
		got, err := r.ReadAll()
		assert.NoError(t, err)
		assert.Empty(t, got)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("ReadAll blocked on an open stream with no data")
	}
}
