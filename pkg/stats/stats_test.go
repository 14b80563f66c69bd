// Copyright 2026 snapfuzz project authors. All rights reserved.
// Use of this source code is governed by an Apache 2-style license that can be found in the LICENSE file.

package stats

import (
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCollectorExposesMetrics(t *testing.T) {
	c := New()
	c.SetVMsRunning(3)
	c.SetFairShare(4)
	c.SetAccountantTotals(8, 4)
	c.RecordTestCase(42)
	c.RecordCrash(42, "buffer_overflow", true)
	c.RecordCrash(42, "buffer_overflow", false)
	c.RecordDispatchJob("ack")
	c.RecordDispatchError("transport")
	c.ObserveIteration(1.5)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/metrics", nil)
	c.Handler().ServeHTTP(rec, req)

	require.Equal(t, 200, rec.Code)
	body := rec.Body.String()
	require.Contains(t, body, "snapfuzz_vms_running 3")
	require.Contains(t, body, `snapfuzz_crashes_total{job_id="42",kind="buffer_overflow"} 2`)
	require.Contains(t, body, `snapfuzz_crashes_unique_total{job_id="42"} 1`)
}

func TestNilCollectorIsNoOp(t *testing.T) {
	var c *Collector
	require.NotPanics(t, func() {
		c.SetVMsRunning(1)
		c.RecordTestCase(1)
		c.RecordCrash(1, "x", true)
		c.RecordDispatchJob("ack")
		c.RecordDispatchError("transport")
		c.ObserveIteration(0.1)
	})
}
