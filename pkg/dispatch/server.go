// Copyright 2026 snapfuzz project authors. All rights reserved.
// Use of this source code is governed by an Apache 2-style license that can be found in the LICENSE file.

package dispatch

import (
	"context"
	"crypto/tls"
	"net"
	"time"

	"github.com/snapfuzz/snapfuzz/pkg/log"
)

// acceptTimeout is the accept-loop polling cadence; a short deadline lets
// the loop notice cancellation without a stray connection.
const acceptTimeout = time.Second

// acceptLoop runs the shared server pattern: accept with a
// short deadline so the cancellation flag is checked regularly, dispatch
// each connection to handle on its own goroutine.
func acceptLoop(ctx context.Context, ln *net.TCPListener, handle func(net.Conn)) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}
		ln.SetDeadline(time.Now().Add(acceptTimeout))
		conn, err := ln.Accept()
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			if ctx.Err() != nil {
				return nil
			}
			log.Logf(0, "dispatch: accept: %v", err)
			continue
		}
		go handle(conn)
	}
}

// wrapTLS upgrades conn to TLS server-side when cfg is non-nil, performing
// the handshake before returning. Any failure is the caller's signal to
// drop conn.
func wrapTLS(conn net.Conn, cfg *tls.Config) (net.Conn, error) {
	if cfg == nil {
		return conn, nil
	}
	tconn := tls.Server(conn, cfg)
	tconn.SetDeadline(time.Now().Add(dialTimeout))
	if err := tconn.Handshake(); err != nil {
		return nil, err
	}
	return tconn, nil
}
