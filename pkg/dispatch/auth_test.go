// Copyright 2026 snapfuzz project authors. All rights reserved.
// Use of this source code is governed by an Apache 2-style license that can be found in the LICENSE file.

package dispatch

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAuthStoreAddAndCheck(t *testing.T) {
	path := filepath.Join(t.TempDir(), "auth.json")
	store, err := OpenAuthStore(path)
	require.NoError(t, err)

	require.NoError(t, store.AddKey("s3cr3t"))
	require.True(t, store.Check("s3cr3t"))
	require.False(t, store.Check("wrong"))

	reloaded, err := OpenAuthStore(path)
	require.NoError(t, err)
	require.True(t, reloaded.Check("s3cr3t"))
}

func TestAuthenticate(t *testing.T) {
	path := filepath.Join(t.TempDir(), "auth.json")
	store, err := OpenAuthStore(path)
	require.NoError(t, err)
	require.NoError(t, store.AddKey("good-key"))

	require.NoError(t, Authenticate(store, false, nil))
	require.NoError(t, Authenticate(store, true, &Auth{Method: "api_key", Key: "good-key"}))
	require.ErrorIs(t, Authenticate(store, true, &Auth{Method: "api_key", Key: "bad-key"}), ErrUnauthorized)
	require.ErrorIs(t, Authenticate(store, true, nil), ErrUnauthorized)
}
