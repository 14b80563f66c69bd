// Copyright 2026 snapfuzz project authors. All rights reserved.
// Use of this source code is governed by an Apache 2-style license that can be found in the LICENSE file.

package dispatch

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"golang.org/x/crypto/bcrypt"

	"github.com/snapfuzz/snapfuzz/pkg/osutil"
)

// ErrUnauthorized is returned when an incoming envelope's API key does not
// match any entry in the worker's local auth store.
var ErrUnauthorized = errors.New("dispatch: unauthorized")

// AuthStore is the worker's local API-key store, persisted as bcrypt
// hashes so a stolen store file doesn't hand out plaintext keys.
type AuthStore struct {
	path   string
	hashes []string
}

type authDoc struct {
	Hashes []string `json:"hashes"`
}

// OpenAuthStore loads (or initializes empty) the auth store at path.
func OpenAuthStore(path string) (*AuthStore, error) {
	s := &AuthStore{path: path}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return s, nil
		}
		return nil, fmt.Errorf("read auth store: %w", err)
	}
	var doc authDoc
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse auth store: %w", err)
	}
	s.hashes = doc.Hashes
	return s, nil
}

// AddKey hashes key with bcrypt and persists it.
func (s *AuthStore) AddKey(key string) error {
	hash, err := bcrypt.GenerateFromPassword([]byte(key), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("hash api key: %w", err)
	}
	s.hashes = append(s.hashes, string(hash))
	return s.save()
}

func (s *AuthStore) save() error {
	data, err := json.MarshalIndent(authDoc{Hashes: s.hashes}, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal auth store: %w", err)
	}
	return osutil.WriteFileAtomic(s.path, data, 0o600)
}

// Check reports whether key matches any stored hash.
func (s *AuthStore) Check(key string) bool {
	for _, h := range s.hashes {
		if bcrypt.CompareHashAndPassword([]byte(h), []byte(key)) == nil {
			return true
		}
	}
	return false
}

// Authenticate validates env.Auth against store when required. Disabled
// auth always succeeds, matching the auth_enabled toggle; when auth is
// required, a nil store accepts no key.
func Authenticate(store *AuthStore, required bool, auth *Auth) error {
	if !required {
		return nil
	}
	if store == nil || auth == nil || auth.Method != "api_key" || !store.Check(auth.Key) {
		return ErrUnauthorized
	}
	return nil
}
