// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package secrets keeps the bot token and provider API keys in memguard
// enclaves (encrypted at rest in process memory) instead of plain strings.
package secrets

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"

	"github.com/awnumar/memguard"
)

var (
	// ErrNotFound is returned for names that were never stored.
	ErrNotFound = errors.New("secret not found")

	// ErrEmpty is returned when the environment variable is unset or empty.
	ErrEmpty = errors.New("secret is empty")
)

// Store maps names to sealed secrets.
//
// # Thread Safety
//
// Safe for concurrent use.
type Store struct {
	mu       sync.RWMutex
	enclaves map[string]*memguard.Enclave
}

func NewStore() *Store {
	return &Store{enclaves: make(map[string]*memguard.Enclave)}
}

// Put seals value under name. value is wiped.
func (s *Store) Put(name string, value []byte) error {
	if len(value) == 0 {
		return fmt.Errorf("%s: %w", name, ErrEmpty)
	}
	enclave := memguard.NewEnclave(value)
	s.mu.Lock()
	s.enclaves[name] = enclave
	s.mu.Unlock()
	return nil
}

// LoadEnv seals the environment variable env under the same name and removes
// it from the process environment.
func (s *Store) LoadEnv(env string) error {
	v, ok := os.LookupEnv(env)
	if !ok || v == "" {
		return fmt.Errorf("environment variable %s: %w", env, ErrEmpty)
	}
	if err := s.Put(env, []byte(v)); err != nil {
		return err
	}
	if err := os.Unsetenv(env); err != nil {
		slog.Warn("could not clear secret from environment", "env", env, "error", err)
	}
	return nil
}

// Has reports whether name is stored.
func (s *Store) Has(name string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.enclaves[name]
	return ok
}

// With opens the secret into locked memory for the duration of fn. The
// slice must not be retained after fn returns.
func (s *Store) With(name string, fn func(secret []byte) error) error {
	s.mu.RLock()
	enclave, ok := s.enclaves[name]
	s.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%s: %w", name, ErrNotFound)
	}
	buf, err := enclave.Open()
	if err != nil {
		return fmt.Errorf("open secret %s: %w", name, err)
	}
	defer buf.Destroy()
	return fn(buf.Bytes())
}

// Reveal returns a plain copy of the secret, for SDKs that only accept strings.
func (s *Store) Reveal(name string) (string, error) {
	var out string
	err := s.With(name, func(secret []byte) error {
		out = string(secret)
		return nil
	})
	return out, err
}

// Purge wipes every memguard allocation in the process. Call once at shutdown.
func Purge() {
	memguard.Purge()
	slog.Info("Purged all secure memory")
}
