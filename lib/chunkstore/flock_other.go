// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

//go:build !linux && !darwin

package chunkstore

import (
	"fmt"
	"os"
)

// lockRoot opens the lock file without locking it; advisory locking
// is only implemented for Linux and macOS.
func lockRoot(path string) (*os.File, error) {
	file, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("opening lock file %s: %w", path, err)
	}
	return file, nil
}

func unlockRoot(file *os.File) error {
	return file.Close()
}
