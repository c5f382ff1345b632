package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"
)

// fileLock is an exclusive lock held through a sibling ".lock" file.
type fileLock struct {
	lockFile *os.File
	lockPath string
}

// lockPolicy controls how long acquireFileLock waits for another holder.
type lockPolicy struct {
	retries    int
	retryDelay time.Duration
	// staleAfter is the age past which a lock file is considered abandoned.
	staleAfter time.Duration
}

var defaultLockPolicy = lockPolicy{
	retries:    50,
	retryDelay: 100 * time.Millisecond,
	staleAfter: 30 * time.Second,
}

// acquireFileLock locks filePath against other CLI processes using the default policy.
func acquireFileLock(ctx context.Context, filePath string) (*fileLock, error) {
	return defaultLockPolicy.acquire(ctx, filePath)
}

func (p lockPolicy) acquire(ctx context.Context, filePath string) (*fileLock, error) {
	lockPath := filePath + ".lock"

	for range p.retries {
		// Try to create lock file exclusively (fails if already exists)
		lockFile, err := os.OpenFile(lockPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
		if err == nil {
			// PID for whoever finds the lock left behind
			fmt.Fprintf(lockFile, "%d", os.Getpid())
			return &fileLock{
				lockFile: lockFile,
				lockPath: lockPath,
			}, nil
		}

		if !errors.Is(err, fs.ErrExist) {
			return nil, fmt.Errorf("failed to acquire file lock: %w", err)
		}

		if info, statErr := os.Stat(lockPath); statErr == nil && time.Since(info.ModTime()) > p.staleAfter {
			// Stale lock; another waiter may remove it first
			if remErr := os.Remove(lockPath); remErr != nil && !errors.Is(remErr, fs.ErrNotExist) {
				return nil, fmt.Errorf("failed to remove stale lock file %s: %w", lockPath, remErr)
			}
			continue
		}

		// Held by another process, wait and retry
		timer := time.NewTimer(p.retryDelay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}

	return nil, fmt.Errorf(
		"timeout waiting for file lock after %v",
		time.Duration(p.retries)*p.retryDelay,
	)
}

// release closes and removes the lock file.
func (fl *fileLock) release() error {
	if fl.lockFile != nil {
		fl.lockFile.Close()
		fl.lockFile = nil
	}
	return os.Remove(fl.lockPath)
}
