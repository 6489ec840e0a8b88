// Package core declares the remote-storage mirror abstractions shared by
// the mirror drivers. Pipeline code imports the parent remotestore package,
// which re-exports these types.
package core

import (
	"context"
	"errors"
	"io"
)

// Driver identifies a mirror backend driver.
type Driver string

const (
	// DriverFilesystem is the local filesystem driver.
	DriverFilesystem Driver = "fs"
	// DriverS3 is the S3-compatible driver.
	DriverS3 Driver = "s3"
	// DriverMemory is the in-memory test driver.
	DriverMemory Driver = "memory"
)

// ErrNotFound indicates the requested object does not exist in the mirror.
var ErrNotFound = errors.New("object not found")

// Mirror is the interface for remote-storage mirror backends.
type Mirror interface {
	Driver() Driver

	// Put stores an object under key, replacing any existing object.
	Put(ctx context.Context, key string, r io.Reader) error
	// Get opens the object under key for reading.
	Get(ctx context.Context, key string) (io.ReadCloser, error)
	// List returns every key with the given prefix, sorted.
	List(ctx context.Context, prefix string) ([]string, error)
	// Delete removes one object, reporting whether it existed.
	Delete(ctx context.Context, key string) (bool, error)
	// WipePrefix removes every object under prefix and returns how many
	// were deleted. An empty prefix wipes the whole mirror.
	WipePrefix(ctx context.Context, prefix string) (int, error)
}
