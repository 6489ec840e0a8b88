// Package remotestore models the durable object mirror a storage-service
// snapshot carries alongside its write-ahead log. The verification pipeline
// never interprets mirror contents; it lists them to confirm durability and
// wipes them to force log-only recovery. Drivers exist for the local
// filesystem (what snapshots embed), S3-compatible object stores and an
// in-memory map for tests.
package remotestore

import "compatcheck/internal/remotestore/core"

type (
	// Driver identifies a mirror backend driver.
	Driver = core.Driver
	// Mirror is the interface for remote-storage mirror backends.
	Mirror = core.Mirror
)

const (
	// DriverFilesystem is the local filesystem driver.
	DriverFilesystem = core.DriverFilesystem
	// DriverS3 is the S3-compatible driver.
	DriverS3 = core.DriverS3
	// DriverMemory is the in-memory test driver.
	DriverMemory = core.DriverMemory
)

// ErrNotFound indicates the requested object does not exist in the mirror.
var ErrNotFound = core.ErrNotFound
