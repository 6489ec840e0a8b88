package remotestore

import (
	"context"
	"fmt"

	"compatcheck/internal/remotestore/s3"
	"compatcheck/internal/snapconf"
)

// Open selects a mirror driver from a snapshot's remote-storage
// configuration: a local path picks the filesystem driver, a bucket picks
// the S3 driver.
func Open(ctx context.Context, rs snapconf.RemoteStorage) (Mirror, error) {
	switch {
	case rs.LocalPath != "":
		return NewFilesystem(rs.LocalPath)
	case rs.Bucket != "":
		return s3.New(ctx, s3.Config{
			Region:   rs.Region,
			Bucket:   rs.Bucket,
			Endpoint: rs.Endpoint,
		})
	default:
		return nil, fmt.Errorf("remote storage config names neither local_path nor bucket")
	}
}
