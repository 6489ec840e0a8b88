package main

import (
	"context"
	"path/filepath"

	"compatcheck/internal/cluster"
	"compatcheck/internal/snapconf"
	"compatcheck/internal/snapshot"
)

// lazyControlPlane resolves the control API address from the root config on
// every call. Init writes that config after the driver is constructed, so
// the address cannot be captured up front.
type lazyControlPlane struct {
	repoDir string
}

var _ cluster.ControlPlane = lazyControlPlane{}

func (l lazyControlPlane) client() (*cluster.HTTPControlPlane, error) {
	cfg, err := snapconf.LoadRoot(filepath.Join(l.repoDir, snapshot.RootConfigName))
	if err != nil {
		return nil, err
	}
	return cluster.NewHTTPControlPlane(cfg.StorageNode.ListenHTTPAddr, cfg.StorageNode.AuthToken), nil
}

func (l lazyControlPlane) TimelineCreate(ctx context.Context, tenantID, timelineID string) error {
	c, err := l.client()
	if err != nil {
		return err
	}
	return c.TimelineCreate(ctx, tenantID, timelineID)
}

func (l lazyControlPlane) TimelineDelete(ctx context.Context, tenantID, timelineID string) error {
	c, err := l.client()
	if err != nil {
		return err
	}
	return c.TimelineDelete(ctx, tenantID, timelineID)
}

func (l lazyControlPlane) Checkpoint(ctx context.Context, tenantID, timelineID string) error {
	c, err := l.client()
	if err != nil {
		return err
	}
	return c.Checkpoint(ctx, tenantID, timelineID)
}

func (l lazyControlPlane) LastRecordLSN(ctx context.Context, tenantID, timelineID string) (cluster.LSN, error) {
	c, err := l.client()
	if err != nil {
		return 0, err
	}
	return c.LastRecordLSN(ctx, tenantID, timelineID)
}

func (l lazyControlPlane) RemoteConsistentLSN(ctx context.Context, tenantID, timelineID string) (cluster.LSN, error) {
	c, err := l.client()
	if err != nil {
		return 0, err
	}
	return c.RemoteConsistentLSN(ctx, tenantID, timelineID)
}
