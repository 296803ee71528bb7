package services

import (
	"context"

	"cs-workflows/backend/pkg/models"
)

// SnapshotProvider supplies customer snapshots.
type SnapshotProvider interface {
	// GetSnapshot returns the current snapshot of a customer.
	GetSnapshot(ctx context.Context, customerID string) (models.Snapshot, error)
}

// SnapshotSaver keeps a copy of snapshots seen during provisioning.
type SnapshotSaver interface {
	SaveSnapshot(ctx context.Context, snap models.Snapshot) error
}
