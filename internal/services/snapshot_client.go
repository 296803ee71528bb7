package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"cs-workflows/backend/internal/logging"
	"cs-workflows/backend/internal/repository"
	"cs-workflows/backend/pkg/models"
)

// HTTPSnapshotClient fetches snapshots from the customer data service.
type HTTPSnapshotClient struct {
	url    string
	client *http.Client
}

// NewHTTPSnapshotClient creates a client for the service at baseURL.
func NewHTTPSnapshotClient(baseURL string, timeout time.Duration) *HTTPSnapshotClient {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &HTTPSnapshotClient{
		url:    strings.TrimRight(baseURL, "/"),
		client: &http.Client{Timeout: timeout},
	}
}

// GetSnapshot calls GET {url}/customers/{id}/snapshot. A 404 is reported as
// repository.ErrNotFound.
func (c *HTTPSnapshotClient) GetSnapshot(ctx context.Context, customerID string) (models.Snapshot, error) {
	endpoint := fmt.Sprintf("%s/customers/%s/snapshot", c.url, url.PathEscape(customerID))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to make request: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, fmt.Errorf("snapshot of customer %s: %w", customerID, repository.ErrNotFound)
	case resp.StatusCode != http.StatusOK:
		return nil, fmt.Errorf("failed to get snapshot: status code %d", resp.StatusCode)
	}

	var snap models.Snapshot
	if err := json.NewDecoder(resp.Body).Decode(&snap); err != nil {
		return nil, fmt.Errorf("failed to decode response body: %w", err)
	}
	if snap.ID() == "" {
		snap["id"] = customerID
	}
	return snap, nil
}

// FallbackSnapshots asks the primary provider first and falls back to the
// secondary one, usually the snapshot stored at provisioning, when the
// primary fails for any reason other than an unknown customer.
type FallbackSnapshots struct {
	primary   SnapshotProvider
	secondary SnapshotProvider
	logger    *logging.Logger
}

// NewFallbackSnapshots creates a FallbackSnapshots.
func NewFallbackSnapshots(primary, secondary SnapshotProvider, logger *logging.Logger) *FallbackSnapshots {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &FallbackSnapshots{primary: primary, secondary: secondary, logger: logger.Component("snapshots")}
}

func (f *FallbackSnapshots) GetSnapshot(ctx context.Context, customerID string) (models.Snapshot, error) {
	snap, err := f.primary.GetSnapshot(ctx, customerID)
	if err == nil || errors.Is(err, repository.ErrNotFound) {
		return snap, err
	}
	f.logger.Warn("customer data service unavailable, using stored snapshot",
		"customer_id", customerID,
		"error", err,
	)
	return f.secondary.GetSnapshot(ctx, customerID)
}
