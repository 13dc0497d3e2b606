package oui

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/anstrom/tracex/internal/errors"
	"github.com/anstrom/tracex/internal/logging"
)

const (
	// DefaultSourceURL is the IEEE MA-L registry.
	DefaultSourceURL = "https://standards-oui.ieee.org/oui/oui.txt"

	// DefaultMaxAge is how old the local copy may get before a refresh.
	DefaultMaxAge = 30 * 24 * time.Hour

	downloadTimeout = 60 * time.Second
	tableDirPerm    = 0750
)

// Refresher keeps the local vendor table current.
type Refresher struct {
	service   *Service
	sourceURL string
	client    *http.Client
	logger    *logging.Logger
}

// NewRefresher creates a refresher that downloads sourceURL into the file
// backing service. A nil client gets a 60 second timeout.
func NewRefresher(service *Service, sourceURL string, client *http.Client) *Refresher {
	if sourceURL == "" {
		sourceURL = DefaultSourceURL
	}
	if client == nil {
		client = &http.Client{Timeout: downloadTimeout}
	}
	return &Refresher{
		service:   service,
		sourceURL: sourceURL,
		client:    client,
		logger:    service.logger,
	}
}

// NeedsRefresh reports whether the local table is missing or older than maxAge.
func (r *Refresher) NeedsRefresh(maxAge time.Duration) bool {
	info, err := os.Stat(r.service.Path())
	if err != nil {
		return true
	}
	return time.Since(info.ModTime()) > maxAge
}

// Refresh downloads a fresh table and swaps it into the service.
func (r *Refresher) Refresh(ctx context.Context) error {
	start := time.Now()
	if err := download(ctx, r.client, r.sourceURL, r.service.Path()); err != nil {
		r.record("error")
		return err
	}
	if err := r.service.Reload(); err != nil {
		r.record("error")
		return err
	}
	r.record("success")
	r.logger.Info("vendor table refreshed",
		"source", r.sourceURL, "entries", r.service.Len(), "duration", time.Since(start))
	return nil
}

// RefreshIfStale refreshes only when NeedsRefresh(maxAge) is true.
func (r *Refresher) RefreshIfStale(ctx context.Context, maxAge time.Duration) error {
	if !r.NeedsRefresh(maxAge) {
		r.logger.Debug("vendor table is current, skipping refresh", "path", r.service.Path())
		return nil
	}
	return r.Refresh(ctx)
}

func (r *Refresher) record(status string) {
	if r.service.metrics != nil {
		r.service.metrics.IncrementVendorRefresh(status)
	}
}

// download fetches url into path through a temp file in the same directory,
// so readers never see a partial table.
func download(ctx context.Context, client *http.Client, url, path string) error {
	if client == nil {
		client = &http.Client{Timeout: downloadTimeout}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, http.NoBody)
	if err != nil {
		return errors.WrapScanErrorWithTarget(errors.CodeVendorTable, "invalid vendor source", url, err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return errors.WrapScanErrorWithTarget(errors.CodeVendorTable, "failed to download vendor table", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return errors.NewScanErrorWithTarget(errors.CodeVendorTable,
			fmt.Sprintf("failed to download vendor table: HTTP %d", resp.StatusCode), url)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, tableDirPerm); err != nil {
		return fmt.Errorf("failed to create vendor table directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := io.Copy(tmp, resp.Body); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return errors.WrapScanErrorWithTarget(errors.CodeVendorTable, "failed to write vendor table", path, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to close temp file: %w", err)
	}

	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to replace vendor table: %w", err)
	}
	return nil
}
