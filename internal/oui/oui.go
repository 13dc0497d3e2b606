// Package oui maps hardware addresses to their manufacturer using a local
// copy of the IEEE OUI registry (or any "PREFIX Vendor" list).
//
// The table is loaded once on first use and then only ever replaced whole:
// readers see an immutable map through an atomic pointer and never lock.
package oui

import (
	"bufio"
	"context"
	"io"
	"net/http"
	"os"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/anstrom/tracex/internal/errors"
	"github.com/anstrom/tracex/internal/logging"
	"github.com/anstrom/tracex/internal/metrics"
)

// Lookup resolves a hardware address to a vendor name.
type Lookup interface {
	Lookup(mac string) (string, bool)
}

// Service is the vendor lookup backed by a local table file.
type Service struct {
	path string

	table atomic.Pointer[map[string]string]

	loadOnce sync.Once
	loadErr  error

	// Set when the table should be fetched if the file is missing.
	sourceURL string
	client    *http.Client

	logger  *logging.Logger
	metrics *metrics.PrometheusMetrics
}

// Option configures a Service.
type Option func(*Service)

// WithAutoDownload makes Load fetch the table from sourceURL when the local
// file does not exist.
func WithAutoDownload(sourceURL string, client *http.Client) Option {
	return func(s *Service) {
		s.sourceURL = sourceURL
		s.client = client
	}
}

// WithLogger sets the logger.
func WithLogger(logger *logging.Logger) Option {
	return func(s *Service) {
		s.logger = logger
	}
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *metrics.PrometheusMetrics) Option {
	return func(s *Service) {
		s.metrics = m
	}
}

// NewService creates a lookup service for the table at path. Nothing is read
// until the first Load or Lookup.
func NewService(path string, opts ...Option) *Service {
	s := &Service{
		path:    path,
		logger:  logging.Default().WithComponent("oui"),
		metrics: metrics.GetGlobalMetrics(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// NewStatic returns an already-loaded service over a fixed table. Keys may be
// in any accepted MAC or prefix notation.
func NewStatic(entries map[string]string) *Service {
	table := make(map[string]string, len(entries))
	for k, v := range entries {
		if prefix, ok := Normalize(k); ok {
			table[prefix] = v
		}
	}
	s := &Service{logger: logging.NewNop()}
	s.table.Store(&table)
	s.loadOnce.Do(func() {})
	return s
}

// Path returns the backing file path.
func (s *Service) Path() string {
	return s.path
}

// Load reads the table on first call. Concurrent callers block until the
// single load finishes and all observe its result.
func (s *Service) Load() error {
	s.loadOnce.Do(func() {
		s.loadErr = s.initialLoad()
	})
	return s.loadErr
}

func (s *Service) initialLoad() error {
	if _, err := os.Stat(s.path); os.IsNotExist(err) {
		if s.sourceURL == "" {
			s.logger.Warn("vendor table not found, vendor lookups disabled", "path", s.path)
			s.store(map[string]string{})
			return nil
		}
		s.logger.Info("vendor table not found, downloading", "path", s.path, "source", s.sourceURL)
		if err := download(context.Background(), s.client, s.sourceURL, s.path); err != nil {
			s.logger.Warn("vendor table download failed, vendor lookups disabled", "error", err)
			s.store(map[string]string{})
			return nil
		}
	}
	return s.Reload()
}

// Reload parses the backing file and atomically swaps in the new table. On
// failure the previous table stays in place.
func (s *Service) Reload() error {
	f, err := os.Open(s.path)
	if err != nil {
		return errors.WrapScanErrorWithTarget(errors.CodeVendorTable, "failed to open vendor table", s.path, err)
	}
	defer f.Close()

	table, err := Parse(f)
	if err != nil {
		return err
	}
	s.store(table)
	s.logger.Info("vendor table loaded", "path", s.path, "entries", len(table))
	return nil
}

func (s *Service) store(table map[string]string) {
	s.table.Store(&table)
	if s.metrics != nil {
		s.metrics.SetVendorEntries(len(table))
	}
}

// Lookup returns the vendor for mac. The table is loaded on first use.
func (s *Service) Lookup(mac string) (string, bool) {
	_ = s.Load()

	prefix, ok := Normalize(mac)
	if !ok {
		return "", false
	}
	table := s.table.Load()
	if table == nil {
		return "", false
	}
	vendor, ok := (*table)[prefix]
	return vendor, ok
}

// Len returns the number of loaded prefixes.
func (s *Service) Len() int {
	table := s.table.Load()
	if table == nil {
		return 0
	}
	return len(*table)
}

// Normalize reduces a MAC address or OUI prefix in colon, dash, dot or bare
// notation to its upper-case 6 hex digit OUI.
func Normalize(mac string) (string, bool) {
	var b strings.Builder
	b.Grow(12)
	for _, r := range mac {
		switch {
		case r == ':' || r == '-' || r == '.':
			continue
		case r >= '0' && r <= '9', r >= 'a' && r <= 'f', r >= 'A' && r <= 'F':
			b.WriteRune(r)
		default:
			return "", false
		}
	}
	hex := b.String()
	if len(hex) < 6 {
		return "", false
	}
	return strings.ToUpper(hex[:6]), true
}

// Parse reads an IEEE oui.txt listing or a plain "PREFIX Vendor" list. Blank
// lines and # comments are skipped; the first entry for a prefix wins.
func Parse(r io.Reader) (map[string]string, error) {
	table := make(map[string]string)

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		var prefix, vendor string
		switch {
		case strings.Contains(line, "(hex)"):
			parts := strings.SplitN(line, "(hex)", 2)
			prefix, vendor = parts[0], parts[1]
		case strings.Contains(line, "(base 16)"):
			parts := strings.SplitN(line, "(base 16)", 2)
			prefix, vendor = parts[0], parts[1]
		default:
			idx := strings.IndexAny(line, " \t")
			if idx < 0 {
				continue
			}
			prefix, vendor = line[:idx], line[idx+1:]
		}

		prefix = strings.TrimSpace(prefix)
		vendor = strings.TrimSpace(vendor)
		if vendor == "" || len(strings.NewReplacer(":", "", "-", "", ".", "").Replace(prefix)) != 6 {
			continue
		}
		key, ok := Normalize(prefix)
		if !ok {
			continue
		}
		if _, exists := table[key]; !exists {
			table[key] = vendor
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, errors.WrapScanErrorWithTarget(errors.CodeVendorTable, "failed to read vendor table", "", err)
	}
	return table, nil
}
