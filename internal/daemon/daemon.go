// Package daemon supervises the long-running server process. It owns the
// PID file, turns signals into shutdown, reload and status requests, and
// logs a periodic status line.
package daemon

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/anstrom/tracex/internal/config"
	"github.com/anstrom/tracex/internal/logging"
)

// File permission constants.
const (
	DefaultDirPermissions  = 0o750
	DefaultFilePermissions = 0o600
)

const bytesPerKB = 1024

// ReloadFunc is called on SIGHUP.
type ReloadFunc func(ctx context.Context) error

// StatusFunc returns key/value pairs describing the running service.
type StatusFunc func() []any

// Daemon runs one service function until it returns or a stop signal
// arrives.
type Daemon struct {
	pidFile  string
	interval time.Duration
	logger   *logging.Logger
	reload   ReloadFunc
	status   StatusFunc
	signals  chan os.Signal
}

// Option configures a Daemon.
type Option func(*Daemon)

// WithLogger sets the logger.
func WithLogger(logger *logging.Logger) Option {
	return func(d *Daemon) { d.logger = logger }
}

// WithReload sets the SIGHUP handler.
func WithReload(fn ReloadFunc) Option {
	return func(d *Daemon) { d.reload = fn }
}

// WithStatus sets the source of status fields for dumps and the periodic
// status line.
func WithStatus(fn StatusFunc) Option {
	return func(d *Daemon) { d.status = fn }
}

// New creates a daemon from cfg.
func New(cfg config.DaemonConfig, opts ...Option) *Daemon {
	d := &Daemon{
		pidFile:  cfg.PIDFile,
		interval: cfg.StatusInterval,
		logger:   logging.NewNop(),
		signals:  make(chan os.Signal, 4),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Run writes the PID file and calls fn. The context passed to fn is
// cancelled on SIGINT or SIGTERM or when ctx ends; Run returns what fn
// returns and removes the PID file.
func (d *Daemon) Run(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := d.createPIDFile(); err != nil {
		return err
	}
	defer d.removePIDFile()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	signal.Notify(d.signals, syscall.SIGTERM, syscall.SIGINT, syscall.SIGHUP, syscall.SIGUSR1)
	defer signal.Stop(d.signals)

	done := make(chan error, 1)
	go func() { done <- fn(ctx) }()

	var tick <-chan time.Time
	if d.interval > 0 {
		ticker := time.NewTicker(d.interval)
		defer ticker.Stop()
		tick = ticker.C
	}

	d.logger.Info("Daemon started", "pid", os.Getpid())
	for {
		select {
		case err := <-done:
			d.logger.Info("Daemon stopped")
			return err
		case sig := <-d.signals:
			d.handleSignal(ctx, sig, cancel)
		case <-tick:
			d.logger.Info("Daemon status", d.statusFields()...)
		}
	}
}

func (d *Daemon) handleSignal(ctx context.Context, sig os.Signal, cancel context.CancelFunc) {
	d.logger.Debug("Received signal", "signal", sig.String())

	switch sig {
	case syscall.SIGTERM, syscall.SIGINT:
		if ctx.Err() != nil {
			d.logger.Info("Shutdown already in progress")
			return
		}
		d.logger.Info("Initiating graceful shutdown", "signal", sig.String())
		cancel()
	case syscall.SIGHUP:
		if d.reload == nil {
			return
		}
		if err := d.reload(ctx); err != nil {
			d.logger.Error("Reload failed", "error", err)
			return
		}
		d.logger.Info("Reload completed")
	case syscall.SIGUSR1:
		d.dumpStatus()
	}
}

// dumpStatus logs process and service state.
func (d *Daemon) dumpStatus() {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	fields := []any{
		"pid", os.Getpid(),
		"goroutines", runtime.NumGoroutine(),
		"alloc_kb", m.Alloc / bytesPerKB,
		"sys_kb", m.Sys / bytesPerKB,
		"num_gc", m.NumGC,
	}
	d.logger.Info("Status dump", append(fields, d.statusFields()...)...)
}

func (d *Daemon) statusFields() []any {
	if d.status == nil {
		return nil
	}
	return d.status()
}

// createPIDFile writes the current PID, refusing if another live process
// holds the file.
func (d *Daemon) createPIDFile() error {
	if d.pidFile == "" {
		return nil
	}

	if err := os.MkdirAll(filepath.Dir(d.pidFile), DefaultDirPermissions); err != nil {
		return fmt.Errorf("failed to create PID file directory: %w", err)
	}
	if err := d.checkExistingPID(); err != nil {
		return err
	}

	pid := os.Getpid()
	if err := os.WriteFile(d.pidFile, []byte(strconv.Itoa(pid)), DefaultFilePermissions); err != nil {
		return fmt.Errorf("failed to write PID file: %w", err)
	}
	d.logger.Debug("Created PID file", "path", d.pidFile, "pid", pid)
	return nil
}

// checkExistingPID removes a stale or unreadable PID file and fails if the
// recorded process is still running.
func (d *Daemon) checkExistingPID() error {
	data, err := os.ReadFile(d.pidFile)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read existing PID file: %w", err)
	}

	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err == nil && pid != os.Getpid() && isProcessRunning(pid) {
		return fmt.Errorf("already running with PID %d", pid)
	}

	_ = os.Remove(d.pidFile)
	return nil
}

func (d *Daemon) removePIDFile() {
	if d.pidFile == "" {
		return
	}
	if err := os.Remove(d.pidFile); err != nil && !os.IsNotExist(err) {
		d.logger.Warn("Failed to remove PID file", "path", d.pidFile, "error", err)
	}
}

func isProcessRunning(pid int) bool {
	if pid <= 0 {
		return false
	}
	process, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return process.Signal(syscall.Signal(0)) == nil
}
