package daemon

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/anstrom/tracex/internal/config"
	"github.com/anstrom/tracex/internal/logging"
)

func runAsync(ctx context.Context, d *Daemon, fn func(context.Context) error) <-chan error {
	errCh := make(chan error, 1)
	go func() { errCh <- d.Run(ctx, fn) }()
	return errCh
}

func waitErr(t *testing.T, errCh <-chan error) error {
	t.Helper()
	select {
	case err := <-errCh:
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("daemon did not stop")
		return nil
	}
}

func TestRun_PIDFileLifecycle(t *testing.T) {
	pidFile := filepath.Join(t.TempDir(), "run", "tracex.pid")
	d := New(config.DaemonConfig{PIDFile: pidFile})

	err := d.Run(context.Background(), func(context.Context) error {
		data, err := os.ReadFile(pidFile)
		require.NoError(t, err)
		assert.Equal(t, strconv.Itoa(os.Getpid()), string(data))
		return nil
	})
	require.NoError(t, err)

	_, err = os.Stat(pidFile)
	assert.True(t, os.IsNotExist(err))
}

func TestRun_RefusesLivePID(t *testing.T) {
	pidFile := filepath.Join(t.TempDir(), "tracex.pid")
	require.NoError(t, os.WriteFile(pidFile, []byte(strconv.Itoa(os.Getppid())), DefaultFilePermissions))

	called := false
	err := New(config.DaemonConfig{PIDFile: pidFile}).Run(context.Background(), func(context.Context) error {
		called = true
		return nil
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already running")
	assert.False(t, called)
}

func TestRun_ReplacesStalePID(t *testing.T) {
	pidFile := filepath.Join(t.TempDir(), "tracex.pid")
	require.NoError(t, os.WriteFile(pidFile, []byte("not-a-pid"), DefaultFilePermissions))

	err := New(config.DaemonConfig{PIDFile: pidFile}).Run(context.Background(), func(context.Context) error {
		data, err := os.ReadFile(pidFile)
		require.NoError(t, err)
		assert.Equal(t, strconv.Itoa(os.Getpid()), string(data))
		return nil
	})
	assert.NoError(t, err)
}

func TestRun_ReturnsServiceError(t *testing.T) {
	want := errors.New("listen failed")
	err := New(config.DaemonConfig{}).Run(context.Background(), func(context.Context) error {
		return want
	})
	assert.ErrorIs(t, err, want)
}

func TestRun_StopSignalCancelsService(t *testing.T) {
	for _, sig := range []syscall.Signal{syscall.SIGTERM, syscall.SIGINT} {
		t.Run(sig.String(), func(t *testing.T) {
			d := New(config.DaemonConfig{})
			d.signals <- sig

			errCh := runAsync(context.Background(), d, func(ctx context.Context) error {
				<-ctx.Done()
				return nil
			})
			assert.NoError(t, waitErr(t, errCh))
		})
	}
}

func TestRun_ParentContextStopsService(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	d := New(config.DaemonConfig{})

	errCh := runAsync(ctx, d, func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	cancel()
	assert.ErrorIs(t, waitErr(t, errCh), context.Canceled)
}

func TestRun_HangupReloads(t *testing.T) {
	reloaded := make(chan struct{}, 1)
	d := New(config.DaemonConfig{}, WithReload(func(context.Context) error {
		reloaded <- struct{}{}
		return nil
	}))
	d.signals <- syscall.SIGHUP

	ctx, cancel := context.WithCancel(context.Background())
	errCh := runAsync(ctx, d, func(ctx context.Context) error {
		<-ctx.Done()
		return nil
	})

	select {
	case <-reloaded:
	case <-time.After(5 * time.Second):
		t.Fatal("reload not called")
	}
	cancel()
	assert.NoError(t, waitErr(t, errCh))
}

func TestRun_ReloadErrorKeepsRunning(t *testing.T) {
	var buf bytes.Buffer
	logger := logging.NewWithWriter(logging.Config{Level: logging.LevelInfo, Format: logging.FormatText}, &buf)

	d := New(config.DaemonConfig{},
		WithLogger(logger),
		WithReload(func(context.Context) error { return errors.New("vendor table missing") }))
	d.signals <- syscall.SIGHUP
	d.signals <- syscall.SIGTERM

	errCh := runAsync(context.Background(), d, func(ctx context.Context) error {
		<-ctx.Done()
		return nil
	})
	require.NoError(t, waitErr(t, errCh))
	assert.Contains(t, buf.String(), "vendor table missing")
	assert.Contains(t, buf.String(), "Initiating graceful shutdown")
}

func TestRun_StatusDump(t *testing.T) {
	var buf bytes.Buffer
	logger := logging.NewWithWriter(logging.Config{Level: logging.LevelInfo, Format: logging.FormatText}, &buf)

	d := New(config.DaemonConfig{},
		WithLogger(logger),
		WithStatus(func() []any { return []any{"busy", true, "websocket_clients", 2} }))
	d.signals <- syscall.SIGUSR1
	d.signals <- syscall.SIGTERM

	errCh := runAsync(context.Background(), d, func(ctx context.Context) error {
		<-ctx.Done()
		return nil
	})
	require.NoError(t, waitErr(t, errCh))

	out := buf.String()
	assert.Contains(t, out, "Status dump")
	assert.Contains(t, out, "goroutines=")
	assert.Contains(t, out, "busy=true")
	assert.Contains(t, out, "websocket_clients=2")
}

func TestRun_PeriodicStatus(t *testing.T) {
	var buf bytes.Buffer
	logger := logging.NewWithWriter(logging.Config{Level: logging.LevelInfo, Format: logging.FormatText}, &buf)

	statusCalls := make(chan struct{}, 8)
	d := New(config.DaemonConfig{StatusInterval: 10 * time.Millisecond},
		WithLogger(logger),
		WithStatus(func() []any {
			select {
			case statusCalls <- struct{}{}:
			default:
			}
			return []any{"busy", false}
		}))

	ctx, cancel := context.WithCancel(context.Background())
	errCh := runAsync(ctx, d, func(ctx context.Context) error {
		<-ctx.Done()
		return nil
	})

	select {
	case <-statusCalls:
	case <-time.After(5 * time.Second):
		t.Fatal("no periodic status")
	}
	cancel()
	require.NoError(t, waitErr(t, errCh))
	assert.Contains(t, buf.String(), "Daemon status")
}
