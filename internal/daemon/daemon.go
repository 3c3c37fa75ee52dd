// Package daemon owns the process lifecycle: startup, reload, and
// shutdown ordering (spec.md §4.9, component C9). Grounded on
// cmd/omega/main.go's subsystem wiring order and internal/web.Server's
// signal-driven graceful shutdown, adapted from a single HTTP server's
// Shutdown(ctx) to the ordered drain of C6 (control socket), C8
// (startup task), and every live C3 writer described in spec.md §4.9.
package daemon

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/opsiorg/opsipxeconfd/internal/config"
	"github.com/opsiorg/opsipxeconfd/internal/control"
	"github.com/opsiorg/opsipxeconfd/internal/registry"
	"github.com/opsiorg/opsipxeconfd/internal/secret"
	"github.com/opsiorg/opsipxeconfd/internal/serviceclient"
	"github.com/opsiorg/opsipxeconfd/internal/startup"
	"github.com/opsiorg/opsipxeconfd/internal/update"
)

// writerStopJoinTimeout bounds how long shutdown waits on any one writer
// (spec.md §4.9 step 2: "join each up to 5s").
const writerStopJoinTimeout = 5 * time.Second

// Daemon wires together the service client (C1), the writer registry
// (C4), the update pipeline (C5), the control server (C6/C7), and the
// startup task (C8), and owns the order they come up and go down in.
type Daemon struct {
	configPath string
	cfg        *config.Store

	svc      *serviceclient.Client
	writers  *registry.Registry
	pipeline *update.Pipeline
	server   *control.Server
	task     *startup.Task

	pidFile *os.File
}

// New loads the configuration snapshot and constructs the daemon's
// subsystems without starting any of them (spec.md §4.9 step 1: "parse/
// snapshot config").
func New(configPath string) (*Daemon, error) {
	cfg, err := config.NewStore(configPath)
	if err != nil {
		return nil, fmt.Errorf("daemon: load config: %w", err)
	}
	snap := cfg.Load()

	svc := serviceclient.New(serviceclient.Config{
		URL:             snap.ServiceURL,
		User:            snap.ServiceUser,
		Password:        snap.ServicePassword,
		CACertFile:      snap.CACertFile,
		ConnectRetries:  snap.ConnectRetries,
		ConnectRetryGap: time.Duration(snap.ConnectRetryDelaySeconds) * time.Second,
	})

	writers := registry.New()

	return &Daemon{
		configPath: configPath,
		cfg:        cfg,
		svc:        svc,
		writers:    writers,
	}, nil
}

// Run executes the full startup order of spec.md §4.9 and blocks until a
// stop signal or a `stop` control command is received, then performs an
// orderly shutdown. It refuses to start if a pid file for another live
// instance is present.
func (d *Daemon) Run(ctx context.Context) error {
	snap := d.cfg.Load()

	secret.Logf("[Daemon] starting: depot=%s pxe_dir=%s socket=%s", snap.DepotID, snap.PXEDirectory, snap.SocketPath)

	pidFile, err := acquirePIDFile(snap.PidFile)
	if err != nil {
		return fmt.Errorf("daemon: pid file: %w", err)
	}
	d.pidFile = pidFile
	defer releasePIDFile(d.pidFile, snap.PidFile)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	defer signal.Stop(sigCh)

	connectCtx, cancel := context.WithTimeout(ctx, time.Duration(snap.ConnectRetries+1)*time.Duration(snap.ConnectRetryDelaySeconds)*time.Second+10*time.Second)
	err = d.svc.Connect(connectCtx)
	cancel()
	if err != nil {
		return fmt.Errorf("daemon: connect to service: %w", err)
	}
	secret.Logf("[Daemon] connected to service %s", snap.ServiceURL)

	licensed, err := d.svc.LicensingInfo(ctx)
	if err != nil {
		secret.Logf("[Daemon] licensing info: %v (continuing with no modules licensed)", err)
	}

	d.pipeline = update.New(d.svc, d.writers, d.cfg, licensed)
	d.task = startup.New(d.svc, d.pipeline, snap.DepotID)
	go d.task.Run(ctx)

	d.server = control.New(snap.SocketPath, snap.AdminGroup, d.writers, d.pipeline)
	if err := d.server.Listen(); err != nil {
		return fmt.Errorf("daemon: listen: %w", err)
	}
	secret.Logf("[Daemon] control socket listening on %s", snap.SocketPath)

	for {
		select {
		case sig := <-sigCh:
			if sig == syscall.SIGHUP {
				if err := d.reload(); err != nil {
					secret.Logf("[Daemon] reload failed: %v", err)
				}
				continue
			}
			secret.Logf("[Daemon] received signal %v, shutting down", sig)
			d.shutdown()
			return nil

		case <-d.server.StopRequested:
			secret.Logf("[Daemon] stop requested via control socket")
			d.shutdown()
			return nil

		case <-ctx.Done():
			d.shutdown()
			return ctx.Err()
		}
	}
}

// reload re-reads the configuration file, swaps the snapshot, refreshes
// licensing info from C1, and recreates the control socket (spec.md
// §4.9: "re-read config, replace the snapshot, re-init logging, refresh
// licensing info from C1, recreate the socket").
func (d *Daemon) reload() error {
	if err := d.cfg.Reload(); err != nil {
		return fmt.Errorf("reload config: %w", err)
	}
	snap := d.cfg.Load()
	secret.Logf("[Daemon] reloaded config: depot=%s", snap.DepotID)

	licensed, err := d.svc.LicensingInfo(context.Background())
	if err != nil {
		secret.Logf("[Daemon] reload: licensing info: %v", err)
	} else {
		// Licensing flags are a construction-time snapshot per writer
		// (spec.md §3): a reload rebuilds the pipeline with the refreshed
		// flags so new writers observe the change, but writers already
		// running keep whatever they were constructed with.
		d.pipeline = update.New(d.svc, d.writers, d.cfg, licensed)
	}

	if err := d.server.Close(); err != nil {
		secret.Logf("[Daemon] reload: close old socket: %v", err)
	}
	d.server = control.New(snap.SocketPath, snap.AdminGroup, d.writers, d.pipeline)
	if err := d.server.Listen(); err != nil {
		return fmt.Errorf("recreate socket: %w", err)
	}
	return nil
}

// shutdown performs the ordered drain of spec.md §4.9:
//  1. signal C8 to stop and join briefly
//  2. snapshot C4, stop each writer, join each up to 5s
//  3. close the listening socket
//  4. disconnect C1
//  5. release the pid file (handled by the caller's defer)
func (d *Daemon) shutdown() {
	if d.task != nil {
		d.task.Stop()
		select {
		case <-d.task.Done():
		case <-time.After(2 * time.Second):
			secret.Logf("[Daemon] startup task did not stop within timeout")
		}
	}

	writers := d.writers.Snapshot()
	for _, w := range writers {
		w.Stop()
	}
	for _, w := range writers {
		if !w.Wait(writerStopJoinTimeout) {
			secret.Logf("[Daemon] writer for %q did not stop within %s", w.HostID, writerStopJoinTimeout)
		}
	}

	if d.server != nil {
		if err := d.server.Close(); err != nil {
			secret.Logf("[Daemon] close control socket: %v", err)
		}
	}

	if err := d.svc.Disconnect(); err != nil {
		secret.Logf("[Daemon] disconnect from service: %v", err)
	}

	secret.Logf("[Daemon] shutdown complete")
}

// acquirePIDFile writes the current process's pid to path, refusing to
// start if another instance's pid file refers to a live process
// (spec.md §4.9: "acquire pid file (refuse to start if another instance
// is alive)").
func acquirePIDFile(path string) (*os.File, error) {
	if path == "" {
		return nil, nil
	}

	if data, err := os.ReadFile(path); err == nil {
		if pid, perr := strconv.Atoi(string(trimNewline(data))); perr == nil && pid > 0 {
			if processAlive(pid) {
				return nil, fmt.Errorf("another instance is running (pid %d, pid file %q)", pid, path)
			}
		}
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open %q: %w", path, err)
	}
	if _, err := fmt.Fprintf(f, "%d\n", os.Getpid()); err != nil {
		f.Close()
		return nil, fmt.Errorf("write %q: %w", path, err)
	}
	return f, nil
}

func releasePIDFile(f *os.File, path string) {
	if f == nil {
		return
	}
	f.Close()
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		secret.Logf("[Daemon] remove pid file %q: %v", path, err)
	}
}

// processAlive reports whether pid names a live process, using the
// signal-0 idiom (sending signal 0 performs no action but still
// validates that the target exists and is reachable).
func processAlive(pid int) bool {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return proc.Signal(syscall.Signal(0)) == nil
}

func trimNewline(b []byte) []byte {
	for len(b) > 0 && (b[len(b)-1] == '\n' || b[len(b)-1] == '\r' || b[len(b)-1] == ' ') {
		b = b[:len(b)-1]
	}
	return b
}
