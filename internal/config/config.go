// Package config owns the daemon's configuration snapshot (spec.md §3)
// and its atomic reload, grounded on the teacher's pattern of swapping an
// immutable struct behind a mutex (internal/mcp.Manager's config diffing
// in the retrieval pack) rather than mutating shared config fields in
// place.
package config

import (
	"fmt"
	"os"
	"strconv"
	"sync"

	"gopkg.in/yaml.v3"
)

// Snapshot is the immutable configuration value readers capture once per
// operation. A reload swaps the *Snapshot held by Store; it never mutates
// a Snapshot already handed out.
type Snapshot struct {
	PXEDirectory             string `yaml:"pxe_directory"`
	DefaultTemplate          string `yaml:"default_template"`
	SocketPath               string `yaml:"socket_path"`
	DepotID                  string `yaml:"depot_id"`
	MaxConnections           int    `yaml:"max_connections"`
	MaxWriters               int    `yaml:"max_writers"`
	AdminGroup               string `yaml:"admin_group"`
	LogFile                  string `yaml:"log_file"`
	PidFile                  string `yaml:"pid_file"`
	ServiceURL               string `yaml:"service_url"`
	ServiceUser              string `yaml:"service_user"`
	ServicePassword          string `yaml:"service_password"`
	CACertFile               string `yaml:"ca_cert_file"`
	ConnectRetries           int    `yaml:"connect_retries"`
	ConnectRetryDelaySeconds int    `yaml:"connect_retry_delay_seconds"`
}

// defaults mirror opsipxeconfd.conf's shipped defaults.
func defaults() Snapshot {
	return Snapshot{
		PXEDirectory:             "/tftpboot/linux/pxelinux.cfg",
		DefaultTemplate:          "/tftpboot/linux/pxelinux.cfg/install",
		SocketPath:               "/var/run/opsipxeconfd/opsipxeconfd.socket",
		DepotID:                  "",
		MaxConnections:           10,
		MaxWriters:               100,
		AdminGroup:               "pcpatch",
		LogFile:                  "/var/log/opsi/opsipxeconfd.log",
		PidFile:                  "/var/run/opsipxeconfd/opsipxeconfd.pid",
		ServiceURL:               "https://localhost:4447/rpc",
		CACertFile:               "/etc/opsi/ssl/opsi-ca-cert.pem",
		ConnectRetries:           3,
		ConnectRetryDelaySeconds: 5,
	}
}

// Load starts from the shipped defaults, overlays the YAML snapshot file
// at path, and then overlays any non-empty environment variables
// (OPSIPXECONFD_*), so an environment variable wins over the file for the
// same field. A missing file is not an error: env vars and defaults alone
// are a valid configuration for tests.
func Load(path string) (*Snapshot, error) {
	snap := defaults()

	if path != "" {
		data, err := os.ReadFile(path)
		if err == nil {
			if err := yaml.Unmarshal(data, &snap); err != nil {
				return nil, fmt.Errorf("config: parse %q: %w", path, err)
			}
		} else if !os.IsNotExist(err) {
			return nil, fmt.Errorf("config: read %q: %w", path, err)
		}
	}

	applyEnvOverrides(&snap)

	if snap.DepotID == "" {
		return nil, fmt.Errorf("config: depot_id is required")
	}
	return &snap, nil
}

func applyEnvOverrides(s *Snapshot) {
	str := func(env string, dst *string) {
		if v := os.Getenv(env); v != "" {
			*dst = v
		}
	}
	num := func(env string, dst *int) {
		if v := os.Getenv(env); v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				*dst = n
			}
		}
	}

	str("OPSIPXECONFD_PXE_DIRECTORY", &s.PXEDirectory)
	str("OPSIPXECONFD_DEFAULT_TEMPLATE", &s.DefaultTemplate)
	str("OPSIPXECONFD_SOCKET_PATH", &s.SocketPath)
	str("OPSIPXECONFD_DEPOT_ID", &s.DepotID)
	str("OPSIPXECONFD_ADMIN_GROUP", &s.AdminGroup)
	str("OPSIPXECONFD_LOG_FILE", &s.LogFile)
	str("OPSIPXECONFD_PID_FILE", &s.PidFile)
	str("OPSIPXECONFD_SERVICE_URL", &s.ServiceURL)
	str("OPSIPXECONFD_SERVICE_USER", &s.ServiceUser)
	str("OPSIPXECONFD_SERVICE_PASSWORD", &s.ServicePassword)
	str("OPSIPXECONFD_CA_CERT_FILE", &s.CACertFile)
	num("OPSIPXECONFD_MAX_CONNECTIONS", &s.MaxConnections)
	num("OPSIPXECONFD_MAX_WRITERS", &s.MaxWriters)
	num("OPSIPXECONFD_CONNECT_RETRIES", &s.ConnectRetries)
	num("OPSIPXECONFD_CONNECT_RETRY_DELAY_SECONDS", &s.ConnectRetryDelaySeconds)
}

// Store holds the current Snapshot behind a mutex. Readers call Load to
// capture a reference at the start of an operation; Reload swaps the
// reference atomically so no reader ever observes a half-updated struct.
type Store struct {
	mu   sync.RWMutex
	path string
	cur  *Snapshot
}

// NewStore loads path once and returns a ready Store.
func NewStore(path string) (*Store, error) {
	snap, err := Load(path)
	if err != nil {
		return nil, err
	}
	return &Store{path: path, cur: snap}, nil
}

// Load returns the currently active Snapshot.
func (s *Store) Load() *Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cur
}

// Reload re-reads the backing file (and environment) and, on success,
// atomically replaces the active Snapshot. On failure the previous
// Snapshot remains active and the error is returned.
func (s *Store) Reload() error {
	snap, err := Load(s.path)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.cur = snap
	s.mu.Unlock()
	return nil
}
