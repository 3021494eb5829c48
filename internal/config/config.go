// Package config holds aegisd runtime configuration: the tunables for the
// RPC bus, the scheduler/executor pair backing the periodic engine, the
// guest-agent poller, and the paths aegisd persists state under.
package config

import (
	"os"
	"path/filepath"
	"time"
)

// Config holds aegisd runtime configuration.
type Config struct {
	// DataDir is the base directory for aegisd runtime data.
	DataDir string

	// DBPath is the path to the SQLite recovery-record database.
	DBPath string

	// MasterKeyPath is the path to the AES-256 key protecting the shared
	// RPC credential at rest.
	MasterKeyPath string

	// BusListenAddr is the plain TCP address cmd/aegisd listens on. The
	// STOMP-framed control plane and the HTTP image transport share this
	// socket through protocol detection.
	BusListenAddr string

	// ImageTransportListenAddr is not bound by cmd/aegisd: the HTTP image
	// transport (PUT/GET of disk image and volume payloads) is served on
	// BusListenAddr's socket.
	ImageTransportListenAddr string

	// SchedulerWorkers is the number of executor worker goroutines backing
	// the periodic operation engine.
	SchedulerWorkers int

	// TaskPerWorker bounds the executor task queue: capacity is
	// SchedulerWorkers * TaskPerWorker.
	TaskPerWorker int

	// GuestAgentPollInterval is the base period for guest-agent commands
	// that don't declare a more specific period.
	GuestAgentPollInterval time.Duration

	// GuestAgentBootWindow is how long after a VM reaches WaitForLaunch
	// the poller probes capabilities aggressively instead of on the
	// normal schedule.
	GuestAgentBootWindow time.Duration

	// GuestAgentFailureThrottle is how long the poller leaves a VM alone
	// after any guest-agent failure on it (a failed probe or refresh, or
	// an I/O error event).
	GuestAgentFailureThrottle time.Duration

	// HotplugRefreshWindow is how long after a disk hotplug event the
	// poller re-queries disk/filesystem commands ahead of their normal
	// period.
	HotplugRefreshWindow time.Duration

	// RecoveryReplayTimeout is passed to the RPC server as the executor
	// timeout of every dispatched request, startup recovery replays
	// included. Startup recovery itself does not wait for a replay to
	// finish.
	RecoveryReplayTimeout time.Duration
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	homeDir, _ := os.UserHomeDir()
	baseDir := filepath.Join(homeDir, ".aegisd")

	return &Config{
		DataDir:                   baseDir,
		DBPath:                    filepath.Join(baseDir, "recovery.db"),
		MasterKeyPath:             filepath.Join(baseDir, "master.key"),
		BusListenAddr:             "0.0.0.0:54321",
		ImageTransportListenAddr: "0.0.0.0:54322",
		SchedulerWorkers:          4,
		TaskPerWorker:             5,
		GuestAgentPollInterval:    10 * time.Second,
		GuestAgentBootWindow:      60 * time.Second,
		GuestAgentFailureThrottle: 30 * time.Second,
		HotplugRefreshWindow:      15 * time.Second,
		RecoveryReplayTimeout:     30 * time.Second,
	}
}

// EnsureDirs creates all directories the configuration depends on.
func (c *Config) EnsureDirs() error {
	dirs := []string{
		c.DataDir,
		filepath.Dir(c.DBPath),
		filepath.Dir(c.MasterKeyPath),
	}
	for _, d := range dirs {
		if err := os.MkdirAll(d, 0700); err != nil {
			return err
		}
	}
	return nil
}
