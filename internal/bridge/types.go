package bridge

import (
	"encoding/json"
	"errors"
	"time"
)

// Errors
var (
	ErrNotRunning     = errors.New("worker not running")
	ErrAlreadyRunning = errors.New("worker already running")
	ErrStopped        = errors.New("service stopped")
	ErrTimeout        = errors.New("request timeout")
	ErrStartupTimeout = errors.New("worker readiness timeout")
	ErrWorkerExited   = errors.New("worker exited")
)

// Status is the worker lifecycle state.
type Status string

const (
	StatusStopped Status = "stopped"
	StatusHealthy Status = "healthy"
	StatusFailed  Status = "failed"
)

// Config configures the Bridge.
type Config struct {
	Command string   // worker executable
	Args    []string // worker arguments
	Dir     string   // working directory (empty = inherit)
	Env     []string // extra environment, KEY=VALUE form

	Host string // passed to the worker via HostEnv
	Port int    // passed to the worker via PortEnv

	HostEnv string // env var name carrying Host
	PortEnv string // env var name carrying Port

	ReadyMarker string // stdout substring signalling readiness

	StartupTimeout time.Duration // max wait for the readiness marker
	MessageTimeout time.Duration // per-request response deadline
	StopGrace      time.Duration // wait after SIGTERM before SIGKILL
	RestartDelay   time.Duration // pause between automatic restarts

	MaxRestartAttempts int
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Host:               "localhost",
		Port:               8001,
		HostEnv:            "AGENT_WORKER_HOST",
		PortEnv:            "AGENT_WORKER_PORT",
		ReadyMarker:        "Service started",
		StartupTimeout:     10 * time.Second,
		MessageTimeout:     30 * time.Second,
		StopGrace:          5 * time.Second,
		RestartDelay:       2 * time.Second,
		MaxRestartAttempts: 3,
	}
}

func (c *Config) applyDefaults() {
	def := DefaultConfig()
	if c.Host == "" {
		c.Host = def.Host
	}
	if c.Port == 0 {
		c.Port = def.Port
	}
	if c.HostEnv == "" {
		c.HostEnv = def.HostEnv
	}
	if c.PortEnv == "" {
		c.PortEnv = def.PortEnv
	}
	if c.ReadyMarker == "" {
		c.ReadyMarker = def.ReadyMarker
	}
	if c.StartupTimeout == 0 {
		c.StartupTimeout = def.StartupTimeout
	}
	if c.MessageTimeout == 0 {
		c.MessageTimeout = def.MessageTimeout
	}
	if c.StopGrace == 0 {
		c.StopGrace = def.StopGrace
	}
	if c.RestartDelay == 0 {
		c.RestartDelay = def.RestartDelay
	}
	if c.MaxRestartAttempts == 0 {
		c.MaxRestartAttempts = def.MaxRestartAttempts
	}
}

// Health is a point-in-time snapshot of the worker.
type Health struct {
	Status          Status `json:"status"`
	PID             int    `json:"pid"`
	RestartAttempts int    `json:"restart_attempts"`
	LastError       string `json:"last_error,omitempty"`
	InFlight        int    `json:"in_flight"`
}

// workerRequest is one request line written to the worker's stdin.
type workerRequest struct {
	Type      string          `json:"type"`
	ID        string          `json:"id"`
	Timestamp string          `json:"timestamp"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// workerResponse is the correlation view of a worker stdout line. Lines
// that parse but carry no recognized pending id are ordinary logging.
type workerResponse struct {
	ID string `json:"id"`
}
