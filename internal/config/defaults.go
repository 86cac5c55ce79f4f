package config

import "time"

// Default values for optional configuration fields.
const (
	DefaultListenAddr = ":8080"

	DefaultWorkerHost        = "localhost"
	DefaultWorkerPort        = 8001
	DefaultWorkerHostEnv     = "AGENT_WORKER_HOST"
	DefaultWorkerPortEnv     = "AGENT_WORKER_PORT"
	DefaultWorkerReadyMarker = "Service started"

	DefaultStartupTimeout     = 10 * time.Second
	DefaultMessageTimeout     = 30 * time.Second
	DefaultStopGrace          = 5 * time.Second
	DefaultRestartDelay       = 2 * time.Second
	DefaultMaxRestartAttempts = 3

	DefaultHeartbeatInterval = 30 * time.Second
	DefaultPongGrace         = 5 * time.Second
	DefaultWriteTimeout      = 5 * time.Second

	DefaultLogLevel = "info"
)

func (c *Config) applyDefaults() {
	// Server defaults
	if c.Server.ListenAddr == "" {
		c.Server.ListenAddr = DefaultListenAddr
	}

	// Worker defaults
	if c.Worker.Host == "" {
		c.Worker.Host = DefaultWorkerHost
	}
	if c.Worker.Port == 0 {
		c.Worker.Port = DefaultWorkerPort
	}
	if c.Worker.HostEnv == "" {
		c.Worker.HostEnv = DefaultWorkerHostEnv
	}
	if c.Worker.PortEnv == "" {
		c.Worker.PortEnv = DefaultWorkerPortEnv
	}
	if c.Worker.ReadyMarker == "" {
		c.Worker.ReadyMarker = DefaultWorkerReadyMarker
	}
	if c.Worker.StartupTimeout == 0 {
		c.Worker.StartupTimeout = DefaultStartupTimeout
	}
	if c.Worker.MessageTimeout == 0 {
		c.Worker.MessageTimeout = DefaultMessageTimeout
	}
	if c.Worker.StopGrace == 0 {
		c.Worker.StopGrace = DefaultStopGrace
	}
	if c.Worker.RestartDelay == 0 {
		c.Worker.RestartDelay = DefaultRestartDelay
	}
	if c.Worker.MaxRestartAttempts == 0 {
		c.Worker.MaxRestartAttempts = DefaultMaxRestartAttempts
	}

	// Hub defaults
	if c.Hub.HeartbeatInterval == 0 {
		c.Hub.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if c.Hub.PongGrace == 0 {
		c.Hub.PongGrace = DefaultPongGrace
	}
	if c.Hub.WriteTimeout == 0 {
		c.Hub.WriteTimeout = DefaultWriteTimeout
	}

	// Log defaults
	if c.Log.Level == "" {
		c.Log.Level = DefaultLogLevel
	}
}
