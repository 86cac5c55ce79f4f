// Package config loads and validates the playground server
// configuration from YAML with environment variable expansion.
package config

import "time"

// Config is the root configuration for the playground server.
type Config struct {
	Server ServerConfig `yaml:"server"`
	Worker WorkerConfig `yaml:"worker"`
	Hub    HubConfig    `yaml:"hub"`
	Log    LogConfig    `yaml:"log"`
}

// ServerConfig configures the HTTP/websocket listener.
type ServerConfig struct {
	ListenAddr     string   `yaml:"listen_addr"`
	AllowedOrigins []string `yaml:"allowed_origins"` // empty = same-origin only
}

// WorkerConfig configures the agent worker subprocess.
type WorkerConfig struct {
	Command string   `yaml:"command"`
	Args    []string `yaml:"args"`
	Dir     string   `yaml:"dir"`
	Env     []string `yaml:"env"` // extra environment, KEY=VALUE form

	Host string `yaml:"host"`
	Port int    `yaml:"port"`

	HostEnv string `yaml:"host_env"` // env var name carrying host
	PortEnv string `yaml:"port_env"` // env var name carrying port

	ReadyMarker string `yaml:"ready_marker"`

	StartupTimeout time.Duration `yaml:"startup_timeout"`
	MessageTimeout time.Duration `yaml:"message_timeout"`
	StopGrace      time.Duration `yaml:"stop_grace"`
	RestartDelay   time.Duration `yaml:"restart_delay"`

	MaxRestartAttempts int `yaml:"max_restart_attempts"`
}

// HubConfig configures client connection liveness.
type HubConfig struct {
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	PongGrace         time.Duration `yaml:"pong_grace"`
	WriteTimeout      time.Duration `yaml:"write_timeout"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level string `yaml:"level"` // debug, info, warn, error
}
