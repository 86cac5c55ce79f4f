package config

import (
	"errors"
	"fmt"
)

// Validate checks that all required fields are set and values are valid.
func (c *Config) Validate() error {
	if c.Worker.Command == "" {
		return errors.New("worker.command is required")
	}
	if c.Worker.Port < 1 || c.Worker.Port > 65535 {
		return fmt.Errorf("worker.port must be between 1 and 65535, got %d", c.Worker.Port)
	}
	if c.Worker.MaxRestartAttempts < 1 {
		return errors.New("worker.max_restart_attempts must be >= 1")
	}
	if c.Worker.StartupTimeout <= 0 {
		return errors.New("worker.startup_timeout must be > 0")
	}
	if c.Worker.MessageTimeout <= 0 {
		return errors.New("worker.message_timeout must be > 0")
	}

	if c.Hub.HeartbeatInterval <= 0 {
		return errors.New("hub.heartbeat_interval must be > 0")
	}
	if c.Hub.PongGrace <= 0 {
		return errors.New("hub.pong_grace must be > 0")
	}
	if c.Hub.PongGrace >= c.Hub.HeartbeatInterval {
		return fmt.Errorf("hub.pong_grace (%s) must be shorter than hub.heartbeat_interval (%s)",
			c.Hub.PongGrace, c.Hub.HeartbeatInterval)
	}

	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log.level must be one of debug, info, warn, error; got %q", c.Log.Level)
	}

	return nil
}
