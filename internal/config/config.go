// Package config loads process configuration from the environment, with
// command-line flags layered on top by the binaries.
package config

import (
	"fmt"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Client holds the chat client configuration. Every field can be set via
// the PEERCHAT_* environment variables; flags override.
type Client struct {
	RelayURL       string        `envconfig:"RELAY_URL" default:"ws://127.0.0.1:9595/ws"`
	ConnectTimeout time.Duration `envconfig:"CONNECT_TIMEOUT" default:"15s"`
	Debug          bool          `envconfig:"DEBUG" default:"false"`
}

// Relay holds the relay daemon configuration.
type Relay struct {
	ListenAddr string `envconfig:"LISTEN_ADDR" default:":9595"`
	Debug      bool   `envconfig:"DEBUG" default:"false"`
}

// LoadClient reads the client configuration from the environment.
func LoadClient() (Client, error) {
	var c Client
	if err := envconfig.Process("peerchat", &c); err != nil {
		return Client{}, fmt.Errorf("failed to load config: %w", err)
	}
	return c, nil
}

// LoadRelay reads the relay configuration from the environment.
func LoadRelay() (Relay, error) {
	var r Relay
	if err := envconfig.Process("peerchat", &r); err != nil {
		return Relay{}, fmt.Errorf("failed to load config: %w", err)
	}
	return r, nil
}
