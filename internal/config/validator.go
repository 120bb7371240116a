// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"fmt"
	"net/url"
)

// Validate checks a loaded config for values that would fail later at use.
// Call after defaults are applied.
func Validate(cfg *Config) error {
	if err := validateURL("server.base_url", cfg.Server.BaseURL); err != nil {
		return err
	}
	if cfg.Server.StreamURL != "" {
		if err := validateURL("server.stream_url", cfg.Server.StreamURL); err != nil {
			return err
		}
	}
	if _, err := cfg.HTTPTimeout(); err != nil {
		return fmt.Errorf("server.timeout: %w", err)
	}
	if cfg.Stream.ReconnectAttempts < 0 {
		return fmt.Errorf("stream.reconnect_attempts must not be negative")
	}
	if d, err := cfg.ReconnectInterval(); err != nil {
		return fmt.Errorf("stream.reconnect_interval: %w", err)
	} else if d <= 0 {
		return fmt.Errorf("stream.reconnect_interval must be positive")
	}
	return nil
}

func validateURL(field, value string) error {
	u, err := url.Parse(value)
	if err != nil {
		return fmt.Errorf("%s: %w", field, err)
	}
	switch u.Scheme {
	case "http", "https", "ws", "wss":
	default:
		return fmt.Errorf("%s: unsupported scheme %q", field, u.Scheme)
	}
	if u.Host == "" {
		return fmt.Errorf("%s: missing host", field)
	}
	return nil
}
