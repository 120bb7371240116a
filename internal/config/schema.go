// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package config handles HJSON configuration loading for the refine client.
package config

import (
	"time"
)

// Config is the root configuration structure.
type Config struct {
	Server  ServerConfig  `json:"server"`
	Stream  StreamConfig  `json:"stream"`
	History HistoryConfig `json:"history"`
}

// ServerConfig locates the backend.
type ServerConfig struct {
	// BaseURL is the backend root, e.g. "http://localhost:8000".
	BaseURL string `json:"base_url"`
	// StreamURL overrides the streaming endpoint host when it differs from
	// the REST host (the reference deployment proxies REST but connects the
	// stream directly). Empty means derive from BaseURL.
	StreamURL string `json:"stream_url"`
	// Timeout is the HTTP request timeout (e.g. "30s").
	Timeout string `json:"timeout"`
}

// StreamConfig bounds stream reconnection.
type StreamConfig struct {
	ReconnectAttempts int `json:"reconnect_attempts"`
	// ReconnectInterval is the fixed delay between reconnect dials (e.g. "3s").
	ReconnectInterval string `json:"reconnect_interval"`
}

// HistoryConfig controls chat history retention.
type HistoryConfig struct {
	// Dir enables per-session JSONL history persistence when non-empty.
	Dir string `json:"dir"`
	// ClearOnClose clears the full-history log when a session is explicitly
	// closed. Defaults to true; use a literal false to retain history.
	ClearOnClose *bool `json:"clear_on_close"`
}

// EffectiveStreamURL returns the stream host, falling back to the REST host.
func (c *Config) EffectiveStreamURL() string {
	if c.Server.StreamURL != "" {
		return c.Server.StreamURL
	}
	return c.Server.BaseURL
}

// HTTPTimeout parses the configured timeout. Defaults are applied at load
// time, so this only fails on an invalid value.
func (c *Config) HTTPTimeout() (time.Duration, error) {
	return time.ParseDuration(c.Server.Timeout)
}

// ReconnectInterval parses the configured reconnect delay.
func (c *Config) ReconnectInterval() (time.Duration, error) {
	return time.ParseDuration(c.Stream.ReconnectInterval)
}

// ClearHistoryOnClose resolves the retention policy knob.
func (c *Config) ClearHistoryOnClose() bool {
	if c.History.ClearOnClose == nil {
		return true
	}
	return *c.History.ClearOnClose
}
