// Copyright 2025 Edgeo SCADA
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package config loads the scanner configuration from flags, environment
// (BACNET_ prefix) and an optional YAML file.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/edgeo-scada/bacnet-ede/bacnet"
)

// Keys recognized in the configuration file and environment
const (
	KeyPort             = "port"
	KeyLocalAddress     = "localAddress"
	KeyBroadcast        = "broadcast"
	KeyThread           = "outputSequence.thread"
	KeyDelay            = "outputSequence.delay"
	KeyTimeout          = "outputSequence.timeout"
	KeyRetries          = "outputSequence.retries"
	KeyNetwork          = "bacnet.network"
	KeyDiscoveryTimeout = "discoveryTimeout"
	KeyFilePath         = "filePath"
	KeyFileName         = "fileName"
)

// OutputSequence paces the requests sent to each device
type OutputSequence struct {
	// Thread is the maximum number of requests in flight per device
	Thread int `mapstructure:"thread"`
	// Delay is the base spacing between request starts, in milliseconds
	Delay int `mapstructure:"delay"`
	// Timeout is the invoke-ID slot timeout, in milliseconds
	Timeout int `mapstructure:"timeout"`
	Retries int `mapstructure:"retries"`
}

// Network holds the BACnet network layer settings
type Network struct {
	Network uint16 `mapstructure:"network"`
}

// Config is the full application configuration
type Config struct {
	Port             int            `mapstructure:"port"`
	LocalAddress     string         `mapstructure:"localAddress"`
	Broadcast        string         `mapstructure:"broadcast"`
	OutputSequence   OutputSequence `mapstructure:"outputSequence"`
	BACnet           Network        `mapstructure:"bacnet"`
	DiscoveryTimeout time.Duration  `mapstructure:"discoveryTimeout"`
	FilePath         string         `mapstructure:"filePath"`
	FileName         string         `mapstructure:"fileName"`
}

// SetDefaults registers every key with its default so that environment
// overrides are picked up by Unmarshal
func SetDefaults(v *viper.Viper) {
	v.SetDefault(KeyPort, bacnet.DefaultPort)
	v.SetDefault(KeyLocalAddress, "")
	v.SetDefault(KeyBroadcast, "255.255.255.255")
	v.SetDefault(KeyThread, 4)
	v.SetDefault(KeyDelay, 20)
	v.SetDefault(KeyTimeout, 3000)
	v.SetDefault(KeyRetries, 2)
	v.SetDefault(KeyNetwork, 0)
	v.SetDefault(KeyDiscoveryTimeout, 30*time.Second)
	v.SetDefault(KeyFilePath, ".")
	v.SetDefault(KeyFileName, "ede")
}

// New returns a viper instance with defaults and environment binding set up
func New() *viper.Viper {
	v := viper.New()
	SetDefaults(v)
	v.SetEnvPrefix("BACNET")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// ReadFile merges a YAML configuration file into v. An empty path is a no-op.
func ReadFile(v *viper.Viper, path string) error {
	if path == "" {
		return nil
	}
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("read config file %s: %w", path, err)
	}
	return nil
}

// Load decodes and validates the configuration held by v
func Load(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return &cfg, nil
}

// Validate checks value ranges
func (c *Config) Validate() error {
	var errs []error
	if c.Port < 0 || c.Port > 0xFFFF {
		errs = append(errs, fmt.Errorf("port %d out of range", c.Port))
	}
	if c.OutputSequence.Thread < 1 {
		errs = append(errs, fmt.Errorf("outputSequence.thread must be at least 1, got %d", c.OutputSequence.Thread))
	}
	if c.OutputSequence.Delay < 0 {
		errs = append(errs, fmt.Errorf("outputSequence.delay must not be negative"))
	}
	if c.OutputSequence.Timeout <= 0 {
		errs = append(errs, fmt.Errorf("outputSequence.timeout must be positive"))
	}
	if c.OutputSequence.Retries < 0 {
		errs = append(errs, fmt.Errorf("outputSequence.retries must not be negative"))
	}
	if c.DiscoveryTimeout <= 0 {
		errs = append(errs, fmt.Errorf("discoveryTimeout must be positive"))
	}
	if c.FileName == "" {
		errs = append(errs, errors.New("fileName must not be empty"))
	}
	return errors.Join(errs...)
}

// RequestDelay returns the base inter-request delay
func (c *Config) RequestDelay() time.Duration {
	return time.Duration(c.OutputSequence.Delay) * time.Millisecond
}

// RequestTimeout returns the invoke-ID slot timeout
func (c *Config) RequestTimeout() time.Duration {
	return time.Duration(c.OutputSequence.Timeout) * time.Millisecond
}

// Options translates the configuration into library options shared by
// the client and the server
func (c *Config) Options(logger *slog.Logger) []bacnet.Option {
	opts := []bacnet.Option{
		bacnet.WithPort(c.Port),
		bacnet.WithPeerPort(c.Port),
		bacnet.WithNetworkNumber(c.BACnet.Network),
		bacnet.WithThread(c.OutputSequence.Thread),
		bacnet.WithDelay(c.RequestDelay()),
		bacnet.WithTimeout(c.RequestTimeout()),
		bacnet.WithRetries(c.OutputSequence.Retries),
	}
	if c.LocalAddress != "" {
		opts = append(opts, bacnet.WithLocalAddress(c.LocalAddress))
	}
	if c.Broadcast != "" {
		opts = append(opts, bacnet.WithBroadcastAddress(c.Broadcast))
	}
	if logger != nil {
		opts = append(opts, bacnet.WithLogger(logger))
	}
	return opts
}
