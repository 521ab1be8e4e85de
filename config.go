// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package lbproxy

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	lberrors "github.com/absmach/lbproxy/pkg/errors"
	"github.com/absmach/lbproxy/pkg/policy"
	"github.com/caarlos0/env/v11"
)

// Config is the load balancer configuration. Values come from the
// environment first; keys present in ConfigFile override them.
type Config struct {
	Host           string        `env:"HOST"            envDefault:"127.0.0.1"   toml:"host"`
	Port           string        `env:"PORT"            envDefault:"8080"        toml:"port"`
	Targets        []string      `env:"TARGETS"         envSeparator:","         toml:"targets"`
	Policy         policy.Kind   `env:"POLICY"          envDefault:"round_robin" toml:"policy"`
	PollTimeout    time.Duration `env:"POLL_TIMEOUT"    envDefault:"1s"          toml:"poll_timeout"`
	ConnectTimeout time.Duration `env:"CONNECT_TIMEOUT" envDefault:"10s"         toml:"connect_timeout"`
	WriteTimeout   time.Duration `env:"WRITE_TIMEOUT"   envDefault:"5s"          toml:"write_timeout"`
	BufferSize     int           `env:"BUFFER_SIZE"     envDefault:"4096"        toml:"buffer_size"`

	// Accept limits; a zero rate disables the limiter.
	AcceptRate  float64 `env:"ACCEPT_RATE"  envDefault:"0" toml:"accept_rate"`
	AcceptBurst int     `env:"ACCEPT_BURST" envDefault:"0" toml:"accept_burst"`
	ClientRate  float64 `env:"CLIENT_RATE"  envDefault:"0" toml:"client_rate"`
	ClientBurst int     `env:"CLIENT_BURST" envDefault:"0" toml:"client_burst"`

	ConfigFile string `env:"CONFIG_FILE" toml:"-"`
}

// NewConfig parses the environment using opts, applies ConfigFile if set and
// validates the result.
func NewConfig(opts env.Options) (Config, error) {
	cfg := Config{}
	if err := env.ParseWithOptions(&cfg, opts); err != nil {
		return Config{}, err
	}
	if cfg.ConfigFile != "" {
		if err := cfg.LoadFile(cfg.ConfigFile); err != nil {
			return Config{}, err
		}
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// LoadFile decodes the TOML file at path over c. Only keys present in the
// file are changed. Unknown keys are rejected.
func (c *Config) LoadFile(path string) error {
	md, err := toml.DecodeFile(path, c)
	if err != nil {
		return fmt.Errorf("failed to load config file %s: %w", path, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		return fmt.Errorf("config file %s: unknown keys: %s", path, strings.Join(keys, ", "))
	}
	return nil
}

// Endpoints parses Targets.
func (c Config) Endpoints() ([]policy.Endpoint, error) {
	return policy.ParseEndpoints(c.Targets)
}

// Validate reports every problem with the configuration.
func (c Config) Validate() error {
	var errs []error
	if len(c.Targets) == 0 {
		errs = append(errs, lberrors.ErrNoEndpoints)
	} else if _, err := c.Endpoints(); err != nil {
		errs = append(errs, err)
	}
	if c.BufferSize <= 0 {
		errs = append(errs, fmt.Errorf("buffer size must be positive, got %d", c.BufferSize))
	}
	for name, d := range map[string]time.Duration{
		"poll timeout":    c.PollTimeout,
		"connect timeout": c.ConnectTimeout,
		"write timeout":   c.WriteTimeout,
	} {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive, got %s", name, d))
		}
	}
	if c.AcceptRate < 0 || c.ClientRate < 0 {
		errs = append(errs, errors.New("rates must not be negative"))
	}
	return errors.Join(errs...)
}
