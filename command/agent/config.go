// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package agent

import (
	"fmt"
	"net"
	"strconv"
	"time"
)

// Config is the agent configuration, assembled from defaults, config files
// in load order and command line flags, later sources winning.
type Config struct {
	// BindAddr is the address the HTTP listener binds to.
	BindAddr string `mapstructure:"bind_addr"`

	// Port is the HTTP listener port.
	Port int `mapstructure:"port"`

	LogLevel string `mapstructure:"log_level"`
	LogJson  bool   `mapstructure:"log_json"`

	// EnableDebug registers the pprof handlers.
	EnableDebug bool `mapstructure:"enable_debug"`

	// IssuersDir holds one tenant configuration file per issuer, loaded at
	// startup.
	IssuersDir string `mapstructure:"issuers_dir"`

	// Issuers are tenant configurations declared inline.
	Issuers []*IssuerConfigFile `mapstructure:"issuer"`

	Telemetry *Telemetry `mapstructure:"telemetry"`

	// ReservationTimeout is how long an unfinished status reservation is
	// protected from reclamation, e.g. "5m".
	ReservationTimeout string `mapstructure:"reservation_timeout"`

	// StatusPublishEndpoint, when set, receives regenerated status list
	// credentials after status updates.
	StatusPublishEndpoint string `mapstructure:"status_publish_endpoint"`
}

// Telemetry is the telemetry configuration.
type Telemetry struct {
	CollectionInterval string `mapstructure:"collection_interval"`
	RetentionPeriod    string `mapstructure:"retention_period"`

	collectionInterval time.Duration
	retentionPeriod    time.Duration
}

// CollectionIntervalDuration is the parsed collection interval.
func (t *Telemetry) CollectionIntervalDuration() time.Duration {
	return t.collectionInterval
}

// RetentionPeriodDuration is the parsed retention period.
func (t *Telemetry) RetentionPeriodDuration() time.Duration {
	return t.retentionPeriod
}

// IssuerConfigFile is the loose file form of a tenant configuration; it is
// decoded and validated into structs.IssuerConfig by the agent.
type IssuerConfigFile struct {
	ID                 string `mapstructure:"id"`
	ControllerID       string `mapstructure:"controller_id"`
	Issuer             string `mapstructure:"issuer"`
	AllowUnidentified  bool   `mapstructure:"allow_unidentified"`
	BaseURL            string `mapstructure:"base_url"`
	SigningKeyFile     string `mapstructure:"signing_key_file"`
	SigningKey         string `mapstructure:"signing_key"`
	VerificationMethod string `mapstructure:"verification_method"`

	StatusListOptions []map[string]any `mapstructure:"status_list_options"`
	IssueOptions      map[string]any   `mapstructure:"issue_options"`
}

// DefaultConfig returns the baseline agent configuration.
func DefaultConfig() *Config {
	return &Config{
		BindAddr: "127.0.0.1",
		Port:     8800,
		LogLevel: "INFO",
		Telemetry: &Telemetry{
			CollectionInterval: "10s",
			RetentionPeriod:    "1m",
			collectionInterval: 10 * time.Second,
			retentionPeriod:    time.Minute,
		},
	}
}

// Merge folds b over c, b winning where set.
func (c *Config) Merge(b *Config) *Config {
	result := *c

	if b.BindAddr != "" {
		result.BindAddr = b.BindAddr
	}
	if b.Port != 0 {
		result.Port = b.Port
	}
	if b.LogLevel != "" {
		result.LogLevel = b.LogLevel
	}
	if b.LogJson {
		result.LogJson = true
	}
	if b.EnableDebug {
		result.EnableDebug = true
	}
	if b.IssuersDir != "" {
		result.IssuersDir = b.IssuersDir
	}
	if len(b.Issuers) != 0 {
		result.Issuers = append(result.Issuers, b.Issuers...)
	}
	if b.Telemetry != nil {
		result.Telemetry = b.Telemetry
	}
	if b.ReservationTimeout != "" {
		result.ReservationTimeout = b.ReservationTimeout
	}
	if b.StatusPublishEndpoint != "" {
		result.StatusPublishEndpoint = b.StatusPublishEndpoint
	}
	return &result
}

// normalizedAddr is the bind address in host:port form.
func (c *Config) normalizedAddr() string {
	return net.JoinHostPort(c.BindAddr, strconv.Itoa(c.Port))
}

// Finalize parses the duration strings after merging.
func (c *Config) Finalize() error {
	if c.Telemetry != nil {
		var err error
		if c.Telemetry.CollectionInterval != "" {
			c.Telemetry.collectionInterval, err = time.ParseDuration(c.Telemetry.CollectionInterval)
			if err != nil {
				return fmt.Errorf("invalid telemetry collection_interval: %v", err)
			}
		}
		if c.Telemetry.RetentionPeriod != "" {
			c.Telemetry.retentionPeriod, err = time.ParseDuration(c.Telemetry.RetentionPeriod)
			if err != nil {
				return fmt.Errorf("invalid telemetry retention_period: %v", err)
			}
		}
	}
	if c.ReservationTimeout != "" {
		if _, err := time.ParseDuration(c.ReservationTimeout); err != nil {
			return fmt.Errorf("invalid reservation_timeout: %v", err)
		}
	}
	return nil
}

func (c *Config) reservationTimeout() time.Duration {
	if c.ReservationTimeout == "" {
		return 0
	}
	d, _ := time.ParseDuration(c.ReservationTimeout)
	return d
}
