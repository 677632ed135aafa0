// SPDX-FileCopyrightText: 2025 Paulo Almeida <almeidapaulopt@gmail.com>
// SPDX-License-Identifier: MIT

package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	"github.com/creasty/defaults"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"

	"github.com/yichenchong/proxyfleet/internal/consts"
)

type (
	// Config stores complete configuration.
	//
	Config struct {
		// InstallID identifies this installation to the fingerprint service.
		InstallID string `validate:"required" yaml:"installId"`

		HTTP         HTTPConfig         `yaml:"http"`
		Log          LogConfig          `yaml:"log"`
		Storage      StorageConfig      `yaml:"storage"`
		Refresh      RefreshConfig      `yaml:"refresh"`
		Fingerprint  FingerprintConfig  `yaml:"fingerprint"`
		Certificates CertificatesConfig `yaml:"certificates"`
		LetsEncrypt  LetsEncryptConfig  `yaml:"letsEncrypt"`
		Tracing      TracingConfig      `yaml:"tracing"`
		Seed         SeedConfig         `yaml:"seed"`
	}

	// LogConfig stores logging configuration.
	LogConfig struct {
		Level string `validate:"required,oneof=debug info warn error fatal panic trace" default:"info" yaml:"level"`
		JSON  bool   `validate:"boolean" default:"false" yaml:"json"`
	}

	// HTTPConfig stores HTTP configuration.
	HTTPConfig struct {
		Hostname string `validate:"ip|hostname,required" default:"0.0.0.0" yaml:"hostname"`
		Port     uint16 `validate:"numeric,min=1,max=65535,required" default:"8890" yaml:"port"`
		Pprof    bool   `validate:"boolean" default:"false" yaml:"pprof"`
	}

	// StorageConfig selects where projects, connectors, proxies and tasks live.
	StorageConfig struct {
		Driver string `validate:"required,oneof=memory postgres" default:"memory" yaml:"driver"`
		DSN    string `validate:"required_if=Driver postgres" yaml:"dsn,omitempty"`

		// Archive keeps finished tasks and removed proxies in history tables.
		Archive    bool   `validate:"boolean" default:"false" yaml:"archive"`
		ArchiveDSN string `validate:"required_if=Archive true" yaml:"archiveDsn,omitempty"`
	}

	// RefreshConfig stores the delays of the background loops.
	RefreshConfig struct {
		TasksDelay       time.Duration `validate:"gt=0" default:"1s" yaml:"tasksDelay"`
		ConnectorsDelay  time.Duration `validate:"gt=0" default:"5s" yaml:"connectorsDelay"`
		FingerprintDelay time.Duration `validate:"gt=0" default:"10s" yaml:"fingerprintDelay"`
		ProviderTimeout  time.Duration `validate:"gt=0" default:"30s" yaml:"providerTimeout"`
		TasksConcurrency int           `validate:"min=1" default:"8" yaml:"tasksConcurrency"`
	}

	// FingerprintConfig stores the health probe configuration.
	FingerprintConfig struct {
		URL               string        `validate:"required,url" default:"https://fingerprint.scrapoxy.io/api/json" yaml:"url"`
		FollowRedirectMax int           `validate:"min=0" default:"3" yaml:"followRedirectMax"`
		RetryMax          int           `validate:"min=0" default:"2" yaml:"retryMax"`
		Timeout           time.Duration `validate:"gt=0" default:"10s" yaml:"timeout"`
		Concurrency       int           `validate:"min=1" default:"16" yaml:"concurrency"`
	}

	// CertificatesConfig stores the validity of issued certificates.
	CertificatesConfig struct {
		// Dir keeps the project CAs. Empty keeps them in memory only.
		Dir           string        `default:"/data/ca" yaml:"dir"`
		CAValidity    time.Duration `validate:"gt=0" default:"87600h" yaml:"caValidity"`
		ProxyValidity time.Duration `validate:"gt=0" default:"8760h" yaml:"proxyValidity"`
	}

	// LetsEncryptConfig stores Let's Encrypt configuration
	LetsEncryptConfig struct {
		Enabled    bool   `validate:"boolean" default:"false" yaml:"enabled"`
		DomainName string `validate:"required_if=Enabled true" yaml:"domainName,omitempty"`
		CacheDir   string `default:"/data/certs" yaml:"cacheDir"`
	}

	TracingConfig struct {
		Enabled bool `validate:"boolean" default:"false" yaml:"enabled"`
	}

	// SeedConfig declares projects created at startup when they do not exist.
	SeedConfig struct {
		Projects []SeedProject `validate:"dive" yaml:"projects,omitempty"`
	}

	SeedProject struct {
		Name        string           `validate:"required" yaml:"name"`
		Status      string           `validate:"omitempty,oneof=OFF CALM HOT" default:"CALM" yaml:"status"`
		ProxiesMin  int              `validate:"min=0" default:"1" yaml:"proxiesMin"`
		Credentials []SeedCredential `validate:"dive" yaml:"credentials,omitempty"`
		Connectors  []SeedConnector  `validate:"dive" yaml:"connectors,omitempty"`
	}

	SeedCredential struct {
		Name   string         `validate:"required" yaml:"name"`
		Type   string         `validate:"required" yaml:"type"`
		Config map[string]any `yaml:"config,omitempty"`
	}

	SeedConnector struct {
		Name                       string         `validate:"required" yaml:"name"`
		Type                       string         `validate:"required" yaml:"type"`
		Credential                 string         `validate:"required" yaml:"credential"`
		ProxiesMax                 int            `validate:"min=0" default:"1" yaml:"proxiesMax"`
		ProxiesTimeoutDisconnected time.Duration  `validate:"gt=0" default:"3m" yaml:"proxiesTimeoutDisconnected"`
		ProxiesTimeoutUnreachable  time.Duration  `validate:"min=0" yaml:"proxiesTimeoutUnreachable,omitempty"`
		Install                    bool           `yaml:"install"`
		Active                     bool           `yaml:"active"`
		Default                    bool           `yaml:"default"`
		Config                     map[string]any `yaml:"config,omitempty"`
	}
)

// Load reads, completes and validates the configuration file.
// A missing file is created with default values.
func Load(filename string, env *viper.Viper) (*Config, error) {
	cfg := &Config{}

	fileConfig := NewConfigFile(log.Logger, filename, cfg)

	println("loading configuration from:", filename)

	if err := fileConfig.Load(); err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			return nil, err
		}
		println("Generating default configuration to:", filename)

		if err := defaults.Set(cfg); err != nil {
			return nil, fmt.Errorf("error loading defaults: %w", err)
		}
		cfg.InstallID = uuid.NewString()

		if err := fileConfig.Save(); err != nil {
			return nil, err
		}
	}

	// Make sure to set default values after loading from file
	// unless defaults of map type are not loaded.
	if err := defaults.Set(cfg); err != nil {
		return nil, fmt.Errorf("error loading defaults: %w", err)
	}

	if cfg.InstallID == "" {
		cfg.InstallID = uuid.NewString()
	}

	if env != nil {
		cfg.applyEnv(env)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// NewEnv returns a viper instance reading PROXYFLEET_* variables.
func NewEnv() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix(consts.EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	_ = v.BindEnv("storage.dsn", consts.EnvPrefix+"_STORAGE_DSN", "DATABASE_URL")

	return v
}

func (c *Config) applyEnv(v *viper.Viper) {
	if s := v.GetString("log.level"); s != "" {
		c.Log.Level = s
	}
	if s := v.GetString("storage.driver"); s != "" {
		c.Storage.Driver = s
	}
	if s := v.GetString("storage.dsn"); s != "" {
		c.Storage.DSN = s
	}
	if s := v.GetString("storage.archivedsn"); s != "" {
		c.Storage.ArchiveDSN = s
		c.Storage.Archive = true
	}
	if s := v.GetString("fingerprint.url"); s != "" {
		c.Fingerprint.URL = s
	}
}

func (c *Config) validate() error {
	validate := validator.New()
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	return nil
}

// Default returns a configuration with only default values, for tests and tools.
func Default() *Config {
	cfg := &Config{}
	if err := defaults.Set(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "Error loading defaults: %v\n", err)
	}
	cfg.InstallID = uuid.NewString()

	return cfg
}
