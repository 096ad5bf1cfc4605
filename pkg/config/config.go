// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package config loads gateway configuration from the environment.
//
// All settings come from environment variables using "__" as the nesting
// delimiter, e.g. DATABASE__HOST maps to Config.Database.Host. Defaults are
// chosen so a bare `gateway` process starts against a local sqlite file.
package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// Env identifies the deployment environment.
type Env string

const (
	EnvDev  Env = "dev"
	EnvProd Env = "prod"
)

// Engine selects the relational database driver.
type Engine string

const (
	EnginePostgres Engine = "postgres"
	EngineSQLite   Engine = "sqlite"
)

// AppConfig holds application-level settings.
type AppConfig struct {
	Env Env `mapstructure:"env"`
	// Port is the HTTP listen port.
	Port int `mapstructure:"port"`
	// SecretKey signs user access tokens. Override in production.
	SecretKey string `mapstructure:"secret_key"`
	// Algorithm is the JWT signing algorithm (HS256 by default).
	Algorithm string `mapstructure:"algorithm"`
	// AccessTokenExpireMinutes bounds the lifetime of login tokens.
	AccessTokenExpireMinutes int    `mapstructure:"access_token_expire_minutes"`
	LogLevel                 string `mapstructure:"log_level"`
}

// DatabaseConfig holds connection settings for the relational store.
//
// For the sqlite engine only Path is consulted; ":memory:" yields an
// in-process database, which the test suites rely on.
type DatabaseConfig struct {
	Engine   Engine `mapstructure:"engine"`
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
	DB       string `mapstructure:"db"`
	Path     string `mapstructure:"path"`
}

// DSN renders the driver-specific connection string.
func (d DatabaseConfig) DSN() string {
	switch d.Engine {
	case EngineSQLite:
		if d.Path == "" {
			return "ollamarelay.db"
		}
		return d.Path
	default:
		return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=disable",
			d.Username, d.Password, d.Host, d.Port, d.DB)
	}
}

// Config is the root configuration object, constructed once at startup and
// passed to components explicitly.
type Config struct {
	App      AppConfig      `mapstructure:"app"`
	Database DatabaseConfig `mapstructure:"database"`
}

// Load reads configuration from the environment.
func Load() (*Config, error) {
	v := viper.New()

	v.SetDefault("app.env", string(EnvProd))
	v.SetDefault("app.port", 8000)
	v.SetDefault("app.secret_key", "change-me")
	v.SetDefault("app.algorithm", "HS256")
	v.SetDefault("app.access_token_expire_minutes", 30)
	v.SetDefault("app.log_level", "info")

	v.SetDefault("database.engine", string(EngineSQLite))
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.username", "ollamarelay")
	v.SetDefault("database.password", "")
	v.SetDefault("database.db", "ollamarelay")
	v.SetDefault("database.path", "ollamarelay.db")

	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "__"))

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	switch c.App.Env {
	case EnvDev, EnvProd:
	default:
		return fmt.Errorf("invalid APP__ENV %q: must be dev or prod", c.App.Env)
	}
	switch c.Database.Engine {
	case EnginePostgres, EngineSQLite:
	default:
		return fmt.Errorf("invalid DATABASE__ENGINE %q: must be postgres or sqlite", c.Database.Engine)
	}
	if c.App.Port <= 0 || c.App.Port > 65535 {
		return fmt.Errorf("invalid APP__PORT %d", c.App.Port)
	}
	return nil
}
